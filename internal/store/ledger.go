package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lilypad-labs/pondex/pkg/models"
)

// Referral errors surfaced to API callers.
var (
	ErrCodeNotFound    = errors.New("referral code not found")
	ErrSelfReferral    = errors.New("cannot use own referral code")
	ErrAlreadyReferred = errors.New("address already has a referrer")
)

// LedgerStore persists point balances, the audit trail and referrals.
type LedgerStore struct {
	*Store
}

// NewLedgerStore wraps a Store with ledger operations.
func NewLedgerStore(s *Store) *LedgerStore {
	return &LedgerStore{Store: s}
}

// Migrate creates the ledger tables.
func (s *LedgerStore) Migrate() error {
	return s.Store.Migrate(
		&models.UserLedger{},
		&models.PointEvent{},
		&models.ReferralRecord{},
		&models.CalculatorCheckpoint{},
	)
}

// Award is one point grant: balance update plus audit row.
type Award struct {
	Address      string
	Category     string
	Points       int64
	SourceTxHash string
	PondID       string
	Timestamp    int64
}

// AwardPoints applies an award inside the given transaction: the category
// and total balance move together, and a PointEvent row records the grant.
func AwardPoints(tx *gorm.DB, a Award) error {
	var categoryColumn string
	switch a.Category {
	case models.PointCategoryToss:
		categoryColumn = "toss_points"
	case models.PointCategoryWinner:
		categoryColumn = "winner_points"
	case models.PointCategoryReferral:
		categoryColumn = "referral_points"
	default:
		return fmt.Errorf("unknown point category %q", a.Category)
	}

	ledger := models.UserLedger{
		Address:     a.Address,
		TotalPoints: a.Points,
		LastUpdated: a.Timestamp,
	}
	switch a.Category {
	case models.PointCategoryToss:
		ledger.TossPoints = a.Points
	case models.PointCategoryWinner:
		ledger.WinnerPoints = a.Points
	case models.PointCategoryReferral:
		ledger.ReferralPoints = a.Points
	}

	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "address"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"total_points": gorm.Expr("user_ledgers.total_points + ?", a.Points),
			categoryColumn: gorm.Expr("user_ledgers."+categoryColumn+" + ?", a.Points),
			"last_updated": a.Timestamp,
		}),
	}).Create(&ledger).Error
	if err != nil {
		return fmt.Errorf("updating ledger for %s: %w", a.Address, err)
	}

	event := models.PointEvent{
		Address:      a.Address,
		Category:     a.Category,
		Points:       a.Points,
		SourceTxHash: a.SourceTxHash,
		PondID:       a.PondID,
		Timestamp:    a.Timestamp,
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("recording point event for %s: %w", a.Address, err)
	}
	return nil
}

// GetLedger returns a user's balance row, nil when the user has no points.
func (s *LedgerStore) GetLedger(ctx context.Context, address string) (*models.UserLedger, error) {
	var ledger models.UserLedger
	err := s.db.WithContext(ctx).First(&ledger, "address = ?", address).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}

// TopByPoints returns the highest-scoring users.
func (s *LedgerStore) TopByPoints(ctx context.Context, limit int) ([]models.UserLedger, error) {
	var rows []models.UserLedger
	err := s.db.WithContext(ctx).
		Order("total_points DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// PointHistory returns a user's audit trail, newest first.
func (s *LedgerStore) PointHistory(ctx context.Context, address string, limit int) ([]models.PointEvent, error) {
	var rows []models.PointEvent
	db := s.db.WithContext(ctx).Where("address = ?", address).Order("id DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&rows).Error
	return rows, err
}

// codeAlphabet omits easily-confused characters (0/O, 1/I/L).
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

const codeCollisionRetries = 5

func generateReferralCode() (string, error) {
	buf := make([]byte, codeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// GetOrCreateReferral returns the referral record for an address, issuing a
// fresh code on first sight. Code collisions are retried.
func (s *LedgerStore) GetOrCreateReferral(ctx context.Context, address string) (*models.ReferralRecord, error) {
	var record models.ReferralRecord
	err := s.db.WithContext(ctx).First(&record, "address = ?", address).Error
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < codeCollisionRetries; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return nil, fmt.Errorf("generating referral code: %w", err)
		}
		record = models.ReferralRecord{
			Address:      address,
			ReferralCode: code,
			CreatedAt:    time.Now().Unix(),
		}
		err = s.db.WithContext(ctx).Create(&record).Error
		if err == nil {
			return &record, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, err
		}
		// Either the code collided or the address raced us; re-check.
		var existing models.ReferralRecord
		if lookupErr := s.db.WithContext(ctx).First(&existing, "address = ?", address).Error; lookupErr == nil {
			return &existing, nil
		}
	}
	return nil, fmt.Errorf("could not issue a unique referral code for %s", address)
}

// ReferralByCode returns the record owning a code, nil when unknown.
func (s *LedgerStore) ReferralByCode(ctx context.Context, code string) (*models.ReferralRecord, error) {
	var record models.ReferralRecord
	err := s.db.WithContext(ctx).First(&record, "referral_code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ApplyReferralCode binds a referrer to an address. The binding is one-shot:
// a second code for the same address is rejected, as is the user's own code.
func (s *LedgerStore) ApplyReferralCode(ctx context.Context, address, code string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		var owner models.ReferralRecord
		err := tx.First(&owner, "referral_code = ?", code).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCodeNotFound
		}
		if err != nil {
			return err
		}
		if owner.Address == address {
			return ErrSelfReferral
		}

		var record models.ReferralRecord
		err = tx.First(&record, "address = ?", address).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// First contact: issue the user their own code with the
			// referrer already bound.
			newCode, genErr := generateReferralCode()
			if genErr != nil {
				return genErr
			}
			record = models.ReferralRecord{
				Address:         address,
				ReferralCode:    newCode,
				ReferrerAddress: &owner.Address,
				CreatedAt:       time.Now().Unix(),
			}
			return tx.Create(&record).Error
		}
		if err != nil {
			return err
		}
		if record.ReferrerAddress != nil {
			return ErrAlreadyReferred
		}

		return tx.Model(&record).Update("referrer_address", owner.Address).Error
	})
}

// ActivateReferral marks a referee's referral as used and pays the referrer
// bonus, all inside the caller's transaction. It returns true only on the
// first qualifying action; later calls are no-ops.
func ActivateReferral(tx *gorm.DB, refereeAddress string, bonus int64, now int64) (bool, error) {
	var record models.ReferralRecord
	err := tx.First(&record, "address = ?", refereeAddress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if record.ReferrerAddress == nil || record.IsActivated {
		return false, nil
	}

	err = tx.Model(&record).Updates(map[string]interface{}{
		"is_activated": true,
		"activated_at": now,
	}).Error
	if err != nil {
		return false, fmt.Errorf("activating referral for %s: %w", refereeAddress, err)
	}

	err = tx.Model(&models.ReferralRecord{}).
		Where("address = ?", *record.ReferrerAddress).
		Update("referral_points_earned", gorm.Expr("referral_points_earned + ?", bonus)).Error
	if err != nil {
		return false, fmt.Errorf("crediting referrer %s: %w", *record.ReferrerAddress, err)
	}

	award := Award{
		Address:      *record.ReferrerAddress,
		Category:     models.PointCategoryReferral,
		Points:       bonus,
		SourceTxHash: fmt.Sprintf("referral_%s_%d", refereeAddress, now),
		Timestamp:    now,
	}
	if err := AwardPoints(tx, award); err != nil {
		return false, err
	}
	return true, nil
}

// GetCalculatorCheckpoint returns the calculator cursor, creating the row
// on first use.
func (s *LedgerStore) GetCalculatorCheckpoint(ctx context.Context) (*models.CalculatorCheckpoint, error) {
	var cp models.CalculatorCheckpoint
	err := s.db.WithContext(ctx).First(&cp, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		cp = models.CalculatorCheckpoint{ID: 1}
		if err := s.db.WithContext(ctx).Create(&cp).Error; err != nil {
			return nil, err
		}
		return &cp, nil
	}
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

// SaveCalculatorCheckpoint persists the calculator cursor inside the
// caller's transaction.
func SaveCalculatorCheckpoint(tx *gorm.DB, cp *models.CalculatorCheckpoint) error {
	cp.ID = 1
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_processed_toss_id":   cp.LastProcessedTossID,
			"last_processed_winner_id": cp.LastProcessedWinnerID,
			"last_run_at":              time.Now(),
		}),
	}).Create(cp).Error
}
