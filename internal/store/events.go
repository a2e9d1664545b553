package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lilypad-labs/pondex/pkg/models"
)

// EventStore persists decoded pond events and the ingestion checkpoint.
type EventStore struct {
	*Store
}

// NewEventStore wraps a Store with event persistence operations.
func NewEventStore(s *Store) *EventStore {
	return &EventStore{Store: s}
}

// Migrate creates the event tables.
func (s *EventStore) Migrate() error {
	return s.Store.Migrate(
		&models.CoinTossed{},
		&models.WinnerSelected{},
		&models.PondLifecycle{},
		&models.ConfigChange{},
		&models.EmergencyWithdrawal{},
		&models.RawEventRecord{},
		&models.IngestionCheckpoint{},
		&models.IndexerMeta{},
	)
}

// EventBatch holds every decoded event from one block range plus the block
// the checkpoint advances to once the batch commits.
type EventBatch struct {
	Tosses         []models.CoinTossed
	Winners        []models.WinnerSelected
	Lifecycles     []models.PondLifecycle
	ConfigChanges  []models.ConfigChange
	Emergencies    []models.EmergencyWithdrawal
	Raw            []models.RawEventRecord
	ConfirmedBlock uint64
}

// Empty reports whether the batch carries no event rows.
func (b *EventBatch) Empty() bool {
	return len(b.Tosses) == 0 && len(b.Winners) == 0 && len(b.Lifecycles) == 0 &&
		len(b.ConfigChanges) == 0 && len(b.Emergencies) == 0 && len(b.Raw) == 0
}

// InsertBatch writes a batch and advances the checkpoint in one transaction.
// Every insert is ON CONFLICT DO NOTHING on the natural key, so replaying an
// overlapping range is harmless.
func (s *EventStore) InsertBatch(ctx context.Context, batch *EventBatch) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		ignore := clause.OnConflict{DoNothing: true}

		if len(batch.Tosses) > 0 {
			if err := tx.Clauses(ignore).Create(&batch.Tosses).Error; err != nil {
				return fmt.Errorf("inserting tosses: %w", err)
			}
		}
		if len(batch.Winners) > 0 {
			if err := tx.Clauses(ignore).Create(&batch.Winners).Error; err != nil {
				return fmt.Errorf("inserting winners: %w", err)
			}
		}
		if len(batch.Lifecycles) > 0 {
			if err := tx.Clauses(ignore).Create(&batch.Lifecycles).Error; err != nil {
				return fmt.Errorf("inserting lifecycle events: %w", err)
			}
		}
		if len(batch.ConfigChanges) > 0 {
			if err := tx.Clauses(ignore).Create(&batch.ConfigChanges).Error; err != nil {
				return fmt.Errorf("inserting config changes: %w", err)
			}
		}
		if len(batch.Emergencies) > 0 {
			if err := tx.Clauses(ignore).Create(&batch.Emergencies).Error; err != nil {
				return fmt.Errorf("inserting emergency withdrawals: %w", err)
			}
		}
		if len(batch.Raw) > 0 {
			if err := tx.Clauses(ignore).Create(&batch.Raw).Error; err != nil {
				return fmt.Errorf("inserting raw events: %w", err)
			}
		}

		return setCheckpointTx(tx, batch.ConfirmedBlock)
	})
}

// Checkpoint returns the last confirmed block. found is false on a fresh
// database with no checkpoint row yet.
func (s *EventStore) Checkpoint(ctx context.Context) (block uint64, found bool, err error) {
	var cp models.IngestionCheckpoint
	err = s.db.WithContext(ctx).First(&cp, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cp.LastConfirmedBlock, true, nil
}

// SetCheckpoint advances the checkpoint outside a batch, used when a range
// produced no events.
func (s *EventStore) SetCheckpoint(ctx context.Context, block uint64) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return setCheckpointTx(tx, block)
	})
}

func setCheckpointTx(tx *gorm.DB, block uint64) error {
	cp := models.IngestionCheckpoint{ID: 1, LastConfirmedBlock: block}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"last_confirmed_block": block}),
	}).Create(&cp).Error
	if err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// TossesAfter returns toss events with id > afterID, oldest first. The id
// order is the calculator's processing order.
func (s *EventStore) TossesAfter(ctx context.Context, afterID uint64, limit int) ([]models.CoinTossed, error) {
	var rows []models.CoinTossed
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// WinnersAfter returns winner events with id > afterID, oldest first.
func (s *EventStore) WinnersAfter(ctx context.Context, afterID uint64, limit int) ([]models.WinnerSelected, error) {
	var rows []models.WinnerSelected
	err := s.db.WithContext(ctx).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// TossQuery filters toss event scans.
type TossQuery struct {
	PondID      *string
	Participant *string
	FromBlock   *uint64
	ToBlock     *uint64
	OrderDir    string
	Limit       int
	AfterID     *uint64
}

// QueryTosses returns toss events matching the query plus the total count
// ignoring limit and cursor.
func (s *EventStore) QueryTosses(ctx context.Context, q TossQuery) ([]models.CoinTossed, int64, error) {
	db := s.db.WithContext(ctx).Model(&models.CoinTossed{})

	if q.PondID != nil {
		db = db.Where("pond_id = ?", *q.PondID)
	}
	if q.Participant != nil {
		db = db.Where("participant = ?", *q.Participant)
	}
	if q.FromBlock != nil {
		db = db.Where("block_number >= ?", *q.FromBlock)
	}
	if q.ToBlock != nil {
		db = db.Where("block_number <= ?", *q.ToBlock)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	dir := "DESC"
	if q.OrderDir == "ASC" {
		dir = "ASC"
	}
	if q.AfterID != nil {
		if dir == "ASC" {
			db = db.Where("id > ?", *q.AfterID)
		} else {
			db = db.Where("id < ?", *q.AfterID)
		}
	}
	db = db.Order("id " + dir)
	if q.Limit > 0 {
		db = db.Limit(q.Limit)
	}

	var rows []models.CoinTossed
	if err := db.Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

// WinnersByPond returns winner events for a pond, newest first.
func (s *EventStore) WinnersByPond(ctx context.Context, pondID string, limit int) ([]models.WinnerSelected, error) {
	var rows []models.WinnerSelected
	db := s.db.WithContext(ctx).Where("pond_id = ?", pondID).Order("block_number DESC")
	if limit > 0 {
		db = db.Limit(limit)
	}
	err := db.Find(&rows).Error
	return rows, err
}

// TossCount returns the number of toss events stored.
func (s *EventStore) TossCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.CoinTossed{}).Count(&count).Error
	return count, err
}

// MaxEventBlock returns the highest block number across the event tables,
// used to sanity-check the checkpoint after a restore.
func (s *EventStore) MaxEventBlock(ctx context.Context) (uint64, error) {
	var max uint64
	for _, table := range []string{
		models.CoinTossed{}.TableName(),
		models.WinnerSelected{}.TableName(),
		models.PondLifecycle{}.TableName(),
		models.ConfigChange{}.TableName(),
		models.EmergencyWithdrawal{}.TableName(),
	} {
		var tableMax *uint64
		err := s.db.WithContext(ctx).
			Table(table).
			Select("MAX(block_number)").
			Scan(&tableMax).Error
		if err != nil {
			return 0, fmt.Errorf("max block for %s: %w", table, err)
		}
		if tableMax != nil && *tableMax > max {
			max = *tableMax
		}
	}
	return max, nil
}

// GetMeta returns a metadata value, empty when absent.
func (s *EventStore) GetMeta(ctx context.Context, key string) (string, error) {
	var meta models.IndexerMeta
	err := s.db.WithContext(ctx).First(&meta, "key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return meta.Value, nil
}

// SetMeta upserts a metadata value.
func (s *EventStore) SetMeta(ctx context.Context, key, value string) error {
	meta := models.IndexerMeta{Key: key, Value: value}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": value}),
	}).Create(&meta).Error
}
