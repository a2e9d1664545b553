package models

import "time"

// Point categories recorded on PointEvent rows.
const (
	PointCategoryToss     = "toss"
	PointCategoryWinner   = "winner"
	PointCategoryReferral = "referral"
)

// UserLedger holds a user's point balance, one row per address.
//
// TotalPoints always equals TossPoints + WinnerPoints + ReferralPoints;
// every mutation updates a category and the total in the same statement.
type UserLedger struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	Address        string `gorm:"type:varchar(42);uniqueIndex;not null"`
	TotalPoints    int64  `gorm:"index;not null;default:0"`
	TossPoints     int64  `gorm:"not null;default:0"`
	WinnerPoints   int64  `gorm:"not null;default:0"`
	ReferralPoints int64  `gorm:"not null;default:0"`
	LastUpdated    int64  `gorm:"not null"`
}

// TableName returns the table name for UserLedger.
func (UserLedger) TableName() string {
	return "user_ledgers"
}

// PointEvent is the append-only audit trail: one row per award, never
// mutated or deleted.
type PointEvent struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	Address      string `gorm:"type:varchar(42);index;not null"`
	Category     string `gorm:"type:varchar(16);index;not null"`
	Points       int64  `gorm:"not null"`
	SourceTxHash string `gorm:"type:varchar(128);not null"`
	PondID       string `gorm:"type:varchar(66);not null"`
	Timestamp    int64  `gorm:"not null"`
}

// TableName returns the table name for PointEvent.
func (PointEvent) TableName() string {
	return "point_events"
}

// ReferralRecord tracks a user's referral code and referrer binding.
//
// ReferrerAddress is set at most once and never changed afterwards.
// IsActivated flips to true on the referee's first qualifying action and
// stays true.
type ReferralRecord struct {
	ID                   uint64  `gorm:"primaryKey;autoIncrement"`
	Address              string  `gorm:"type:varchar(42);uniqueIndex;not null"`
	ReferralCode         string  `gorm:"type:varchar(16);uniqueIndex;not null"`
	ReferrerAddress      *string `gorm:"type:varchar(42);index"`
	IsActivated          bool    `gorm:"not null;default:false"`
	CreatedAt            int64   `gorm:"not null"`
	ActivatedAt          *int64
	ReferralPointsEarned int64 `gorm:"not null;default:0"`
}

// TableName returns the table name for ReferralRecord.
func (ReferralRecord) TableName() string {
	return "referral_records"
}

// CalculatorCheckpoint is the single-row cursor owned by the ledger
// calculator, independent of the ingestion checkpoint. Row id is always 1.
type CalculatorCheckpoint struct {
	ID                    uint      `gorm:"primaryKey"`
	LastProcessedTossID   uint64    `gorm:"not null;default:0"`
	LastProcessedWinnerID uint64    `gorm:"not null;default:0"`
	LastRunAt             time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for CalculatorCheckpoint.
func (CalculatorCheckpoint) TableName() string {
	return "calculator_checkpoint"
}
