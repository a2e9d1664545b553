// Package models defines the persistent data model for the event store
// and the points ledger.
package models

import (
	"time"

	"gorm.io/datatypes"
)

// ZeroAddress marks the native chain token in token_address columns.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// CoinTossed records a participant's contribution to a pond.
//
// The (tx_hash, pond_id, participant) unique index is the idempotency key:
// replaying an overlapping block range inserts nothing new.
type CoinTossed struct {
	ID               uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash           string `gorm:"type:varchar(66);not null;uniqueIndex:idx_coin_tossed_natural,priority:1"`
	BlockNumber      uint64 `gorm:"index;not null"`
	BlockTimestamp   int64  `gorm:"index;not null"`
	PondID           string `gorm:"type:varchar(66);not null;uniqueIndex:idx_coin_tossed_natural,priority:2"`
	Participant      string `gorm:"type:varchar(42);index;not null;uniqueIndex:idx_coin_tossed_natural,priority:3"`
	Amount           string `gorm:"type:numeric(78);not null"` // uint256 max is 78 digits
	TossTimestamp    int64  `gorm:"not null"`
	RunningTossCount uint64 `gorm:"not null"`
	RunningPondValue string `gorm:"type:numeric(78);not null"`
	TokenAddress     string `gorm:"type:varchar(42);index;not null;default:'0x0000000000000000000000000000000000000000'"`
	CreatedAt        time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for CoinTossed.
func (CoinTossed) TableName() string {
	return "coin_tossed_events"
}

// WinnerSelected records which participant was chosen to receive a pond's prize.
type WinnerSelected struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash         string `gorm:"type:varchar(66);not null;uniqueIndex:idx_winner_selected_natural,priority:1"`
	BlockNumber    uint64 `gorm:"index;not null"`
	BlockTimestamp int64  `gorm:"index;not null"`
	PondID         string `gorm:"type:varchar(66);not null;uniqueIndex:idx_winner_selected_natural,priority:2"`
	Winner         string `gorm:"type:varchar(42);index;not null"`
	Prize          string `gorm:"type:numeric(78);not null"`
	Selector       string `gorm:"type:varchar(42);not null"`
	TokenAddress   string `gorm:"type:varchar(42);index;not null;default:'0x0000000000000000000000000000000000000000'"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for WinnerSelected.
func (WinnerSelected) TableName() string {
	return "winner_selected_events"
}

// PondLifecycle records a pond being created, updated or removed.
type PondLifecycle struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash         string `gorm:"type:varchar(66);not null;uniqueIndex:idx_pond_lifecycle_natural,priority:1"`
	BlockNumber    uint64 `gorm:"index;not null"`
	BlockTimestamp int64  `gorm:"not null"`
	PondID         string `gorm:"type:varchar(66);index;not null;uniqueIndex:idx_pond_lifecycle_natural,priority:2"`
	Name           string `gorm:"type:text;not null"`
	StartTime      int64  `gorm:"not null"`
	EndTime        int64  `gorm:"not null"`
	Action         string `gorm:"type:varchar(32);not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for PondLifecycle.
func (PondLifecycle) TableName() string {
	return "pond_lifecycle_events"
}

// ConfigChange records an on-chain configuration update. Value and address
// columns are nullable because a change touches one or the other.
type ConfigChange struct {
	ID             uint64  `gorm:"primaryKey;autoIncrement"`
	TxHash         string  `gorm:"type:varchar(66);not null;uniqueIndex:idx_config_change_natural,priority:1"`
	BlockNumber    uint64  `gorm:"index;not null"`
	BlockTimestamp int64   `gorm:"not null"`
	ConfigKey      string  `gorm:"type:varchar(64);not null;uniqueIndex:idx_config_change_natural,priority:2"`
	PondID         string  `gorm:"type:varchar(66);not null;uniqueIndex:idx_config_change_natural,priority:3"`
	OldValue       *string `gorm:"type:numeric(78)"`
	NewValue       *string `gorm:"type:numeric(78)"`
	OldAddress     *string `gorm:"type:varchar(42)"`
	NewAddress     *string `gorm:"type:varchar(42)"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for ConfigChange.
func (ConfigChange) TableName() string {
	return "config_change_events"
}

// EmergencyWithdrawal records an emergency action moving funds out of a pond.
type EmergencyWithdrawal struct {
	ID             uint64 `gorm:"primaryKey;autoIncrement"`
	TxHash         string `gorm:"type:varchar(66);not null;uniqueIndex:idx_emergency_natural,priority:1"`
	BlockNumber    uint64 `gorm:"index;not null"`
	BlockTimestamp int64  `gorm:"not null"`
	Action         string `gorm:"type:varchar(32);not null"`
	Recipient      string `gorm:"type:varchar(42);not null;uniqueIndex:idx_emergency_natural,priority:3"`
	Token          string `gorm:"type:varchar(42);not null"`
	Amount         string `gorm:"type:numeric(78);not null"`
	PondID         string `gorm:"type:varchar(66);not null;uniqueIndex:idx_emergency_natural,priority:2"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName returns the table name for EmergencyWithdrawal.
func (EmergencyWithdrawal) TableName() string {
	return "emergency_withdrawal_events"
}

// RawEventRecord is the generic audit row written alongside every typed row.
// It keeps the full decoded argument map for debugging and replay.
type RawEventRecord struct {
	ID          uint64         `gorm:"primaryKey;autoIncrement"`
	TxHash      string         `gorm:"type:varchar(66);not null;uniqueIndex:idx_raw_event_natural,priority:1"`
	LogIndex    uint           `gorm:"not null;uniqueIndex:idx_raw_event_natural,priority:2"`
	BlockNumber uint64         `gorm:"index;not null"`
	EventName   string         `gorm:"type:varchar(64);index;not null"`
	Args        datatypes.JSON `gorm:"not null"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
}

// TableName returns the table name for RawEventRecord.
func (RawEventRecord) TableName() string {
	return "raw_events"
}

// IngestionCheckpoint is the single-row cursor owned by the ingestion engine.
// Row id is always 1.
type IngestionCheckpoint struct {
	ID                 uint      `gorm:"primaryKey"`
	LastConfirmedBlock uint64    `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for IngestionCheckpoint.
func (IngestionCheckpoint) TableName() string {
	return "ingestion_checkpoint"
}

// IndexerMeta stores metadata about the indexer instance.
type IndexerMeta struct {
	Key       string    `gorm:"primaryKey;type:varchar(100)"`
	Value     string    `gorm:"type:text"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the table name for IndexerMeta.
func (IndexerMeta) TableName() string {
	return "indexer_meta"
}
