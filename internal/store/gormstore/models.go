package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccountBalance represents the account_balances table: one row per account.
type AccountBalance struct {
	AccountID    string    `gorm:"primaryKey"`
	BalanceMinor int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (AccountBalance) TableName() string { return "account_balances" }

// LedgerEntry mirrors the balance_ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	AccountID         string         `gorm:"not null;index:idx_ledger_account_created,priority:1"`
	DeltaMinor        int64          `gorm:"not null"`
	BalanceAfterMinor int64          `gorm:"not null"`
	Reason            string         `gorm:"size:64;not null"`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	ActorID           *string        `gorm:""`
	CreatedAt         time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "balance_ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}
