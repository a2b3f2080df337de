package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balance is never stored; it
// is always derived from ledger_entries.
type Account struct {
	AccountID string    `gorm:"primaryKey"`
	Active    bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the append-only ledger_entries table.
type LedgerEntry struct {
	EntryID            string    `gorm:"type:uuid;primaryKey"`
	AccountID          string    `gorm:"not null;index:idx_ledger_account_created,priority:1;index:uniq_ledger_account_idem,unique,priority:1"`
	Category           string    `gorm:"not null"`
	AmountTenths       int64     `gorm:"not null"`
	BalanceAfterTenths int64     `gorm:"not null"`
	Reference          string    `gorm:"index:idx_ledger_reference"`
	Reason             string    `gorm:""`
	IdempotencyKey     string    `gorm:"not null;index:uniq_ledger_account_idem,unique,priority:2"`
	CreatedAt          time.Time `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// JobRecord mirrors the jobs table. Status+created_at serves the
// dispatch scan, account+created_at serves user listings.
type JobRecord struct {
	JobID        string         `gorm:"primaryKey"`
	AccountID    string         `gorm:"not null;index:idx_jobs_account_created,priority:1"`
	Filename     string         `gorm:"not null"`
	InputPath    string         `gorm:""`
	Descriptor   datatypes.JSON `gorm:"not null"`
	CostTenths   int64          `gorm:"not null"`
	Status       string         `gorm:"not null;index:idx_jobs_status_created,priority:1"`
	ErrorMessage string         `gorm:"type:text"`
	ArtifactPath string         `gorm:""`
	Command      string         `gorm:"type:text"`
	Refunded     bool           `gorm:"not null"`
	Deleted      bool           `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_jobs_account_created,priority:2;index:idx_jobs_status_created,priority:2"`
	UpdatedAt    time.Time      `gorm:"not null"`
	CompletedAt  *time.Time     `gorm:""`
}

func (JobRecord) TableName() string { return "jobs" }

// Models lists every table for schema migration.
func Models() []interface{} {
	return []interface{}{&Account{}, &LedgerEntry{}, &JobRecord{}}
}
