package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// User represents the users table. The balance column is the only mutable
// credit state and is written under a row lock.
type User struct {
	ID             string    `gorm:"size:64;primaryKey"`
	Email          string    `gorm:"size:255;not null;index"`
	Name           string    `gorm:"size:255;not null"`
	CreditsBalance int64     `gorm:"not null"`
	IsActive       bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// CreditLedgerEntry mirrors the append-only credit_ledger table.
type CreditLedgerEntry struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	UserID      string    `gorm:"size:64;not null;index:idx_credit_ledger_user_created,priority:1"`
	Delta       int64     `gorm:"not null"`
	Reason      string    `gorm:"size:120;not null"`
	ReferenceID string    `gorm:"size:120;not null"`
	CreatedAt   time.Time `gorm:"not null;index:idx_credit_ledger_user_created,priority:2"`
}

func (CreditLedgerEntry) TableName() string { return "credit_ledger" }

// UsageEvent mirrors the usage_events table.
type UsageEvent struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	UserID        string          `gorm:"size:64;not null;index"`
	Service       string          `gorm:"size:64;not null"`
	Endpoint      string          `gorm:"size:128;not null"`
	LatencyMillis int64           `gorm:"column:latency_ms;not null"`
	Success       bool            `gorm:"not null"`
	CostUSD       decimal.Decimal `gorm:"column:cost_usd;type:numeric(10,4);not null"`
	Metadata      datatypes.JSON  `gorm:"not null"`
	CreatedAt     time.Time       `gorm:"not null"`
}

func (UsageEvent) TableName() string { return "usage_events" }
