package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MerchantPattern is a learned mapping from a bank description key to the
// vendor it was confirmed against.
type MerchantPattern struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyID   uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_pattern_key"`
	MerchantKey string    `gorm:"uniqueIndex:idx_pattern_key"`
	Vendor      string    `gorm:"uniqueIndex:idx_pattern_key"`
	Category    string
	Hits        int
	LastSeenAt  time.Time
	CreatedAt   time.Time
}

// ExchangeRate caches a resolved rate for one calendar day.
type ExchangeRate struct {
	FromCurrency string          `gorm:"size:3;primaryKey"`
	ToCurrency   string          `gorm:"size:3;primaryKey"`
	Date         time.Time       `gorm:"type:date;primaryKey"`
	Rate         decimal.Decimal `gorm:"type:numeric(20,10)"`
	Source       string
	CreatedAt    time.Time
}
