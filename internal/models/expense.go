package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Expense is owned by the expense-entry workflows; reconciliation only reads it.
type Expense struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyID       uuid.UUID `gorm:"type:uuid;index"`
	Title           string
	MerchantName    string          `gorm:"index"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,4);index"`
	Currency        string          `gorm:"size:3"`
	BaseAmount      decimal.NullDecimal `gorm:"type:numeric(20,4)"`
	TransactionDate time.Time           `gorm:"column:transaction_date;index"`
	Category        string
	CreatedAt       time.Time
}
