package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type TransactionType string

const (
	TxDebit      TransactionType = "debit"
	TxCredit     TransactionType = "credit"
	TxFee        TransactionType = "fee"
	TxInterest   TransactionType = "interest"
	TxTransfer   TransactionType = "transfer"
	TxAdjustment TransactionType = "adjustment"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxDebit, TxCredit, TxFee, TxInterest, TxTransfer, TxAdjustment:
		return true
	}
	return false
}

type BankTransaction struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	StatementID     uuid.UUID `gorm:"type:uuid;index"`
	AttemptID       uuid.UUID `gorm:"type:uuid;index"`
	CompanyID       uuid.UUID `gorm:"type:uuid;index"`
	AccountID       uuid.UUID `gorm:"type:uuid;index:idx_tx_account_fingerprint"`
	Line            int
	TransactionDate time.Time `gorm:"column:transaction_date;index"`
	Description     string
	Amount          decimal.Decimal `gorm:"type:numeric(20,4)"`
	Currency        string          `gorm:"size:3"`

	// NormalizedAmount is the magnitude-preserving amount in BaseCurrency;
	// invalid when no exchange rate could be resolved.
	NormalizedAmount decimal.NullDecimal `gorm:"type:numeric(20,4)"`
	BaseCurrency     string              `gorm:"size:3"`
	RateUsed         decimal.NullDecimal `gorm:"type:numeric(20,10)"`
	RateDate         *time.Time

	Type            TransactionType `gorm:"index"`
	ReferenceNumber string
	Fingerprint     string `gorm:"size:64;index:idx_tx_account_fingerprint"`
	IsDuplicate     bool   `gorm:"index"`
	NeedsReview     bool   `gorm:"index"`
	ReviewReason    string
	OCRConfidence   *float64
	FullyAllocated  bool
	SupersededBy    *uuid.UUID `gorm:"type:uuid"`
	Metadata        datatypes.JSON
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Magnitude is the unsigned original amount.
func (t BankTransaction) Magnitude() decimal.Decimal {
	return t.Amount.Abs()
}

// BaseMagnitude is the unsigned normalized amount, if one was resolved.
func (t BankTransaction) BaseMagnitude() (decimal.Decimal, bool) {
	if !t.NormalizedAmount.Valid {
		return decimal.Zero, false
	}
	return t.NormalizedAmount.Decimal.Abs(), true
}

// CurrencyUnresolved reports a foreign-currency line without a base amount.
func (t BankTransaction) CurrencyUnresolved() bool {
	return !t.NormalizedAmount.Valid
}
