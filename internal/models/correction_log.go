package models

import (
	"time"

	"github.com/google/uuid"
)

// CorrectionLog is one manual field edit on a BankTransaction.
type CorrectionLog struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	TransactionID uuid.UUID `gorm:"type:uuid;index"`
	Field         string
	OldValue      string
	NewValue      string
	Reason        string
	EditedBy      string
	CreatedAt     time.Time
}
