package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type StatementStatus string

const (
	StatementPending     StatementStatus = "pending"
	StatementProcessing  StatementStatus = "processing"
	StatementProcessed   StatementStatus = "processed"
	StatementFailed      StatementStatus = "failed"
	StatementNeedsReview StatementStatus = "needs_review"
)

// BankStatement is one uploaded bank export. The fingerprint is unique per
// account so identical bytes are only ingested once for that account.
type BankStatement struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyID        uuid.UUID `gorm:"type:uuid;index"`
	AccountID        uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_statement_account_fingerprint"`
	Filename         string
	MimeType         string
	SizeBytes        int64
	FormatID         *uuid.UUID `gorm:"type:uuid"`
	FormatFamily     FormatFamily
	Fingerprint      string          `gorm:"size:64;uniqueIndex:idx_statement_account_fingerprint"`
	Status           StatementStatus `gorm:"index"`
	ErrorDetail      string
	TransactionCount int
	SkippedRows      datatypes.JSON
	Detection        datatypes.JSON
	CurrentAttemptID *uuid.UUID `gorm:"type:uuid"`
	UploadedBy       string
	ProcessedAt      *time.Time
	CreatedAt        time.Time `gorm:"index"`
	UpdatedAt        time.Time
}

// StatementBlob keeps the raw uploaded bytes for reprocessing.
type StatementBlob struct {
	StatementID uuid.UUID `gorm:"type:uuid;primaryKey"`
	Content     []byte    `gorm:"type:bytea"`
	CreatedAt   time.Time
}
