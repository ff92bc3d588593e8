package models

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobRetrying  JobStatus = "retrying"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Claimable reports whether a worker may start the job.
func (s JobStatus) Claimable() bool {
	return s == JobQueued || s == JobRetrying
}

// IngestionJob is one processing attempt of a statement. Job state lives here
// rather than in worker memory so progress survives restarts.
type IngestionJob struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	StatementID    uuid.UUID  `gorm:"type:uuid;index"`
	CompanyID      uuid.UUID  `gorm:"type:uuid;index"`
	AccountID      uuid.UUID  `gorm:"type:uuid"`
	Attempt        int
	Status         JobStatus  `gorm:"index"`
	FormatOverride *uuid.UUID `gorm:"type:uuid"`
	Tries          int
	LastError      string
	Retryable      bool
	RequestedBy    string
	QueuedAt       time.Time `gorm:"index"`
	StartedAt      *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
