package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// MatchRun records one reconciliation pass over a company's unmatched pool.
// At most one run per company may be running.
type MatchRun struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	CompanyID         uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_match_run_running,where:status = 'running'"`
	Status            RunStatus `gorm:"index"`
	Strategies        datatypes.JSONSlice[string]
	FailedStrategies  datatypes.JSONType[map[string]string]
	TransactionCount  int
	ExpenseCount      int
	CandidateCount    int
	PendingCount      int
	AutoApprovedCount int
	SupersededCount   int
	SkippedCount      int
	StartedAt         time.Time
	CompletedAt       *time.Time
	CreatedAt         time.Time
}
