package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type MatchStrategy string

const (
	StrategyExact   MatchStrategy = "exact"
	StrategyFuzzy   MatchStrategy = "fuzzy"
	StrategyPattern MatchStrategy = "pattern"
	StrategyML      MatchStrategy = "ml-assisted"
	StrategyManual  MatchStrategy = "manual"
)

type MatchStatus string

const (
	MatchPending   MatchStatus = "pending"
	MatchApproved  MatchStatus = "approved"
	MatchRejected  MatchStatus = "rejected"
	MatchDelegated MatchStatus = "delegated"
)

// CanTransition reports whether a status change is allowed. The empty status
// is the state before the first event.
func CanTransition(from, to MatchStatus) bool {
	switch from {
	case "":
		return to == MatchPending
	case MatchPending:
		return to == MatchApproved || to == MatchRejected || to == MatchDelegated
	case MatchDelegated:
		return to == MatchPending
	}
	return false
}

// TransactionMatch links a bank transaction to an expense. Status and the
// reviewer fields mirror the latest MatchEvent and are only written together
// with an event append.
type TransactionMatch struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	CompanyID       uuid.UUID  `gorm:"type:uuid;index"`
	TransactionID   uuid.UUID  `gorm:"type:uuid;index;uniqueIndex:idx_match_approved_tx,where:status = 'approved' AND released_at IS NULL AND split_group_id IS NULL"`
	ExpenseID       uuid.UUID  `gorm:"type:uuid;index;uniqueIndex:idx_match_approved_expense,where:status = 'approved' AND released_at IS NULL AND split_group_id IS NULL"`
	RunID           *uuid.UUID `gorm:"type:uuid"`
	Strategy        MatchStrategy
	ConfidenceScore float64
	Status          MatchStatus         `gorm:"index"`
	SplitGroupID    *uuid.UUID          `gorm:"type:uuid"`
	AllocatedAmount decimal.NullDecimal `gorm:"type:numeric(20,4)"`
	NeedsReview     bool
	AssignedTo      string
	ReviewerID      string
	ReviewedAt      *time.Time
	ReviewComments  string
	ReleasedAt      *time.Time
	Details         datatypes.JSON
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

// Active reports whether the match still claims its transaction and expense.
func (m TransactionMatch) Active() bool {
	return m.Status != MatchRejected && m.ReleasedAt == nil
}

// Exclusive reports whether the match is the one approved, unreleased,
// non-split match its transaction and expense may each have.
func (m TransactionMatch) Exclusive() bool {
	return m.Status == MatchApproved && m.ReleasedAt == nil && m.SplitGroupID == nil
}

func (m TransactionMatch) IsSplit() bool {
	return m.SplitGroupID != nil
}
