package models

import (
	"time"

	"github.com/google/uuid"
)

type MatchAction string

const (
	ActionCreated   MatchAction = "created"
	ActionApproved  MatchAction = "approved"
	ActionRejected  MatchAction = "rejected"
	ActionDelegated MatchAction = "delegated"
	ActionAccepted  MatchAction = "accepted"
	ActionReleased  MatchAction = "released"
)

// MatchEvent is one append-only audit entry of a TransactionMatch. Rows are
// never updated or deleted.
type MatchEvent struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	MatchID       uuid.UUID `gorm:"type:uuid;index"`
	TransactionID uuid.UUID `gorm:"type:uuid;index"`
	Sequence      int
	Action        MatchAction
	FromStatus    MatchStatus
	ToStatus      MatchStatus
	PerformedBy   string
	Reason        string
	CreatedAt     time.Time
}

// ProjectStatus derives the current status from an ordered event history.
func ProjectStatus(events []MatchEvent) MatchStatus {
	var status MatchStatus
	for _, e := range events {
		status = e.ToStatus
	}
	return status
}
