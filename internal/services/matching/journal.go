package matching

import (
	"context"
	"fmt"
	"time"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

// SystemActor is recorded on events the engine performs on its own.
const SystemActor = "system:matching"

var verbs = map[models.MatchAction]string{
	models.ActionApproved:  "approve",
	models.ActionRejected:  "reject",
	models.ActionDelegated: "delegate",
	models.ActionAccepted:  "accept",
	models.ActionReleased:  "release",
}

// Open stores a new pending match and its creation event. Call it inside InTx.
func Open(ctx context.Context, s repository.Store, m *models.TransactionMatch, by, reason string) error {
	m.Status = models.MatchPending
	if err := s.Matches().Create(ctx, m); err != nil {
		return fmt.Errorf("creating match: %w", err)
	}
	return appendEvent(ctx, s, m, models.ActionCreated, "", models.MatchPending, by, reason)
}

// Transition moves m to status to and appends the audit event. The caller
// must hold an InTx so the projection and the event commit together.
func Transition(ctx context.Context, s repository.Store, m *models.TransactionMatch, action models.MatchAction, to models.MatchStatus, by, reason string) error {
	from := m.Status
	if m.ReleasedAt != nil || !models.CanTransition(from, to) {
		return &apperr.InvalidStateError{MatchID: m.ID, Op: verbs[action], Status: string(from)}
	}
	now := time.Now()
	m.Status = to
	switch to {
	case models.MatchApproved, models.MatchRejected:
		m.ReviewerID = by
		m.ReviewedAt = &now
		m.ReviewComments = reason
	}
	if err := s.Matches().UpdateProjection(ctx, m); err != nil {
		return fmt.Errorf("updating match %s: %w", m.ID, err)
	}
	return appendEvent(ctx, s, m, action, from, to, by, reason)
}

// Release frees the transaction and expense of an approved match. The match
// stays approved; the release is its own audit event.
func Release(ctx context.Context, s repository.Store, m *models.TransactionMatch, by, reason string) error {
	if m.Status != models.MatchApproved || m.ReleasedAt != nil {
		return &apperr.InvalidStateError{MatchID: m.ID, Op: "release", Status: string(m.Status)}
	}
	now := time.Now()
	m.ReleasedAt = &now
	if err := s.Matches().UpdateProjection(ctx, m); err != nil {
		return fmt.Errorf("updating match %s: %w", m.ID, err)
	}
	return appendEvent(ctx, s, m, models.ActionReleased, m.Status, m.Status, by, reason)
}

func appendEvent(ctx context.Context, s repository.Store, m *models.TransactionMatch, action models.MatchAction, from, to models.MatchStatus, by, reason string) error {
	e := &models.MatchEvent{
		MatchID:       m.ID,
		TransactionID: m.TransactionID,
		Action:        action,
		FromStatus:    from,
		ToStatus:      to,
		PerformedBy:   by,
		Reason:        reason,
	}
	if err := s.Matches().AppendEvent(ctx, e); err != nil {
		return fmt.Errorf("appending %s event to match %s: %w", action, m.ID, err)
	}
	return nil
}
