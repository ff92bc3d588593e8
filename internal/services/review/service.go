// Package review implements the manual side of reconciliation: approving,
// rejecting, delegating and splitting matches. Every operation runs in one
// store transaction together with its audit events.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/services/matching"
)

type Service struct {
	store  repository.Store
	perms  PermissionChecker
	logger *slog.Logger
}

func NewService(store repository.Store, perms PermissionChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, perms: perms, logger: logger}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, fmt.Sprintf(format, args...))
}

func (svc *Service) Get(ctx context.Context, matchID uuid.UUID) (*models.TransactionMatch, error) {
	return svc.store.Matches().Get(ctx, matchID)
}

// History returns the audit trail of a match, oldest first.
func (svc *Service) History(ctx context.Context, matchID uuid.UUID) ([]models.MatchEvent, error) {
	if _, err := svc.store.Matches().Get(ctx, matchID); err != nil {
		return nil, err
	}
	return svc.store.Matches().Events(ctx, matchID)
}

// Approve confirms a pending or delegated match and rejects the competing
// candidates of its transaction and expense.
func (svc *Service) Approve(ctx context.Context, matchID uuid.UUID, reviewerID, comments string) (*models.TransactionMatch, error) {
	if reviewerID == "" {
		return nil, invalid("reviewer id is required")
	}
	var out *models.TransactionMatch
	err := svc.store.InTx(ctx, func(s repository.Store) error {
		m, err := s.Matches().Get(ctx, matchID)
		if err != nil {
			return fmt.Errorf("loading match %s: %w", matchID, err)
		}
		if err := takeBack(ctx, s, m, reviewerID, "approve"); err != nil {
			return err
		}
		if m.Status == models.MatchPending && m.ReleasedAt == nil {
			reason := fmt.Sprintf("superseded by match %s", m.ID)
			if err := supersede(ctx, s, m, "approve", reviewerID, reason); err != nil {
				return err
			}
		}
		if err := matching.Transition(ctx, s, m, models.ActionApproved, models.MatchApproved, reviewerID, comments); err != nil {
			return err
		}
		if err := learn(ctx, s, m); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("match approved", "match_id", matchID, "transaction_id", out.TransactionID, "reviewer", reviewerID)
	return out, nil
}

// Reject closes a candidate. The transaction and expense return to the pool.
func (svc *Service) Reject(ctx context.Context, matchID uuid.UUID, reviewerID, reason string) (*models.TransactionMatch, error) {
	if reviewerID == "" {
		return nil, invalid("reviewer id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, invalid("a rejection reason is required")
	}
	var out *models.TransactionMatch
	err := svc.store.InTx(ctx, func(s repository.Store) error {
		m, err := s.Matches().Get(ctx, matchID)
		if err != nil {
			return fmt.Errorf("loading match %s: %w", matchID, err)
		}
		if err := takeBack(ctx, s, m, reviewerID, "reject"); err != nil {
			return err
		}
		if err := matching.Transition(ctx, s, m, models.ActionRejected, models.MatchRejected, reviewerID, reason); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("match rejected", "match_id", matchID, "reviewer", reviewerID)
	return out, nil
}

// Delegate hands a pending match to another reviewer without touching its
// candidate data.
func (svc *Service) Delegate(ctx context.Context, matchID uuid.UUID, fromReviewerID, toReviewerID, reason string) (*models.TransactionMatch, error) {
	if fromReviewerID == "" || toReviewerID == "" {
		return nil, invalid("both reviewers are required")
	}
	if fromReviewerID == toReviewerID {
		return nil, invalid("cannot delegate a match to its current reviewer")
	}
	current, err := svc.store.Matches().Get(ctx, matchID)
	if err != nil {
		return nil, fmt.Errorf("loading match %s: %w", matchID, err)
	}
	ok, err := svc.perms.CanReview(ctx, toReviewerID, current.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("checking review permission: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s may not review matches of company %s", apperr.ErrPermissionDenied, toReviewerID, current.CompanyID)
	}

	var out *models.TransactionMatch
	err = svc.store.InTx(ctx, func(s repository.Store) error {
		m, err := s.Matches().Get(ctx, matchID)
		if err != nil {
			return fmt.Errorf("loading match %s: %w", matchID, err)
		}
		if m.AssignedTo != "" && m.AssignedTo != fromReviewerID {
			return fmt.Errorf("%w: match %s is assigned to %s", apperr.ErrPermissionDenied, m.ID, m.AssignedTo)
		}
		m.AssignedTo = toReviewerID
		if err := matching.Transition(ctx, s, m, models.ActionDelegated, models.MatchDelegated, fromReviewerID, reason); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("match delegated", "match_id", matchID, "from", fromReviewerID, "to", toReviewerID)
	return out, nil
}

// AcceptDelegation returns a delegated match to pending under its new
// reviewer.
func (svc *Service) AcceptDelegation(ctx context.Context, matchID uuid.UUID, reviewerID string) (*models.TransactionMatch, error) {
	if reviewerID == "" {
		return nil, invalid("reviewer id is required")
	}
	var out *models.TransactionMatch
	err := svc.store.InTx(ctx, func(s repository.Store) error {
		m, err := s.Matches().Get(ctx, matchID)
		if err != nil {
			return fmt.Errorf("loading match %s: %w", matchID, err)
		}
		if m.Status != models.MatchDelegated {
			return &apperr.InvalidStateError{MatchID: m.ID, Op: "accept", Status: string(m.Status)}
		}
		if m.AssignedTo != reviewerID {
			return fmt.Errorf("%w: match %s is delegated to %s", apperr.ErrPermissionDenied, m.ID, m.AssignedTo)
		}
		if err := matching.Transition(ctx, s, m, models.ActionAccepted, models.MatchPending, reviewerID, "delegation accepted"); err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// ManualMatch records a reviewer's own pairing as an approved match.
func (svc *Service) ManualMatch(ctx context.Context, txID, expenseID uuid.UUID, reviewerID, comments string) (*models.TransactionMatch, error) {
	if reviewerID == "" {
		return nil, invalid("reviewer id is required")
	}
	var out *models.TransactionMatch
	err := svc.store.InTx(ctx, func(s repository.Store) error {
		tx, exp, err := loadPair(ctx, s, txID, expenseID)
		if err != nil {
			return err
		}
		if tx.FullyAllocated {
			return invalid("transaction %s is already allocated by a split", tx.ID)
		}
		m := &models.TransactionMatch{
			ID:              uuid.New(),
			CompanyID:       tx.CompanyID,
			TransactionID:   tx.ID,
			ExpenseID:       exp.ID,
			Strategy:        models.StrategyManual,
			ConfidenceScore: 1,
		}
		if err := supersede(ctx, s, m, "match", reviewerID, "superseded by manual match"); err != nil {
			return err
		}
		if err := matching.Open(ctx, s, m, reviewerID, "manual match"); err != nil {
			return err
		}
		if err := matching.Transition(ctx, s, m, models.ActionApproved, models.MatchApproved, reviewerID, comments); err != nil {
			return err
		}
		if err := matching.Learn(ctx, s.Patterns(), tx, exp); err != nil {
			return fmt.Errorf("learning pattern: %w", err)
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("manual match recorded", "match_id", out.ID, "transaction_id", txID, "expense_id", expenseID, "reviewer", reviewerID)
	return out, nil
}

// ResetTransaction releases every approved match of a transaction, including
// a split group, so the next matching run considers it again.
func (svc *Service) ResetTransaction(ctx context.Context, txID uuid.UUID, reviewerID, reason string) (int, error) {
	if reviewerID == "" {
		return 0, invalid("reviewer id is required")
	}
	if strings.TrimSpace(reason) == "" {
		return 0, invalid("a reset reason is required")
	}
	released := 0
	err := svc.store.InTx(ctx, func(s repository.Store) error {
		released = 0
		tx, err := s.Transactions().Get(ctx, txID)
		if err != nil {
			return fmt.Errorf("loading transaction %s: %w", txID, err)
		}
		list, err := s.Matches().ListByTransaction(ctx, txID)
		if err != nil {
			return fmt.Errorf("listing matches: %w", err)
		}
		for i := range list {
			m := &list[i]
			if m.Status != models.MatchApproved || !m.Active() {
				continue
			}
			if err := matching.Release(ctx, s, m, reviewerID, reason); err != nil {
				return err
			}
			released++
		}
		if released == 0 {
			return invalid("transaction %s has no approved match to reset", txID)
		}
		if tx.FullyAllocated {
			tx.FullyAllocated = false
			if err := s.Transactions().Update(ctx, tx); err != nil {
				return fmt.Errorf("updating transaction %s: %w", txID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	svc.logger.Info("transaction reset", "transaction_id", txID, "released", released, "reviewer", reviewerID)
	return released, nil
}

// takeBack moves a delegated match back to pending so approve and reject
// see the states the workflow allows them on. Only the assignee may do so.
func takeBack(ctx context.Context, s repository.Store, m *models.TransactionMatch, reviewerID, op string) error {
	if m.Status != models.MatchDelegated {
		return nil
	}
	if m.AssignedTo != reviewerID {
		return fmt.Errorf("%w: cannot %s match %s delegated to %s", apperr.ErrPermissionDenied, op, m.ID, m.AssignedTo)
	}
	return matching.Transition(ctx, s, m, models.ActionAccepted, models.MatchPending, reviewerID, "taken back to "+op)
}

// supersede rejects the open candidates competing with m for its transaction
// or expense. It fails when either is already claimed by an approved match
// outside m's own split group.
func supersede(ctx context.Context, s repository.Store, m *models.TransactionMatch, op, by, reason string) error {
	byTx, err := s.Matches().ListByTransaction(ctx, m.TransactionID)
	if err != nil {
		return fmt.Errorf("listing matches of transaction %s: %w", m.TransactionID, err)
	}
	byExp, err := s.Matches().ListByExpense(ctx, m.ExpenseID)
	if err != nil {
		return fmt.Errorf("listing matches of expense %s: %w", m.ExpenseID, err)
	}
	seen := map[uuid.UUID]bool{m.ID: true}
	for _, other := range append(byTx, byExp...) {
		if seen[other.ID] || !other.Active() || sameGroup(m, &other) {
			continue
		}
		seen[other.ID] = true
		if other.Status == models.MatchApproved {
			return &apperr.InvalidStateError{
				MatchID: m.ID, Op: op, Status: string(m.Status),
				Detail: fmt.Sprintf("match %s already reconciles the same transaction or expense", other.ID),
			}
		}
		if err := closeCandidate(ctx, s, &other, by, reason); err != nil {
			return err
		}
	}
	return nil
}

func sameGroup(a, b *models.TransactionMatch) bool {
	return a.SplitGroupID != nil && b.SplitGroupID != nil && *a.SplitGroupID == *b.SplitGroupID
}

// closeCandidate rejects a pending or delegated match on behalf of the system.
func closeCandidate(ctx context.Context, s repository.Store, m *models.TransactionMatch, by, reason string) error {
	if m.Status == models.MatchDelegated {
		if err := matching.Transition(ctx, s, m, models.ActionAccepted, models.MatchPending, by, reason); err != nil {
			return err
		}
	}
	return matching.Transition(ctx, s, m, models.ActionRejected, models.MatchRejected, by, reason)
}

func loadPair(ctx context.Context, s repository.Store, txID, expenseID uuid.UUID) (*models.BankTransaction, *models.Expense, error) {
	tx, err := s.Transactions().Get(ctx, txID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading transaction %s: %w", txID, err)
	}
	exp, err := s.Expenses().Get(ctx, expenseID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading expense %s: %w", expenseID, err)
	}
	if exp.CompanyID != tx.CompanyID {
		return nil, nil, invalid("expense %s belongs to another company", expenseID)
	}
	return tx, exp, nil
}

func learn(ctx context.Context, s repository.Store, m *models.TransactionMatch) error {
	if m.IsSplit() {
		return nil
	}
	tx, exp, err := loadPair(ctx, s, m.TransactionID, m.ExpenseID)
	if err != nil {
		return err
	}
	if err := matching.Learn(ctx, s.Patterns(), tx, exp); err != nil {
		return fmt.Errorf("learning pattern: %w", err)
	}
	return nil
}
