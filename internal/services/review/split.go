package review

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/services/currency"
	"bank-reconciliation-backend/internal/services/matching"
)

type Allocation struct {
	ExpenseID uuid.UUID       `json:"expenseId" binding:"required"`
	Amount    decimal.Decimal `json:"amount" binding:"required"`
}

type SplitRequest struct {
	TransactionID uuid.UUID
	Allocations   []Allocation
	ReviewerID    string
	Comments      string
}

// Split allocates one transaction across several expenses. The allocations
// must add up to the transaction's base amount at the currency's minor unit.
// Every allocation becomes an approved manual match in one split group.
func (svc *Service) Split(ctx context.Context, req SplitRequest) ([]models.TransactionMatch, error) {
	if req.ReviewerID == "" {
		return nil, invalid("reviewer id is required")
	}
	if len(req.Allocations) < 2 {
		return nil, invalid("a split needs at least two allocations")
	}
	seen := make(map[uuid.UUID]bool, len(req.Allocations))
	for _, a := range req.Allocations {
		if seen[a.ExpenseID] {
			return nil, invalid("expense %s is allocated twice", a.ExpenseID)
		}
		seen[a.ExpenseID] = true
		if !a.Amount.IsPositive() {
			return nil, invalid("allocation to %s must be positive", a.ExpenseID)
		}
	}

	var created []models.TransactionMatch
	err := svc.store.InTx(ctx, func(s repository.Store) error {
		created = nil
		tx, err := s.Transactions().Get(ctx, req.TransactionID)
		if err != nil {
			return fmt.Errorf("loading transaction %s: %w", req.TransactionID, err)
		}
		target, code := splitTarget(tx)
		sum := decimal.Zero
		for _, a := range req.Allocations {
			sum = sum.Add(a.Amount)
		}
		if !currency.RoundCode(sum, code).Equal(currency.RoundCode(target, code)) {
			return &apperr.SplitAmountMismatchError{Expected: target, Actual: sum}
		}

		group := uuid.New()
		for _, a := range req.Allocations {
			exp, err := s.Expenses().Get(ctx, a.ExpenseID)
			if err != nil {
				return fmt.Errorf("loading expense %s: %w", a.ExpenseID, err)
			}
			if exp.CompanyID != tx.CompanyID {
				return invalid("expense %s belongs to another company", exp.ID)
			}
			groupID := group
			m := &models.TransactionMatch{
				ID:              uuid.New(),
				CompanyID:       tx.CompanyID,
				TransactionID:   tx.ID,
				ExpenseID:       exp.ID,
				Strategy:        models.StrategyManual,
				ConfidenceScore: 1,
				SplitGroupID:    &groupID,
				AllocatedAmount: decimal.NewNullDecimal(a.Amount),
			}
			if err := supersede(ctx, s, m, "split", req.ReviewerID, "superseded by split"); err != nil {
				return err
			}
			if err := matching.Open(ctx, s, m, req.ReviewerID, "split allocation "+a.Amount.StringFixed(2)); err != nil {
				return err
			}
			if err := matching.Transition(ctx, s, m, models.ActionApproved, models.MatchApproved, req.ReviewerID, req.Comments); err != nil {
				return err
			}
			created = append(created, *m)
		}

		tx.FullyAllocated = true
		if err := s.Transactions().Update(ctx, tx); err != nil {
			return fmt.Errorf("updating transaction %s: %w", tx.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	svc.logger.Info("transaction split", "transaction_id", req.TransactionID, "allocations", len(created), "reviewer", req.ReviewerID)
	return created, nil
}

// splitTarget is the amount allocations must add up to: the base amount, or
// the original one while the currency is unresolved.
func splitTarget(tx *models.BankTransaction) (decimal.Decimal, string) {
	if base, ok := tx.BaseMagnitude(); ok {
		return base, tx.BaseCurrency
	}
	return tx.Magnitude(), strings.ToUpper(tx.Currency)
}
