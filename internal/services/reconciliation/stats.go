package reconciliation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

// StatementStats summarises the live attempt of one statement.
type StatementStats struct {
	StatementID      uuid.UUID              `json:"statementId"`
	Status           models.StatementStatus `json:"status"`
	Total            int                    `json:"total"`
	TotalAmount      decimal.Decimal        `json:"totalAmount"`
	MatchedCount     int                    `json:"matchedCount"`
	MatchedSum       decimal.Decimal        `json:"matchedSum"`
	PendingCount     int                    `json:"pendingCount"`
	PendingSum       decimal.Decimal        `json:"pendingSum"`
	UnmatchedCount   int                    `json:"unmatchedCount"`
	UnmatchedSum     decimal.Decimal        `json:"unmatchedSum"`
	DuplicateCount   int                    `json:"duplicateCount"`
	NeedsReviewCount int                    `json:"needsReviewCount"`
}

func (r *Reporter) StatementStats(ctx context.Context, statementID uuid.UUID) (*StatementStats, error) {
	st, err := r.store.Statements().Get(ctx, statementID)
	if err != nil {
		return nil, fmt.Errorf("loading statement %s: %w", statementID, err)
	}
	byTx, err := matchesByTransaction(ctx, r.store, st.CompanyID)
	if err != nil {
		return nil, err
	}

	stats := &StatementStats{StatementID: st.ID, Status: st.Status}
	err = scanTransactions(ctx, r.store, repository.TransactionFilter{
		StatementID:       &st.ID,
		IncludeDuplicates: true,
	}, func(tx models.BankTransaction) {
		stats.Total++
		stats.TotalAmount = stats.TotalAmount.Add(tx.Amount)
		if tx.IsDuplicate {
			stats.DuplicateCount++
			return
		}
		if tx.NeedsReview {
			stats.NeedsReviewCount++
		}
		switch state(byTx[tx.ID]) {
		case models.MatchApproved:
			stats.MatchedCount++
			stats.MatchedSum = stats.MatchedSum.Add(tx.Amount)
		case models.MatchPending:
			stats.PendingCount++
			stats.PendingSum = stats.PendingSum.Add(tx.Amount)
		default:
			stats.UnmatchedCount++
			stats.UnmatchedSum = stats.UnmatchedSum.Add(tx.Amount)
		}
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// state collapses the matches of one transaction: approved wins, any other
// live match reads as pending, and none at all is empty.
func state(matches []models.TransactionMatch) models.MatchStatus {
	var out models.MatchStatus
	for _, m := range matches {
		if !m.Active() {
			continue
		}
		if m.Status == models.MatchApproved {
			return models.MatchApproved
		}
		out = models.MatchPending
	}
	return out
}
