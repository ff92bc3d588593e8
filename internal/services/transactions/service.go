// Package transactions serves the read side of the unmatched pool and the
// manual correction of parsed lines.
package transactions

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/services/currency"
)

type Service struct {
	store      repository.Store
	normalizer *currency.Normalizer
	logger     *slog.Logger
}

func NewService(store repository.Store, normalizer *currency.Normalizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, normalizer: normalizer, logger: logger}
}

// Correction holds the fields a reviewer may edit. Nil fields are unchanged.
type Correction struct {
	Description     *string                 `json:"description"`
	Amount          *decimal.Decimal        `json:"amount"`
	Currency        *string                 `json:"currency"`
	TransactionDate *time.Time              `json:"transactionDate"`
	Type            *models.TransactionType `json:"type"`
	ReferenceNumber *string                 `json:"referenceNumber"`
}

// CorrectTransaction applies a manual edit, logging one correction row per
// changed field. Any edit clears the review flag. Amount, currency or date
// edits recompute the base-currency amount.
func (s *Service) CorrectTransaction(ctx context.Context, txID uuid.UUID, editorID string, c Correction, reason string) (*models.BankTransaction, []models.CorrectionLog, error) {
	if editorID == "" {
		return nil, nil, fmt.Errorf("%w: editor id is required", apperr.ErrInvalidArgument)
	}
	if strings.TrimSpace(reason) == "" {
		return nil, nil, fmt.Errorf("%w: a correction reason is required", apperr.ErrInvalidArgument)
	}
	if c.Type != nil && !c.Type.Valid() {
		return nil, nil, fmt.Errorf("%w: unknown transaction type %q", apperr.ErrInvalidArgument, *c.Type)
	}

	var (
		out  *models.BankTransaction
		logs []models.CorrectionLog
	)
	err := s.store.InTx(ctx, func(st repository.Store) error {
		tx, err := st.Transactions().Get(ctx, txID)
		if err != nil {
			return fmt.Errorf("loading transaction %s: %w", txID, err)
		}
		logs = nil
		field := func(name, oldValue, newValue string) {
			if oldValue == newValue {
				return
			}
			logs = append(logs, models.CorrectionLog{
				ID:            uuid.New(),
				TransactionID: tx.ID,
				Field:         name,
				OldValue:      oldValue,
				NewValue:      newValue,
				Reason:        reason,
				EditedBy:      editorID,
			})
		}

		if c.Description != nil {
			field("description", tx.Description, *c.Description)
			tx.Description = *c.Description
		}
		if c.Amount != nil {
			field("amount", tx.Amount.String(), c.Amount.String())
			tx.Amount = *c.Amount
		}
		if c.Currency != nil {
			code := strings.ToUpper(strings.TrimSpace(*c.Currency))
			field("currency", tx.Currency, code)
			tx.Currency = code
		}
		if c.TransactionDate != nil {
			field("transaction_date", tx.TransactionDate.Format("2006-01-02"), c.TransactionDate.Format("2006-01-02"))
			tx.TransactionDate = *c.TransactionDate
		}
		if c.Type != nil {
			field("type", string(tx.Type), string(*c.Type))
			tx.Type = *c.Type
		}
		if c.ReferenceNumber != nil {
			field("reference_number", tx.ReferenceNumber, *c.ReferenceNumber)
			tx.ReferenceNumber = *c.ReferenceNumber
		}
		if len(logs) == 0 {
			return fmt.Errorf("%w: correction changes nothing", apperr.ErrInvalidArgument)
		}

		if s.normalizer != nil && touchesAmount(logs) {
			if err := s.normalizer.Normalize(ctx, tx, tx.BaseCurrency, tx.TransactionDate); err != nil {
				s.logger.Warn("corrected transaction still has no base amount", "transaction_id", tx.ID, "error", err)
			}
		}
		tx.NeedsReview = false
		tx.ReviewReason = ""

		if err := st.Corrections().Append(ctx, logs); err != nil {
			return fmt.Errorf("appending corrections: %w", err)
		}
		if err := st.Transactions().Update(ctx, tx); err != nil {
			return fmt.Errorf("updating transaction %s: %w", tx.ID, err)
		}
		out = tx
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("transaction corrected", "transaction_id", txID, "fields", len(logs), "editor", editorID)
	return out, logs, nil
}

func touchesAmount(logs []models.CorrectionLog) bool {
	for _, l := range logs {
		switch l.Field {
		case "amount", "currency", "transaction_date":
			return true
		}
	}
	return false
}

func (s *Service) Corrections(ctx context.Context, txID uuid.UUID) ([]models.CorrectionLog, error) {
	if _, err := s.store.Transactions().Get(ctx, txID); err != nil {
		return nil, err
	}
	return s.store.Corrections().ListByTransaction(ctx, txID)
}

type UnmatchedFilter struct {
	From            *time.Time
	To              *time.Time
	OnlyNeedsReview bool
	Search          string
	Cursor          string
	Limit           int
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Page is one page of a cursor listing. NextCursor is empty on the last page.
type Page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// UnmatchedTransactions lists transactions without an active match.
// Duplicates, superseded attempts and split transactions are left out.
func (s *Service) UnmatchedTransactions(ctx context.Context, companyID uuid.UUID, f UnmatchedFilter) (*Page[models.BankTransaction], error) {
	limit := pageSize(f.Limit)
	claimed, err := s.claimed(ctx, companyID)
	if err != nil {
		return nil, err
	}

	page := &Page[models.BankTransaction]{Items: []models.BankTransaction{}}
	cursor := f.Cursor
	for {
		batch, err := s.store.Transactions().List(ctx, repository.TransactionFilter{
			CompanyID:        companyID,
			From:             f.From,
			To:               f.To,
			OnlyNeedsReview:  f.OnlyNeedsReview,
			ExcludeAllocated: true,
			Search:           f.Search,
			Cursor:           cursor,
			Limit:            limit,
		})
		if err != nil {
			return nil, fmt.Errorf("listing transactions: %w", err)
		}
		for _, tx := range batch {
			if claimed.tx[tx.ID] {
				continue
			}
			page.Items = append(page.Items, tx)
			if len(page.Items) == limit {
				page.NextCursor = tx.ID.String()
				return page, nil
			}
		}
		if len(batch) < limit {
			return page, nil
		}
		cursor = batch[len(batch)-1].ID.String()
	}
}

// UnmatchedExpenses lists expenses in the window without an active match.
func (s *Service) UnmatchedExpenses(ctx context.Context, companyID uuid.UUID, f UnmatchedFilter) ([]models.Expense, error) {
	claimed, err := s.claimed(ctx, companyID)
	if err != nil {
		return nil, err
	}
	all, err := s.store.Expenses().List(ctx, repository.ExpenseFilter{CompanyID: companyID, From: f.From, To: f.To})
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))
	out := []models.Expense{}
	for _, e := range all {
		if claimed.expense[e.ID] {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(e.MerchantName), search) &&
			!strings.Contains(strings.ToLower(e.Title), search) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// SearchExpenses is the reviewer's manual lookup by text and exact amount.
func (s *Service) SearchExpenses(ctx context.Context, companyID uuid.UUID, query string, amount decimal.NullDecimal) ([]models.Expense, error) {
	return s.store.Expenses().Search(ctx, companyID, query, amount)
}

type claims struct {
	tx      map[uuid.UUID]bool
	expense map[uuid.UUID]bool
}

func (s *Service) claimed(ctx context.Context, companyID uuid.UUID) (claims, error) {
	active, err := s.store.Matches().List(ctx, repository.MatchFilter{CompanyID: companyID, ActiveOnly: true})
	if err != nil {
		return claims{}, fmt.Errorf("listing active matches: %w", err)
	}
	c := claims{tx: make(map[uuid.UUID]bool), expense: make(map[uuid.UUID]bool)}
	for _, m := range active {
		c.tx[m.TransactionID] = true
		c.expense[m.ExpenseID] = true
	}
	return c, nil
}

func pageSize(n int) int {
	switch {
	case n <= 0:
		return defaultPageSize
	case n > maxPageSize:
		return maxPageSize
	}
	return n
}
