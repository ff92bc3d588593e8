// Package reconciliation aggregates ingestion and matching outcomes into
// period reports and per-statement stats. It never writes.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

type Granularity string

const (
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case "":
		return Day, nil
	case Day, Week, Month:
		return g, nil
	}
	return "", fmt.Errorf("%w: unknown granularity %q", apperr.ErrInvalidArgument, s)
}

// Totals is one row of a report. Transaction figures are keyed on the
// transaction date, statement figures on the upload date.
type Totals struct {
	StatementsProcessed  int                          `json:"statementsProcessed"`
	StatementsFailed     int                          `json:"statementsFailed"`
	TransactionsIngested int                          `json:"transactionsIngested"`
	TransactionsMatched  int                          `json:"transactionsMatched"`
	MatchedByStrategy    map[models.MatchStrategy]int `json:"matchedByStrategy"`
	MatchesByStatus      map[models.MatchStatus]int   `json:"matchesByStatus"`
	Duplicates           int                          `json:"duplicates"`
	NeedsReview          int                          `json:"needsReview"`
	CurrencyUnresolved   int                          `json:"currencyUnresolved"`
	Unmatched            int                          `json:"unmatched"`
	IngestedAmount       decimal.Decimal              `json:"ingestedAmount"`
	MatchedAmount        decimal.Decimal              `json:"matchedAmount"`
}

func newTotals() Totals {
	return Totals{
		MatchedByStrategy: make(map[models.MatchStrategy]int),
		MatchesByStatus:   make(map[models.MatchStatus]int),
	}
}

type Bucket struct {
	Period string    `json:"period"`
	Start  time.Time `json:"start"`
	Totals
}

type Report struct {
	CompanyID   uuid.UUID   `json:"companyId"`
	From        *time.Time  `json:"from,omitempty"`
	To          *time.Time  `json:"to,omitempty"`
	Granularity Granularity `json:"granularity"`
	Buckets     []Bucket    `json:"buckets"`
	Totals      Totals      `json:"totals"`
	GeneratedAt time.Time   `json:"generatedAt"`
}

type ReportRequest struct {
	CompanyID   uuid.UUID
	From        *time.Time
	To          *time.Time
	Granularity Granularity
}

type Reporter struct {
	store  repository.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewReporter(store repository.Store, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{store: store, logger: logger, now: time.Now}
}

const scanBatch = 1000

// Generate builds the report for one company.
func (r *Reporter) Generate(ctx context.Context, req ReportRequest) (*Report, error) {
	if req.CompanyID == uuid.Nil {
		return nil, fmt.Errorf("%w: company id is required", apperr.ErrInvalidArgument)
	}
	if req.From != nil && req.To != nil && req.To.Before(*req.From) {
		return nil, fmt.Errorf("%w: range ends before it starts", apperr.ErrInvalidArgument)
	}
	g, err := ParseGranularity(string(req.Granularity))
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]*Bucket)
	bucket := func(t time.Time) *Bucket {
		start, label := periodOf(t, g)
		b, ok := buckets[label]
		if !ok {
			b = &Bucket{Period: label, Start: start, Totals: newTotals()}
			buckets[label] = b
		}
		return b
	}
	report := &Report{
		CompanyID:   req.CompanyID,
		From:        req.From,
		To:          req.To,
		Granularity: g,
		Totals:      newTotals(),
		GeneratedAt: r.now().UTC(),
	}

	statements, err := r.store.Statements().List(ctx, repository.StatementFilter{
		CompanyID: req.CompanyID, From: req.From, To: req.To,
	})
	if err != nil {
		return nil, fmt.Errorf("listing statements: %w", err)
	}
	for _, st := range statements {
		b := bucket(st.CreatedAt)
		switch st.Status {
		case models.StatementProcessed, models.StatementNeedsReview:
			b.StatementsProcessed++
			report.Totals.StatementsProcessed++
		case models.StatementFailed:
			b.StatementsFailed++
			report.Totals.StatementsFailed++
		}
	}

	byTx, err := matchesByTransaction(ctx, r.store, req.CompanyID)
	if err != nil {
		return nil, err
	}
	err = scanTransactions(ctx, r.store, repository.TransactionFilter{
		CompanyID:         req.CompanyID,
		From:              req.From,
		To:                req.To,
		IncludeDuplicates: true,
	}, func(tx models.BankTransaction) {
		b := bucket(tx.TransactionDate)
		count(&b.Totals, tx, byTx[tx.ID])
		count(&report.Totals, tx, byTx[tx.ID])
	})
	if err != nil {
		return nil, err
	}

	report.Buckets = make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		report.Buckets = append(report.Buckets, *b)
	}
	sort.Slice(report.Buckets, func(i, j int) bool {
		return report.Buckets[i].Start.Before(report.Buckets[j].Start)
	})
	r.logger.Info("reconciliation report generated",
		"company_id", req.CompanyID,
		"granularity", g,
		"buckets", len(report.Buckets),
		"transactions", report.Totals.TransactionsIngested,
	)
	return report, nil
}

// count folds one transaction and its live matches into t. A transaction
// counts as matched when one of its matches is approved and not released.
func count(t *Totals, tx models.BankTransaction, matches []models.TransactionMatch) {
	t.TransactionsIngested++
	amount := tx.Magnitude()
	if base, ok := tx.BaseMagnitude(); ok {
		amount = base
	}
	t.IngestedAmount = t.IngestedAmount.Add(amount)
	if tx.IsDuplicate {
		t.Duplicates++
		return
	}
	if tx.NeedsReview {
		t.NeedsReview++
	}
	if tx.CurrencyUnresolved() {
		t.CurrencyUnresolved++
	}

	var approved *models.TransactionMatch
	active := false
	for i := range matches {
		m := matches[i]
		if m.ReleasedAt != nil {
			continue
		}
		t.MatchesByStatus[m.Status]++
		if m.Active() {
			active = true
		}
		if m.Status == models.MatchApproved && approved == nil {
			approved = &matches[i]
		}
	}
	switch {
	case approved != nil:
		t.TransactionsMatched++
		t.MatchedByStrategy[approved.Strategy]++
		t.MatchedAmount = t.MatchedAmount.Add(amount)
	case !active:
		t.Unmatched++
	}
}

func matchesByTransaction(ctx context.Context, store repository.Store, companyID uuid.UUID) (map[uuid.UUID][]models.TransactionMatch, error) {
	all, err := store.Matches().List(ctx, repository.MatchFilter{CompanyID: companyID})
	if err != nil {
		return nil, fmt.Errorf("listing matches: %w", err)
	}
	out := make(map[uuid.UUID][]models.TransactionMatch)
	for _, m := range all {
		out[m.TransactionID] = append(out[m.TransactionID], m)
	}
	return out, nil
}

// scanTransactions walks every transaction the filter selects, one cursor
// page at a time.
func scanTransactions(ctx context.Context, store repository.Store, f repository.TransactionFilter, fn func(models.BankTransaction)) error {
	f.Limit = scanBatch
	for {
		batch, err := store.Transactions().List(ctx, f)
		if err != nil {
			return fmt.Errorf("listing transactions: %w", err)
		}
		for _, tx := range batch {
			fn(tx)
		}
		if len(batch) < scanBatch {
			return nil
		}
		f.Cursor = batch[len(batch)-1].ID.String()
	}
}

// periodOf returns the start and label of the bucket holding t. Weeks are
// ISO weeks starting on Monday.
func periodOf(t time.Time, g Granularity) (time.Time, string) {
	y, m, d := t.UTC().Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	switch g {
	case Week:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		year, week := start.ISOWeek()
		return start, fmt.Sprintf("%d-W%02d", year, week)
	case Month:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), day.Format("2006-01")
	}
	return day, day.Format("2006-01-02")
}
