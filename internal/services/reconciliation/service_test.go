package reconciliation

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/repository/memstore"
	"bank-reconciliation-backend/internal/services/matching"
)

type fixture struct {
	t         *testing.T
	store     *memstore.Store
	company   uuid.UUID
	statement models.BankStatement
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{t: t, store: memstore.New(), company: uuid.New()}
	f.statement = models.BankStatement{
		ID:          uuid.New(),
		CompanyID:   f.company,
		AccountID:   uuid.New(),
		Fingerprint: "a",
		Status:      models.StatementProcessed,
		CreatedAt:   day(8),
	}
	require.NoError(t, f.store.Statements().Create(context.Background(), &f.statement))
	failed := models.BankStatement{
		ID: uuid.New(), CompanyID: f.company, AccountID: f.statement.AccountID,
		Fingerprint: "b", Status: models.StatementFailed, CreatedAt: day(15),
	}
	require.NoError(t, f.store.Statements().Create(context.Background(), &failed))
	return f
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func (f *fixture) tx(date time.Time, amount string, mutate func(*models.BankTransaction)) models.BankTransaction {
	f.t.Helper()
	a := decimal.RequireFromString(amount)
	tx := models.BankTransaction{
		ID:               uuid.New(),
		StatementID:      f.statement.ID,
		CompanyID:        f.company,
		AccountID:        f.statement.AccountID,
		TransactionDate:  date,
		Description:      "line",
		Amount:           a,
		Currency:         "PLN",
		BaseCurrency:     "PLN",
		NormalizedAmount: decimal.NewNullDecimal(a),
		Type:             models.TxDebit,
	}
	if mutate != nil {
		mutate(&tx)
	}
	require.NoError(f.t, f.store.Transactions().CreateBatch(context.Background(), []models.BankTransaction{tx}))
	return tx
}

func (f *fixture) match(tx models.BankTransaction, strategy models.MatchStrategy, approve bool) {
	f.t.Helper()
	ctx := context.Background()
	require.NoError(f.t, f.store.InTx(ctx, func(s repository.Store) error {
		m := &models.TransactionMatch{
			ID: uuid.New(), CompanyID: f.company, TransactionID: tx.ID, ExpenseID: uuid.New(),
			Strategy: strategy, ConfidenceScore: 0.9,
		}
		if err := matching.Open(ctx, s, m, matching.SystemActor, ""); err != nil {
			return err
		}
		if !approve {
			return nil
		}
		return matching.Transition(ctx, s, m, models.ActionApproved, models.MatchApproved, "alice", "")
	}))
}

func (f *fixture) seed() {
	exact := f.tx(day(8), "-10.00", nil)
	f.match(exact, models.StrategyExact, true)
	fuzzy := f.tx(day(9), "-20.00", nil)
	f.match(fuzzy, models.StrategyFuzzy, false)
	f.tx(day(9), "-5.00", func(tx *models.BankTransaction) {
		tx.NeedsReview = true
		tx.Currency = "XYZ"
		tx.NormalizedAmount = decimal.NullDecimal{}
	})
	f.tx(day(16), "-10.00", func(tx *models.BankTransaction) { tx.IsDuplicate = true })
	manual := f.tx(day(16), "-30.00", nil)
	f.match(manual, models.StrategyManual, true)
	f.tx(day(20), "-1.00", func(tx *models.BankTransaction) {
		other := uuid.New()
		tx.SupersededBy = &other
	})
}

func TestReportBucketsByWeek(t *testing.T) {
	f := newFixture(t)
	f.seed()
	rep, err := NewReporter(f.store, nil).Generate(context.Background(), ReportRequest{
		CompanyID: f.company, Granularity: Week,
	})
	require.NoError(t, err)

	require.Len(t, rep.Buckets, 2)
	first, second := rep.Buckets[0], rep.Buckets[1]
	assert.Equal(t, "2024-W02", first.Period)
	assert.Equal(t, day(8), first.Start)
	assert.Equal(t, 1, first.StatementsProcessed)
	assert.Equal(t, 3, first.TransactionsIngested)
	assert.Equal(t, 1, first.TransactionsMatched)
	assert.Equal(t, 1, first.MatchedByStrategy[models.StrategyExact])
	assert.Equal(t, 1, first.MatchesByStatus[models.MatchPending])
	assert.Equal(t, 1, first.NeedsReview)
	assert.Equal(t, 1, first.CurrencyUnresolved)
	assert.Equal(t, 1, first.Unmatched)

	assert.Equal(t, "2024-W03", second.Period)
	assert.Equal(t, 1, second.StatementsFailed)
	assert.Equal(t, 2, second.TransactionsIngested, "superseded rows are left out")
	assert.Equal(t, 1, second.Duplicates)
	assert.Equal(t, 1, second.MatchedByStrategy[models.StrategyManual])

	total := rep.Totals
	assert.Equal(t, 5, total.TransactionsIngested)
	assert.Equal(t, 2, total.TransactionsMatched)
	assert.Equal(t, 2, total.MatchesByStatus[models.MatchApproved])
	assert.Equal(t, "40.00", total.MatchedAmount.StringFixed(2))
	assert.Equal(t, "75.00", total.IngestedAmount.StringFixed(2))
}

func TestReportRespectsRangeAndGranularity(t *testing.T) {
	f := newFixture(t)
	f.seed()
	from, to := day(9), day(9)
	rep, err := NewReporter(f.store, nil).Generate(context.Background(), ReportRequest{
		CompanyID: f.company, From: &from, To: &to, Granularity: Day,
	})
	require.NoError(t, err)
	require.Len(t, rep.Buckets, 1)
	assert.Equal(t, "2024-01-09", rep.Buckets[0].Period)
	assert.Equal(t, 2, rep.Totals.TransactionsIngested)

	monthly, err := NewReporter(f.store, nil).Generate(context.Background(), ReportRequest{
		CompanyID: f.company, Granularity: Month,
	})
	require.NoError(t, err)
	require.Len(t, monthly.Buckets, 1)
	assert.Equal(t, "2024-01", monthly.Buckets[0].Period)

	_, err = NewReporter(f.store, nil).Generate(context.Background(), ReportRequest{CompanyID: f.company, Granularity: "year"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	_, err = NewReporter(f.store, nil).Generate(context.Background(), ReportRequest{CompanyID: f.company, From: &to, To: &[]time.Time{day(1)}[0]})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestPeriodOfUsesISOWeeks(t *testing.T) {
	start, label := periodOf(time.Date(2021, 1, 3, 12, 0, 0, 0, time.UTC), Week)
	assert.Equal(t, "2020-W53", label)
	assert.Equal(t, time.Date(2020, 12, 28, 0, 0, 0, 0, time.UTC), start)
}

func TestRenderFormats(t *testing.T) {
	f := newFixture(t)
	f.seed()
	rep, err := NewReporter(f.store, nil).Generate(context.Background(), ReportRequest{CompanyID: f.company, Granularity: Week})
	require.NoError(t, err)

	var js bytes.Buffer
	require.NoError(t, Render(&js, rep, FormatJSON))
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, "week", decoded["granularity"])

	var c bytes.Buffer
	require.NoError(t, Render(&c, rep, FormatCSV))
	records, err := csv.NewReader(&c).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, "period", records[0][0])
	assert.Equal(t, "total", records[3][0])
	assert.Equal(t, "5", records[3][3])

	var x bytes.Buffer
	require.NoError(t, Render(&x, rep, FormatXLSX))
	book, err := excelize.OpenReader(&x)
	require.NoError(t, err)
	defer book.Close()
	got, err := book.GetRows(reportSheet)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "2024-W02", got[1][0])

	_, err = ParseFormat("pdf")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestStatementStats(t *testing.T) {
	f := newFixture(t)
	f.seed()
	stats, err := NewReporter(f.store, nil).StatementStats(context.Background(), f.statement.ID)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 1, stats.DuplicateCount)
	assert.Equal(t, 2, stats.MatchedCount)
	assert.Equal(t, "-40.00", stats.MatchedSum.StringFixed(2))
	assert.Equal(t, 1, stats.PendingCount)
	assert.Equal(t, 1, stats.UnmatchedCount)
	assert.Equal(t, 1, stats.NeedsReviewCount)

	_, err = NewReporter(f.store, nil).StatementStats(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
