package matching

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository/memstore"
)

type stubStrategy struct {
	name  models.MatchStrategy
	score func(p Pair) (float64, bool)
	err   error
	panic bool
}

func (s stubStrategy) Name() models.MatchStrategy { return s.name }

func (s stubStrategy) Score(_ context.Context, p Pair) (Score, bool, error) {
	if s.panic {
		panic("model exploded")
	}
	if s.err != nil {
		return Score{}, false, s.err
	}
	c, ok := s.score(p)
	return Score{Confidence: c}, ok, nil
}

func constant(name models.MatchStrategy, c float64) stubStrategy {
	return stubStrategy{name: name, score: func(Pair) (float64, bool) { return c, true }}
}

type fixture struct {
	store   *memstore.Store
	company uuid.UUID
	account uuid.UUID
	cfg     config.MatchingConfig
}

func newFixture() *fixture {
	return &fixture{
		store:   memstore.New(),
		company: uuid.New(),
		account: uuid.New(),
		cfg:     config.Default().Matching,
	}
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func (f *fixture) tx(t *testing.T, date, desc, amount, currency string, edit ...func(*models.BankTransaction)) models.BankTransaction {
	t.Helper()
	tx := models.BankTransaction{
		ID:              uuid.New(),
		StatementID:     uuid.New(),
		CompanyID:       f.company,
		AccountID:       f.account,
		TransactionDate: day(date),
		Description:     desc,
		Amount:          decimal.RequireFromString(amount),
		Currency:        currency,
		Type:            models.TxDebit,
		BaseCurrency:    "PLN",
	}
	if currency == "PLN" {
		tx.NormalizedAmount = decimal.NewNullDecimal(tx.Amount)
	}
	for _, fn := range edit {
		fn(&tx)
	}
	require.NoError(t, f.store.Transactions().CreateBatch(context.Background(), []models.BankTransaction{tx}))
	return tx
}

func (f *fixture) expense(merchant, amount, currency, date string) models.Expense {
	e := models.Expense{
		ID:              uuid.New(),
		CompanyID:       f.company,
		Title:           merchant,
		MerchantName:    merchant,
		Amount:          decimal.RequireFromString(amount),
		Currency:        currency,
		TransactionDate: day(date),
	}
	f.store.PutExpense(e)
	return e
}

func (f *fixture) engine(t *testing.T, strategies ...Strategy) *Engine {
	t.Helper()
	e, err := NewEngine(f.store, f.cfg, nil, strategies...)
	require.NoError(t, err)
	return e
}

func (f *fixture) run(t *testing.T, e *Engine) *RunResult {
	t.Helper()
	res, err := e.Run(context.Background(), RunRequest{CompanyID: f.company})
	require.NoError(t, err)
	return res
}

func TestCoffeeShopExactMatchIsAutoApproved(t *testing.T) {
	f := newFixture()
	tx := f.tx(t, "2024-01-05", "Coffee Shop", "-4.50", "PLN")
	exp := f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")

	res := f.run(t, f.engine(t))

	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, tx.ID, m.TransactionID)
	assert.Equal(t, exp.ID, m.ExpenseID)
	assert.Equal(t, models.StrategyExact, m.Strategy)
	assert.Equal(t, 1.0, m.ConfidenceScore)
	assert.Equal(t, models.MatchApproved, m.Status)
	assert.Equal(t, 1, res.Run.AutoApprovedCount)
	assert.Equal(t, models.RunCompleted, res.Run.Status)

	events, err := f.store.Matches().Events(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.ActionCreated, events[0].Action)
	assert.Equal(t, models.ActionApproved, events[1].Action)
	assert.Equal(t, models.MatchApproved, models.ProjectStatus(events))

	patterns, err := f.store.Patterns().List(context.Background(), f.company)
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "COFFEE SHOP", patterns[0].MerchantKey)
}

func TestExactMatchIgnoresCurrencyCase(t *testing.T) {
	tx := models.BankTransaction{TransactionDate: day("2024-01-05"), Amount: decimal.RequireFromString("-4.50"), Currency: "pln"}
	exp := models.Expense{TransactionDate: day("2024-01-05"), Amount: decimal.RequireFromString("4.50"), Currency: "PLN"}

	sc, ok, err := ExactStrategy{Tolerance: decimal.RequireFromString("0.01")}.Score(context.Background(), Pair{Tx: &tx, Expense: &exp})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, sc.Confidence)
}

func TestFuzzyMatchAcrossBookingDelay(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-07", "CARD PAYMENT COFFEE SHOP WARSZAWA 4411", "-4.50", "PLN")
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")

	res := f.run(t, f.engine(t))

	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, models.StrategyFuzzy, m.Strategy)
	assert.InDelta(t, 0.8825, m.ConfidenceScore, 1e-9)
	assert.Equal(t, models.MatchPending, m.Status)
	assert.Equal(t, 1, res.Run.PendingCount)
}

func TestFuzzyScoresStayWithinBand(t *testing.T) {
	s := FuzzyStrategy{Tolerance: decimal.RequireFromString("0.01"), Window: 3, Threshold: 0.6}
	exp := models.Expense{MerchantName: "Coffee Shop", Amount: decimal.RequireFromString("4.50"), Currency: "PLN", TransactionDate: day("2024-01-05")}

	descs := []string{"Coffee Shop", "COFFEE SHOP WARSZAWA", "CARD PAYMENT COFEE SHOP", "coffee shp"}
	amounts := []string{"-4.50", "-4.49", "-4.51"}
	for _, desc := range descs {
		for _, amount := range amounts {
			for delay := 0; delay <= 3; delay++ {
				tx := models.BankTransaction{
					Description:     desc,
					Amount:          decimal.RequireFromString(amount),
					Currency:        "PLN",
					TransactionDate: exp.TransactionDate.AddDate(0, 0, delay),
				}
				sc, ok, err := s.Score(context.Background(), Pair{Tx: &tx, Expense: &exp})
				require.NoError(t, err)
				if !ok {
					continue
				}
				assert.GreaterOrEqual(t, sc.Confidence, 0.5, "%s %s +%dd", desc, amount, delay)
				assert.Less(t, sc.Confidence, 0.95, "%s %s +%dd", desc, amount, delay)
			}
		}
	}

	tx := models.BankTransaction{Description: "Coffee Shop", Amount: decimal.RequireFromString("-4.50"), Currency: "PLN", TransactionDate: exp.TransactionDate}
	sc, ok, err := s.Score(context.Background(), Pair{Tx: &tx, Expense: &exp})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, sc.Confidence, 0.95)

	tx.TransactionDate = exp.TransactionDate.AddDate(0, 0, 4)
	_, ok, _ = s.Score(context.Background(), Pair{Tx: &tx, Expense: &exp})
	assert.False(t, ok, "outside the window")
}

func TestTiedCandidatesStayPending(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Transfer", "-80.00", "PLN")
	f.expense("Vendor A", "80.00", "PLN", "2024-01-05")
	f.expense("Vendor B", "80.00", "PLN", "2024-01-05")

	res := f.run(t, f.engine(t, constant(models.StrategyFuzzy, 0.80)))

	require.Len(t, res.Matches, 2)
	for _, m := range res.Matches {
		assert.Equal(t, models.MatchPending, m.Status)
		assert.True(t, m.NeedsReview)
		assert.Equal(t, 0.80, m.ConfidenceScore)
	}
	assert.NotEqual(t, res.Matches[0].ExpenseID, res.Matches[1].ExpenseID)
	assert.Zero(t, res.Run.AutoApprovedCount)
}

func TestTiedCandidatesAreNotAutoApproved(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Transfer", "-80.00", "PLN")
	f.expense("Vendor A", "80.00", "PLN", "2024-01-05")
	f.expense("Vendor B", "80.00", "PLN", "2024-01-05")

	res := f.run(t, f.engine(t))

	require.Len(t, res.Matches, 2)
	for _, m := range res.Matches {
		assert.Equal(t, 1.0, m.ConfidenceScore)
		assert.Equal(t, models.MatchPending, m.Status)
	}
}

func TestStrategyFailureIsIsolated(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Coffee Shop", "-4.50", "PLN")
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")

	exact, err := DefaultStrategies(f.cfg)
	require.NoError(t, err)
	e := f.engine(t,
		exact[0],
		stubStrategy{name: models.StrategyML, err: errors.New("model offline")},
		stubStrategy{name: models.StrategyPattern, panic: true},
	)
	res := f.run(t, e)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, models.StrategyExact, res.Matches[0].Strategy)

	run, err := f.store.Runs().Get(context.Background(), res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Status)
	failed := run.FailedStrategies.Data()
	assert.Contains(t, failed["ml-assisted"], "model offline")
	assert.Contains(t, failed["pattern"], "panicked")
}

func TestRunFailsWhenEveryStrategyFails(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Coffee Shop", "-4.50", "PLN")
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")

	e := f.engine(t, stubStrategy{name: models.StrategyML, err: errors.New("down")})
	_, err := e.Run(context.Background(), RunRequest{CompanyID: f.company})
	require.Error(t, err)

	// a failed run does not block the next one
	e = f.engine(t)
	res := f.run(t, e)
	assert.Len(t, res.Matches, 1)
}

func TestApprovedTransactionsLeaveThePool(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Coffee Shop", "-4.50", "PLN")
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")
	e := f.engine(t)
	f.run(t, e)

	res := f.run(t, e)

	assert.Zero(t, res.Run.TransactionCount)
	assert.Zero(t, res.Run.ExpenseCount)
	assert.Empty(t, res.Matches)
}

func TestPendingMatchesAreNotStacked(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Transfer", "-10.00", "PLN")
	f.expense("Vendor", "10.00", "PLN", "2024-01-05")
	e := f.engine(t, constant(models.StrategyFuzzy, 0.7))

	first := f.run(t, e)
	second := f.run(t, e)

	assert.Len(t, first.Matches, 1)
	assert.Empty(t, second.Matches)
	assert.Equal(t, 1, second.Run.SkippedCount)
}

func TestHigherCandidateReplacesPendingMatch(t *testing.T) {
	f := newFixture()
	first := f.tx(t, "2024-01-05", "Transfer one", "-10.00", "PLN")
	second := f.tx(t, "2024-01-06", "Transfer two", "-10.00", "PLN")
	exp := f.expense("Vendor", "10.00", "PLN", "2024-01-05")

	low := f.engine(t, stubStrategy{name: models.StrategyFuzzy, score: func(p Pair) (float64, bool) {
		return 0.7, p.Tx.ID == first.ID
	}})
	old := f.run(t, low).Matches[0]

	high := f.engine(t, stubStrategy{name: models.StrategyPattern, score: func(p Pair) (float64, bool) {
		return 0.9, p.Tx.ID == second.ID
	}})
	res := f.run(t, high)

	require.Len(t, res.Matches, 1)
	assert.Equal(t, second.ID, res.Matches[0].TransactionID)
	assert.Equal(t, exp.ID, res.Matches[0].ExpenseID)
	assert.Equal(t, 1, res.Run.SupersededCount)

	replaced, err := f.store.Matches().Get(context.Background(), old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MatchRejected, replaced.Status)
	events, err := f.store.Matches().Events(context.Background(), old.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Contains(t, events[1].Reason, "superseded")
	assert.Equal(t, SystemActor, events[1].PerformedBy)
}

func TestCurrencyUnresolvedKeepsExactScore(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Hotel Berlin", "-120.00", "EUR", func(tx *models.BankTransaction) {
		tx.NeedsReview = true
	})
	f.expense("Hotel Berlin", "120.00", "EUR", "2024-01-05")

	res := f.run(t, f.engine(t))

	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, models.StrategyExact, m.Strategy)
	assert.Equal(t, 1.0, m.ConfidenceScore)
	assert.Equal(t, models.MatchPending, m.Status)
	assert.True(t, m.NeedsReview)

	var details Candidate
	require.NoError(t, json.Unmarshal(m.Details, &details))
	assert.False(t, details.CurrencyPenalty)
	assert.True(t, details.NeedsReview)
}

func TestCurrencyUnresolvedLowersFuzzyConfidence(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Hotel Berlin", "-120.00", "EUR", func(tx *models.BankTransaction) {
		tx.NeedsReview = true
	})
	f.expense("Hotel Berlin", "120.00", "EUR", "2024-01-06")
	e := f.engine(t)

	res, err := e.Run(context.Background(), RunRequest{CompanyID: f.company, Strategy: "fuzzy"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, models.StrategyFuzzy, m.Strategy)
	assert.Less(t, m.ConfidenceScore, 0.95*f.cfg.CurrencyPenalty)
	assert.Equal(t, models.MatchPending, m.Status)

	var details Candidate
	require.NoError(t, json.Unmarshal(m.Details, &details))
	assert.True(t, details.CurrencyPenalty)
}

func TestNeedsReviewTransactionIsNeverAutoApproved(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Coffee Shop", "-4.50", "PLN", func(tx *models.BankTransaction) {
		tx.NeedsReview = true
		tx.ReviewReason = "low OCR confidence"
	})
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")

	res := f.run(t, f.engine(t))

	require.Len(t, res.Matches, 1)
	assert.Equal(t, 1.0, res.Matches[0].ConfidenceScore)
	assert.Equal(t, models.MatchPending, res.Matches[0].Status)
	assert.True(t, res.Matches[0].NeedsReview)
}

func TestCreditsAreNotMatched(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Refund Coffee Shop", "4.50", "PLN", func(tx *models.BankTransaction) {
		tx.Type = models.TxCredit
	})
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")

	res := f.run(t, f.engine(t))

	assert.Zero(t, res.Run.TransactionCount)
	assert.Empty(t, res.Matches)
}

func TestRunRejectsOverlappingRun(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.store.Runs().Start(context.Background(), &models.MatchRun{CompanyID: f.company}))

	_, err := f.engine(t).Run(context.Background(), RunRequest{CompanyID: f.company})
	assert.ErrorIs(t, err, apperr.ErrRunInProgress)

	_, err = f.engine(t).Run(context.Background(), RunRequest{CompanyID: uuid.New()})
	assert.NoError(t, err, "other companies are unaffected")
}

func TestAbandonedRunIsExpired(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	crashed := &models.MatchRun{CompanyID: f.company, StartedAt: time.Now().Add(-2 * f.cfg.RunLease)}
	require.NoError(t, f.store.Runs().Start(ctx, crashed))

	res, err := f.engine(t).Run(ctx, RunRequest{CompanyID: f.company})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, res.Run.Status)

	old, err := f.store.Runs().Get(ctx, crashed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, old.Status)
	assert.NotNil(t, old.CompletedAt)
}

func TestRunSelectsOneStrategy(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-01-05", "Coffee Shop", "-4.50", "PLN")
	f.expense("Coffee Shop", "4.50", "PLN", "2024-01-05")
	e := f.engine(t)

	res, err := e.Run(context.Background(), RunRequest{CompanyID: f.company, Strategy: "fuzzy"})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, models.StrategyFuzzy, res.Matches[0].Strategy)
	assert.Equal(t, []string{"fuzzy"}, []string(res.Run.Strategies))

	_, err = e.Run(context.Background(), RunRequest{CompanyID: f.company, Strategy: "telepathy"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestPatternStrategyUsesConfirmedVendor(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	learned := models.BankTransaction{CompanyID: f.company, Description: "ZABKA Z1234 WARSZAWA"}
	vendor := models.Expense{MerchantName: "Żabka Polska", Category: "groceries"}
	require.NoError(t, Learn(ctx, f.store.Patterns(), &learned, &vendor))

	f.tx(t, "2024-02-03", "POS 02/01 ZABKA Z1234 KRAKOW", "-23.10", "PLN")
	exp := f.expense("Żabka Polska", "23.10", "PLN", "2024-02-01")

	res := f.run(t, f.engine(t))

	require.Len(t, res.Matches, 1)
	m := res.Matches[0]
	assert.Equal(t, exp.ID, m.ExpenseID)
	assert.Equal(t, models.StrategyPattern, m.Strategy)
	assert.Greater(t, m.ConfidenceScore, 0.6)
	assert.LessOrEqual(t, m.ConfidenceScore, f.cfg.PatternConfidenceCap)
}

func TestMLStrategyUsesModel(t *testing.T) {
	f := newFixture()
	f.tx(t, "2024-02-01", "ORLEN STACJA 114", "-250.00", "PLN")
	f.expense("PKN Orlen", "250.00", "PLN", "2024-02-04")

	model := modelFunc(func(feat Features) (float64, bool) {
		return 0.9, feat.Vendor == "PKN ORLEN"
	})
	ml := MLStrategy{
		Tolerance:      decimal.RequireFromString("0.01"),
		Window:         7,
		MinProbability: 0.6,
		Cap:            0.9,
		Train:          func([]models.MerchantPattern) (Model, error) { return model, nil },
	}
	res := f.run(t, f.engine(t, ml))

	require.Len(t, res.Matches, 1)
	assert.Equal(t, models.StrategyML, res.Matches[0].Strategy)
	assert.Less(t, res.Matches[0].ConfidenceScore, 0.9)
	assert.Equal(t, models.MatchPending, res.Matches[0].Status)
}

type modelFunc func(Features) (float64, bool)

func (m modelFunc) Probability(f Features) (float64, bool) { return m(f) }

func TestMergeIsOrderIndependent(t *testing.T) {
	tx, a, b := uuid.New(), uuid.New(), uuid.New()
	exact := []Candidate{{TransactionID: tx, ExpenseID: a, Confidence: 1, Strategy: models.StrategyExact}}
	fuzzy := []Candidate{
		{TransactionID: tx, ExpenseID: a, Confidence: 0.9, Strategy: models.StrategyFuzzy},
		{TransactionID: tx, ExpenseID: b, Confidence: 0.7, Strategy: models.StrategyFuzzy},
	}

	one := Merge([][]Candidate{exact, fuzzy}, nil, 0.8)
	two := Merge([][]Candidate{fuzzy, exact}, nil, 0.8)

	require.Len(t, one, 1)
	assert.Equal(t, one, two)
	assert.Equal(t, a, one[0].ExpenseID)
	assert.Equal(t, models.StrategyExact, one[0].Strategy)
	assert.False(t, one[0].NeedsReview)
}
