package matching

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/models"
)

// Pair is one transaction/expense combination offered to a strategy.
type Pair struct {
	Tx      *models.BankTransaction
	Expense *models.Expense
}

// Score is a strategy's opinion on a pair.
type Score struct {
	Confidence float64
	Signals    map[string]float64
}

// Strategy scores pairs. It returns ok=false when it has no opinion on the
// pair. Strategies are read-only and may run concurrently.
type Strategy interface {
	Name() models.MatchStrategy
	Score(ctx context.Context, p Pair) (Score, bool, error)
}

// Binder is implemented by strategies that need the company's learned state
// before scoring. Bind returns the strategy to use for one run.
type Binder interface {
	Bind(ctx context.Context, snap *Snapshot) (Strategy, error)
}

// Snapshot is the read-only input of one matching run.
type Snapshot struct {
	CompanyID    uuid.UUID
	Transactions []models.BankTransaction
	Expenses     []models.Expense
	Patterns     []models.MerchantPattern
}

// fuzzyCeiling keeps fuzzy scores strictly below 0.95.
var fuzzyCeiling = math.Nextafter(0.95, 0)

// DefaultStrategies builds the configured strategy set in priority order.
func DefaultStrategies(cfg config.MatchingConfig) ([]Strategy, error) {
	tol, err := decimal.NewFromString(cfg.AmountTolerance)
	if err != nil {
		return nil, fmt.Errorf("parsing amount tolerance %q: %w", cfg.AmountTolerance, err)
	}
	strategies := []Strategy{
		ExactStrategy{Tolerance: tol, DayTolerance: cfg.ExactDayTolerance},
		FuzzyStrategy{Tolerance: tol, Window: cfg.FuzzyDayWindow, Threshold: cfg.SimilarityThreshold},
		PatternStrategy{Tolerance: tol, Window: cfg.PatternDayWindow, Cap: cfg.PatternConfidenceCap},
	}
	if cfg.EnableML {
		strategies = append(strategies, MLStrategy{
			Tolerance:      tol,
			Window:         cfg.MLDayWindow,
			MinProbability: cfg.MLMinProbability,
			Cap:            cfg.MLConfidenceCap,
			Train:          TrainBayes(cfg.MLMinSamples),
		})
	}
	return strategies, nil
}

// ExactStrategy matches equal amounts in the same currency on the same day
// (or within DayTolerance days).
type ExactStrategy struct {
	Tolerance    decimal.Decimal
	DayTolerance int
}

func (ExactStrategy) Name() models.MatchStrategy { return models.StrategyExact }

func (s ExactStrategy) Score(_ context.Context, p Pair) (Score, bool, error) {
	if !strings.EqualFold(p.Tx.Currency, p.Expense.Currency) {
		return Score{}, false, nil
	}
	delta := p.Tx.Magnitude().Sub(p.Expense.Amount.Abs()).Abs()
	if delta.GreaterThan(s.Tolerance) {
		return Score{}, false, nil
	}
	days := daysApart(p.Tx.TransactionDate, p.Expense.TransactionDate)
	if days > s.DayTolerance {
		return Score{}, false, nil
	}
	return Score{
		Confidence: 1.0,
		Signals:    map[string]float64{"amount_delta": delta.InexactFloat64(), "days": float64(days)},
	}, true, nil
}

// FuzzyStrategy tolerates a few days of booking delay when the texts agree.
type FuzzyStrategy struct {
	Tolerance decimal.Decimal
	Window    int
	Threshold float64
}

func (FuzzyStrategy) Name() models.MatchStrategy { return models.StrategyFuzzy }

func (s FuzzyStrategy) Score(_ context.Context, p Pair) (Score, bool, error) {
	delta, ok := amountDelta(p.Tx, p.Expense)
	if !ok || delta.GreaterThan(s.Tolerance) {
		return Score{}, false, nil
	}
	days := daysApart(p.Tx.TransactionDate, p.Expense.TransactionDate)
	if days > s.Window {
		return Score{}, false, nil
	}
	sim := TextSimilarity(p.Tx.Description, *p.Expense)
	if sim < s.Threshold {
		return Score{}, false, nil
	}
	amount := amountExactness(delta, s.Tolerance)
	date := dateProximity(days, s.Window)
	combined := 0.2*amount + 0.3*date + 0.5*sim
	return Score{
		Confidence: math.Min(0.5+0.45*combined, fuzzyCeiling),
		Signals: map[string]float64{
			"amount_exactness": amount,
			"date_proximity":   date,
			"text_similarity":  sim,
		},
	}, true, nil
}
