package matching

import (
	"context"
	"errors"
	"math"
	"strings"

	"github.com/jbrukh/bayesian"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

// PatternStrategy boosts pairs whose description key was confirmed against
// the expense's vendor before, even when the texts differ.
type PatternStrategy struct {
	Tolerance decimal.Decimal
	Window    int
	Cap       float64
}

func (PatternStrategy) Name() models.MatchStrategy { return models.StrategyPattern }

// Score without Bind has no learned patterns to use.
func (PatternStrategy) Score(context.Context, Pair) (Score, bool, error) {
	return Score{}, false, nil
}

func (s PatternStrategy) Bind(_ context.Context, snap *Snapshot) (Strategy, error) {
	hits := make(map[string]map[string]int)
	for _, p := range snap.Patterns {
		if hits[p.MerchantKey] == nil {
			hits[p.MerchantKey] = make(map[string]int)
		}
		hits[p.MerchantKey][p.Vendor] += p.Hits
	}
	return boundPattern{PatternStrategy: s, hits: hits}, nil
}

type boundPattern struct {
	PatternStrategy
	hits map[string]map[string]int
}

func (s boundPattern) Score(_ context.Context, p Pair) (Score, bool, error) {
	n := s.hits[MerchantKey(p.Tx.Description)][VendorKey(*p.Expense)]
	if n == 0 {
		return Score{}, false, nil
	}
	delta, ok := amountDelta(p.Tx, p.Expense)
	if !ok || delta.GreaterThan(s.Tolerance) {
		return Score{}, false, nil
	}
	days := daysApart(p.Tx.TransactionDate, p.Expense.TransactionDate)
	if days > s.Window {
		return Score{}, false, nil
	}
	sim := TextSimilarity(p.Tx.Description, *p.Expense)
	conf := 0.55 + 0.05*float64(min(n, 4)) + 0.1*sim
	return Score{
		Confidence: math.Min(conf, s.Cap),
		Signals:    map[string]float64{"pattern_hits": float64(n), "text_similarity": sim, "days": float64(days)},
	}, true, nil
}

// Learn records a confirmed pair as a merchant pattern. The pattern and ML
// strategies read the patterns back on the next run.
func Learn(ctx context.Context, patterns repository.PatternStore, tx *models.BankTransaction, e *models.Expense) error {
	key, vendor := MerchantKey(tx.Description), VendorKey(*e)
	if key == "" || vendor == "" {
		return nil
	}
	return patterns.Upsert(ctx, tx.CompanyID, key, vendor, e.Category)
}

// Features is what the ML strategy hands to its model.
type Features struct {
	AmountDelta    float64
	DayDelta       int
	TextSimilarity float64
	PatternHit     bool
	Terms          []string
	Vendor         string
}

// Model returns the learned probability that a pair belongs together.
// ok is false when the model knows nothing about the vendor.
type Model interface {
	Probability(f Features) (p float64, ok bool)
}

// TrainFunc builds a model from the company's confirmed patterns.
type TrainFunc func(patterns []models.MerchantPattern) (Model, error)

// ErrInsufficientSamples means there is not enough history to train on.
var ErrInsufficientSamples = errors.New("not enough confirmed matches to train")

type MLStrategy struct {
	Tolerance      decimal.Decimal
	Window         int
	MinProbability float64
	Cap            float64
	Train          TrainFunc
}

func (MLStrategy) Name() models.MatchStrategy { return models.StrategyML }

func (MLStrategy) Score(context.Context, Pair) (Score, bool, error) {
	return Score{}, false, nil
}

func (s MLStrategy) Bind(_ context.Context, snap *Snapshot) (Strategy, error) {
	if s.Train == nil {
		return s, nil
	}
	model, err := s.Train(snap.Patterns)
	if errors.Is(err, ErrInsufficientSamples) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(snap.Patterns))
	for _, p := range snap.Patterns {
		known[p.MerchantKey+"\x00"+p.Vendor] = true
	}
	return boundML{MLStrategy: s, model: model, known: known}, nil
}

type boundML struct {
	MLStrategy
	model Model
	known map[string]bool
}

func (s boundML) Score(_ context.Context, p Pair) (Score, bool, error) {
	delta, ok := amountDelta(p.Tx, p.Expense)
	if !ok || delta.GreaterThan(s.Tolerance) {
		return Score{}, false, nil
	}
	days := daysApart(p.Tx.TransactionDate, p.Expense.TransactionDate)
	if days > s.Window {
		return Score{}, false, nil
	}
	key, vendor := MerchantKey(p.Tx.Description), VendorKey(*p.Expense)
	f := Features{
		AmountDelta:    delta.InexactFloat64(),
		DayDelta:       days,
		TextSimilarity: TextSimilarity(p.Tx.Description, *p.Expense),
		PatternHit:     s.known[key+"\x00"+vendor],
		Terms:          tokens(p.Tx.Description),
		Vendor:         vendor,
	}
	prob, ok := s.model.Probability(f)
	if !ok || prob < s.MinProbability {
		return Score{}, false, nil
	}
	conf := prob * (0.7 + 0.3*dateProximity(days, s.Window))
	return Score{
		Confidence: math.Min(conf, s.Cap),
		Signals:    map[string]float64{"probability": prob, "text_similarity": f.TextSimilarity, "days": float64(days)},
	}, true, nil
}

// BayesModel is a naive Bayes classifier from description words to vendors.
type BayesModel struct {
	cl    *bayesian.Classifier
	index map[string]int
}

// TrainBayes returns a TrainFunc needing at least minSamples confirmations
// spread over two or more vendors.
func TrainBayes(minSamples int) TrainFunc {
	return func(patterns []models.MerchantPattern) (Model, error) {
		index := make(map[string]int)
		var classes []bayesian.Class
		total := 0
		for _, p := range patterns {
			if _, ok := index[p.Vendor]; !ok {
				index[p.Vendor] = len(classes)
				classes = append(classes, bayesian.Class(p.Vendor))
			}
			total += p.Hits
		}
		if len(classes) < 2 || total < minSamples {
			return nil, ErrInsufficientSamples
		}

		cl := bayesian.NewClassifierTfIdf(classes...)
		for _, p := range patterns {
			terms := strings.Fields(p.MerchantKey)
			for i := 0; i < p.Hits; i++ {
				cl.Learn(terms, bayesian.Class(p.Vendor))
			}
		}
		cl.ConvertTermsFreqToTfIdf()
		return &BayesModel{cl: cl, index: index}, nil
	}
}

func (m *BayesModel) Probability(f Features) (float64, bool) {
	i, ok := m.index[f.Vendor]
	if !ok || len(f.Terms) == 0 {
		return 0, false
	}
	scores, _, _ := m.cl.ProbScores(f.Terms)
	if math.IsNaN(scores[i]) {
		return 0, false
	}
	return scores[i], true
}
