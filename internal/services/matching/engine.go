// Package matching scores unmatched bank transactions against expenses and
// writes the winning candidates as pending or auto-approved matches.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

// Candidate is a scored proposal linking a transaction to an expense.
type Candidate struct {
	TransactionID   uuid.UUID            `json:"transactionId"`
	ExpenseID       uuid.UUID            `json:"expenseId"`
	Confidence      float64              `json:"confidenceScore"`
	Strategy        models.MatchStrategy `json:"strategy"`
	NeedsReview     bool                 `json:"needsReview"`
	CurrencyPenalty bool                 `json:"currencyPenalty,omitempty"`
	Signals         map[string]float64   `json:"signals,omitempty"`
}

type RunRequest struct {
	CompanyID uuid.UUID
	From      *time.Time
	To        *time.Time
	// Strategy limits the run to one strategy; empty or "all" runs every one.
	Strategy string
}

type RunResult struct {
	Run        models.MatchRun           `json:"run"`
	Candidates []Candidate               `json:"candidates"`
	Matches    []models.TransactionMatch `json:"matches"`
}

type Engine struct {
	store       repository.Store
	strategies  []Strategy
	autoConfirm float64
	penalty     float64
	parallelism int
	maxWindow   int
	lease       time.Duration
	group       singleflight.Group
	logger      *slog.Logger
}

// NewEngine builds an engine over the given strategies, or the configured
// defaults when none are passed.
func NewEngine(store repository.Store, cfg config.MatchingConfig, logger *slog.Logger, strategies ...Strategy) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(strategies) == 0 {
		var err error
		if strategies, err = DefaultStrategies(cfg); err != nil {
			return nil, err
		}
	}
	return &Engine{
		store:       store,
		strategies:  strategies,
		autoConfirm: cfg.AutoConfirmThreshold,
		penalty:     cfg.CurrencyPenalty,
		parallelism: max(cfg.StrategyParallelism, 1),
		maxWindow:   max(cfg.ExactDayTolerance, cfg.FuzzyDayWindow, cfg.PatternDayWindow, cfg.MLDayWindow),
		lease:       cfg.RunLease,
		logger:      logger,
	}, nil
}

// Strategies names the strategies a run would execute by default.
func (e *Engine) Strategies() []string {
	names := make([]string, len(e.strategies))
	for i, s := range e.strategies {
		names[i] = string(s.Name())
	}
	return names
}

// Run executes one matching pass for a company. Identical concurrent requests
// share one run; any other overlap with a running pass of the same company
// fails with apperr.ErrRunInProgress.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.CompanyID == uuid.Nil {
		return nil, fmt.Errorf("%w: company id is required", apperr.ErrInvalidArgument)
	}
	strategies, err := e.selectStrategies(req.Strategy)
	if err != nil {
		return nil, err
	}
	v, err, shared := e.group.Do(runKey(req), func() (any, error) {
		return e.run(ctx, req, strategies)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		e.logger.Debug("matching run shared with concurrent caller", "company_id", req.CompanyID)
	}
	return v.(*RunResult), nil
}

func runKey(req RunRequest) string {
	key := req.CompanyID.String() + "|" + strings.ToLower(req.Strategy)
	if req.From != nil {
		key += "|" + req.From.Format(time.RFC3339)
	}
	if req.To != nil {
		key += "|" + req.To.Format(time.RFC3339)
	}
	return key
}

func (e *Engine) selectStrategies(name string) ([]Strategy, error) {
	if name == "" || strings.EqualFold(name, "all") {
		return e.strategies, nil
	}
	for _, s := range e.strategies {
		if strings.EqualFold(string(s.Name()), name) {
			return []Strategy{s}, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown matching strategy %q", apperr.ErrInvalidArgument, name)
}

func (e *Engine) run(ctx context.Context, req RunRequest, strategies []Strategy) (*RunResult, error) {
	names := make([]string, len(strategies))
	for i, s := range strategies {
		names[i] = string(s.Name())
	}
	if e.lease > 0 {
		expired, err := e.store.Runs().Expire(ctx, req.CompanyID, time.Now().Add(-e.lease))
		if err != nil {
			return nil, fmt.Errorf("expiring abandoned runs: %w", err)
		}
		if expired > 0 {
			e.logger.Warn("abandoned matching runs marked failed", "company_id", req.CompanyID, "runs", expired, "lease", e.lease)
		}
	}
	run := &models.MatchRun{ID: uuid.New(), CompanyID: req.CompanyID, Strategies: datatypes.JSONSlice[string](names)}
	if err := e.store.Runs().Start(ctx, run); err != nil {
		return nil, err
	}
	log := e.logger.With("company_id", req.CompanyID, "run_id", run.ID)
	log.Info("matching run started", "strategies", names)

	result, err := e.execute(ctx, req, run, strategies)

	now := time.Now()
	run.CompletedAt = &now
	run.Status = models.RunCompleted
	if err != nil {
		run.Status = models.RunFailed
	}
	if ferr := e.store.Runs().Finish(context.WithoutCancel(ctx), run); ferr != nil {
		log.Error("recording run outcome failed", "error", ferr)
		if err == nil {
			err = fmt.Errorf("finishing run: %w", ferr)
		}
	}
	if err != nil {
		log.Error("matching run failed", "error", err)
		return nil, err
	}
	result.Run = *run
	log.Info("matching run completed",
		"transactions", run.TransactionCount,
		"expenses", run.ExpenseCount,
		"candidates", run.CandidateCount,
		"auto_approved", run.AutoApprovedCount,
		"pending", run.PendingCount,
		"superseded", run.SupersededCount,
	)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, req RunRequest, run *models.MatchRun, strategies []Strategy) (*RunResult, error) {
	snap, err := e.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	run.TransactionCount = len(snap.Transactions)
	run.ExpenseCount = len(snap.Expenses)

	scored, failed, err := e.score(ctx, snap, strategies)
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		run.FailedStrategies = datatypes.NewJSONType(failed)
		if len(failed) == len(strategies) {
			return nil, fmt.Errorf("all matching strategies failed")
		}
	}

	unresolved := make(map[uuid.UUID]bool)
	for _, tx := range snap.Transactions {
		if tx.CurrencyUnresolved() {
			unresolved[tx.ID] = true
		}
	}
	candidates := Merge(scored, unresolved, e.penalty)
	run.CandidateCount = len(candidates)

	matches, err := e.apply(ctx, run, snap, candidates)
	if err != nil {
		return nil, err
	}
	return &RunResult{Candidates: candidates, Matches: matches}, nil
}

// snapshot reads the unmatched pool. Transactions or expenses that already
// carry an approved, unreleased match are left out.
func (e *Engine) snapshot(ctx context.Context, req RunRequest) (*Snapshot, error) {
	txs, err := e.store.Transactions().List(ctx, repository.TransactionFilter{
		CompanyID:        req.CompanyID,
		From:             req.From,
		To:               req.To,
		ExcludeAllocated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing transactions: %w", err)
	}

	ef := repository.ExpenseFilter{CompanyID: req.CompanyID}
	if req.From != nil {
		from := req.From.AddDate(0, 0, -e.maxWindow)
		ef.From = &from
	}
	if req.To != nil {
		to := req.To.AddDate(0, 0, e.maxWindow)
		ef.To = &to
	}
	exps, err := e.store.Expenses().List(ctx, ef)
	if err != nil {
		return nil, fmt.Errorf("listing expenses: %w", err)
	}

	active, err := e.store.Matches().List(ctx, repository.MatchFilter{
		CompanyID:  req.CompanyID,
		Statuses:   []models.MatchStatus{models.MatchApproved},
		ActiveOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing approved matches: %w", err)
	}
	takenTx := make(map[uuid.UUID]bool, len(active))
	takenExp := make(map[uuid.UUID]bool, len(active))
	for _, m := range active {
		takenTx[m.TransactionID] = true
		takenExp[m.ExpenseID] = true
	}

	patterns, err := e.store.Patterns().List(ctx, req.CompanyID)
	if err != nil {
		return nil, fmt.Errorf("listing merchant patterns: %w", err)
	}

	snap := &Snapshot{CompanyID: req.CompanyID, Patterns: patterns}
	for _, tx := range txs {
		if !takenTx[tx.ID] && outflow(tx) {
			snap.Transactions = append(snap.Transactions, tx)
		}
	}
	for _, exp := range exps {
		if !takenExp[exp.ID] {
			snap.Expenses = append(snap.Expenses, exp)
		}
	}
	sort.Slice(snap.Transactions, func(i, j int) bool {
		a, b := snap.Transactions[i], snap.Transactions[j]
		if !a.TransactionDate.Equal(b.TransactionDate) {
			return a.TransactionDate.Before(b.TransactionDate)
		}
		return a.ID.String() < b.ID.String()
	})
	return snap, nil
}

// outflow reports whether money left the account, the only side expenses
// can be reconciled against.
func outflow(tx models.BankTransaction) bool {
	return tx.Amount.IsNegative() || tx.Type == models.TxDebit || tx.Type == models.TxFee
}

// score runs the strategies in parallel over the snapshot. A failing strategy
// is reported in failed and does not abort the others.
func (e *Engine) score(ctx context.Context, snap *Snapshot, strategies []Strategy) ([][]Candidate, map[string]string, error) {
	results := make([][]Candidate, len(strategies))
	failed := make(map[string]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, s := range strategies {
		g.Go(func() error {
			out, err := runStrategy(gctx, s, snap)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Warn("matching strategy failed", "company_id", snap.CompanyID, "strategy", s.Name(), "error", err)
				mu.Lock()
				failed[string(s.Name())] = err.Error()
				mu.Unlock()
				return nil
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return results, failed, nil
}

func runStrategy(ctx context.Context, s Strategy, snap *Snapshot) (out []Candidate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panicked: %v", r)
		}
	}()
	if b, ok := s.(Binder); ok {
		if s, err = b.Bind(ctx, snap); err != nil {
			return nil, fmt.Errorf("preparing strategy: %w", err)
		}
	}
	for ti := range snap.Transactions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx := &snap.Transactions[ti]
		for ei := range snap.Expenses {
			exp := &snap.Expenses[ei]
			sc, ok, err := s.Score(ctx, Pair{Tx: tx, Expense: exp})
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			out = append(out, Candidate{
				TransactionID: tx.ID,
				ExpenseID:     exp.ID,
				Confidence:    sc.Confidence,
				Strategy:      s.Name(),
				Signals:       sc.Signals,
			})
		}
	}
	return out, nil
}

// Merge keeps the best candidate per transaction/expense pair across all
// strategies, then keeps only the top candidate of each transaction. When
// several expenses tie at the top they are all kept and flagged for review.
// Earlier strategies win equal scores, so the result does not depend on the
// order strategies finished in. Candidates of currency-unresolved
// transactions are scaled by penalty, except exact ones, which keep 1.0 and
// go to review instead.
func Merge(byStrategy [][]Candidate, unresolved map[uuid.UUID]bool, penalty float64) []Candidate {
	type pairKey struct{ tx, exp uuid.UUID }
	best := make(map[pairKey]Candidate)
	for _, list := range byStrategy {
		for _, c := range list {
			if unresolved[c.TransactionID] {
				if c.Strategy == models.StrategyExact {
					c.NeedsReview = true
				} else {
					c.Confidence *= penalty
					c.CurrencyPenalty = true
				}
			}
			k := pairKey{c.TransactionID, c.ExpenseID}
			if cur, ok := best[k]; !ok || c.Confidence > cur.Confidence+scoreEpsilon {
				best[k] = c
			}
		}
	}

	byTx := make(map[uuid.UUID][]Candidate)
	for _, c := range best {
		byTx[c.TransactionID] = append(byTx[c.TransactionID], c)
	}
	var out []Candidate
	for _, list := range byTx {
		sortCandidates(list)
		top := list[0].Confidence
		n := 1
		for n < len(list) && sameScore(list[n].Confidence, top) {
			n++
		}
		if n > 1 {
			for i := 0; i < n; i++ {
				list[i].NeedsReview = true
			}
		}
		out = append(out, list[:n]...)
	}
	sortCandidates(out)
	return out
}

const scoreEpsilon = 1e-9

func sameScore(a, b float64) bool {
	return math.Abs(a-b) < scoreEpsilon
}

func sortCandidates(list []Candidate) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !sameScore(a.Confidence, b.Confidence) {
			return a.Confidence > b.Confidence
		}
		if a.TransactionID != b.TransactionID {
			return a.TransactionID.String() < b.TransactionID.String()
		}
		return a.ExpenseID.String() < b.ExpenseID.String()
	})
}

// apply writes the merged candidates in one store transaction. An expense is
// claimed by at most one candidate per run. Existing pending matches are
// replaced only by a strictly better candidate; approved or delegated ones
// are never touched.
func (e *Engine) apply(ctx context.Context, run *models.MatchRun, snap *Snapshot, candidates []Candidate) ([]models.TransactionMatch, error) {
	txs := make(map[uuid.UUID]*models.BankTransaction, len(snap.Transactions))
	for i := range snap.Transactions {
		txs[snap.Transactions[i].ID] = &snap.Transactions[i]
	}
	exps := make(map[uuid.UUID]*models.Expense, len(snap.Expenses))
	for i := range snap.Expenses {
		exps[snap.Expenses[i].ID] = &snap.Expenses[i]
	}

	var created []models.TransactionMatch
	err := e.store.InTx(ctx, func(s repository.Store) error {
		created = nil
		run.PendingCount, run.AutoApprovedCount, run.SupersededCount, run.SkippedCount = 0, 0, 0, 0
		claimed := make(map[uuid.UUID]bool)
		opened := make(map[uuid.UUID]bool)

		for _, c := range candidates {
			if claimed[c.ExpenseID] {
				run.SkippedCount++
				continue
			}
			stale, ok, err := conflicts(ctx, s, c, opened)
			if err != nil {
				return err
			}
			if !ok {
				run.SkippedCount++
				continue
			}
			for i := range stale {
				reason := fmt.Sprintf("superseded by %s candidate at %.2f", c.Strategy, c.Confidence)
				if err := Transition(ctx, s, &stale[i], models.ActionRejected, models.MatchRejected, SystemActor, reason); err != nil {
					return err
				}
				run.SupersededCount++
			}

			tx := txs[c.TransactionID]
			m, err := e.write(ctx, s, run, tx, exps[c.ExpenseID], c)
			if err != nil {
				return err
			}
			claimed[c.ExpenseID] = true
			opened[m.ID] = true
			created = append(created, *m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// conflicts returns the pending matches c would replace, or ok=false when an
// existing match outranks it. Matches opened earlier in this run for the same
// transaction belong to its tie group and are left alone.
func conflicts(ctx context.Context, s repository.Store, c Candidate, opened map[uuid.UUID]bool) ([]models.TransactionMatch, bool, error) {
	byTx, err := s.Matches().ListByTransaction(ctx, c.TransactionID)
	if err != nil {
		return nil, false, fmt.Errorf("listing matches of transaction %s: %w", c.TransactionID, err)
	}
	byExp, err := s.Matches().ListByExpense(ctx, c.ExpenseID)
	if err != nil {
		return nil, false, fmt.Errorf("listing matches of expense %s: %w", c.ExpenseID, err)
	}

	var stale []models.TransactionMatch
	seen := make(map[uuid.UUID]bool)
	for _, m := range append(byTx, byExp...) {
		if seen[m.ID] || opened[m.ID] || !m.Active() {
			continue
		}
		seen[m.ID] = true
		if m.Status != models.MatchPending || m.IsSplit() {
			return nil, false, nil
		}
		if c.Confidence <= m.ConfidenceScore+scoreEpsilon {
			return nil, false, nil
		}
		stale = append(stale, m)
	}
	return stale, true, nil
}

func (e *Engine) write(ctx context.Context, s repository.Store, run *models.MatchRun, tx *models.BankTransaction, exp *models.Expense, c Candidate) (*models.TransactionMatch, error) {
	details, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding match details: %w", err)
	}
	runID := run.ID
	m := &models.TransactionMatch{
		ID:              uuid.New(),
		CompanyID:       run.CompanyID,
		TransactionID:   c.TransactionID,
		ExpenseID:       c.ExpenseID,
		RunID:           &runID,
		Strategy:        c.Strategy,
		ConfidenceScore: c.Confidence,
		NeedsReview:     c.NeedsReview || tx.NeedsReview,
		Details:         datatypes.JSON(details),
	}
	reason := fmt.Sprintf("%s candidate at %.2f", c.Strategy, c.Confidence)
	if err := Open(ctx, s, m, SystemActor, reason); err != nil {
		return nil, err
	}

	if m.NeedsReview || c.Confidence < e.autoConfirm {
		run.PendingCount++
		return m, nil
	}
	if err := Transition(ctx, s, m, models.ActionApproved, models.MatchApproved, SystemActor, "auto-confirmed"); err != nil {
		return nil, err
	}
	if err := Learn(ctx, s.Patterns(), tx, exp); err != nil {
		return nil, fmt.Errorf("learning pattern: %w", err)
	}
	run.AutoApprovedCount++
	return m, nil
}
