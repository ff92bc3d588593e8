// Package memstore is an in-memory repository.Store. Transactions are
// serialised and work on a private copy; commit applies only the entries the
// transaction changed, so writes made outside it are never lost.
package memstore

import (
	"bytes"
	"context"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

type patternKey struct {
	company uuid.UUID
	key     string
	vendor  string
}

type rateKey struct {
	from, to string
	day      string
}

type data struct {
	statements   map[uuid.UUID]models.BankStatement
	transactions map[uuid.UUID]models.BankTransaction
	matches      map[uuid.UUID]models.TransactionMatch
	events       map[uuid.UUID][]models.MatchEvent
	expenses     map[uuid.UUID]models.Expense
	formats      map[uuid.UUID]models.FormatConfiguration
	corrections  []models.CorrectionLog
	jobs         map[uuid.UUID]models.IngestionJob
	runs         map[uuid.UUID]models.MatchRun
	patterns     map[patternKey]models.MerchantPattern
	rates        map[rateKey]models.ExchangeRate
	blobs        map[uuid.UUID][]byte
}

func newData() *data {
	return &data{
		statements:   map[uuid.UUID]models.BankStatement{},
		transactions: map[uuid.UUID]models.BankTransaction{},
		matches:      map[uuid.UUID]models.TransactionMatch{},
		events:       map[uuid.UUID][]models.MatchEvent{},
		expenses:     map[uuid.UUID]models.Expense{},
		formats:      map[uuid.UUID]models.FormatConfiguration{},
		jobs:         map[uuid.UUID]models.IngestionJob{},
		runs:         map[uuid.UUID]models.MatchRun{},
		patterns:     map[patternKey]models.MerchantPattern{},
		rates:        map[rateKey]models.ExchangeRate{},
		blobs:        map[uuid.UUID][]byte{},
	}
}

func (d *data) clone() *data {
	c := newData()
	for k, v := range d.statements {
		c.statements[k] = v
	}
	for k, v := range d.transactions {
		c.transactions[k] = v
	}
	for k, v := range d.matches {
		c.matches[k] = v
	}
	for k, v := range d.events {
		c.events[k] = append([]models.MatchEvent(nil), v...)
	}
	for k, v := range d.expenses {
		c.expenses[k] = v
	}
	for k, v := range d.formats {
		c.formats[k] = v
	}
	c.corrections = append([]models.CorrectionLog(nil), d.corrections...)
	for k, v := range d.jobs {
		c.jobs[k] = v
	}
	for k, v := range d.runs {
		c.runs[k] = v
	}
	for k, v := range d.patterns {
		c.patterns[k] = v
	}
	for k, v := range d.rates {
		c.rates[k] = v
	}
	for k, v := range d.blobs {
		c.blobs[k] = v
	}
	return c
}

type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	d    *data
	inTx bool
	root *Store
}

func New() *Store {
	s := &Store{d: newData()}
	s.root = s
	return s
}

// PutExpense seeds an expense; expenses are written by other workflows in
// production.
func (s *Store) PutExpense(e models.Expense) {
	s.root.mu.Lock()
	defer s.root.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	s.root.d.expenses[e.ID] = e
}

func (s *Store) lock() func() {
	s.root.mu.Lock()
	return s.root.mu.Unlock
}

func (s *Store) Statements() repository.StatementStore { return statements{s} }
func (s *Store) Transactions() repository.TransactionStore { return transactions{s} }
func (s *Store) Matches() repository.MatchStore { return matches{s} }
func (s *Store) Expenses() repository.ExpenseStore { return expenses{s} }
func (s *Store) Formats() repository.FormatStore { return formats{s} }
func (s *Store) Corrections() repository.CorrectionStore { return corrections{s} }
func (s *Store) Jobs() repository.JobStore { return jobs{s} }
func (s *Store) Runs() repository.RunStore { return runs{s} }
func (s *Store) Patterns() repository.PatternStore { return patterns{s} }
func (s *Store) Rates() repository.RateStore { return rates{s} }
func (s *Store) Blobs() repository.BlobStore { return blobs{s} }

func (s *Store) InTx(ctx context.Context, fn func(repository.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.root.txMu.Lock()
	defer s.root.txMu.Unlock()

	unlock := s.lock()
	base := s.root.d.clone()
	work := base.clone()
	unlock()

	if err := fn(&Store{d: work, inTx: true, root: s.root}); err != nil {
		return err
	}

	defer s.lock()()
	s.root.d.apply(base, work)
	return nil
}

// apply copies into d every entry that changed between base and work.
func (d *data) apply(base, work *data) {
	mergeMap(d.statements, base.statements, work.statements)
	mergeMap(d.transactions, base.transactions, work.transactions)
	mergeMap(d.matches, base.matches, work.matches)
	mergeMap(d.expenses, base.expenses, work.expenses)
	mergeMap(d.formats, base.formats, work.formats)
	mergeMap(d.jobs, base.jobs, work.jobs)
	mergeMap(d.runs, base.runs, work.runs)
	mergeMap(d.patterns, base.patterns, work.patterns)
	mergeMap(d.rates, base.rates, work.rates)
	mergeMap(d.blobs, base.blobs, work.blobs)
	// events and corrections are append-only
	for id, evs := range work.events {
		if added := evs[len(base.events[id]):]; len(added) > 0 {
			d.events[id] = append(d.events[id], added...)
		}
	}
	d.corrections = append(d.corrections, work.corrections[len(base.corrections):]...)
}

func mergeMap[K comparable, V any](dst, base, work map[K]V) {
	for k, v := range work {
		if old, ok := base[k]; !ok || !reflect.DeepEqual(old, v) {
			dst[k] = v
		}
	}
	for k := range base {
		if _, ok := work[k]; !ok {
			delete(dst, k)
		}
	}
}

// LockAccount is covered by InTx, which already runs one transaction at a time.
func (s *Store) LockAccount(context.Context, uuid.UUID) error {
	return nil
}

func lessID(a, b uuid.UUID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

func inWindow(t time.Time, from, to *time.Time, inclusiveTo bool) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if to != nil {
		if inclusiveTo && t.After(*to) {
			return false
		}
		if !inclusiveTo && !t.Before(*to) {
			return false
		}
	}
	return true
}

type statements struct{ s *Store }

func (r statements) Create(_ context.Context, st *models.BankStatement) error {
	defer r.s.lock()()
	for _, existing := range r.s.d.statements {
		if existing.AccountID == st.AccountID && existing.Fingerprint == st.Fingerprint {
			return repository.ErrDuplicateFingerprint
		}
	}
	if st.ID == uuid.Nil {
		st.ID = uuid.New()
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now()
	}
	st.UpdatedAt = st.CreatedAt
	r.s.d.statements[st.ID] = *st
	return nil
}

func (r statements) Get(_ context.Context, id uuid.UUID) (*models.BankStatement, error) {
	defer r.s.lock()()
	st, ok := r.s.d.statements[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &st, nil
}

func (r statements) FindByFingerprint(_ context.Context, accountID uuid.UUID, fingerprint string) (*models.BankStatement, error) {
	defer r.s.lock()()
	for _, st := range r.s.d.statements {
		if st.AccountID == accountID && st.Fingerprint == fingerprint {
			return &st, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (r statements) Update(_ context.Context, st *models.BankStatement) error {
	defer r.s.lock()()
	if _, ok := r.s.d.statements[st.ID]; !ok {
		return apperr.ErrNotFound
	}
	st.UpdatedAt = time.Now()
	r.s.d.statements[st.ID] = *st
	return nil
}

func (r statements) List(_ context.Context, f repository.StatementFilter) ([]models.BankStatement, error) {
	defer r.s.lock()()
	var out []models.BankStatement
	for _, st := range r.s.d.statements {
		if st.CompanyID != f.CompanyID || !inWindow(st.CreatedAt, f.From, f.To, false) {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, st.Status) {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out, nil
}

func containsStatus[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

type transactions struct{ s *Store }

func (r transactions) CreateBatch(_ context.Context, txs []models.BankTransaction) error {
	defer r.s.lock()()
	now := time.Now()
	for i := range txs {
		if txs[i].ID == uuid.Nil {
			txs[i].ID = uuid.New()
		}
		if txs[i].CreatedAt.IsZero() {
			txs[i].CreatedAt = now
		}
		txs[i].UpdatedAt = now
		r.s.d.transactions[txs[i].ID] = txs[i]
	}
	return nil
}

func (r transactions) Get(_ context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	defer r.s.lock()()
	tx, ok := r.s.d.transactions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &tx, nil
}

func (r transactions) Update(_ context.Context, tx *models.BankTransaction) error {
	defer r.s.lock()()
	if _, ok := r.s.d.transactions[tx.ID]; !ok {
		return apperr.ErrNotFound
	}
	tx.UpdatedAt = time.Now()
	r.s.d.transactions[tx.ID] = *tx
	return nil
}

func (r transactions) List(_ context.Context, f repository.TransactionFilter) ([]models.BankTransaction, error) {
	defer r.s.lock()()
	var cursor uuid.UUID
	if f.Cursor != "" {
		c, err := uuid.Parse(f.Cursor)
		if err != nil {
			return nil, apperr.ErrInvalidArgument
		}
		cursor = c
	}
	search := strings.ToLower(strings.TrimSpace(f.Search))

	var out []models.BankTransaction
	for _, tx := range r.s.d.transactions {
		switch {
		case f.CompanyID != uuid.Nil && tx.CompanyID != f.CompanyID:
			continue
		case f.StatementID != nil && tx.StatementID != *f.StatementID:
			continue
		case f.AttemptID != nil && tx.AttemptID != *f.AttemptID:
			continue
		case !inWindow(tx.TransactionDate, f.From, f.To, true):
			continue
		case f.OnlyNeedsReview && !tx.NeedsReview:
			continue
		case !f.IncludeDuplicates && tx.IsDuplicate:
			continue
		case !f.IncludeSuperseded && tx.SupersededBy != nil:
			continue
		case f.ExcludeAllocated && tx.FullyAllocated:
			continue
		case f.Cursor != "" && !lessID(cursor, tx.ID):
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(tx.Description), search) &&
			!strings.Contains(tx.Amount.String(), search) {
			continue
		}
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return lessID(out[i].ID, out[j].ID) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r transactions) FingerprintsExist(_ context.Context, accountID uuid.UUID, fingerprints []string, excludeStatementID uuid.UUID) (map[string]uuid.UUID, error) {
	defer r.s.lock()()
	wanted := make(map[string]bool, len(fingerprints))
	for _, fp := range fingerprints {
		wanted[fp] = true
	}
	found := make(map[string]uuid.UUID)
	created := make(map[string]time.Time)
	for _, tx := range r.s.d.transactions {
		if tx.AccountID != accountID || tx.StatementID == excludeStatementID ||
			tx.IsDuplicate || tx.SupersededBy != nil || !wanted[tx.Fingerprint] {
			continue
		}
		if prev, ok := created[tx.Fingerprint]; ok && !tx.CreatedAt.Before(prev) {
			continue
		}
		found[tx.Fingerprint] = tx.ID
		created[tx.Fingerprint] = tx.CreatedAt
	}
	return found, nil
}

func (r transactions) SupersedeAttempt(_ context.Context, statementID, attemptID uuid.UUID) (int64, error) {
	defer r.s.lock()()
	var n int64
	for id, tx := range r.s.d.transactions {
		if tx.StatementID == statementID && tx.AttemptID != attemptID && tx.SupersededBy == nil {
			by := attemptID
			tx.SupersededBy = &by
			r.s.d.transactions[id] = tx
			n++
		}
	}
	return n, nil
}

type matches struct{ s *Store }

// conflicts mirrors the partial unique indexes on approved matches.
func (r matches) conflicts(m models.TransactionMatch) bool {
	if !m.Exclusive() {
		return false
	}
	for id, other := range r.s.d.matches {
		if id == m.ID || !other.Exclusive() {
			continue
		}
		if other.TransactionID == m.TransactionID || other.ExpenseID == m.ExpenseID {
			return true
		}
	}
	return false
}

func (r matches) Create(_ context.Context, m *models.TransactionMatch) error {
	defer r.s.lock()()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if r.conflicts(*m) {
		return apperr.ErrMatchConflict
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	r.s.d.matches[m.ID] = *m
	return nil
}

func (r matches) Get(_ context.Context, id uuid.UUID) (*models.TransactionMatch, error) {
	defer r.s.lock()()
	m, ok := r.s.d.matches[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &m, nil
}

func (r matches) UpdateProjection(_ context.Context, m *models.TransactionMatch) error {
	defer r.s.lock()()
	cur, ok := r.s.d.matches[m.ID]
	if !ok {
		return apperr.ErrNotFound
	}
	cur.Status = m.Status
	cur.AssignedTo = m.AssignedTo
	cur.ReviewerID = m.ReviewerID
	cur.ReviewedAt = m.ReviewedAt
	cur.ReviewComments = m.ReviewComments
	cur.ReleasedAt = m.ReleasedAt
	cur.NeedsReview = m.NeedsReview
	if r.conflicts(cur) {
		return apperr.ErrMatchConflict
	}
	cur.UpdatedAt = time.Now()
	m.UpdatedAt = cur.UpdatedAt
	r.s.d.matches[m.ID] = cur
	return nil
}

func (r matches) AppendEvent(_ context.Context, e *models.MatchEvent) error {
	defer r.s.lock()()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Sequence = len(r.s.d.events[e.MatchID]) + 1
	r.s.d.events[e.MatchID] = append(r.s.d.events[e.MatchID], *e)
	return nil
}

func (r matches) Events(_ context.Context, matchID uuid.UUID) ([]models.MatchEvent, error) {
	defer r.s.lock()()
	return append([]models.MatchEvent(nil), r.s.d.events[matchID]...), nil
}

func (r matches) ListByTransaction(_ context.Context, txID uuid.UUID) ([]models.TransactionMatch, error) {
	return r.filter(func(m models.TransactionMatch) bool { return m.TransactionID == txID }), nil
}

func (r matches) ListByExpense(_ context.Context, expenseID uuid.UUID) ([]models.TransactionMatch, error) {
	return r.filter(func(m models.TransactionMatch) bool { return m.ExpenseID == expenseID }), nil
}

func (r matches) List(_ context.Context, f repository.MatchFilter) ([]models.TransactionMatch, error) {
	return r.filter(func(m models.TransactionMatch) bool {
		if m.CompanyID != f.CompanyID || !inWindow(m.CreatedAt, f.From, f.To, false) {
			return false
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, m.Status) {
			return false
		}
		return !f.ActiveOnly || m.Active()
	}), nil
}

func (r matches) filter(keep func(models.TransactionMatch) bool) []models.TransactionMatch {
	defer r.s.lock()()
	var out []models.TransactionMatch
	for _, m := range r.s.d.matches {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

type expenses struct{ s *Store }

func (r expenses) Get(_ context.Context, id uuid.UUID) (*models.Expense, error) {
	defer r.s.lock()()
	e, ok := r.s.d.expenses[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &e, nil
}

func (r expenses) List(_ context.Context, f repository.ExpenseFilter) ([]models.Expense, error) {
	return r.filter(func(e models.Expense) bool {
		return e.CompanyID == f.CompanyID && inWindow(e.TransactionDate, f.From, f.To, true)
	}), nil
}

func (r expenses) Search(_ context.Context, companyID uuid.UUID, query string, amount decimal.NullDecimal) ([]models.Expense, error) {
	q := strings.ToLower(query)
	return r.filter(func(e models.Expense) bool {
		if e.CompanyID != companyID {
			return false
		}
		if q != "" && !strings.Contains(strings.ToLower(e.MerchantName), q) && !strings.Contains(strings.ToLower(e.Title), q) {
			return false
		}
		return !amount.Valid || e.Amount.Abs().Equal(amount.Decimal.Abs())
	}), nil
}

func (r expenses) filter(keep func(models.Expense) bool) []models.Expense {
	defer r.s.lock()()
	var out []models.Expense
	for _, e := range r.s.d.expenses {
		if keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TransactionDate.Equal(out[j].TransactionDate) {
			return out[i].TransactionDate.Before(out[j].TransactionDate)
		}
		return lessID(out[i].ID, out[j].ID)
	})
	return out
}

type formats struct{ s *Store }

func (r formats) Create(_ context.Context, cfg *models.FormatConfiguration) error {
	defer r.s.lock()()
	latest := 0
	for _, f := range r.s.d.formats {
		if f.Name == cfg.Name && f.Version > latest {
			latest = f.Version
		}
	}
	cfg.Version = latest + 1
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now()
	}
	r.s.d.formats[cfg.ID] = *cfg
	return nil
}

func (r formats) Get(_ context.Context, id uuid.UUID) (*models.FormatConfiguration, error) {
	defer r.s.lock()()
	f, ok := r.s.d.formats[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &f, nil
}

func (r formats) Latest(_ context.Context, name string) (*models.FormatConfiguration, error) {
	defer r.s.lock()()
	var best *models.FormatConfiguration
	for _, f := range r.s.d.formats {
		if f.Name == name && (best == nil || f.Version > best.Version) {
			f := f
			best = &f
		}
	}
	if best == nil {
		return nil, apperr.ErrNotFound
	}
	return best, nil
}

func (r formats) List(_ context.Context) ([]models.FormatConfiguration, error) {
	defer r.s.lock()()
	latest := map[string]models.FormatConfiguration{}
	for _, f := range r.s.d.formats {
		if cur, ok := latest[f.Name]; !ok || f.Version > cur.Version {
			latest[f.Name] = f
		}
	}
	out := make([]models.FormatConfiguration, 0, len(latest))
	for _, f := range latest {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

type corrections struct{ s *Store }

func (r corrections) Append(_ context.Context, logs []models.CorrectionLog) error {
	defer r.s.lock()()
	for i := range logs {
		if logs[i].ID == uuid.Nil {
			logs[i].ID = uuid.New()
		}
		if logs[i].CreatedAt.IsZero() {
			logs[i].CreatedAt = time.Now()
		}
	}
	r.s.d.corrections = append(r.s.d.corrections, logs...)
	return nil
}

func (r corrections) ListByTransaction(_ context.Context, txID uuid.UUID) ([]models.CorrectionLog, error) {
	defer r.s.lock()()
	var out []models.CorrectionLog
	for _, l := range r.s.d.corrections {
		if l.TransactionID == txID {
			out = append(out, l)
		}
	}
	return out, nil
}

type jobs struct{ s *Store }

func (r jobs) Create(_ context.Context, job *models.IngestionJob) error {
	defer r.s.lock()()
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	if job.QueuedAt.IsZero() {
		job.QueuedAt = now
	}
	job.CreatedAt, job.UpdatedAt = now, now
	r.s.d.jobs[job.ID] = *job
	return nil
}

func (r jobs) Get(_ context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	defer r.s.lock()()
	job, ok := r.s.d.jobs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &job, nil
}

func (r jobs) Update(_ context.Context, job *models.IngestionJob) error {
	defer r.s.lock()()
	if _, ok := r.s.d.jobs[job.ID]; !ok {
		return apperr.ErrNotFound
	}
	job.UpdatedAt = time.Now()
	r.s.d.jobs[job.ID] = *job
	return nil
}

func (r jobs) NextQueued(_ context.Context) (*models.IngestionJob, error) {
	defer r.s.lock()()
	var best *models.IngestionJob
	for _, job := range r.s.d.jobs {
		if !job.Status.Claimable() {
			continue
		}
		if best == nil || job.QueuedAt.Before(best.QueuedAt) {
			job := job
			best = &job
		}
	}
	if best == nil {
		return nil, apperr.ErrNotFound
	}
	return best, nil
}

func (r jobs) Claim(_ context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	defer r.s.lock()()
	job, ok := r.s.d.jobs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if !job.Status.Claimable() {
		return nil, repository.ErrNotClaimable
	}
	now := time.Now()
	job.Status = models.JobRunning
	job.Tries++
	job.StartedAt = &now
	job.UpdatedAt = now
	r.s.d.jobs[id] = job
	return &job, nil
}

func (r jobs) Cancel(_ context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	defer r.s.lock()()
	job, ok := r.s.d.jobs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if job.Status != models.JobQueued {
		return nil, apperr.ErrJobNotCancellable
	}
	now := time.Now()
	job.Status = models.JobCancelled
	job.FinishedAt = &now
	job.UpdatedAt = now
	r.s.d.jobs[id] = job
	return &job, nil
}

func (r jobs) ListByStatement(_ context.Context, statementID uuid.UUID) ([]models.IngestionJob, error) {
	defer r.s.lock()()
	var out []models.IngestionJob
	for _, job := range r.s.d.jobs {
		if job.StatementID == statementID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

type runs struct{ s *Store }

func (r runs) Start(_ context.Context, run *models.MatchRun) error {
	defer r.s.lock()()
	for _, existing := range r.s.d.runs {
		if existing.CompanyID == run.CompanyID && existing.Status == models.RunRunning {
			return apperr.ErrRunInProgress
		}
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	run.Status = models.RunRunning
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.CreatedAt = run.StartedAt
	r.s.d.runs[run.ID] = *run
	return nil
}

func (r runs) Expire(_ context.Context, companyID uuid.UUID, startedBefore time.Time) (int, error) {
	defer r.s.lock()()
	n := 0
	now := time.Now()
	for id, run := range r.s.d.runs {
		if run.CompanyID == companyID && run.Status == models.RunRunning && run.StartedAt.Before(startedBefore) {
			run.Status = models.RunFailed
			run.CompletedAt = &now
			r.s.d.runs[id] = run
			n++
		}
	}
	return n, nil
}

func (r runs) Finish(_ context.Context, run *models.MatchRun) error {
	defer r.s.lock()()
	if _, ok := r.s.d.runs[run.ID]; !ok {
		return apperr.ErrNotFound
	}
	r.s.d.runs[run.ID] = *run
	return nil
}

func (r runs) Get(_ context.Context, id uuid.UUID) (*models.MatchRun, error) {
	defer r.s.lock()()
	run, ok := r.s.d.runs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &run, nil
}

type patterns struct{ s *Store }

func (r patterns) Upsert(_ context.Context, companyID uuid.UUID, key, vendor, category string) error {
	defer r.s.lock()()
	k := patternKey{company: companyID, key: key, vendor: vendor}
	now := time.Now()
	p, ok := r.s.d.patterns[k]
	if !ok {
		p = models.MerchantPattern{ID: uuid.New(), CompanyID: companyID, MerchantKey: key, Vendor: vendor, Category: category, CreatedAt: now}
	}
	p.Hits++
	p.LastSeenAt = now
	r.s.d.patterns[k] = p
	return nil
}

func (r patterns) List(_ context.Context, companyID uuid.UUID) ([]models.MerchantPattern, error) {
	defer r.s.lock()()
	var out []models.MerchantPattern
	for _, p := range r.s.d.patterns {
		if p.CompanyID == companyID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Hits != out[j].Hits {
			return out[i].Hits > out[j].Hits
		}
		if out[i].MerchantKey != out[j].MerchantKey {
			return out[i].MerchantKey < out[j].MerchantKey
		}
		return out[i].Vendor < out[j].Vendor
	})
	return out, nil
}

type rates struct{ s *Store }

func (r rates) Get(_ context.Context, from, to string, day time.Time) (*models.ExchangeRate, error) {
	defer r.s.lock()()
	rate, ok := r.s.d.rates[rateKey{from: from, to: to, day: day.Format("2006-01-02")}]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &rate, nil
}

func (r rates) Put(_ context.Context, rate *models.ExchangeRate) error {
	defer r.s.lock()()
	r.s.d.rates[rateKey{from: rate.FromCurrency, to: rate.ToCurrency, day: rate.Date.Format("2006-01-02")}] = *rate
	return nil
}

type blobs struct{ s *Store }

func (r blobs) Put(_ context.Context, statementID uuid.UUID, content []byte) error {
	defer r.s.lock()()
	if _, ok := r.s.d.blobs[statementID]; !ok {
		r.s.d.blobs[statementID] = append([]byte(nil), content...)
	}
	return nil
}

func (r blobs) Get(_ context.Context, statementID uuid.UUID) ([]byte, error) {
	defer r.s.lock()()
	b, ok := r.s.d.blobs[statementID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

var _ repository.Store = (*Store)(nil)
