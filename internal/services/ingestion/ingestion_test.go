package ingestion

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/repository/memstore"
	"bank-reconciliation-backend/internal/services/currency"
	"bank-reconciliation-backend/internal/services/detection"
	"bank-reconciliation-backend/internal/services/formats"
	"bank-reconciliation-backend/internal/services/ocr"
	"bank-reconciliation-backend/internal/services/parsing"
	"bank-reconciliation-backend/internal/services/queue"
)

const coffeeCSV = "date,description,amount,currency\n2024-01-05,Coffee Shop,-4.50,PLN\n"

// MockQueue records enqueued job ids.
type MockQueue struct {
	mu          sync.Mutex
	Enqueued    []uuid.UUID
	EnqueueFunc func(ctx context.Context, jobID uuid.UUID) error
}

func (m *MockQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Enqueued = append(m.Enqueued, jobID)
	if m.EnqueueFunc != nil {
		return m.EnqueueFunc(ctx, jobID)
	}
	return nil
}

func (m *MockQueue) Receive(ctx context.Context) (queue.Delivery, error) {
	<-ctx.Done()
	return queue.Delivery{}, ctx.Err()
}

// MockExtractor stands in for the OCR service.
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, image []byte, language string) (ocr.Extraction, error)
}

func (m *MockExtractor) Extract(ctx context.Context, image []byte, language string) (ocr.Extraction, error) {
	return m.ExtractFunc(ctx, image, language)
}

type fixture struct {
	store   *memstore.Store
	queue   *MockQueue
	svc     *Service
	pool    *Pool
	ocr     *MockExtractor
	company uuid.UUID
	account uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memstore.New()
	fs := formats.NewService(store, nil)
	_, err := fs.Seed(ctx)
	require.NoError(t, err)

	q := &MockQueue{}
	extractor := &MockExtractor{ExtractFunc: func(context.Context, []byte, string) (ocr.Extraction, error) {
		return ocr.Extraction{}, errors.New("no ocr in this test")
	}}
	rates := currency.MapRates{"EUR/PLN/2024-01-05": decimal.RequireFromString("4.35")}
	proc := NewProcessor(ProcessorDeps{
		Store:        store,
		Archive:      store.Blobs(),
		Queue:        q,
		Detector:     detection.NewDetector(0.5, 0.1, nil, nil),
		Parsers:      parsing.DefaultRegistry(extractor),
		Normalizer:   currency.NewNormalizer(rates, 7),
		BaseCurrency: "PLN",
		MaxAttempts:  2,
	})
	return &fixture{
		store:   store,
		queue:   q,
		svc:     NewService(store, store.Blobs(), q, fs, 1<<20, nil),
		pool:    NewPool(q, proc, 2, nil),
		ocr:     extractor,
		company: uuid.New(),
		account: uuid.New(),
	}
}

func (f *fixture) upload(t *testing.T, content, filename string) *UploadResult {
	t.Helper()
	res, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company,
		AccountID: f.account,
		Filename:  filename,
		Content:   []byte(content),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, err := f.pool.Drain(context.Background())
	require.NoError(t, err)
}

func (f *fixture) statement(t *testing.T, id uuid.UUID) *models.BankStatement {
	t.Helper()
	st, err := f.store.Statements().Get(context.Background(), id)
	require.NoError(t, err)
	return st
}

func (f *fixture) transactions(t *testing.T, statementID uuid.UUID, all bool) []models.BankTransaction {
	t.Helper()
	txs, err := f.store.Transactions().List(context.Background(), repository.TransactionFilter{
		StatementID:       &statementID,
		IncludeDuplicates: all,
		IncludeSuperseded: all,
	})
	require.NoError(t, err)
	return txs
}

func TestIngestCSVEndToEnd(t *testing.T) {
	f := newFixture(t)
	res := f.upload(t, coffeeCSV, "january.csv")

	assert.Equal(t, models.StatementPending, res.Statement.Status)
	assert.Equal(t, models.JobQueued, res.Job.Status)
	assert.Equal(t, []uuid.UUID{res.Job.ID}, f.queue.Enqueued)

	f.drain(t)

	st := f.statement(t, res.Statement.ID)
	assert.Equal(t, models.StatementProcessed, st.Status)
	assert.Equal(t, models.FamilyCSV, st.FormatFamily)
	assert.Equal(t, 1, st.TransactionCount)
	require.NotNil(t, st.CurrentAttemptID)
	assert.Equal(t, res.Job.ID, *st.CurrentAttemptID)

	txs := f.transactions(t, st.ID, false)
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, "Coffee Shop", tx.Description)
	assert.Equal(t, "-4.50", tx.Amount.StringFixed(2))
	assert.Equal(t, "-4.50", tx.NormalizedAmount.Decimal.StringFixed(2))
	assert.False(t, tx.NeedsReview)
	assert.NotEmpty(t, tx.Fingerprint)

	status, err := f.svc.GetJobStatus(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, status.Job.Status)
}

func TestDuplicateStatementRejected(t *testing.T) {
	f := newFixture(t)
	first := f.upload(t, coffeeCSV, "a.csv")
	f.drain(t)

	_, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company, AccountID: f.account, Filename: "again.csv", Content: []byte(coffeeCSV),
	})
	var dup *apperr.DuplicateError
	require.True(t, errors.As(err, &dup))
	assert.Equal(t, first.Statement.ID, dup.OriginalID)

	all, err := f.store.Transactions().List(context.Background(), repository.TransactionFilter{IncludeDuplicates: true, IncludeSuperseded: true})
	require.NoError(t, err)
	assert.Len(t, all, 1, "no rows are created for a duplicate")

	other, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company, AccountID: uuid.New(), Filename: "a.csv", Content: []byte(coffeeCSV),
	})
	require.NoError(t, err, "the same bytes for another account are accepted")
	assert.NotEqual(t, first.Statement.ID, other.Statement.ID)
}

func TestConcurrentIdenticalUploadsOnlyOnePasses(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted, duplicates := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.IngestStatement(context.Background(), UploadRequest{
				CompanyID: f.company, AccountID: f.account, Filename: "a.csv", Content: []byte(coffeeCSV),
			})
			mu.Lock()
			defer mu.Unlock()
			var dup *apperr.DuplicateError
			switch {
			case err == nil:
				accepted++
			case errors.As(err, &dup):
				duplicates++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, accepted)
	assert.Equal(t, 7, duplicates)
}

func TestOverlappingStatementFlagsDuplicateLines(t *testing.T) {
	f := newFixture(t)
	f.upload(t, coffeeCSV, "a.csv")
	f.drain(t)

	second := f.upload(t, coffeeCSV+"2024-01-06,Bakery,-3.20,PLN\n", "b.csv")
	f.drain(t)

	txs := f.transactions(t, second.Statement.ID, true)
	require.Len(t, txs, 2)
	flagged := 0
	for _, tx := range txs {
		if tx.IsDuplicate {
			flagged++
			assert.Equal(t, "Coffee Shop", tx.Description)
			assert.Contains(t, tx.ReviewReason, "duplicate of")
		}
	}
	assert.Equal(t, 1, flagged)
	assert.Len(t, f.transactions(t, second.Statement.ID, false), 1, "duplicates are hidden by default")
}

// gatedStore holds every fingerprint lookup until a second one arrives, so
// two workers check for duplicates at the same moment when nothing
// serialises them.
type gatedStore struct {
	repository.Store
	gate func()
}

func (g gatedStore) Transactions() repository.TransactionStore {
	return gatedTransactions{g.Store.Transactions(), g.gate}
}

func (g gatedStore) InTx(ctx context.Context, fn func(repository.Store) error) error {
	return g.Store.InTx(ctx, func(tx repository.Store) error {
		return fn(gatedStore{tx, g.gate})
	})
}

type gatedTransactions struct {
	repository.TransactionStore
	gate func()
}

func (g gatedTransactions) FingerprintsExist(ctx context.Context, accountID uuid.UUID, fingerprints []string, excludeStatementID uuid.UUID) (map[string]uuid.UUID, error) {
	g.gate()
	return g.TransactionStore.FingerprintsExist(ctx, accountID, fingerprints, excludeStatementID)
}

func TestConcurrentOverlappingStatementsFlagDuplicate(t *testing.T) {
	f := newFixture(t)
	first := f.upload(t, "date,description,amount,currency\n2024-01-05,Coffee Shop,-4.50,PLN\n2024-01-06,Bakery,-3.20,PLN\n", "a.csv")
	second := f.upload(t, "date,description,amount,currency\n2024-01-06,Bakery,-3.20,PLN\n2024-01-07,Taxi,-21.00,PLN\n", "b.csv")

	both := make(chan struct{})
	var arrivals atomic.Int32
	gate := func() {
		if arrivals.Add(1) == 2 {
			close(both)
		}
		select {
		case <-both:
		case <-time.After(200 * time.Millisecond):
		}
	}
	proc := NewProcessor(ProcessorDeps{
		Store:        gatedStore{f.store, gate},
		Archive:      f.store.Blobs(),
		Queue:        f.queue,
		Detector:     detection.NewDetector(0.5, 0.1, nil, nil),
		Parsers:      parsing.DefaultRegistry(nil),
		Normalizer:   currency.NewNormalizer(currency.MapRates{}, 0),
		BaseCurrency: "PLN",
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, jobID := range []uuid.UUID{first.Job.ID, second.Job.ID} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = proc.Process(context.Background(), jobID)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	stored := append(f.transactions(t, first.Statement.ID, true), f.transactions(t, second.Statement.ID, true)...)
	assert.Len(t, stored, 4)
	flagged := 0
	for _, tx := range stored {
		if tx.IsDuplicate {
			flagged++
			assert.Equal(t, "Bakery", tx.Description)
		}
	}
	assert.Equal(t, 1, flagged)
}

func TestParseFailureMarksStatementFailed(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company, AccountID: f.account, Filename: "x.csv", Content: []byte("foo,bar\n1,2\n"), Format: "generic-csv",
	})
	require.NoError(t, err)
	f.drain(t)

	st := f.statement(t, res.Statement.ID)
	assert.Equal(t, models.StatementFailed, st.Status)
	assert.Contains(t, st.ErrorDetail, "malformed")

	job, err := f.store.Jobs().Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.False(t, job.Retryable)
}

func TestUnknownFormatNeedsManualSelection(t *testing.T) {
	f := newFixture(t)
	res := f.upload(t, "just some words", "notes.md")
	f.drain(t)

	st := f.statement(t, res.Statement.ID)
	assert.Equal(t, models.StatementNeedsReview, st.Status)
	assert.Contains(t, st.ErrorDetail, "format could not be detected")
	assert.NotEmpty(t, st.Detection)
}

func TestOCRTimeoutIsRetriedThenFails(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.ocr.ExtractFunc = func(context.Context, []byte, string) (ocr.Extraction, error) {
		calls++
		return ocr.Extraction{}, &apperr.OCRTimeoutError{Timeout: time.Second}
	}
	res, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company, AccountID: f.account, Filename: "scan.png", Content: []byte("png"), Format: "image-ocr",
	})
	require.NoError(t, err)

	require.NoError(t, f.pool.processor.Process(context.Background(), res.Job.ID))
	job, err := f.store.Jobs().Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetrying, job.Status)
	assert.True(t, job.Retryable)

	f.drain(t)
	job, err = f.store.Jobs().Get(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 2, job.Tries)
	assert.Equal(t, 2, calls)
	assert.Equal(t, models.StatementFailed, f.statement(t, res.Statement.ID).Status)
}

func TestLowConfidenceOCRFlagsEveryLine(t *testing.T) {
	f := newFixture(t)
	f.ocr.ExtractFunc = func(context.Context, []byte, string) (ocr.Extraction, error) {
		return ocr.Extraction{
			Result:        ocr.Result{Text: "05.01.2024 Coffee Shop -4,50\n06.01.2024 Bakery -3,20\n", Confidence: 0.4},
			LowConfidence: true,
		}, nil
	}
	res, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company, AccountID: f.account, Filename: "scan.png", Content: []byte("png"), Format: "image-ocr",
	})
	require.NoError(t, err)
	f.drain(t)

	assert.Equal(t, models.StatementNeedsReview, f.statement(t, res.Statement.ID).Status)
	txs := f.transactions(t, res.Statement.ID, false)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.True(t, tx.NeedsReview)
		require.NotNil(t, tx.OCRConfidence)
		assert.InDelta(t, 0.4, *tx.OCRConfidence, 1e-9)
	}
}

func TestCancelOnlyQueuedJobs(t *testing.T) {
	f := newFixture(t)
	res := f.upload(t, coffeeCSV, "a.csv")

	job, err := f.svc.CancelJob(context.Background(), res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.Equal(t, models.StatementFailed, f.statement(t, res.Statement.ID).Status)

	f.drain(t)
	assert.Empty(t, f.transactions(t, res.Statement.ID, true), "a cancelled job never runs")

	second := f.upload(t, "date,description,amount\n2024-02-01,Rent,-100.00\n", "b.csv")
	_, err = f.store.Jobs().Claim(context.Background(), second.Job.ID)
	require.NoError(t, err)
	_, err = f.svc.CancelJob(context.Background(), second.Job.ID)
	assert.ErrorIs(t, err, apperr.ErrJobNotCancellable)
}

func TestReprocessSupersedesPreviousAttempt(t *testing.T) {
	f := newFixture(t)
	res := f.upload(t, coffeeCSV, "a.csv")
	f.drain(t)

	job, err := f.svc.ReprocessStatement(context.Background(), res.Statement.ID, "", "auditor")
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempt)

	_, err = f.svc.ReprocessStatement(context.Background(), res.Statement.ID, "", "auditor")
	assert.ErrorIs(t, err, apperr.ErrJobInProgress)

	f.drain(t)

	all := f.transactions(t, res.Statement.ID, true)
	assert.Len(t, all, 2, "earlier attempt stays stored")
	live := f.transactions(t, res.Statement.ID, false)
	require.Len(t, live, 1)
	assert.Equal(t, job.ID, live[0].AttemptID)
	assert.False(t, live[0].IsDuplicate, "a statement is not a duplicate of itself")

	st := f.statement(t, res.Statement.ID)
	assert.Equal(t, job.ID, *st.CurrentAttemptID)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.IngestStatement(context.Background(), UploadRequest{CompanyID: f.company, AccountID: f.account})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.svc.IngestStatement(context.Background(), UploadRequest{CompanyID: f.company, Content: []byte("x")})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = f.svc.IngestStatement(context.Background(), UploadRequest{CompanyID: f.company, AccountID: f.account, Content: []byte("x"), Format: "missing"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEnqueueFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	f.queue.EnqueueFunc = func(context.Context, uuid.UUID) error { return errors.New("queue down") }
	_, err := f.svc.IngestStatement(context.Background(), UploadRequest{
		CompanyID: f.company, AccountID: f.account, Filename: "a.csv", Content: []byte(coffeeCSV),
	})
	require.Error(t, err)

	job, err := f.store.Jobs().NextQueued(context.Background())
	assert.Nil(t, job)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPoolRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pool.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
