// Package repository is the storage boundary of the reconciliation engine.
// Services depend on the Store interface; the gorm implementation in this
// package backs production and memstore backs the tests.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"bank-reconciliation-backend/internal/models"
)

var (
	// ErrDuplicateFingerprint is returned when a statement with the same
	// fingerprint already exists for the account.
	ErrDuplicateFingerprint = errors.New("statement fingerprint already exists for account")
	// ErrNotClaimable is returned when a job is no longer queued or retrying.
	ErrNotClaimable = errors.New("job is not claimable")
)

type Store interface {
	Statements() StatementStore
	Transactions() TransactionStore
	Matches() MatchStore
	Expenses() ExpenseStore
	Formats() FormatStore
	Corrections() CorrectionStore
	Jobs() JobStore
	Runs() RunStore
	Patterns() PatternStore
	Rates() RateStore
	Blobs() BlobStore

	// InTx runs fn against a Store bound to one transaction. Any error rolls
	// every write back.
	InTx(ctx context.Context, fn func(Store) error) error
	// LockAccount serialises writers of one account until the surrounding
	// transaction ends. Outside InTx it is a no-op.
	LockAccount(ctx context.Context, accountID uuid.UUID) error
}

type StatementFilter struct {
	CompanyID uuid.UUID
	From      *time.Time
	To        *time.Time
	Statuses  []models.StatementStatus
}

type StatementStore interface {
	Create(ctx context.Context, st *models.BankStatement) error
	Get(ctx context.Context, id uuid.UUID) (*models.BankStatement, error)
	FindByFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.BankStatement, error)
	Update(ctx context.Context, st *models.BankStatement) error
	List(ctx context.Context, f StatementFilter) ([]models.BankStatement, error)
}

// TransactionFilter selects bank transactions. Superseded and duplicate rows
// are excluded unless asked for.
type TransactionFilter struct {
	CompanyID         uuid.UUID
	StatementID       *uuid.UUID
	AttemptID         *uuid.UUID
	From              *time.Time
	To                *time.Time
	OnlyNeedsReview   bool
	IncludeDuplicates bool
	IncludeSuperseded bool
	ExcludeAllocated  bool
	Search            string
	Cursor            string
	Limit             int
}

type TransactionStore interface {
	CreateBatch(ctx context.Context, txs []models.BankTransaction) error
	Get(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error)
	Update(ctx context.Context, tx *models.BankTransaction) error
	List(ctx context.Context, f TransactionFilter) ([]models.BankTransaction, error)
	// FingerprintsExist returns, for each fingerprint already stored on a
	// live transaction of the account outside excludeStatementID, the id of
	// that transaction.
	FingerprintsExist(ctx context.Context, accountID uuid.UUID, fingerprints []string, excludeStatementID uuid.UUID) (map[string]uuid.UUID, error)
	// SupersedeAttempt marks every transaction of a statement that does not
	// belong to attemptID as superseded by it.
	SupersedeAttempt(ctx context.Context, statementID, attemptID uuid.UUID) (int64, error)
}

type MatchFilter struct {
	CompanyID  uuid.UUID
	From       *time.Time
	To         *time.Time
	Statuses   []models.MatchStatus
	ActiveOnly bool
}

type MatchStore interface {
	Create(ctx context.Context, m *models.TransactionMatch) error
	Get(ctx context.Context, id uuid.UUID) (*models.TransactionMatch, error)
	// UpdateProjection rewrites the status projection of a match. Callers pair
	// it with AppendEvent in the same InTx.
	UpdateProjection(ctx context.Context, m *models.TransactionMatch) error
	// AppendEvent assigns the next sequence number of the match and stores e.
	AppendEvent(ctx context.Context, e *models.MatchEvent) error
	Events(ctx context.Context, matchID uuid.UUID) ([]models.MatchEvent, error)
	ListByTransaction(ctx context.Context, txID uuid.UUID) ([]models.TransactionMatch, error)
	ListByExpense(ctx context.Context, expenseID uuid.UUID) ([]models.TransactionMatch, error)
	List(ctx context.Context, f MatchFilter) ([]models.TransactionMatch, error)
}

type ExpenseFilter struct {
	CompanyID uuid.UUID
	From      *time.Time
	To        *time.Time
}

type ExpenseStore interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Expense, error)
	List(ctx context.Context, f ExpenseFilter) ([]models.Expense, error)
	// Search is the manual lookup used by reviewers: merchant/title text and
	// an optional exact amount.
	Search(ctx context.Context, companyID uuid.UUID, query string, amount decimal.NullDecimal) ([]models.Expense, error)
}

type FormatStore interface {
	// Create stores cfg as the next version of cfg.Name.
	Create(ctx context.Context, cfg *models.FormatConfiguration) error
	Get(ctx context.Context, id uuid.UUID) (*models.FormatConfiguration, error)
	Latest(ctx context.Context, name string) (*models.FormatConfiguration, error)
	// List returns the latest version of every named configuration.
	List(ctx context.Context) ([]models.FormatConfiguration, error)
}

type CorrectionStore interface {
	Append(ctx context.Context, logs []models.CorrectionLog) error
	ListByTransaction(ctx context.Context, txID uuid.UUID) ([]models.CorrectionLog, error)
}

type JobStore interface {
	Create(ctx context.Context, job *models.IngestionJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	Update(ctx context.Context, job *models.IngestionJob) error
	// NextQueued returns the oldest claimable job, or ErrNotFound.
	NextQueued(ctx context.Context) (*models.IngestionJob, error)
	// Claim moves a queued or retrying job to running. Exactly one caller
	// wins; the rest get ErrNotClaimable.
	Claim(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	// Cancel moves a queued job to cancelled, else apperr.ErrJobNotCancellable.
	Cancel(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error)
	ListByStatement(ctx context.Context, statementID uuid.UUID) ([]models.IngestionJob, error)
}

type RunStore interface {
	// Start stores a running run, or returns apperr.ErrRunInProgress when the
	// company already has one.
	Start(ctx context.Context, run *models.MatchRun) error
	// Expire marks the company's runs still running since before the cutoff
	// as failed, releasing the single-run slot a crashed process left behind.
	Expire(ctx context.Context, companyID uuid.UUID, startedBefore time.Time) (int, error)
	Finish(ctx context.Context, run *models.MatchRun) error
	Get(ctx context.Context, id uuid.UUID) (*models.MatchRun, error)
}

type PatternStore interface {
	// Upsert records one confirmation of key -> vendor.
	Upsert(ctx context.Context, companyID uuid.UUID, key, vendor, category string) error
	List(ctx context.Context, companyID uuid.UUID) ([]models.MerchantPattern, error)
}

type RateStore interface {
	Get(ctx context.Context, from, to string, day time.Time) (*models.ExchangeRate, error)
	Put(ctx context.Context, rate *models.ExchangeRate) error
}

type BlobStore interface {
	Put(ctx context.Context, statementID uuid.UUID, content []byte) error
	Get(ctx context.Context, statementID uuid.UUID) ([]byte, error)
}

// AllModels lists every table owned by the engine, in migration order.
func AllModels() []any {
	return []any{
		&models.FormatConfiguration{},
		&models.BankStatement{},
		&models.StatementBlob{},
		&models.IngestionJob{},
		&models.BankTransaction{},
		&models.CorrectionLog{},
		&models.Expense{},
		&models.TransactionMatch{},
		&models.MatchEvent{},
		&models.MatchRun{},
		&models.MerchantPattern{},
		&models.ExchangeRate{},
	}
}
