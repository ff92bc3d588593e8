package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bank-reconciliation-backend/internal/apperr"
)

// GormStore implements Store on postgres through gorm.
type GormStore struct {
	db   *gorm.DB
	inTx bool
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB exposes the underlying connection for migrations and reports.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(AllModels()...)
}

func (s *GormStore) Statements() StatementStore { return NewStatementRepository(s.db) }
func (s *GormStore) Transactions() TransactionStore { return NewBankTransactionRepository(s.db) }
func (s *GormStore) Matches() MatchStore { return NewMatchRepository(s.db) }
func (s *GormStore) Expenses() ExpenseStore { return NewExpenseRepository(s.db) }
func (s *GormStore) Formats() FormatStore { return NewFormatRepository(s.db) }
func (s *GormStore) Corrections() CorrectionStore { return &correctionRepository{db: s.db} }
func (s *GormStore) Jobs() JobStore { return NewJobRepository(s.db) }
func (s *GormStore) Runs() RunStore { return &runRepository{db: s.db} }
func (s *GormStore) Patterns() PatternStore { return &patternRepository{db: s.db} }
func (s *GormStore) Rates() RateStore { return &rateRepository{db: s.db} }
func (s *GormStore) Blobs() BlobStore { return &blobRepository{db: s.db} }

func (s *GormStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx, inTx: true})
	})
}

func (s *GormStore) LockAccount(ctx context.Context, accountID uuid.UUID) error {
	if !s.inTx {
		return nil
	}
	return s.db.WithContext(ctx).Exec("SELECT pg_advisory_xact_lock(hashtext(?))", accountID.String()).Error
}

// notFound maps gorm's missing-row error onto the shared sentinel.
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.ErrNotFound
	}
	return err
}
