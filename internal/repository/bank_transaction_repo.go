package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bank-reconciliation-backend/internal/models"
)

type BankTransactionRepository struct {
	db *gorm.DB
}

func NewBankTransactionRepository(db *gorm.DB) *BankTransactionRepository {
	return &BankTransactionRepository{db: db}
}

// CreateBatch inserts the parsed lines of one processing attempt.
func (r *BankTransactionRepository) CreateBatch(ctx context.Context, txs []models.BankTransaction) error {
	if len(txs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(txs, 200).Error
}

func (r *BankTransactionRepository) Get(ctx context.Context, id uuid.UUID) (*models.BankTransaction, error) {
	var tx models.BankTransaction
	if err := r.db.WithContext(ctx).First(&tx, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

func (r *BankTransactionRepository) Update(ctx context.Context, tx *models.BankTransaction) error {
	return r.db.WithContext(ctx).Save(tx).Error
}

// List pages by id with an opaque cursor, like the batch listing it grew from.
func (r *BankTransactionRepository) List(ctx context.Context, f TransactionFilter) ([]models.BankTransaction, error) {
	var txs []models.BankTransaction
	query := r.db.WithContext(ctx).Model(&models.BankTransaction{}).Order("id ASC")

	if f.CompanyID != uuid.Nil {
		query = query.Where("company_id = ?", f.CompanyID)
	}
	if f.StatementID != nil {
		query = query.Where("statement_id = ?", *f.StatementID)
	}
	if f.AttemptID != nil {
		query = query.Where("attempt_id = ?", *f.AttemptID)
	}
	if f.From != nil {
		query = query.Where("transaction_date >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("transaction_date <= ?", *f.To)
	}
	if f.OnlyNeedsReview {
		query = query.Where("needs_review = ?", true)
	}
	if !f.IncludeDuplicates {
		query = query.Where("is_duplicate = ?", false)
	}
	if !f.IncludeSuperseded {
		query = query.Where("superseded_by IS NULL")
	}
	if f.ExcludeAllocated {
		query = query.Where("fully_allocated = ?", false)
	}
	if f.Search != "" {
		like := "%" + strings.TrimSpace(f.Search) + "%"
		query = query.Where("description ILIKE ? OR CAST(amount AS TEXT) LIKE ?", like, like)
	}
	if f.Cursor != "" {
		query = query.Where("id > ?", f.Cursor)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}

	err := query.Find(&txs).Error
	return txs, err
}

func (r *BankTransactionRepository) FingerprintsExist(ctx context.Context, accountID uuid.UUID, fingerprints []string, excludeStatementID uuid.UUID) (map[string]uuid.UUID, error) {
	found := make(map[string]uuid.UUID)
	if len(fingerprints) == 0 {
		return found, nil
	}

	var rows []struct {
		ID          uuid.UUID
		Fingerprint string
	}
	err := r.db.WithContext(ctx).Model(&models.BankTransaction{}).
		Select("id, fingerprint").
		Where("account_id = ? AND fingerprint IN ?", accountID, fingerprints).
		Where("statement_id <> ?", excludeStatementID).
		Where("is_duplicate = ? AND superseded_by IS NULL", false).
		Order("created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if _, ok := found[row.Fingerprint]; !ok {
			found[row.Fingerprint] = row.ID
		}
	}
	return found, nil
}

func (r *BankTransactionRepository) SupersedeAttempt(ctx context.Context, statementID, attemptID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.BankTransaction{}).
		Where("statement_id = ? AND attempt_id <> ? AND superseded_by IS NULL", statementID, attemptID).
		Update("superseded_by", attemptID)
	return result.RowsAffected, result.Error
}
