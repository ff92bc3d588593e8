package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bank-reconciliation-backend/internal/models"
)

type StatementRepository struct {
	db *gorm.DB
}

func NewStatementRepository(db *gorm.DB) *StatementRepository {
	return &StatementRepository{db: db}
}

func (r *StatementRepository) Create(ctx context.Context, st *models.BankStatement) error {
	err := r.db.WithContext(ctx).Create(st).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateFingerprint
	}
	return err
}

func (r *StatementRepository) Get(ctx context.Context, id uuid.UUID) (*models.BankStatement, error) {
	var st models.BankStatement
	if err := r.db.WithContext(ctx).First(&st, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

func (r *StatementRepository) FindByFingerprint(ctx context.Context, accountID uuid.UUID, fingerprint string) (*models.BankStatement, error) {
	var st models.BankStatement
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND fingerprint = ?", accountID, fingerprint).
		First(&st).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &st, nil
}

func (r *StatementRepository) Update(ctx context.Context, st *models.BankStatement) error {
	return r.db.WithContext(ctx).Save(st).Error
}

func (r *StatementRepository) List(ctx context.Context, f StatementFilter) ([]models.BankStatement, error) {
	var statements []models.BankStatement
	query := r.db.WithContext(ctx).Where("company_id = ?", f.CompanyID)
	if f.From != nil {
		query = query.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("created_at < ?", *f.To)
	}
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	err := query.Order("created_at ASC").Find(&statements).Error
	return statements, err
}
