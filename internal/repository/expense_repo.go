package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bank-reconciliation-backend/internal/models"
)

// ExpenseRepository reads expenses recorded by the expense-entry workflows.
// Reconciliation never writes them.
type ExpenseRepository struct {
	db *gorm.DB
}

func NewExpenseRepository(db *gorm.DB) *ExpenseRepository {
	return &ExpenseRepository{db: db}
}

func (r *ExpenseRepository) Get(ctx context.Context, id uuid.UUID) (*models.Expense, error) {
	var expense models.Expense
	if err := r.db.WithContext(ctx).First(&expense, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &expense, nil
}

func (r *ExpenseRepository) List(ctx context.Context, f ExpenseFilter) ([]models.Expense, error) {
	var expenses []models.Expense
	query := r.db.WithContext(ctx).Where("company_id = ?", f.CompanyID)
	if f.From != nil {
		query = query.Where("transaction_date >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("transaction_date <= ?", *f.To)
	}
	err := query.Order("transaction_date ASC, id ASC").Find(&expenses).Error
	return expenses, err
}

// Search used for reviewer manual lookup with optional filters
func (r *ExpenseRepository) Search(ctx context.Context, companyID uuid.UUID, query string, amount decimal.NullDecimal) ([]models.Expense, error) {
	var expenses []models.Expense

	dbQuery := r.db.WithContext(ctx).Model(&models.Expense{}).Where("company_id = ?", companyID)

	if query != "" {
		like := "%" + strings.ToLower(query) + "%"
		dbQuery = dbQuery.Where("LOWER(merchant_name) LIKE ? OR LOWER(title) LIKE ?", like, like)
	}
	if amount.Valid {
		dbQuery = dbQuery.Where("ABS(amount) = ?", amount.Decimal.Abs())
	}

	err := dbQuery.Order("transaction_date DESC").Limit(100).Find(&expenses).Error
	return expenses, err
}
