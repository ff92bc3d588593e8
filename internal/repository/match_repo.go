package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// matchConflict maps a violation of the approved-match unique indexes.
func matchConflict(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.ErrMatchConflict
	}
	return err
}

type MatchRepository struct {
	db *gorm.DB
}

func NewMatchRepository(db *gorm.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

func (r *MatchRepository) Create(ctx context.Context, m *models.TransactionMatch) error {
	return matchConflict(r.db.WithContext(ctx).Create(m).Error)
}

func (r *MatchRepository) Get(ctx context.Context, id uuid.UUID) (*models.TransactionMatch, error) {
	var m models.TransactionMatch
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *MatchRepository) UpdateProjection(ctx context.Context, m *models.TransactionMatch) error {
	return matchConflict(r.db.WithContext(ctx).Model(m).Select(
		"status", "assigned_to", "reviewer_id", "reviewed_at",
		"review_comments", "released_at", "needs_review", "updated_at",
	).Updates(m).Error)
}

func (r *MatchRepository) AppendEvent(ctx context.Context, e *models.MatchEvent) error {
	var last int
	err := r.db.WithContext(ctx).Model(&models.MatchEvent{}).
		Where("match_id = ?", e.MatchID).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&last).Error
	if err != nil {
		return err
	}
	e.Sequence = last + 1
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *MatchRepository) Events(ctx context.Context, matchID uuid.UUID) ([]models.MatchEvent, error) {
	var events []models.MatchEvent
	err := r.db.WithContext(ctx).
		Where("match_id = ?", matchID).
		Order("sequence ASC").
		Find(&events).Error
	return events, err
}

func (r *MatchRepository) ListByTransaction(ctx context.Context, txID uuid.UUID) ([]models.TransactionMatch, error) {
	var matches []models.TransactionMatch
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("created_at ASC").
		Find(&matches).Error
	return matches, err
}

func (r *MatchRepository) ListByExpense(ctx context.Context, expenseID uuid.UUID) ([]models.TransactionMatch, error) {
	var matches []models.TransactionMatch
	err := r.db.WithContext(ctx).
		Where("expense_id = ?", expenseID).
		Order("created_at ASC").
		Find(&matches).Error
	return matches, err
}

func (r *MatchRepository) List(ctx context.Context, f MatchFilter) ([]models.TransactionMatch, error) {
	var matches []models.TransactionMatch
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
	if f.ActiveOnly {
		query = query.Where("status <> ? AND released_at IS NULL", models.MatchRejected)
	}
	err := query.Order("created_at ASC").Find(&matches).Error
	return matches, err
}
