package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Create(ctx context.Context, job *models.IngestionJob) error {
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	var job models.IngestionJob
	if err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *JobRepository) Update(ctx context.Context, job *models.IngestionJob) error {
	return r.db.WithContext(ctx).Save(job).Error
}

func (r *JobRepository) NextQueued(ctx context.Context) (*models.IngestionJob, error) {
	var job models.IngestionJob
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status IN ?", []models.JobStatus{models.JobQueued, models.JobRetrying}).
		Order("queued_at ASC").
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *JobRepository) Claim(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.IngestionJob{}).
		Where("id = ? AND status IN ?", id, []models.JobStatus{models.JobQueued, models.JobRetrying}).
		Updates(map[string]interface{}{
			"status":     models.JobRunning,
			"tries":      gorm.Expr("tries + 1"),
			"started_at": now,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotClaimable
	}
	return r.Get(ctx, id)
}

func (r *JobRepository) Cancel(ctx context.Context, id uuid.UUID) (*models.IngestionJob, error) {
	now := time.Now()
	result := r.db.WithContext(ctx).Model(&models.IngestionJob{}).
		Where("id = ? AND status = ?", id, models.JobQueued).
		Updates(map[string]interface{}{
			"status":      models.JobCancelled,
			"finished_at": now,
			"updated_at":  now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, apperr.ErrJobNotCancellable
	}
	return r.Get(ctx, id)
}

func (r *JobRepository) ListByStatement(ctx context.Context, statementID uuid.UUID) ([]models.IngestionJob, error) {
	var jobs []models.IngestionJob
	err := r.db.WithContext(ctx).
		Where("statement_id = ?", statementID).
		Order("attempt ASC").
		Find(&jobs).Error
	return jobs, err
}
