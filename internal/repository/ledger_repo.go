package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

type correctionRepository struct {
	db *gorm.DB
}

func (r *correctionRepository) Append(ctx context.Context, logs []models.CorrectionLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(&logs).Error
}

func (r *correctionRepository) ListByTransaction(ctx context.Context, txID uuid.UUID) ([]models.CorrectionLog, error) {
	var logs []models.CorrectionLog
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", txID).
		Order("created_at ASC").
		Find(&logs).Error
	return logs, err
}

type runRepository struct {
	db *gorm.DB
}

// Start relies on the partial unique index over running runs.
func (r *runRepository) Start(ctx context.Context, run *models.MatchRun) error {
	run.Status = models.RunRunning
	err := r.db.WithContext(ctx).Create(run).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.ErrRunInProgress
	}
	return err
}

func (r *runRepository) Expire(ctx context.Context, companyID uuid.UUID, startedBefore time.Time) (int, error) {
	res := r.db.WithContext(ctx).Model(&models.MatchRun{}).
		Where("company_id = ? AND status = ? AND started_at < ?", companyID, models.RunRunning, startedBefore).
		Updates(map[string]interface{}{"status": models.RunFailed, "completed_at": time.Now()})
	return int(res.RowsAffected), res.Error
}

func (r *runRepository) Finish(ctx context.Context, run *models.MatchRun) error {
	return r.db.WithContext(ctx).Save(run).Error
}

func (r *runRepository) Get(ctx context.Context, id uuid.UUID) (*models.MatchRun, error) {
	var run models.MatchRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &run, nil
}

type patternRepository struct {
	db *gorm.DB
}

func (r *patternRepository) Upsert(ctx context.Context, companyID uuid.UUID, key, vendor, category string) error {
	now := time.Now()
	pattern := &models.MerchantPattern{
		ID:          uuid.New(),
		CompanyID:   companyID,
		MerchantKey: key,
		Vendor:      vendor,
		Category:    category,
		Hits:        1,
		LastSeenAt:  now,
		CreatedAt:   now,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "company_id"}, {Name: "merchant_key"}, {Name: "vendor"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"hits":         gorm.Expr("merchant_patterns.hits + 1"),
			"last_seen_at": now,
		}),
	}).Create(pattern).Error
}

func (r *patternRepository) List(ctx context.Context, companyID uuid.UUID) ([]models.MerchantPattern, error) {
	var patterns []models.MerchantPattern
	err := r.db.WithContext(ctx).
		Where("company_id = ?", companyID).
		Order("hits DESC, merchant_key ASC").
		Find(&patterns).Error
	return patterns, err
}

type rateRepository struct {
	db *gorm.DB
}

func (r *rateRepository) Get(ctx context.Context, from, to string, day time.Time) (*models.ExchangeRate, error) {
	var rate models.ExchangeRate
	err := r.db.WithContext(ctx).
		Where("from_currency = ? AND to_currency = ? AND date = ?", from, to, day.Format("2006-01-02")).
		First(&rate).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &rate, nil
}

func (r *rateRepository) Put(ctx context.Context, rate *models.ExchangeRate) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(rate).Error
}

type blobRepository struct {
	db *gorm.DB
}

func (r *blobRepository) Put(ctx context.Context, statementID uuid.UUID, content []byte) error {
	blob := &models.StatementBlob{StatementID: statementID, Content: content, CreatedAt: time.Now()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(blob).Error
}

func (r *blobRepository) Get(ctx context.Context, statementID uuid.UUID) ([]byte, error) {
	var blob models.StatementBlob
	if err := r.db.WithContext(ctx).First(&blob, "statement_id = ?", statementID).Error; err != nil {
		return nil, notFound(err)
	}
	return blob.Content, nil
}
