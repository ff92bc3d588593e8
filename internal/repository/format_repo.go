package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bank-reconciliation-backend/internal/models"
)

type FormatRepository struct {
	db *gorm.DB
}

func NewFormatRepository(db *gorm.DB) *FormatRepository {
	return &FormatRepository{db: db}
}

// Create never updates: it inserts the next version under cfg.Name so that
// statements parsed with an older version stay reproducible.
func (r *FormatRepository) Create(ctx context.Context, cfg *models.FormatConfiguration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var latest int
		err := tx.Model(&models.FormatConfiguration{}).
			Where("name = ?", cfg.Name).
			Select("COALESCE(MAX(version), 0)").
			Scan(&latest).Error
		if err != nil {
			return err
		}
		cfg.Version = latest + 1
		if cfg.ID == uuid.Nil {
			cfg.ID = uuid.New()
		}
		return tx.Create(cfg).Error
	})
}

func (r *FormatRepository) Get(ctx context.Context, id uuid.UUID) (*models.FormatConfiguration, error) {
	var cfg models.FormatConfiguration
	if err := r.db.WithContext(ctx).First(&cfg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (r *FormatRepository) Latest(ctx context.Context, name string) (*models.FormatConfiguration, error) {
	var cfg models.FormatConfiguration
	err := r.db.WithContext(ctx).
		Where("name = ?", name).
		Order("version DESC").
		First(&cfg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (r *FormatRepository) List(ctx context.Context) ([]models.FormatConfiguration, error) {
	var configs []models.FormatConfiguration
	err := r.db.WithContext(ctx).Raw(`
		SELECT DISTINCT ON (name) *
		FROM format_configurations
		ORDER BY name, version DESC`).
		Scan(&configs).Error
	return configs, err
}
