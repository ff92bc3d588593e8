// Package formats manages the versioned FormatConfiguration registry.
package formats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
)

type Service struct {
	store  repository.Store
	logger *slog.Logger
}

func NewService(store repository.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Builtins returns the configurations seeded on migrate.
func Builtins() []models.FormatConfiguration {
	return []models.FormatConfiguration{
		{
			Name:             "generic-csv",
			Family:           models.FamilyCSV,
			Description:      "Comma separated, dot decimal, ISO or day-first dates",
			Delimiter:        ",",
			DecimalSeparator: ".",
			HasHeader:        true,
			Columns:          datatypes.NewJSONType(models.ColumnMapping{}),
		},
		{
			Name:               "european-csv",
			Family:             models.FamilyCSV,
			Description:        "Semicolon separated, comma decimal, dot grouping, day-first dates",
			Delimiter:          ";",
			DecimalSeparator:   ",",
			ThousandsSeparator: ".",
			DateOrder:          "DMY",
			HasHeader:          true,
			Columns:            datatypes.NewJSONType(models.ColumnMapping{}),
		},
		{
			Name:             "spreadsheet",
			Family:           models.FamilySpreadsheet,
			Description:      "First sheet of an xlsx workbook",
			DecimalSeparator: ".",
			HasHeader:        true,
			Columns:          datatypes.NewJSONType(models.ColumnMapping{}),
		},
		{
			Name:        "ofx",
			Family:      models.FamilyOFX,
			Description: "Open Financial Exchange 1.x and 2.x",
		},
		{
			Name:             "qif",
			Family:           models.FamilyQIF,
			Description:      "Quicken Interchange Format, bank sections",
			DecimalSeparator: ".",
			DateOrder:        "MDY",
		},
		{
			Name:               "pdf-text",
			Family:             models.FamilyPDF,
			Description:        "PDF with a text layer, one transaction per line",
			DecimalSeparator:   ",",
			ThousandsSeparator: " ",
			DateOrder:          "DMY",
		},
		{
			Name:               "image-ocr",
			Family:             models.FamilyImage,
			Description:        "Scanned statement read by OCR",
			DecimalSeparator:   ",",
			ThousandsSeparator: " ",
			DateOrder:          "DMY",
			Language:           "pol+eng",
		},
	}
}

// Seed stores every built-in configuration that has no version yet.
func (s *Service) Seed(ctx context.Context) (int, error) {
	created := 0
	for _, cfg := range Builtins() {
		_, err := s.store.Formats().Latest(ctx, cfg.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, apperr.ErrNotFound) {
			return created, fmt.Errorf("looking up format %s: %w", cfg.Name, err)
		}
		cfg.CreatedBy = "system"
		if err := s.store.Formats().Create(ctx, &cfg); err != nil {
			return created, fmt.Errorf("seeding format %s: %w", cfg.Name, err)
		}
		created++
	}
	if created > 0 {
		s.logger.Info("seeded format configurations", "count", created)
	}
	return created, nil
}

// Create validates cfg and stores it as the next version of its name.
// Existing versions are never modified.
func (s *Service) Create(ctx context.Context, cfg *models.FormatConfiguration, createdBy string) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	cfg.CreatedBy = createdBy
	if err := s.store.Formats().Create(ctx, cfg); err != nil {
		return fmt.Errorf("creating format %s: %w", cfg.Name, err)
	}
	s.logger.Info("format configuration created", "name", cfg.Name, "version", cfg.Version, "format_id", cfg.ID)
	return nil
}

// Resolve accepts a configuration id or a name; a name resolves to its
// latest version.
func (s *Service) Resolve(ctx context.Context, ref string) (*models.FormatConfiguration, error) {
	if id, err := uuid.Parse(ref); err == nil {
		return s.store.Formats().Get(ctx, id)
	}
	return s.store.Formats().Latest(ctx, ref)
}

func (s *Service) List(ctx context.Context) ([]models.FormatConfiguration, error) {
	return s.store.Formats().List(ctx)
}

// Validate checks a configuration before it is stored.
func Validate(cfg *models.FormatConfiguration) error {
	var problems []string
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		problems = append(problems, "name is required")
	}
	cfg.Family = models.FormatFamily(strings.ToLower(string(cfg.Family)))
	if !cfg.Family.Valid() {
		problems = append(problems, fmt.Sprintf("unknown family %q", cfg.Family))
	}
	if len([]rune(cfg.DecimalSeparator)) > 1 || len([]rune(cfg.ThousandsSeparator)) > 1 {
		problems = append(problems, "separators must be a single character")
	}
	if cfg.DecimalSeparator != "" && cfg.DecimalSeparator == cfg.ThousandsSeparator {
		problems = append(problems, "decimal and thousands separators must differ")
	}
	switch strings.ToUpper(cfg.DateOrder) {
	case "", "DMY", "MDY", "YMD":
		cfg.DateOrder = strings.ToUpper(cfg.DateOrder)
	default:
		problems = append(problems, fmt.Sprintf("unknown date order %q", cfg.DateOrder))
	}
	if cfg.SkipLines < 0 {
		problems = append(problems, "skip_lines must not be negative")
	}
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))
	if cfg.DefaultCurrency != "" && len(cfg.DefaultCurrency) != 3 {
		problems = append(problems, "default currency must be an ISO code")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperr.ErrInvalidArgument, strings.Join(problems, "; "))
	}
	return nil
}
