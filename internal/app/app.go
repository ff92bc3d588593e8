// Package app wires the services of the reconciliation engine from a Config
// and a Store. Both the HTTP server and the CLI start from here.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"bank-reconciliation-backend/internal/config"
	handler "bank-reconciliation-backend/internal/handlers"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/services/archive"
	"bank-reconciliation-backend/internal/services/currency"
	"bank-reconciliation-backend/internal/services/detection"
	"bank-reconciliation-backend/internal/services/formats"
	"bank-reconciliation-backend/internal/services/ingestion"
	"bank-reconciliation-backend/internal/services/matching"
	"bank-reconciliation-backend/internal/services/ocr"
	"bank-reconciliation-backend/internal/services/parsing"
	"bank-reconciliation-backend/internal/services/queue"
	"bank-reconciliation-backend/internal/services/reconciliation"
	"bank-reconciliation-backend/internal/services/review"
	"bank-reconciliation-backend/internal/services/transactions"
)

type App struct {
	Config       *config.Config
	Store        repository.Store
	Formats      *formats.Service
	Ingestion    *ingestion.Service
	Pool         *ingestion.Pool
	Engine       *matching.Engine
	Review       *review.Service
	Transactions *transactions.Service
	Reporter     *reconciliation.Reporter
	Logger       *slog.Logger
}

// New builds every service. Built-in format configurations are seeded so a
// fresh database can ingest straight away.
func New(ctx context.Context, cfg *config.Config, store repository.Store, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fs := formats.NewService(store, logger)
	if _, err := fs.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seeding formats: %w", err)
	}
	arch, err := archive.New(cfg, store, logger)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(cfg, store, logger)
	if err != nil {
		return nil, err
	}

	rates := currency.NewCachedRates(store.Rates(), currency.NewHTTPRates(cfg.Rates.Endpoint, cfg.Rates.Timeout), "frankfurter", logger)
	normalizer := currency.NewNormalizer(rates, cfg.Rates.MaxFallbackDays)

	var (
		textExtractor detection.TextExtractor
		imageOCR      parsing.Extractor
	)
	if cfg.OCR.Endpoint != "" {
		svc := ocr.NewService(ocr.NewHTTPRecognizer(cfg.OCR.Endpoint), ocr.Options{
			Timeout:             cfg.OCR.Timeout,
			ConfidenceThreshold: cfg.OCR.ConfidenceThreshold,
			ContrastThreshold:   cfg.OCR.ContrastThreshold,
			Language:            cfg.OCR.Language,
		}, logger)
		textExtractor, imageOCR = svc, svc
	} else {
		logger.Warn("OCR_ENDPOINT not set, scanned statements cannot be parsed")
	}

	proc := ingestion.NewProcessor(ingestion.ProcessorDeps{
		Store:        store,
		Archive:      arch,
		Queue:        q,
		Detector:     detection.NewDetector(cfg.Ingestion.DetectionThreshold, cfg.Ingestion.DetectionAmbiguity, textExtractor, logger),
		Parsers:      parsing.DefaultRegistry(imageOCR),
		Normalizer:   normalizer,
		BaseCurrency: cfg.BaseCurrency,
		MaxAttempts:  cfg.Ingestion.MaxJobAttempts,
		Logger:       logger,
	})
	engine, err := matching.NewEngine(store, cfg.Matching, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		Config:       cfg,
		Store:        store,
		Formats:      fs,
		Ingestion:    ingestion.NewService(store, arch, q, fs, cfg.Ingestion.MaxUploadBytes, logger),
		Pool:         ingestion.NewPool(q, proc, cfg.Ingestion.Workers, logger),
		Engine:       engine,
		Review:       review.NewService(store, review.NewAllowList(cfg.ReviewerIDs), logger),
		Transactions: transactions.NewService(store, normalizer, logger),
		Reporter:     reconciliation.NewReporter(store, logger),
		Logger:       logger,
	}, nil
}

func (a *App) Handler() *handler.ReconciliationHandler {
	return handler.NewReconciliationHandler(handler.Deps{
		Ingestion:    a.Ingestion,
		Formats:      a.Formats,
		Engine:       a.Engine,
		Review:       a.Review,
		Transactions: a.Transactions,
		Reporter:     a.Reporter,
		Logger:       a.Logger,
	})
}

// Open connects to postgres and migrates the schema.
func Open(ctx context.Context, cfg *config.Config) (*repository.GormStore, error) {
	db, err := config.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	store := repository.NewGormStore(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return store, nil
}
