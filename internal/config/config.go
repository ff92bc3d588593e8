package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config is the process configuration, read from the environment (optionally
// seeded by a .env file) with matching tuning overridable from YAML.
type Config struct {
	Port        string
	DatabaseURL string
	CORSOrigins []string

	BaseCurrency string
	ReviewerIDs  []string

	Ingestion IngestionConfig `yaml:"ingestion"`
	Matching  MatchingConfig  `yaml:"matching"`
	OCR       OCRConfig       `yaml:"ocr"`
	Rates     RatesConfig     `yaml:"rates"`
	Azure     AzureConfig     `yaml:"-"`
}

type IngestionConfig struct {
	Workers            int           `yaml:"workers"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	MaxJobAttempts     int           `yaml:"max_job_attempts"`
	DetectionThreshold float64       `yaml:"detection_threshold"`
	DetectionAmbiguity float64       `yaml:"detection_ambiguity_margin"`
	MaxUploadBytes     int64         `yaml:"max_upload_bytes"`
	QueueBackend       string        `yaml:"queue_backend"`
	ArchiveBackend     string        `yaml:"archive_backend"`
}

// MatchingConfig holds the tunable thresholds of the matching engine.
type MatchingConfig struct {
	AutoConfirmThreshold float64 `yaml:"auto_confirm_threshold"`
	AmountTolerance      string  `yaml:"amount_tolerance"`
	ExactDayTolerance    int     `yaml:"exact_day_tolerance"`
	FuzzyDayWindow       int     `yaml:"fuzzy_day_window"`
	SimilarityThreshold  float64 `yaml:"similarity_threshold"`
	PatternDayWindow     int     `yaml:"pattern_day_window"`
	PatternConfidenceCap float64 `yaml:"pattern_confidence_cap"`
	EnableML             bool    `yaml:"enable_ml"`
	MLDayWindow          int     `yaml:"ml_day_window"`
	MLMinProbability     float64 `yaml:"ml_min_probability"`
	MLConfidenceCap      float64 `yaml:"ml_confidence_cap"`
	MLMinSamples         int     `yaml:"ml_min_samples"`
	CurrencyPenalty      float64 `yaml:"currency_penalty"`
	StrategyParallelism  int     `yaml:"strategy_parallelism"`
	// RunLease bounds how long a run may stay running before a later run
	// treats it as abandoned. It must exceed the longest expected run.
	RunLease time.Duration `yaml:"run_lease"`
}

type OCRConfig struct {
	Endpoint            string        `yaml:"endpoint"`
	Timeout             time.Duration `yaml:"timeout"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	ContrastThreshold   float64       `yaml:"contrast_threshold"`
	Language            string        `yaml:"language"`
}

type RatesConfig struct {
	Endpoint        string        `yaml:"endpoint"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxFallbackDays int           `yaml:"max_fallback_days"`
}

type AzureConfig struct {
	BlobServiceURL  string
	BlobContainer   string
	QueueServiceURL string
	QueueName       string
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:         "8080",
		CORSOrigins:  []string{"http://localhost:3000"},
		BaseCurrency: "PLN",
		Ingestion: IngestionConfig{
			Workers:            4,
			PollInterval:       2 * time.Second,
			MaxJobAttempts:     3,
			DetectionThreshold: 0.5,
			DetectionAmbiguity: 0.1,
			MaxUploadBytes:     20 << 20,
			QueueBackend:       "database",
			ArchiveBackend:     "database",
		},
		Matching: MatchingConfig{
			AutoConfirmThreshold: 0.95,
			AmountTolerance:      "0.01",
			ExactDayTolerance:    0,
			FuzzyDayWindow:       3,
			SimilarityThreshold:  0.6,
			PatternDayWindow:     7,
			PatternConfidenceCap: 0.85,
			EnableML:             false,
			MLDayWindow:          7,
			MLMinProbability:     0.6,
			MLConfidenceCap:      0.9,
			MLMinSamples:         20,
			CurrencyPenalty:      0.8,
			StrategyParallelism:  4,
			RunLease:             30 * time.Minute,
		},
		OCR: OCRConfig{
			Timeout:             30 * time.Second,
			ConfidenceThreshold: 0.7,
			ContrastThreshold:   0.18,
			Language:            "pol+eng",
		},
		Rates: RatesConfig{
			Endpoint:        "https://api.frankfurter.app",
			Timeout:         10 * time.Second,
			MaxFallbackDays: 7,
		},
		Azure: AzureConfig{
			BlobContainer: "statements",
			QueueName:     "statement-ingestion",
		},
	}
}

// Load reads .env (if present), the environment, and the YAML file named by
// MATCHING_CONFIG_PATH.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on system env")
	}

	cfg := Default()
	cfg.Port = envString("PORT", cfg.Port)
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.CORSOrigins = envList("CORS_ORIGINS", cfg.CORSOrigins)
	cfg.BaseCurrency = strings.ToUpper(envString("BASE_CURRENCY", cfg.BaseCurrency))
	cfg.ReviewerIDs = envList("REVIEWER_IDS", nil)

	var err error
	if cfg.Ingestion.Workers, err = envInt("INGESTION_WORKERS", cfg.Ingestion.Workers); err != nil {
		return nil, err
	}
	if cfg.Ingestion.MaxJobAttempts, err = envInt("MAX_JOB_ATTEMPTS", cfg.Ingestion.MaxJobAttempts); err != nil {
		return nil, err
	}
	cfg.Ingestion.QueueBackend = envString("QUEUE_BACKEND", cfg.Ingestion.QueueBackend)
	cfg.Ingestion.ArchiveBackend = envString("ARCHIVE_BACKEND", cfg.Ingestion.ArchiveBackend)

	cfg.OCR.Endpoint = envString("OCR_ENDPOINT", cfg.OCR.Endpoint)
	if cfg.OCR.Timeout, err = envDuration("OCR_TIMEOUT", cfg.OCR.Timeout); err != nil {
		return nil, err
	}
	cfg.Rates.Endpoint = envString("RATES_ENDPOINT", cfg.Rates.Endpoint)
	if cfg.Matching.RunLease, err = envDuration("MATCHING_RUN_LEASE", cfg.Matching.RunLease); err != nil {
		return nil, err
	}

	cfg.Azure.BlobServiceURL = os.Getenv("BLOB_SERVICE_URL")
	cfg.Azure.BlobContainer = envString("BLOB_CONTAINER", cfg.Azure.BlobContainer)
	cfg.Azure.QueueServiceURL = os.Getenv("QUEUE_SERVICE_URL")
	cfg.Azure.QueueName = envString("QUEUE_NAME", cfg.Azure.QueueName)

	if path := os.Getenv("MATCHING_CONFIG_PATH"); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// LoadFile overlays tuning values from a YAML file onto cfg.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// Validate checks the values a misconfiguration would silently break.
func (c *Config) Validate() error {
	m := c.Matching
	if m.AutoConfirmThreshold <= 0 || m.AutoConfirmThreshold > 1 {
		return fmt.Errorf("matching.auto_confirm_threshold must be in (0,1], got %v", m.AutoConfirmThreshold)
	}
	if m.SimilarityThreshold < 0 || m.SimilarityThreshold > 1 {
		return fmt.Errorf("matching.similarity_threshold must be in [0,1], got %v", m.SimilarityThreshold)
	}
	if m.ExactDayTolerance < 0 || m.FuzzyDayWindow < 0 || m.PatternDayWindow < 0 {
		return fmt.Errorf("matching day windows must not be negative")
	}
	if m.RunLease < 0 {
		return fmt.Errorf("matching.run_lease must not be negative")
	}
	if m.CurrencyPenalty <= 0 || m.CurrencyPenalty > 1 {
		return fmt.Errorf("matching.currency_penalty must be in (0,1], got %v", m.CurrencyPenalty)
	}
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("base currency must be a 3-letter ISO code, got %q", c.BaseCurrency)
	}
	if c.Ingestion.Workers < 1 {
		return fmt.Errorf("ingestion.workers must be at least 1")
	}
	return nil
}

// InitDB opens the postgres connection used by the gorm store.
func InitDB(cfg *Config) (*gorm.DB, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q: %w", key, v, err)
	}
	return d, nil
}
