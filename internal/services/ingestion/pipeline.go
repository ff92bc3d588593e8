package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/services/archive"
	"bank-reconciliation-backend/internal/services/currency"
	"bank-reconciliation-backend/internal/services/dedup"
	"bank-reconciliation-backend/internal/services/detection"
	"bank-reconciliation-backend/internal/services/parsing"
	"bank-reconciliation-backend/internal/services/queue"
)

// Processor runs one ingestion job to completion.
type Processor struct {
	store        repository.Store
	archive      archive.Archive
	queue        queue.Queue
	detector     *detection.Detector
	parsers      *parsing.Registry
	normalizer   *currency.Normalizer
	baseCurrency string
	maxAttempts  int
	logger       *slog.Logger
}

type ProcessorDeps struct {
	Store        repository.Store
	Archive      archive.Archive
	Queue        queue.Queue
	Detector     *detection.Detector
	Parsers      *parsing.Registry
	Normalizer   *currency.Normalizer
	BaseCurrency string
	MaxAttempts  int
	Logger       *slog.Logger
}

func NewProcessor(d ProcessorDeps) *Processor {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 1
	}
	return &Processor{
		store:        d.Store,
		archive:      d.Archive,
		queue:        d.Queue,
		detector:     d.Detector,
		parsers:      d.Parsers,
		normalizer:   d.Normalizer,
		baseCurrency: strings.ToUpper(d.BaseCurrency),
		maxAttempts:  d.MaxAttempts,
		logger:       d.Logger,
	}
}

// outcome is how a job ended, applied to the job and statement rows.
type outcome struct {
	status    models.StatementStatus
	detail    string
	retryable bool
}

// Process claims jobID and runs detection, parsing, normalization, duplicate
// marking and storage for its statement. A job that is no longer claimable
// (cancelled, or taken by another worker) is skipped without error.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) error {
	job, err := p.store.Jobs().Claim(ctx, jobID)
	if errors.Is(err, repository.ErrNotClaimable) || errors.Is(err, apperr.ErrNotFound) {
		p.logger.Info("skipping job", "job_id", jobID, "reason", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("claiming job %s: %w", jobID, err)
	}

	log := p.logger.With("job_id", job.ID, "statement_id", job.StatementID, "attempt", job.Attempt, "try", job.Tries)
	log.Info("processing statement")
	start := time.Now()

	st, err := p.store.Statements().Get(ctx, job.StatementID)
	if err != nil {
		return p.finish(ctx, log, job, nil, outcome{status: models.StatementFailed, detail: "statement not found: " + err.Error()})
	}
	// a reprocessed statement keeps showing its last good attempt
	if st.CurrentAttemptID == nil {
		st.Status = models.StatementProcessing
		if err := p.store.Statements().Update(ctx, st); err != nil {
			log.Warn("failed to mark statement processing", "error", err)
		}
	}

	out, err := p.run(ctx, log, job, st)
	if err != nil {
		out = p.classify(job, err)
	}
	log.Info("statement processed", "status", out.status, "duration_ms", time.Since(start).Milliseconds())
	return p.finish(ctx, log, job, st, out)
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, job *models.IngestionJob, st *models.BankStatement) (outcome, error) {
	content, err := p.archive.Get(ctx, st.ID)
	if err != nil {
		return outcome{}, fmt.Errorf("loading statement bytes: %w", err)
	}

	cfg, detected, err := p.resolveFormat(ctx, job, st, content)
	if err != nil {
		return outcome{}, err
	}
	if detected != nil {
		st.Detection = toJSON(detected)
	}
	if cfg == nil {
		return outcome{
			status: models.StatementNeedsReview,
			detail: "format could not be detected; choose a format configuration and reprocess",
		}, nil
	}
	st.FormatID = &cfg.ID
	st.FormatFamily = cfg.Family

	res, err := p.parsers.Parse(ctx, content, cfg)
	if err != nil {
		return outcome{}, err
	}
	st.SkippedRows = toJSON(res.Skipped)

	txs := p.transactions(ctx, log, job, st, cfg, res)
	var dupes int
	err = p.store.InTx(ctx, func(tx repository.Store) error {
		// overlapping statements of one account must see each other's lines
		if err := tx.LockAccount(ctx, st.AccountID); err != nil {
			return err
		}
		var err error
		dupes, err = dedup.NewFilter(tx.Transactions()).MarkDuplicates(ctx, st.AccountID, st.ID, txs)
		if err != nil {
			return err
		}
		if err := tx.Transactions().CreateBatch(ctx, txs); err != nil {
			return fmt.Errorf("storing transactions: %w", err)
		}
		superseded, err := tx.Transactions().SupersedeAttempt(ctx, st.ID, job.ID)
		if err != nil {
			return fmt.Errorf("superseding earlier attempts: %w", err)
		}
		if superseded > 0 {
			log.Info("superseded earlier attempt", "transactions", superseded)
		}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}

	st.TransactionCount = len(txs)
	st.CurrentAttemptID = &job.ID
	log.Info("transactions stored",
		"rows", len(txs),
		"skipped", len(res.Skipped),
		"duplicates", dupes,
		"format", cfg.Name,
		"low_confidence", res.LowConfidence,
	)

	out := outcome{status: models.StatementProcessed}
	switch {
	case res.LowConfidence:
		out = outcome{status: models.StatementNeedsReview, detail: "OCR confidence below threshold; every line needs review"}
	case len(res.Skipped) > 0:
		out = outcome{status: models.StatementNeedsReview, detail: fmt.Sprintf("%d rows could not be read", len(res.Skipped))}
	}
	return out, nil
}

// resolveFormat uses the job's explicit format, else ranks every known
// configuration. A nil configuration means detection was inconclusive.
func (p *Processor) resolveFormat(ctx context.Context, job *models.IngestionJob, st *models.BankStatement, content []byte) (*models.FormatConfiguration, *detection.Result, error) {
	if job.FormatOverride != nil {
		cfg, err := p.store.Formats().Get(ctx, *job.FormatOverride)
		if err != nil {
			return nil, nil, fmt.Errorf("loading format %s: %w", *job.FormatOverride, err)
		}
		return cfg, nil, nil
	}

	known, err := p.store.Formats().List(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("listing formats: %w", err)
	}
	res := p.detector.Detect(ctx, detection.Input{Content: content, Filename: st.Filename, DeclaredMime: st.MimeType}, known)
	if res.Best == nil {
		return nil, res, nil
	}
	cfg, err := p.store.Formats().Get(ctx, res.Best.FormatID)
	if err != nil {
		return nil, res, fmt.Errorf("loading detected format: %w", err)
	}
	return cfg, res, nil
}

func (p *Processor) transactions(ctx context.Context, log *slog.Logger, job *models.IngestionJob, st *models.BankStatement, cfg *models.FormatConfiguration, res *parsing.Result) []models.BankTransaction {
	txs := make([]models.BankTransaction, 0, len(res.Rows))
	unresolved := 0
	for _, row := range res.Rows {
		ccy := strings.ToUpper(row.Currency)
		if ccy == "" {
			ccy = strings.ToUpper(cfg.DefaultCurrency)
		}
		if ccy == "" {
			ccy = p.baseCurrency
		}
		tx := models.BankTransaction{
			ID:              uuid.New(),
			StatementID:     st.ID,
			AttemptID:       job.ID,
			CompanyID:       st.CompanyID,
			AccountID:       st.AccountID,
			Line:            row.Line,
			TransactionDate: row.Date,
			Description:     row.Description,
			Amount:          row.Amount,
			Currency:        ccy,
			Type:            row.Type,
			ReferenceNumber: row.Reference,
			OCRConfidence:   res.OCRConfidence,
			Metadata:        toJSON(row.Metadata),
		}
		if res.LowConfidence {
			tx.NeedsReview = true
			tx.ReviewReason = "low OCR confidence"
		}
		if err := p.normalizer.Normalize(ctx, &tx, p.baseCurrency, row.Date); err != nil {
			unresolved++
			log.Debug("currency unresolved", "line", row.Line, "currency", ccy, "error", err)
		}
		txs = append(txs, tx)
	}
	if unresolved > 0 {
		log.Warn("transactions stored without base amount", "count", unresolved, "base_currency", p.baseCurrency)
	}
	return txs
}

// classify turns a pipeline error into the statement outcome. Retryable
// errors are retried until the job runs out of attempts.
func (p *Processor) classify(job *models.IngestionJob, err error) outcome {
	if apperr.IsRetryable(err) && job.Tries < p.maxAttempts {
		return outcome{status: models.StatementPending, detail: err.Error(), retryable: true}
	}
	return outcome{status: models.StatementFailed, detail: err.Error()}
}

func (p *Processor) finish(ctx context.Context, log *slog.Logger, job *models.IngestionJob, st *models.BankStatement, out outcome) error {
	now := time.Now()
	job.LastError = ""
	job.Retryable = out.retryable
	switch {
	case out.retryable:
		job.Status = models.JobRetrying
		job.LastError = out.detail
		job.QueuedAt = now
	case out.status == models.StatementFailed:
		job.Status = models.JobFailed
		job.LastError = out.detail
		job.FinishedAt = &now
	default:
		job.Status = models.JobSucceeded
		job.FinishedAt = &now
	}

	err := p.store.InTx(ctx, func(tx repository.Store) error {
		if st != nil {
			p.applyOutcome(st, job, out, now)
			if err := tx.Statements().Update(ctx, st); err != nil {
				return err
			}
		}
		return tx.Jobs().Update(ctx, job)
	})
	if err != nil {
		return fmt.Errorf("recording job outcome: %w", err)
	}

	if out.retryable {
		log.Warn("retryable failure, job re-queued", "error", out.detail, "max_attempts", p.maxAttempts)
		return p.queue.Enqueue(ctx, job.ID)
	}
	if out.status == models.StatementFailed {
		log.Error("statement processing failed", "error", out.detail)
	}
	return nil
}

// applyOutcome updates the statement. A failed reprocess attempt leaves the
// results of the last good attempt in place and only records the error.
func (p *Processor) applyOutcome(st *models.BankStatement, job *models.IngestionJob, out outcome, now time.Time) {
	keepPrevious := st.CurrentAttemptID != nil && *st.CurrentAttemptID != job.ID
	if keepPrevious && (out.status == models.StatementFailed || out.status == models.StatementPending) {
		st.ErrorDetail = fmt.Sprintf("attempt %d: %s", job.Attempt, out.detail)
		return
	}
	st.Status = out.status
	st.ErrorDetail = out.detail
	if out.status == models.StatementProcessed || out.status == models.StatementNeedsReview {
		st.ProcessedAt = &now
	}
}

func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
