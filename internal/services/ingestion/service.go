// Package ingestion accepts statement uploads and runs the asynchronous
// detect, parse, normalize, dedup and store pipeline for each job.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
	"bank-reconciliation-backend/internal/repository"
	"bank-reconciliation-backend/internal/services/archive"
	"bank-reconciliation-backend/internal/services/dedup"
	"bank-reconciliation-backend/internal/services/formats"
	"bank-reconciliation-backend/internal/services/queue"
)

type Service struct {
	store          repository.Store
	archive        archive.Archive
	queue          queue.Queue
	formats        *formats.Service
	maxUploadBytes int64
	logger         *slog.Logger
}

func NewService(store repository.Store, arch archive.Archive, q queue.Queue, fs *formats.Service, maxUploadBytes int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, archive: arch, queue: q, formats: fs, maxUploadBytes: maxUploadBytes, logger: logger}
}

// UploadRequest is one statement file. Format optionally names a
// configuration (id or name) and skips detection.
type UploadRequest struct {
	CompanyID  uuid.UUID
	AccountID  uuid.UUID
	Filename   string
	MimeType   string
	Content    []byte
	UploadedBy string
	Format     string
}

type UploadResult struct {
	Statement *models.BankStatement `json:"statement"`
	Job       *models.IngestionJob  `json:"job"`
}

// IngestStatement stores the statement and queues its first processing job.
// Identical bytes already ingested for the account yield a DuplicateError
// naming the original statement; the same bytes for another account are
// accepted.
func (s *Service) IngestStatement(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}

	var override *uuid.UUID
	if strings.TrimSpace(req.Format) != "" {
		cfg, err := s.formats.Resolve(ctx, req.Format)
		if err != nil {
			return nil, fmt.Errorf("format %q: %w", req.Format, err)
		}
		override = &cfg.ID
	}

	fingerprint := dedup.StatementFingerprint(req.Content)
	st := &models.BankStatement{
		ID:          uuid.New(),
		CompanyID:   req.CompanyID,
		AccountID:   req.AccountID,
		Filename:    req.Filename,
		MimeType:    req.MimeType,
		SizeBytes:   int64(len(req.Content)),
		Fingerprint: fingerprint,
		Status:      models.StatementPending,
		UploadedBy:  req.UploadedBy,
	}
	job := &models.IngestionJob{
		ID:             uuid.New(),
		StatementID:    st.ID,
		CompanyID:      req.CompanyID,
		AccountID:      req.AccountID,
		Attempt:        1,
		Status:         models.JobQueued,
		FormatOverride: override,
		RequestedBy:    req.UploadedBy,
		QueuedAt:       time.Now(),
	}

	err := s.store.InTx(ctx, func(tx repository.Store) error {
		// two identical uploads for one account must not both pass the check
		if err := tx.LockAccount(ctx, req.AccountID); err != nil {
			return fmt.Errorf("locking account: %w", err)
		}
		original, err := tx.Statements().FindByFingerprint(ctx, req.AccountID, fingerprint)
		switch {
		case err == nil:
			return &apperr.DuplicateError{OriginalID: original.ID, Fingerprint: fingerprint}
		case !errors.Is(err, apperr.ErrNotFound):
			return fmt.Errorf("checking statement fingerprint: %w", err)
		}

		if err := tx.Statements().Create(ctx, st); err != nil {
			return err
		}
		if err := s.archive.Put(ctx, st.ID, req.Content); err != nil {
			return fmt.Errorf("archiving statement: %w", err)
		}
		return tx.Jobs().Create(ctx, job)
	})
	if errors.Is(err, repository.ErrDuplicateFingerprint) {
		// lost a race past the lock, e.g. against another process without it
		if original, ferr := s.store.Statements().FindByFingerprint(ctx, req.AccountID, fingerprint); ferr == nil {
			err = &apperr.DuplicateError{OriginalID: original.ID, Fingerprint: fingerprint}
		}
	}
	var dup *apperr.DuplicateError
	if errors.As(err, &dup) {
		s.logger.Info("duplicate statement rejected",
			"account_id", req.AccountID,
			"original_statement_id", dup.OriginalID,
			"filename", req.Filename,
		)
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("ingesting statement: %w", err)
	}

	s.logger.Info("statement accepted",
		"statement_id", st.ID,
		"job_id", job.ID,
		"company_id", req.CompanyID,
		"account_id", req.AccountID,
		"size_bytes", st.SizeBytes,
	)
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}
	return &UploadResult{Statement: st, Job: job}, nil
}

func (s *Service) validate(req UploadRequest) error {
	switch {
	case req.CompanyID == uuid.Nil:
		return fmt.Errorf("%w: company id is required", apperr.ErrInvalidArgument)
	case req.AccountID == uuid.Nil:
		return fmt.Errorf("%w: account id is required", apperr.ErrInvalidArgument)
	case len(req.Content) == 0:
		return fmt.Errorf("%w: file is empty", apperr.ErrInvalidArgument)
	case s.maxUploadBytes > 0 && int64(len(req.Content)) > s.maxUploadBytes:
		return fmt.Errorf("%w: file exceeds %d bytes", apperr.ErrInvalidArgument, s.maxUploadBytes)
	}
	return nil
}

// ReprocessStatement queues a new processing attempt, for example after a
// better OCR pass or a corrected format. Earlier attempts stay stored and are
// superseded once the new one succeeds.
func (s *Service) ReprocessStatement(ctx context.Context, statementID uuid.UUID, format, requestedBy string) (*models.IngestionJob, error) {
	var override *uuid.UUID
	if strings.TrimSpace(format) != "" {
		cfg, err := s.formats.Resolve(ctx, format)
		if err != nil {
			return nil, fmt.Errorf("format %q: %w", format, err)
		}
		override = &cfg.ID
	}

	var job *models.IngestionJob
	err := s.store.InTx(ctx, func(tx repository.Store) error {
		st, err := tx.Statements().Get(ctx, statementID)
		if err != nil {
			return err
		}
		if err := tx.LockAccount(ctx, st.AccountID); err != nil {
			return fmt.Errorf("locking account: %w", err)
		}
		jobs, err := tx.Jobs().ListByStatement(ctx, statementID)
		if err != nil {
			return err
		}
		attempt := 0
		for _, j := range jobs {
			if j.Status == models.JobQueued || j.Status == models.JobRunning || j.Status == models.JobRetrying {
				return apperr.ErrJobInProgress
			}
			if j.Attempt > attempt {
				attempt = j.Attempt
			}
		}
		if override == nil {
			override = st.FormatID
		}
		job = &models.IngestionJob{
			ID:             uuid.New(),
			StatementID:    st.ID,
			CompanyID:      st.CompanyID,
			AccountID:      st.AccountID,
			Attempt:        attempt + 1,
			Status:         models.JobQueued,
			FormatOverride: override,
			RequestedBy:    requestedBy,
			QueuedAt:       time.Now(),
		}
		return tx.Jobs().Create(ctx, job)
	})
	if err != nil {
		return nil, fmt.Errorf("reprocessing statement %s: %w", statementID, err)
	}

	s.logger.Info("statement reprocessing queued", "statement_id", statementID, "job_id", job.ID, "attempt", job.Attempt)
	if err := s.enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// CancelJob removes a queued job. A job a worker has started runs to
// completion and yields apperr.ErrJobNotCancellable.
func (s *Service) CancelJob(ctx context.Context, jobID uuid.UUID) (*models.IngestionJob, error) {
	job, err := s.store.Jobs().Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}

	st, err := s.store.Statements().Get(ctx, job.StatementID)
	if err == nil && st.CurrentAttemptID == nil && st.Status == models.StatementPending {
		st.Status = models.StatementFailed
		st.ErrorDetail = "ingestion cancelled before processing"
		if err := s.store.Statements().Update(ctx, st); err != nil {
			s.logger.Warn("failed to mark cancelled statement", "statement_id", st.ID, "error", err)
		}
	}
	s.logger.Info("ingestion job cancelled", "job_id", jobID, "statement_id", job.StatementID)
	return job, nil
}

// JobStatus is the caller view of a job handle.
type JobStatus struct {
	Job       *models.IngestionJob  `json:"job"`
	Statement *models.BankStatement `json:"statement"`
}

func (s *Service) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobStatus, error) {
	job, err := s.store.Jobs().Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	st, err := s.store.Statements().Get(ctx, job.StatementID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Statement: st}, nil
}

// enqueue hands the job to the transport. A failed hand-off marks the job
// failed so the statement can be reprocessed.
func (s *Service) enqueue(ctx context.Context, job *models.IngestionJob) error {
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.logger.Error("failed to enqueue ingestion job", "job_id", job.ID, "error", err)
		now := time.Now()
		job.Status = models.JobFailed
		job.LastError = "enqueue failed: " + err.Error()
		job.Retryable = true
		job.FinishedAt = &now
		if uerr := s.store.Jobs().Update(ctx, job); uerr != nil {
			s.logger.Error("failed to mark job failed", "job_id", job.ID, "error", uerr)
		}
		return fmt.Errorf("enqueueing job %s: %w", job.ID, err)
	}
	return nil
}
