// Package queue delivers ingestion job ids to workers. Job state itself
// lives in the job table; a queue only carries wake-ups.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/repository"
)

// Message is the payload carried by every transport.
type Message struct {
	JobID uuid.UUID `json:"job_id"`
}

// Delivery is one received message. Ack removes it from the transport.
type Delivery struct {
	JobID uuid.UUID
	Ack   func(ctx context.Context) error
}

type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	// Receive blocks until a message is available or ctx ends.
	Receive(ctx context.Context) (Delivery, error)
}

// New returns the queue selected by cfg.Ingestion.QueueBackend:
// "database" (default) or "azure".
func New(cfg *config.Config, store repository.Store, logger *slog.Logger) (Queue, error) {
	switch cfg.Ingestion.QueueBackend {
	case "", "database":
		return NewStoreQueue(store, cfg.Ingestion.PollInterval, logger), nil
	case "azure":
		return NewAzureQueue(cfg.Azure.QueueServiceURL, cfg.Azure.QueueName, cfg.Ingestion.PollInterval, logger)
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Ingestion.QueueBackend)
}

// StoreQueue polls the job table for the oldest claimable job. Enqueue only
// wakes a waiting receiver early.
type StoreQueue struct {
	store    repository.Store
	interval time.Duration
	wake     chan struct{}
	logger   *slog.Logger
}

func NewStoreQueue(store repository.Store, interval time.Duration, logger *slog.Logger) *StoreQueue {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreQueue{store: store, interval: interval, wake: make(chan struct{}, 1), logger: logger}
}

func (q *StoreQueue) Enqueue(_ context.Context, _ uuid.UUID) error {
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *StoreQueue) Receive(ctx context.Context) (Delivery, error) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()
	for {
		job, err := q.store.Jobs().NextQueued(ctx)
		switch {
		case err == nil:
			return Delivery{JobID: job.ID, Ack: func(context.Context) error { return nil }}, nil
		case !errors.Is(err, apperr.ErrNotFound):
			q.logger.Error("polling job queue", "error", err)
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-q.wake:
		case <-ticker.C:
		}
	}
}
