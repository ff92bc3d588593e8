package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/services/queue"
)

// Pool runs a bounded number of workers over the queue. Each worker takes
// one job at a time and runs it to completion.
type Pool struct {
	queue     queue.Queue
	processor *Processor
	workers   int
	logger    *slog.Logger
}

func NewPool(q queue.Queue, p *Processor, workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, processor: p, workers: workers, logger: logger}
}

// Run blocks until ctx is cancelled. A job in progress when ctx ends is
// finished before its worker exits.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("starting ingestion workers", "workers", p.workers)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			p.loop(ctx, worker)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("ingestion workers stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.logger.With("worker", worker)
	for {
		d, err := p.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("receiving job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.handle(ctx, log, d)
	}
}

// handle processes one delivery detached from ctx so shutdown never leaves
// a statement with a partial transaction set.
func (p *Pool) handle(ctx context.Context, log *slog.Logger, d queue.Delivery) {
	jobCtx := context.WithoutCancel(ctx)
	if err := p.processor.Process(jobCtx, d.JobID); err != nil {
		log.Error("job processing error", "job_id", d.JobID, "error", err)
	}
	if err := d.Ack(jobCtx); err != nil {
		log.Warn("failed to acknowledge message", "job_id", d.JobID, "error", err)
	}
}

// Drain processes every claimable job and returns, for the CLI and tests.
func (p *Pool) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		job, err := p.processor.store.Jobs().NextQueued(ctx)
		if err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return n, nil
			}
			return n, err
		}
		if err := p.processor.Process(ctx, job.ID); err != nil {
			return n, err
		}
		n++
	}
}
