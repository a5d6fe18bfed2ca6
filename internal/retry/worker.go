package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/procureflow/po-recon/internal/model"
)

// Handler executes a leased task. A nil return marks the task succeeded; a
// transient error reschedules it with backoff; any other error dead-letters
// it immediately (retrying cannot fix a validation-class failure).
type Handler func(ctx context.Context, task *model.RetryTask) error

// WorkerOptions tune the worker pool.
type WorkerOptions struct {
	// Concurrency is the number of worker goroutines. Default: 4.
	Concurrency int

	// PollInterval is how long an idle worker sleeps when no task is due.
	// Default: 1s.
	PollInterval time.Duration

	// ReapInterval is how often expired leases are reclaimed. Default: 1m.
	ReapInterval time.Duration

	// DispatchPerSec rate-limits task dispatch across the pool, keeping a
	// backlog of external verification work from hammering the collaborators
	// it calls. Zero disables the limiter.
	DispatchPerSec float64
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Minute
	}
	return o
}

// Run drives a pool of workers against the queue until ctx is canceled.
// Correctness under concurrent workers relies solely on the lease's
// compare-and-swap; the pool holds no locks of its own.
func (c *Coordinator) Run(ctx context.Context, opts WorkerOptions, handler Handler) error {
	opts = opts.withDefaults()

	var limiter *rate.Limiter
	if opts.DispatchPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.DispatchPerSec), 1)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.reapLoop(gctx, opts.ReapInterval)
	})

	for i := 0; i < opts.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return c.workLoop(gctx, workerID, opts.PollInterval, limiter, handler)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Coordinator) workLoop(ctx context.Context, workerID string, poll time.Duration, limiter *rate.Limiter, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		task, err := c.LeaseNext(ctx, workerID)
		if err != nil {
			zap.L().Error("retry: lease failed",
				zap.String("worker_id", workerID),
				zap.Error(err),
			)
			task = nil
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		c.handleTask(ctx, workerID, task, handler)
	}
}

func (c *Coordinator) handleTask(ctx context.Context, workerID string, task *model.RetryTask, handler Handler) {
	err := handler(ctx, task)

	var completeErr error
	switch {
	case err == nil:
		completeErr = c.Complete(ctx, task.ID, task.LeaseToken, true, "")
	case IsTransient(err):
		completeErr = c.Complete(ctx, task.ID, task.LeaseToken, false, err.Error())
	default:
		completeErr = c.FailPermanent(ctx, task.ID, task.LeaseToken, err.Error())
	}

	if completeErr != nil {
		var stale *StaleLeaseError
		if errors.As(completeErr, &stale) {
			// The reaper reclaimed the lease mid-flight; the task will rerun.
			zap.L().Warn("retry: lease lost during handling",
				zap.String("worker_id", workerID),
				zap.String("task_id", task.ID),
			)
			return
		}
		zap.L().Error("retry: complete failed",
			zap.String("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Error(completeErr),
		)
	}
}

func (c *Coordinator) reapLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.ReapExpiredLeases(ctx); err != nil {
				zap.L().Error("retry: reap failed", zap.Error(err))
			}
		}
	}
}
