// Package retry implements the coordinator for idempotent background work:
// an append-only task queue with exponential backoff, a lease (fencing token
// + expiry) for exactly-one-active-worker semantics, and a dead-letter
// terminal state surfaced for human action.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/monitoring"
	"github.com/procureflow/po-recon/internal/store"
)

// Config holds the coordinator tunables. Backoff base/cap and lease duration
// are deployment configuration, not constants.
type Config struct {
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffMultiplier float64
	LeaseDuration     time.Duration
	DefaultMaxRetries int
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		BackoffBase:       30 * time.Second,
		BackoffCap:        time.Hour,
		BackoffMultiplier: 2.0,
		LeaseDuration:     5 * time.Minute,
		DefaultMaxRetries: 5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = d.BackoffCap
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = d.BackoffMultiplier
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = d.DefaultMaxRetries
	}
	return c
}

// RollbackFunc undoes the partial effects of a dead-lettered task using its
// backup reference.
type RollbackFunc func(ctx context.Context, task *model.RetryTask) error

// Coordinator owns the retry task queue. All task mutation goes through it.
type Coordinator struct {
	store     store.Store
	cfg       Config
	rollbacks map[model.TaskOperation]RollbackFunc
}

// New creates a Coordinator.
func New(st store.Store, cfg Config) *Coordinator {
	return &Coordinator{
		store:     st,
		cfg:       cfg.withDefaults(),
		rollbacks: make(map[model.TaskOperation]RollbackFunc),
	}
}

// RegisterRollback installs the rollback hook for an operation. Hooks run at
// most once, when a task with RequiresRollback dead-letters.
func (c *Coordinator) RegisterRollback(op model.TaskOperation, fn RollbackFunc) {
	c.rollbacks[op] = fn
}

// EnqueueOptions control task creation.
type EnqueueOptions struct {
	// TaskKey serializes work: at most one live (pending or leased) task
	// exists per non-empty key. Enqueue on a live key returns the existing
	// task id.
	TaskKey          string
	MaxRetries       int
	RequiresRollback bool
	BackupRef        string
}

// Enqueue validates the payload and inserts a pending task due immediately.
func (c *Coordinator) Enqueue(ctx context.Context, payload model.TaskPayload, opts EnqueueOptions) (string, error) {
	if err := payload.Validate(); err != nil {
		return "", &ValidationError{Err: err}
	}

	if opts.TaskKey != "" {
		live, err := c.store.GetLiveTaskByKey(ctx, opts.TaskKey)
		if err != nil {
			return "", eris.Wrap(err, "retry: check live task")
		}
		if live != nil {
			return live.ID, nil
		}
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.DefaultMaxRetries
	}

	now := time.Now().UTC()
	task := &model.RetryTask{
		ID:                uuid.New().String(),
		TaskKey:           opts.TaskKey,
		Operation:         payload.Operation,
		Status:            model.TaskStatusPending,
		Payload:           payload,
		MaxRetries:        maxRetries,
		BackoffMultiplier: c.cfg.BackoffMultiplier,
		NextRetryAt:       now,
		RequiresRollback:  opts.RequiresRollback,
		BackupRef:         opts.BackupRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := c.store.InsertTask(ctx, task); err != nil {
		// Lost an enqueue race on the live-key unique index: return the winner.
		if opts.TaskKey != "" {
			if live, lookupErr := c.store.GetLiveTaskByKey(ctx, opts.TaskKey); lookupErr == nil && live != nil {
				return live.ID, nil
			}
		}
		return "", eris.Wrap(err, "retry: enqueue")
	}

	monitoring.TasksEnqueued.Inc()
	zap.L().Debug("retry: task enqueued",
		zap.String("task_id", task.ID),
		zap.String("operation", string(task.Operation)),
		zap.String("task_key", task.TaskKey),
	)
	return task.ID, nil
}

// LeaseNext claims the oldest due pending task for workerID, or returns nil
// when nothing is due. The returned task carries the lease token the worker
// must present to Complete.
func (c *Coordinator) LeaseNext(ctx context.Context, workerID string) (*model.RetryTask, error) {
	now := time.Now().UTC()
	token := uuid.New().String()

	task, err := c.store.LeaseNextTask(ctx, now, token, now.Add(c.cfg.LeaseDuration))
	if err != nil {
		return nil, eris.Wrap(err, "retry: lease next")
	}
	if task == nil {
		return nil, nil
	}

	monitoring.TasksLeased.Inc()
	zap.L().Debug("retry: task leased",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID),
		zap.String("operation", string(task.Operation)),
		zap.Int("retry_count", task.RetryCount),
	)
	return task, nil
}

// Complete finishes a leased task. A mismatched lease token yields a
// StaleLeaseError and no state change. On failure the task is rescheduled
// with exponential backoff until retries are exhausted, then dead-lettered.
func (c *Coordinator) Complete(ctx context.Context, taskID, leaseToken string, success bool, errMsg string) error {
	return c.complete(ctx, taskID, leaseToken, success, errMsg, false)
}

// FailPermanent dead-letters a leased task immediately, bypassing remaining
// retries. Used for validation-class failures that retrying cannot fix.
func (c *Coordinator) FailPermanent(ctx context.Context, taskID, leaseToken, errMsg string) error {
	return c.complete(ctx, taskID, leaseToken, false, errMsg, true)
}

func (c *Coordinator) complete(ctx context.Context, taskID, leaseToken string, success bool, errMsg string, permanent bool) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return eris.Wrapf(err, "retry: complete %s", taskID)
	}

	if success {
		if err := c.store.MarkTaskSucceeded(ctx, taskID, leaseToken); err != nil {
			return c.mapLeaseErr(err, taskID)
		}
		monitoring.TasksSucceeded.Inc()
		return nil
	}

	// MaxRetries bounds total attempts: the failure that brings the attempt
	// count up to it dead-letters the task instead of rescheduling.
	newCount := task.RetryCount + 1
	if !permanent && newCount < task.MaxRetries {
		delay := backoffDelay(newCount, c.cfg.BackoffBase, c.cfg.BackoffCap, task.BackoffMultiplier)
		nextRetryAt := time.Now().UTC().Add(delay)

		if err := c.store.RescheduleTask(ctx, taskID, leaseToken, newCount, nextRetryAt, errMsg); err != nil {
			return c.mapLeaseErr(err, taskID)
		}
		zap.L().Warn("retry: task rescheduled",
			zap.String("task_id", taskID),
			zap.Int("retry_count", newCount),
			zap.Duration("delay", delay),
			zap.String("error", errMsg),
		)
		return nil
	}

	if err := c.store.DeadLetterTask(ctx, taskID, leaseToken, errMsg); err != nil {
		return c.mapLeaseErr(err, taskID)
	}
	monitoring.TasksDead.Inc()
	zap.L().Error("retry: task dead-lettered",
		zap.String("task_id", taskID),
		zap.String("operation", string(task.Operation)),
		zap.Int("retry_count", task.RetryCount),
		zap.String("error", errMsg),
	)

	c.emitDeadLetterEvent(ctx, task, errMsg)

	if task.RequiresRollback {
		c.runRollback(ctx, task)
	}
	return nil
}

func (c *Coordinator) mapLeaseErr(err error, taskID string) error {
	if errors.Is(err, store.ErrLeaseMismatch) {
		return &StaleLeaseError{TaskID: taskID}
	}
	return eris.Wrapf(err, "retry: complete %s", taskID)
}

// runRollback invokes the operation's rollback hook exactly once. A rollback
// failure is logged, never re-enqueued.
func (c *Coordinator) runRollback(ctx context.Context, task *model.RetryTask) {
	fn, ok := c.rollbacks[task.Operation]
	if !ok {
		zap.L().Warn("retry: no rollback hook registered",
			zap.String("task_id", task.ID),
			zap.String("operation", string(task.Operation)),
		)
		return
	}
	if err := fn(ctx, task); err != nil {
		zap.L().Error("retry: rollback failed",
			zap.String("task_id", task.ID),
			zap.String("backup_ref", task.BackupRef),
			zap.Error(err),
		)
		return
	}
	zap.L().Info("retry: rollback complete",
		zap.String("task_id", task.ID),
		zap.String("backup_ref", task.BackupRef),
	)
}

func (c *Coordinator) emitDeadLetterEvent(ctx context.Context, task *model.RetryTask, errMsg string) {
	ev := &model.DomainEvent{
		ID:         uuid.New().String(),
		Kind:       model.EventRetryDeadLettered,
		VendorID:   payloadVendorID(task.Payload),
		Detail:     errMsg,
		OccurredAt: time.Now().UTC(),
	}
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		zap.L().Error("retry: append dead-letter event", zap.Error(err))
	}
}

// ReapExpiredLeases resets every leased task whose lease has expired back to
// pending, recovering from crashed workers without their cooperation.
func (c *Coordinator) ReapExpiredLeases(ctx context.Context) (int, error) {
	n, err := c.store.ReapExpiredLeases(ctx, time.Now().UTC())
	if err != nil {
		return 0, eris.Wrap(err, "retry: reap expired leases")
	}
	if n > 0 {
		monitoring.LeasesReaped.Add(float64(n))
		zap.L().Info("retry: reaped expired leases", zap.Int("count", n))
	}
	return n, nil
}

// DeadLetterAction is a human decision on a dead task.
type DeadLetterAction string

const (
	ActionRetry   DeadLetterAction = "retry"
	ActionDiscard DeadLetterAction = "discard"
)

// ResolveDeadLetter applies a human decision to a dead task. Retry requeues
// it with a fresh retry budget; discard records the decision and leaves the
// row for the retention purge. Both emit an audited domain event.
func (c *Coordinator) ResolveDeadLetter(ctx context.Context, taskID string, action DeadLetterAction, actor string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return eris.Wrapf(err, "retry: resolve dead letter %s", taskID)
	}
	if task.Status != model.TaskStatusDead {
		return eris.Errorf("retry: task %s is %s, not dead", taskID, string(task.Status))
	}

	switch action {
	case ActionRetry:
		if err := c.store.RequeueDeadTask(ctx, taskID, time.Now().UTC()); err != nil {
			return eris.Wrapf(err, "retry: requeue dead task %s", taskID)
		}
	case ActionDiscard:
		// Recorded below; the row ages out via PurgeTerminal.
	default:
		return eris.Errorf("retry: unknown dead-letter action %q", string(action))
	}

	ev := &model.DomainEvent{
		ID:         uuid.New().String(),
		Kind:       model.EventDeadLetterResolved,
		VendorID:   payloadVendorID(task.Payload),
		Actor:      actor,
		Detail:     string(action),
		OccurredAt: time.Now().UTC(),
	}
	if err := c.store.AppendEvent(ctx, ev); err != nil {
		return eris.Wrap(err, "retry: append resolution event")
	}

	zap.L().Info("retry: dead letter resolved",
		zap.String("task_id", taskID),
		zap.String("action", string(action)),
		zap.String("actor", actor),
	)
	return nil
}

// ListDead returns dead tasks awaiting human action.
func (c *Coordinator) ListDead(ctx context.Context, limit int) ([]model.RetryTask, error) {
	return c.store.ListDeadTasks(ctx, limit)
}

// PurgeTerminal removes succeeded and dead tasks older than the retention
// window.
func (c *Coordinator) PurgeTerminal(ctx context.Context, retention time.Duration) (int, error) {
	return c.store.PurgeTerminalTasks(ctx, time.Now().UTC().Add(-retention))
}

// payloadVendorID extracts the vendor a task concerns, when it has one.
func payloadVendorID(p model.TaskPayload) string {
	switch {
	case p.RecalculateScore != nil:
		return p.RecalculateScore.VendorID
	case p.VerifyCorrelation != nil:
		return p.VerifyCorrelation.Event.VendorHint
	}
	return ""
}
