package retry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/procureflow/po-recon/internal/model"
	"github.com/procureflow/po-recon/internal/store"
)

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return New(st, cfg), st
}

func matchPayload(poID string) model.TaskPayload {
	return model.TaskPayload{
		Operation:      model.OpRecomputeMatch,
		RecomputeMatch: &model.RecomputeMatchPayload{PurchaseOrderID: poID},
	}
}

// fastConfig makes rescheduled tasks due again immediately.
func fastConfig() Config {
	return Config{
		BackoffBase:       time.Nanosecond,
		BackoffCap:        time.Microsecond,
		BackoffMultiplier: 2.0,
		LeaseDuration:     time.Minute,
		DefaultMaxRetries: 5,
	}
}

func TestEnqueue_RejectsInvalidPayload(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig())

	// Operation and variant disagree.
	bad := model.TaskPayload{
		Operation:        model.OpRecomputeMatch,
		RecalculateScore: &model.RecalculateScorePayload{VendorID: "v"},
	}
	_, err := c.Enqueue(context.Background(), bad, EnqueueOptions{})
	require.Error(t, err)

	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestEnqueue_DedupesLiveTaskKey(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	first, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{TaskKey: "po:po-1:match"})
	require.NoError(t, err)

	second, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{TaskKey: "po:po-1:match"})
	require.NoError(t, err)
	assert.Equal(t, first, second, "live key must resolve to the existing task")

	// A different key is a different task.
	other, err := c.Enqueue(ctx, matchPayload("po-2"), EnqueueOptions{TaskKey: "po:po-2:match"})
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestLeaseExclusivity_ConcurrentWorkers(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	const tasks = 20
	for i := 0; i < tasks; i++ {
		_, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := c.LeaseNext(ctx, "worker")
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, tasks, "every task leased")
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s leased more than once", id)
	}
}

func TestComplete_StaleLeaseRejected(t *testing.T) {
	c, _ := newTestCoordinator(t, DefaultConfig())
	ctx := context.Background()

	_, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{})
	require.NoError(t, err)
	task, err := c.LeaseNext(ctx, "worker")
	require.NoError(t, err)
	require.NotNil(t, task)

	err = c.Complete(ctx, task.ID, "stale-token", true, "")
	require.Error(t, err)
	var stale *StaleLeaseError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, task.ID, stale.TaskID)

	// The real token still works.
	require.NoError(t, c.Complete(ctx, task.ID, task.LeaseToken, true, ""))
}

func TestComplete_FailureReschedulesWithGrowingDelay(t *testing.T) {
	c, st := newTestCoordinator(t, Config{
		BackoffBase:       30 * time.Second,
		BackoffCap:        time.Hour,
		BackoffMultiplier: 2.0,
		LeaseDuration:     time.Minute,
		DefaultMaxRetries: 5,
	})
	ctx := context.Background()

	id, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{})
	require.NoError(t, err)
	task, err := c.LeaseNext(ctx, "worker")
	require.NoError(t, err)
	require.NotNil(t, task)

	before := time.Now().UTC()
	require.NoError(t, c.Complete(ctx, task.ID, task.LeaseToken, false, "upstream 503"))

	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "upstream 503", got.LastError)

	// First retry waits at least the base delay.
	delay := got.NextRetryAt.Sub(before)
	assert.GreaterOrEqual(t, delay, 50*time.Second)
	assert.LessOrEqual(t, delay, 70*time.Second)
}

func TestScenario_ExhaustedRetriesDeadLetterWithRollbackOnce(t *testing.T) {
	cfg := fastConfig()
	c, st := newTestCoordinator(t, cfg)
	ctx := context.Background()

	rollbacks := 0
	c.RegisterRollback(model.OpRecomputeMatch, func(ctx context.Context, task *model.RetryTask) error {
		rollbacks++
		return nil
	})

	id, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{
		MaxRetries:       3,
		RequiresRollback: true,
		BackupRef:        "backup-42",
	})
	require.NoError(t, err)

	// Three consecutive failures: two reschedules, then dead.
	for i := 0; i < 3; i++ {
		time.Sleep(time.Millisecond)
		task, err := c.LeaseNext(ctx, "worker")
		require.NoError(t, err)
		require.NotNil(t, task, "attempt %d should find the task due", i+1)
		require.Equal(t, id, task.ID)
		require.NoError(t, c.Complete(ctx, task.ID, task.LeaseToken, false, "boom"))
	}

	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDead, got.Status)
	assert.Equal(t, 1, rollbacks, "rollback hook must run exactly once")

	// Nothing left to lease.
	task, err := c.LeaseNext(ctx, "worker")
	require.NoError(t, err)
	assert.Nil(t, task)
}

func TestFailPermanent_BypassesRemainingRetries(t *testing.T) {
	c, st := newTestCoordinator(t, fastConfig())
	ctx := context.Background()

	id, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{MaxRetries: 5})
	require.NoError(t, err)
	task, err := c.LeaseNext(ctx, "worker")
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, c.FailPermanent(ctx, task.ID, task.LeaseToken, "unknown key type"))

	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDead, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestReapExpiredLeases_RecoversCrashedWorker(t *testing.T) {
	cfg := fastConfig()
	cfg.LeaseDuration = time.Millisecond
	c, _ := newTestCoordinator(t, cfg)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{})
	require.NoError(t, err)

	task, err := c.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)

	// Worker "crashes": nobody completes. After expiry the reaper frees it.
	time.Sleep(5 * time.Millisecond)
	n, err := c.ReapExpiredLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := c.LeaseNext(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, task.ID, again.ID)
	assert.NotEqual(t, task.LeaseToken, again.LeaseToken, "reissued lease carries a fresh token")

	// The crashed worker's token is now stale.
	err = c.Complete(ctx, task.ID, task.LeaseToken, true, "")
	var stale *StaleLeaseError
	assert.ErrorAs(t, err, &stale)
}

func TestResolveDeadLetter_RetryAndDiscard(t *testing.T) {
	c, st := newTestCoordinator(t, fastConfig())
	ctx := context.Background()

	id, err := c.Enqueue(ctx, matchPayload("po-1"), EnqueueOptions{MaxRetries: 1})
	require.NoError(t, err)
	task, err := c.LeaseNext(ctx, "worker")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, task.ID, task.LeaseToken, false, "boom"))

	dead, err := c.ListDead(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// Retry requeues with a fresh budget.
	require.NoError(t, c.ResolveDeadLetter(ctx, id, ActionRetry, "ops@example.com"))
	got, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)

	// Dead-letter it again, then discard: the row stays for the purge.
	task, err = c.LeaseNext(ctx, "worker")
	require.NoError(t, err)
	require.NoError(t, c.Complete(ctx, task.ID, task.LeaseToken, false, "boom"))
	require.NoError(t, c.ResolveDeadLetter(ctx, id, ActionDiscard, "ops@example.com"))

	got, err = st.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TaskStatusDead, got.Status)

	// Unknown action is rejected.
	require.Error(t, c.ResolveDeadLetter(ctx, id, DeadLetterAction("shrug"), "ops@example.com"))
}
