package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("task-%04d", g.n), nil
}

func newTestQueue(clk *fakeClock) *Queue {
	return New(Config{
		LeaseDuration:      time.Minute,
		DefaultMaxAttempts: 3,
		DedupWindow:        time.Hour,
		Backoff:            fleet.BackoffPolicy{Base: time.Second, Multiplier: 2, Max: time.Minute},
	}, clk, &seqIDGen{}, zap.NewNop())
}

func enqueue(t *testing.T, q *Queue, target, priority string) fleet.Task {
	t.Helper()
	tier, ok := fleet.ParsePriority(priority)
	require.True(t, ok)
	task, err := q.Enqueue(context.Background(), fleet.Task{Target: target, Priority: tier})
	require.NoError(t, err)
	return task
}

func TestEnqueueRejectsMalformedTask(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	_, err := q.Enqueue(context.Background(), fleet.Task{Target: "not a url"})
	require.Error(t, err)
	assert.True(t, fleet.IsValidation(err))

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Pending, "malformed task must never be admitted")
}

func TestEnqueueDeduplicatesByIdentity(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	first := enqueue(t, q, "https://example.com/a", "normal")
	second := enqueue(t, q, "https://EXAMPLE.com:443/a", "normal")

	assert.Equal(t, first.ID, second.ID, "duplicate submission must return the original task id")

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "queue length must be unchanged by the duplicate")
}

func TestEnqueueDedupHoldsUnderRace(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	const callers = 16
	ids := make(chan string, callers)
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			task, err := q.Enqueue(context.Background(), fleet.Task{Target: "https://example.com/race"})
			require.NoError(t, err)
			ids <- task.ID
		}()
	}
	wg.Wait()
	close(ids)

	first := <-ids
	for id := range ids {
		assert.Equal(t, first, id)
	}
	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
}

func TestLeaseOrdersByPriorityThenCreation(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	n1 := enqueue(t, q, "https://example.com/n1", "normal")
	clk.Advance(time.Millisecond)
	high := enqueue(t, q, "https://example.com/high", "high")
	clk.Advance(time.Millisecond)
	n2 := enqueue(t, q, "https://example.com/n2", "normal")

	ctx := context.Background()
	got1, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, got1, 1)
	assert.Equal(t, high.ID, got1[0].ID, "high priority leases first")

	got2, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, got2, 1)
	assert.Equal(t, n1.ID, got2[0].ID, "older normal task leases before newer")

	got3, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, got3, 1)
	assert.Equal(t, n2.ID, got3[0].ID)
}

func TestLeaseExclusiveUnderConcurrentCallers(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	for i := range 40 {
		enqueue(t, q, fmt.Sprintf("https://example.com/p%d", i), "normal")
	}

	const workers = 8
	results := make([][]fleet.Task, workers)
	var wg sync.WaitGroup
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			leased, err := q.Lease(context.Background(), fmt.Sprintf("w%d", w), 5)
			require.NoError(t, err)
			results[w] = leased
		}()
	}
	wg.Wait()

	seen := make(map[string]string)
	total := 0
	for w, leased := range results {
		for _, task := range leased {
			prev, dup := seen[task.ID]
			require.False(t, dup, "task %s leased by both %s and w%d", task.ID, prev, w)
			seen[task.ID] = fmt.Sprintf("w%d", w)
			total++
		}
	}
	assert.Equal(t, 40, total)
}

func TestAckSuccessFinalizes(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	task := enqueue(t, q, "https://example.com/a", "normal")
	ctx := context.Background()

	leased, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	acked, applied, err := q.Ack(ctx, task.ID, fleet.OutcomeSuccess, "")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, fleet.TaskDone, acked.State)

	// A second ack with any outcome is a no-op.
	again, applied, err := q.Ack(ctx, task.ID, fleet.OutcomeSoftFailure, "late duplicate")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, fleet.TaskDone, again.State)
	assert.Zero(t, again.Attempts)
}

func TestAckSoftFailureBacksOffThenDeadLetters(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	ctx := context.Background()
	task, err := q.Enqueue(ctx, fleet.Task{Target: "https://example.com/flaky", MaxAttempts: 2})
	require.NoError(t, err)

	// First soft failure: requeued with backoff, not immediately leasable.
	leased, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	acked, applied, err := q.Ack(ctx, task.ID, fleet.OutcomeSoftFailure, "http 503")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, fleet.TaskPending, acked.State)
	assert.Equal(t, 1, acked.Attempts)
	assert.Equal(t, "http 503", acked.LastError)

	none, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	assert.Empty(t, none, "backoff must delay eligibility")

	// Second soft failure exhausts max_attempts=2: dead, not pending.
	clk.Advance(3 * time.Second)
	leased, err = q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	acked, _, err = q.Ack(ctx, task.ID, fleet.OutcomeSoftFailure, "http 503")
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskDead, acked.State)

	dead, err := q.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, task.ID, dead[0].ID)
}

func TestAckHardFailureFinalizesImmediately(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	task := enqueue(t, q, "https://example.com/gone", "normal")

	_, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	acked, _, err := q.Ack(ctx, task.ID, fleet.OutcomeHardFailure, "http 404")
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskFailed, acked.State)

	// A failed task releases its identity for re-submission.
	fresh := enqueue(t, q, "https://example.com/gone", "normal")
	assert.NotEqual(t, task.ID, fresh.ID)
}

func TestReclaimExpiredRequeuesWithinOneCycle(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	ctx := context.Background()
	task := enqueue(t, q, "https://example.com/slow", "normal")

	_, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)

	// Lease still live: nothing reclaimed.
	n, err := q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clk.Advance(2 * time.Minute)
	n, err = q.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskPending, got.State)
	assert.Equal(t, 1, got.Attempts)
	assert.Empty(t, got.WorkerID)
}

func TestExpiryLoopEventuallyDeadLetters(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	ctx := context.Background()
	task, err := q.Enqueue(ctx, fleet.Task{Target: "https://example.com/stuck", MaxAttempts: 3})
	require.NoError(t, err)

	for range 3 {
		clk.Advance(time.Hour) // past backoff and lease expiry
		leased, err := q.Lease(ctx, "w1", 1)
		require.NoError(t, err)
		require.Len(t, leased, 1)
		clk.Advance(2 * time.Minute)
		_, err = q.ReclaimExpired(ctx)
		require.NoError(t, err)
	}

	got, err := q.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskDead, got.State, "never retried indefinitely")
	assert.Equal(t, 3, got.Attempts)
}

func TestReleaseWorkerForceExpiresOnlyItsLeases(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	a := enqueue(t, q, "https://example.com/a", "normal")
	b := enqueue(t, q, "https://example.com/b", "normal")

	leasedA, err := q.Lease(ctx, "w-dead", 1)
	require.NoError(t, err)
	require.Equal(t, a.ID, leasedA[0].ID)
	leasedB, err := q.Lease(ctx, "w-live", 1)
	require.NoError(t, err)
	require.Equal(t, b.ID, leasedB[0].ID)

	released, err := q.ReleaseWorker(ctx, "w-dead")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	gotA, err := q.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskPending, gotA.State)
	gotB, err := q.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskLeased, gotB.State)
}

func TestCancelOnlyPendingTasks(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	ctx := context.Background()
	a := enqueue(t, q, "https://example.com/a", "normal")
	b := enqueue(t, q, "https://example.com/b", "normal")

	require.NoError(t, q.Cancel(ctx, a.ID))
	_, err := q.Get(ctx, a.ID)
	assert.ErrorIs(t, err, fleet.ErrTaskNotFound)

	leased, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	require.Equal(t, b.ID, leased[0].ID)
	assert.ErrorIs(t, q.Cancel(ctx, b.ID), fleet.ErrNotCancellable)
}

func TestResubmitDeadTask(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	ctx := context.Background()
	task, err := q.Enqueue(ctx, fleet.Task{Target: "https://example.com/x", MaxAttempts: 1})
	require.NoError(t, err)

	_, err = q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	_, _, err = q.Ack(ctx, task.ID, fleet.OutcomeSoftFailure, "boom")
	require.NoError(t, err)

	_, err = q.Resubmit(ctx, "missing")
	assert.ErrorIs(t, err, fleet.ErrTaskNotFound)

	got, err := q.Resubmit(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, fleet.TaskPending, got.State)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.LastError)

	_, err = q.Resubmit(ctx, task.ID)
	assert.ErrorIs(t, err, fleet.ErrNotDeadLettered)
}

func TestDedupWindowExpiryAllowsResubmission(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	q := newTestQueue(clk)
	ctx := context.Background()
	task := enqueue(t, q, "https://example.com/done", "normal")

	_, err := q.Lease(ctx, "w1", 1)
	require.NoError(t, err)
	_, _, err = q.Ack(ctx, task.ID, fleet.OutcomeSuccess, "")
	require.NoError(t, err)

	// Within the window the finished task still deduplicates.
	dup := enqueue(t, q, "https://example.com/done", "normal")
	assert.Equal(t, task.ID, dup.ID)

	clk.Advance(2 * time.Hour)
	fresh := enqueue(t, q, "https://example.com/done", "normal")
	assert.NotEqual(t, task.ID, fresh.ID)
	assert.Equal(t, fleet.TaskPending, fresh.State)
}

func TestCloseRejectsNewWork(t *testing.T) {
	t.Parallel()

	q := newTestQueue(newFakeClock())
	q.Close()
	_, err := q.Enqueue(context.Background(), fleet.Task{Target: "https://example.com/a"})
	assert.ErrorIs(t, err, fleet.ErrQueueClosed)
	_, err = q.Lease(context.Background(), "w1", 1)
	assert.ErrorIs(t, err, fleet.ErrQueueClosed)
}
