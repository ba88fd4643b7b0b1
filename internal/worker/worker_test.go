package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fetchfleet/fetchfleet/internal/clock/system"
	"github.com/fetchfleet/fetchfleet/internal/collector"
	"github.com/fetchfleet/fetchfleet/internal/fleet"
	"github.com/fetchfleet/fetchfleet/internal/queue/memory"
	"github.com/fetchfleet/fetchfleet/internal/scheduler"
)

type seqIDGen struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%04d", g.n), nil
}

// stubFetcher returns canned responses and tracks concurrency.
type stubFetcher struct {
	fetch func(ctx context.Context, req fleet.FetchRequest) (fleet.FetchResponse, error)

	calls       atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (f *stubFetcher) Fetch(ctx context.Context, req fleet.FetchRequest) (fleet.FetchResponse, error) {
	f.calls.Add(1)
	cur := f.inFlight.Add(1)
	for {
		seen := f.maxInFlight.Load()
		if cur <= seen || f.maxInFlight.CompareAndSwap(seen, cur) {
			break
		}
	}
	defer f.inFlight.Add(-1)

	if f.fetch != nil {
		return f.fetch(ctx, req)
	}
	return fleet.FetchResponse{StatusCode: 200, Body: []byte("ok")}, nil
}

// countingAccess never delays but records every access.
type countingAccess struct {
	delays  atomic.Int64
	records atomic.Int64
}

func (a *countingAccess) DelayFor(string) time.Duration {
	a.delays.Add(1)
	return 0
}

func (a *countingAccess) RecordAccess(string) {
	a.records.Add(1)
}

type harness struct {
	sched  *scheduler.Scheduler
	queue  *memory.Queue
	sink   *collector.Collector
	access *countingAccess
}

func newHarness(t *testing.T, backoffBase time.Duration) *harness {
	t.Helper()
	clock := system.New()
	q := memory.New(memory.Config{
		LeaseDuration: time.Minute,
		Backoff:       fleet.BackoffPolicy{Base: backoffBase, Multiplier: 2, Max: time.Second},
	}, clock, &seqIDGen{}, nil)
	t.Cleanup(q.Close)
	return &harness{
		sched:  scheduler.New(q, scheduler.Config{}, clock, nil),
		queue:  q,
		sink:   collector.New(collector.Config{}, clock, nil, nil),
		access: &countingAccess{},
	}
}

func (h *harness) newWorker(t *testing.T, cfg Config, fetcher fleet.Fetcher) *Worker {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 20 * time.Millisecond
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = time.Second
	}
	w, err := New(cfg, h.sched, h.access, fetcher, h.sink, system.New(), &seqIDGen{}, nil)
	require.NoError(t, err)
	return w
}

func submitN(t *testing.T, h *harness, n, maxAttempts int) []fleet.Task {
	t.Helper()
	tasks := make([]fleet.Task, 0, n)
	for i := 0; i < n; i++ {
		task, err := h.sched.Submit(context.Background(), fleet.Task{
			Target:      fmt.Sprintf("https://example.com/page/%d", i),
			MaxAttempts: maxAttempts,
		})
		require.NoError(t, err)
		tasks = append(tasks, task)
	}
	return tasks
}

func TestWorkerProcessesTasksEndToEnd(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	fetcher := &stubFetcher{}
	w := h.newWorker(t, Config{ID: "w1", Capacity: 2}, fetcher)

	tasks := submitN(t, h, 3, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.sink.Aggregates().Succeeded == 3
	}, 5*time.Second, 10*time.Millisecond)

	for _, task := range tasks {
		got, err := h.queue.Get(ctx, task.ID)
		require.NoError(t, err)
		require.Equal(t, fleet.TaskDone, got.State)
	}
	// The politeness policy was consulted and the access recorded once
	// per fetch.
	require.Equal(t, int64(3), h.access.records.Load())
	require.Equal(t, fetcher.calls.Load(), h.access.records.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerRespectsCapacity(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	release := make(chan struct{})
	fetcher := &stubFetcher{
		fetch: func(ctx context.Context, _ fleet.FetchRequest) (fleet.FetchResponse, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return fleet.FetchResponse{StatusCode: 200}, nil
		},
	}
	w := h.newWorker(t, Config{ID: "w1", Capacity: 2}, fetcher)
	submitN(t, h, 6, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fetcher.inFlight.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		return h.sink.Aggregates().Succeeded == 6
	}, 5*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, fetcher.maxInFlight.Load(), int64(2))

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerRetriesSoftFailuresToDeadLetter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	fetcher := &stubFetcher{
		fetch: func(context.Context, fleet.FetchRequest) (fleet.FetchResponse, error) {
			return fleet.FetchResponse{StatusCode: 503}, nil
		},
	}
	w := h.newWorker(t, Config{ID: "w1", Capacity: 1}, fetcher)
	tasks := submitN(t, h, 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.queue.Get(ctx, tasks[0].ID)
		return err == nil && got.State == fleet.TaskDead
	}, 5*time.Second, 10*time.Millisecond)

	// Both attempts fetched, but only the terminal one produced a
	// result.
	require.GreaterOrEqual(t, fetcher.calls.Load(), int64(2))
	agg := h.sink.Aggregates()
	require.Equal(t, 1, agg.Total)
	require.Equal(t, 1, agg.DeadLettered)

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerHardFailureDoesNotRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	fetcher := &stubFetcher{
		fetch: func(context.Context, fleet.FetchRequest) (fleet.FetchResponse, error) {
			return fleet.FetchResponse{StatusCode: 404}, nil
		},
	}
	w := h.newWorker(t, Config{ID: "w1", Capacity: 1}, fetcher)
	tasks := submitN(t, h, 1, 3)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.queue.Get(ctx, tasks[0].ID)
		return err == nil && got.State == fleet.TaskFailed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int64(1), fetcher.calls.Load())

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerFetchTimeoutIsSoftFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	fetcher := &stubFetcher{
		fetch: func(ctx context.Context, _ fleet.FetchRequest) (fleet.FetchResponse, error) {
			<-ctx.Done()
			return fleet.FetchResponse{}, ctx.Err()
		},
	}
	w := h.newWorker(t, Config{ID: "w1", Capacity: 1, FetchTimeout: 20 * time.Millisecond}, fetcher)
	tasks := submitN(t, h, 1, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		got, err := h.queue.Get(ctx, tasks[0].ID)
		return err == nil && got.State == fleet.TaskDead
	}, 5*time.Second, 10*time.Millisecond)

	got, ok := h.sink.Status(tasks[0].ID)
	require.True(t, ok)
	require.Equal(t, fleet.OutcomeSoftFailure, got.Outcome)
	require.Contains(t, got.Error, "timeout")

	cancel()
	require.NoError(t, <-done)
}

func TestWorkerHeartbeatsWhileFetchBlocks(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	release := make(chan struct{})
	fetcher := &stubFetcher{
		fetch: func(ctx context.Context, _ fleet.FetchRequest) (fleet.FetchResponse, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return fleet.FetchResponse{StatusCode: 200}, nil
		},
	}
	w := h.newWorker(t, Config{ID: "w1", Capacity: 1, HeartbeatInterval: 10 * time.Millisecond, FetchTimeout: 10 * time.Second}, fetcher)
	submitN(t, h, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return fetcher.inFlight.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)

	// With the single fetch parked, heartbeats must keep advancing.
	before, err := h.sched.Worker("w1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		after, err := h.sched.Worker("w1")
		return err == nil && after.LastHeartbeat.After(before.LastHeartbeat)
	}, 5*time.Second, 5*time.Millisecond)

	close(release)
	cancel()
	require.NoError(t, <-done)
}

func TestWorkerDeregistersOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, time.Millisecond)
	w := h.newWorker(t, Config{ID: "w1", Capacity: 1}, &stubFetcher{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := h.sched.Worker("w1")
		return err == nil
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, err := h.sched.Worker("w1")
	require.ErrorIs(t, err, fleet.ErrUnknownWorker)
}
