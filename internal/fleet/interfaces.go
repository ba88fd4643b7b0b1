package fleet

import (
	"context"
	"time"
)

// TaskQueue is the authoritative owner of Task and lease state. All
// transitions happen through these operations; no caller mutates a Task
// directly. Implementations must be safe for arbitrary concurrent use,
// and Lease must never hand the same task to two callers.
type TaskQueue interface {
	// Enqueue admits a validated task. If a task with the same identity
	// is already pending, leased, or done within the dedup window, the
	// existing task is returned unchanged (idempotent enqueue).
	Enqueue(ctx context.Context, task Task) (Task, error)

	// Lease atomically claims up to limit eligible pending tasks for
	// workerID, ordered by priority tier then creation time.
	Lease(ctx context.Context, workerID string, limit int) ([]Task, error)

	// Ack finalizes or requeues a leased task. Success and hard-failure
	// finalize; soft-failure increments the attempt counter and either
	// requeues with backoff or dead-letters. Acking a task whose lease no
	// longer exists is a no-op returning its current record; the bool
	// reports whether the transition applied.
	Ack(ctx context.Context, taskID string, outcome Outcome, errText string) (Task, bool, error)

	// ReclaimExpired treats every expired lease as an implicit
	// soft-failure and returns how many tasks were reclaimed.
	ReclaimExpired(ctx context.Context) (int, error)

	// ReleaseWorker force-expires all leases held by workerID, used when
	// the scheduler declares a worker dead.
	ReleaseWorker(ctx context.Context, workerID string) (int, error)

	// Cancel removes a pending task from the backlog. Leased or
	// finalized tasks return ErrNotCancellable.
	Cancel(ctx context.Context, taskID string) error

	// Resubmit returns a dead-lettered task to pending with a reset
	// attempt counter.
	Resubmit(ctx context.Context, taskID string) (Task, error)

	// Get returns the current record for a task.
	Get(ctx context.Context, taskID string) (Task, error)

	// DeadLetters lists dead-lettered tasks for inspection.
	DeadLetters(ctx context.Context, limit int) ([]Task, error)

	// Stats reports queue depth by state.
	Stats(ctx context.Context) (QueueStats, error)
}

// Coordinator is the worker-facing surface of the scheduler.
type Coordinator interface {
	Register(ctx context.Context, workerID string, capacity int) error
	Deregister(ctx context.Context, workerID string) error
	Heartbeat(ctx context.Context, workerID string) error
	Lease(ctx context.Context, workerID string, want int) ([]Task, error)
	Ack(ctx context.Context, workerID, taskID string, outcome Outcome, errText string) (Task, error)
}

// AccessPolicy is consulted by a worker before every fetch. DelayFor is
// a scoped acquisition of permission to proceed: the worker waits out
// the returned duration, then calls RecordAccess immediately before
// issuing the request.
type AccessPolicy interface {
	DelayFor(domain string) time.Duration
	RecordAccess(domain string)
}

// ResultSink accepts completed task outcomes. Submit is idempotent per
// task: the bool reports whether the result was newly accepted.
type ResultSink interface {
	Submit(ctx context.Context, result Result) (Result, bool, error)
}

// Fetcher executes the external fetch. The worker treats it as an
// opaque, potentially slow, potentially failing call.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Publisher pushes finalized-task events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task and worker IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
