// Package memory provides the in-process task queue implementation. A
// single Queue instance owns all task state and serializes transitions
// behind one mutex, so lease assignment is exclusive by construction.
package memory

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

// Config controls queue behavior.
type Config struct {
	LeaseDuration      time.Duration
	DefaultMaxAttempts int
	DedupWindow        time.Duration
	Backoff            fleet.BackoffPolicy
}

const (
	defaultLeaseDuration = 2 * time.Minute
	defaultMaxAttempts   = 3
	defaultDedupWindow   = 24 * time.Hour
)

var priorityOrder = []fleet.Priority{fleet.PriorityHigh, fleet.PriorityNormal, fleet.PriorityLow}

// Queue is an in-memory fleet.TaskQueue.
type Queue struct {
	mu     chanLock
	cfg    Config
	clock  fleet.Clock
	idGen  fleet.IDGenerator
	logger *zap.Logger

	tasks      map[string]*fleet.Task
	byIdentity map[string]string
	pending    map[fleet.Priority][]string
	purgedDone int
	closed     bool
}

// chanLock is a context-aware mutex so queue operations can honor
// cancellation while contended.
type chanLock chan struct{}

func (l chanLock) lock(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l chanLock) unlock() { <-l }

// New constructs a Queue.
func New(cfg Config, clock fleet.Clock, idGen fleet.IDGenerator, logger *zap.Logger) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = defaultMaxAttempts
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		mu:         make(chanLock, 1),
		cfg:        cfg,
		clock:      clock,
		idGen:      idGen,
		logger:     logger,
		tasks:      make(map[string]*fleet.Task),
		byIdentity: make(map[string]string),
		pending:    make(map[fleet.Priority][]string),
	}
}

// Enqueue validates and admits a task. Duplicate identities return the
// existing task unchanged.
func (q *Queue) Enqueue(ctx context.Context, task fleet.Task) (fleet.Task, error) {
	task, err := task.Normalize()
	if err != nil {
		return fleet.Task{}, err
	}
	if err := q.mu.lock(ctx); err != nil {
		return fleet.Task{}, err
	}
	defer q.mu.unlock()
	if q.closed {
		return fleet.Task{}, fleet.ErrQueueClosed
	}

	now := q.clock.Now()
	q.purgeDoneLocked(now)

	if id, ok := q.byIdentity[task.Identity]; ok {
		if existing, live := q.tasks[id]; live {
			return cloneTask(existing), nil
		}
		delete(q.byIdentity, task.Identity)
	}

	if task.ID == "" {
		id, err := q.idGen.NewID()
		if err != nil {
			return fleet.Task{}, err
		}
		task.ID = id
	}
	if task.MaxAttempts <= 0 {
		task.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	task.State = fleet.TaskPending
	task.CreatedAt = now
	task.NextEligibleAt = now
	task.Params = cloneParams(task.Params)

	stored := task
	q.tasks[stored.ID] = &stored
	q.byIdentity[stored.Identity] = stored.ID
	q.insertPendingLocked(&stored)

	q.logger.Debug("task enqueued",
		zap.String("task_id", stored.ID),
		zap.String("domain", stored.Domain),
		zap.String("priority", stored.Priority.String()),
	)
	return cloneTask(&stored), nil
}

// Lease claims up to limit eligible pending tasks for workerID.
func (q *Queue) Lease(ctx context.Context, workerID string, limit int) ([]fleet.Task, error) {
	if workerID == "" {
		return nil, fleet.ErrUnknownWorker
	}
	if limit <= 0 {
		return nil, nil
	}
	if err := q.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer q.mu.unlock()
	if q.closed {
		return nil, fleet.ErrQueueClosed
	}

	now := q.clock.Now()
	var leased []fleet.Task
	for _, tier := range priorityOrder {
		if len(leased) == limit {
			break
		}
		kept := q.pending[tier][:0]
		for _, id := range q.pending[tier] {
			t := q.tasks[id]
			if len(leased) == limit || t.NextEligibleAt.After(now) {
				kept = append(kept, id)
				continue
			}
			t.State = fleet.TaskLeased
			t.WorkerID = workerID
			t.LeaseExpiresAt = now.Add(q.cfg.LeaseDuration)
			leased = append(leased, cloneTask(t))
		}
		q.pending[tier] = kept
	}
	return leased, nil
}

// Ack finalizes or requeues a leased task. Finalized tasks and tasks
// whose lease was already reclaimed are left untouched.
func (q *Queue) Ack(ctx context.Context, taskID string, outcome fleet.Outcome, errText string) (fleet.Task, bool, error) {
	if err := q.mu.lock(ctx); err != nil {
		return fleet.Task{}, false, err
	}
	defer q.mu.unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fleet.Task{}, false, fleet.ErrTaskNotFound
	}
	if t.State != fleet.TaskLeased {
		// Already finalized, or reclaimed and re-pending. Either way the
		// lease this ack refers to no longer exists.
		return cloneTask(t), false, nil
	}
	q.settleLocked(t, outcome, errText, q.clock.Now())
	return cloneTask(t), true, nil
}

// ReclaimExpired requeues every task whose lease has lapsed, treating
// the expiry as an implicit soft-failure.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	if err := q.mu.lock(ctx); err != nil {
		return 0, err
	}
	defer q.mu.unlock()

	now := q.clock.Now()
	reclaimed := 0
	for _, t := range q.tasks {
		if t.State == fleet.TaskLeased && !t.LeaseExpiresAt.After(now) {
			q.settleLocked(t, fleet.OutcomeSoftFailure, "lease expired", now)
			reclaimed++
		}
	}
	if reclaimed > 0 {
		q.logger.Info("reclaimed expired leases", zap.Int("count", reclaimed))
	}
	return reclaimed, nil
}

// ReleaseWorker force-expires every lease held by workerID.
func (q *Queue) ReleaseWorker(ctx context.Context, workerID string) (int, error) {
	if err := q.mu.lock(ctx); err != nil {
		return 0, err
	}
	defer q.mu.unlock()

	now := q.clock.Now()
	released := 0
	for _, t := range q.tasks {
		if t.State == fleet.TaskLeased && t.WorkerID == workerID {
			q.settleLocked(t, fleet.OutcomeSoftFailure, "worker declared dead", now)
			released++
		}
	}
	return released, nil
}

// Cancel removes a pending task from the backlog.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	if err := q.mu.lock(ctx); err != nil {
		return err
	}
	defer q.mu.unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fleet.ErrTaskNotFound
	}
	if t.State != fleet.TaskPending {
		return fleet.ErrNotCancellable
	}
	q.removePendingLocked(t)
	delete(q.byIdentity, t.Identity)
	delete(q.tasks, t.ID)
	return nil
}

// Resubmit returns a dead-lettered task to pending with a fresh retry
// budget. If the identity has been re-enqueued in the meantime, the
// live task wins and is returned instead.
func (q *Queue) Resubmit(ctx context.Context, taskID string) (fleet.Task, error) {
	if err := q.mu.lock(ctx); err != nil {
		return fleet.Task{}, err
	}
	defer q.mu.unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return fleet.Task{}, fleet.ErrTaskNotFound
	}
	if t.State != fleet.TaskDead {
		return fleet.Task{}, fleet.ErrNotDeadLettered
	}
	if id, taken := q.byIdentity[t.Identity]; taken && id != t.ID {
		if live, ok := q.tasks[id]; ok {
			return cloneTask(live), nil
		}
	}

	now := q.clock.Now()
	t.State = fleet.TaskPending
	t.Attempts = 0
	t.WorkerID = ""
	t.LastError = ""
	t.FinalizedAt = time.Time{}
	t.NextEligibleAt = now
	q.byIdentity[t.Identity] = t.ID
	q.insertPendingLocked(t)
	return cloneTask(t), nil
}

// Get returns the current record for a task.
func (q *Queue) Get(ctx context.Context, taskID string) (fleet.Task, error) {
	if err := q.mu.lock(ctx); err != nil {
		return fleet.Task{}, err
	}
	defer q.mu.unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fleet.Task{}, fleet.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// DeadLetters lists dead-lettered tasks, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]fleet.Task, error) {
	if err := q.mu.lock(ctx); err != nil {
		return nil, err
	}
	defer q.mu.unlock()

	var dead []fleet.Task
	for _, t := range q.tasks {
		if t.State == fleet.TaskDead {
			dead = append(dead, cloneTask(t))
		}
	}
	sort.Slice(dead, func(i, j int) bool { return dead[i].FinalizedAt.Before(dead[j].FinalizedAt) })
	if limit > 0 && len(dead) > limit {
		dead = dead[:limit]
	}
	return dead, nil
}

// Stats reports queue depth by state.
func (q *Queue) Stats(ctx context.Context) (fleet.QueueStats, error) {
	if err := q.mu.lock(ctx); err != nil {
		return fleet.QueueStats{}, err
	}
	defer q.mu.unlock()

	stats := fleet.QueueStats{
		PendingByPriority: make(map[fleet.Priority]int, len(priorityOrder)),
		Done:              q.purgedDone,
	}
	for _, t := range q.tasks {
		switch t.State {
		case fleet.TaskPending:
			stats.Pending++
			stats.PendingByPriority[t.Priority]++
		case fleet.TaskLeased:
			stats.Leased++
		case fleet.TaskDone:
			stats.Done++
		case fleet.TaskFailed:
			stats.Failed++
		case fleet.TaskDead:
			stats.Dead++
		}
	}
	return stats, nil
}

// Close rejects further enqueues and leases. In-flight acks still land.
func (q *Queue) Close() {
	if err := q.mu.lock(context.Background()); err != nil {
		return
	}
	defer q.mu.unlock()
	q.closed = true
}

// settleLocked applies the shared ack/reclaim transition rules.
func (q *Queue) settleLocked(t *fleet.Task, outcome fleet.Outcome, errText string, now time.Time) {
	switch outcome {
	case fleet.OutcomeSuccess:
		t.State = fleet.TaskDone
		t.FinalizedAt = now
		t.LastError = ""
	case fleet.OutcomeHardFailure:
		t.State = fleet.TaskFailed
		t.FinalizedAt = now
		t.LastError = errText
		delete(q.byIdentity, t.Identity)
	default: // soft failure or lease expiry
		t.Attempts++
		t.LastError = errText
		t.WorkerID = ""
		t.LeaseExpiresAt = time.Time{}
		if t.Attempts >= t.MaxAttempts {
			t.State = fleet.TaskDead
			t.FinalizedAt = now
			delete(q.byIdentity, t.Identity)
			q.logger.Warn("task dead-lettered",
				zap.String("task_id", t.ID),
				zap.Int("attempts", t.Attempts),
				zap.String("last_error", errText),
			)
			return
		}
		t.State = fleet.TaskPending
		t.NextEligibleAt = now.Add(q.cfg.Backoff.Delay(t.Attempts))
		q.insertPendingLocked(t)
	}
}

// insertPendingLocked keeps each tier ordered by creation time so
// requeued tasks regain their original position and fresh tasks cannot
// starve them.
func (q *Queue) insertPendingLocked(t *fleet.Task) {
	list := q.pending[t.Priority]
	i := sort.Search(len(list), func(i int) bool {
		return q.tasks[list[i]].CreatedAt.After(t.CreatedAt)
	})
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = t.ID
	q.pending[t.Priority] = list
}

func (q *Queue) removePendingLocked(t *fleet.Task) {
	list := q.pending[t.Priority]
	for i, id := range list {
		if id == t.ID {
			q.pending[t.Priority] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// purgeDoneLocked drops completed tasks whose dedup window has lapsed,
// releasing their identities for re-submission.
func (q *Queue) purgeDoneLocked(now time.Time) {
	for id, t := range q.tasks {
		if t.State == fleet.TaskDone && !t.FinalizedAt.Add(q.cfg.DedupWindow).After(now) {
			delete(q.byIdentity, t.Identity)
			delete(q.tasks, id)
			q.purgedDone++
		}
	}
}

func cloneTask(t *fleet.Task) fleet.Task {
	cp := *t
	cp.Params = cloneParams(t.Params)
	return cp
}

func cloneParams(src map[string]string) map[string]string {
	if src == nil {
		return nil
	}
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
