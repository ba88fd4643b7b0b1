// Package postgres provides the durable task queue implementation.
// Task state survives coordinator restarts; every transition is a
// row-level compare-and-swap so concurrent coordinators cannot
// double-lease or double-finalize a task.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

// DB is the subset of pgxpool.Pool the queue uses; pgxmock satisfies it
// in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Config controls queue behavior.
type Config struct {
	LeaseDuration      time.Duration
	DefaultMaxAttempts int
	DedupWindow        time.Duration
	Backoff            fleet.BackoffPolicy
}

// Queue is a Postgres-backed fleet.TaskQueue.
type Queue struct {
	db     DB
	cfg    Config
	clock  fleet.Clock
	idGen  fleet.IDGenerator
	logger *zap.Logger
}

// New constructs a Queue over an existing connection pool.
func New(db DB, cfg Config, clock fleet.Clock, idGen fleet.IDGenerator, logger *zap.Logger) *Queue {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 2 * time.Minute
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{db: db, cfg: cfg, clock: clock, idGen: idGen, logger: logger}
}

// Connect opens a pgx pool and pings it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	identity         TEXT NOT NULL,
	target           TEXT NOT NULL,
	method           TEXT NOT NULL,
	params           JSONB,
	domain           TEXT NOT NULL,
	priority         INT NOT NULL,
	state            TEXT NOT NULL,
	attempts         INT NOT NULL DEFAULT 0,
	max_attempts     INT NOT NULL,
	worker_id        TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	next_eligible_at TIMESTAMPTZ NOT NULL,
	lease_expires_at TIMESTAMPTZ,
	finalized_at     TIMESTAMPTZ,
	last_error       TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS tasks_live_identity
	ON tasks (identity) WHERE state IN ('pending', 'leased', 'done');
CREATE INDEX IF NOT EXISTS tasks_lease_scan
	ON tasks (priority DESC, created_at ASC) WHERE state = 'pending';
CREATE INDEX IF NOT EXISTS tasks_lease_expiry
	ON tasks (lease_expires_at) WHERE state = 'leased';
`

// Migrate creates the tasks table and indexes if they do not exist.
func (q *Queue) Migrate(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const taskColumns = `id, identity, target, method, params, domain, priority, state,
	attempts, max_attempts, worker_id, created_at, next_eligible_at,
	lease_expires_at, finalized_at, last_error`

// Enqueue validates and admits a task, returning the existing live task
// when the identity is already present.
func (q *Queue) Enqueue(ctx context.Context, task fleet.Task) (fleet.Task, error) {
	task, err := task.Normalize()
	if err != nil {
		return fleet.Task{}, err
	}
	now := q.clock.Now()

	// Release identities of completed tasks that left the dedup window.
	cutoff := now.Add(-q.cfg.DedupWindow)
	if _, err := q.db.Exec(ctx,
		`DELETE FROM tasks WHERE state = 'done' AND finalized_at < $1`, cutoff); err != nil {
		return fleet.Task{}, fmt.Errorf("purge dedup window: %w", err)
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
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("marshal params: %w", err)
	}

	row := q.db.QueryRow(ctx, `
		INSERT INTO tasks (id, identity, target, method, params, domain, priority,
			state, attempts, max_attempts, created_at, next_eligible_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', 0, $8, $9, $9)
		ON CONFLICT (identity) WHERE state IN ('pending', 'leased', 'done') DO NOTHING
		RETURNING `+taskColumns,
		task.ID, task.Identity, task.Target, task.Method, params, task.Domain,
		int(task.Priority), task.MaxAttempts, now,
	)
	inserted, err := scanTask(row)
	if err == nil {
		return inserted, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, fmt.Errorf("insert task: %w", err)
	}

	// Identity conflict: hand back the live duplicate.
	existing, err := scanTask(q.db.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE identity = $1 AND state IN ('pending', 'leased', 'done')`,
		task.Identity,
	))
	if err != nil {
		return fleet.Task{}, fmt.Errorf("load duplicate task: %w", err)
	}
	return existing, nil
}

// Lease claims up to limit eligible pending tasks for workerID. SKIP
// LOCKED keeps concurrent callers from ever selecting the same rows.
func (q *Queue) Lease(ctx context.Context, workerID string, limit int) ([]fleet.Task, error) {
	if workerID == "" {
		return nil, fleet.ErrUnknownWorker
	}
	if limit <= 0 {
		return nil, nil
	}
	now := q.clock.Now()
	rows, err := q.db.Query(ctx, `
		UPDATE tasks SET state = 'leased', worker_id = $1, lease_expires_at = $2
		WHERE id IN (
			SELECT id FROM tasks
			WHERE state = 'pending' AND next_eligible_at <= $3
			ORDER BY priority DESC, created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		workerID, now.Add(q.cfg.LeaseDuration), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lease tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Ack finalizes or requeues a leased task inside one transaction.
func (q *Queue) Ack(ctx context.Context, taskID string, outcome fleet.Outcome, errText string) (fleet.Task, bool, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fleet.Task{}, false, fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	current, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, false, fleet.ErrTaskNotFound
	}
	if err != nil {
		return fleet.Task{}, false, fmt.Errorf("load task: %w", err)
	}
	if current.State != fleet.TaskLeased {
		// Finalized or already reclaimed; the lease no longer exists.
		return current, false, nil
	}

	settled, err := q.settleTx(ctx, tx, current, outcome, errText, q.clock.Now())
	if err != nil {
		return fleet.Task{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return fleet.Task{}, false, fmt.Errorf("commit ack: %w", err)
	}
	return settled, true, nil
}

// ReclaimExpired requeues every lapsed lease as an implicit soft failure.
func (q *Queue) ReclaimExpired(ctx context.Context) (int, error) {
	return q.reclaim(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE state = 'leased' AND lease_expires_at <= $1
		 FOR UPDATE SKIP LOCKED`,
		"lease expired", q.clock.Now())
}

// ReleaseWorker force-expires every lease held by workerID.
func (q *Queue) ReleaseWorker(ctx context.Context, workerID string) (int, error) {
	return q.reclaim(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE state = 'leased' AND worker_id = $1
		 FOR UPDATE SKIP LOCKED`,
		"worker declared dead", workerID)
}

func (q *Queue) reclaim(ctx context.Context, selectSQL, reason string, arg any) (int, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	rows, err := tx.Query(ctx, selectSQL, arg)
	if err != nil {
		return 0, fmt.Errorf("select reclaimable: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return 0, err
	}

	now := q.clock.Now()
	for _, t := range tasks {
		if _, err := q.settleTx(ctx, tx, t, fleet.OutcomeSoftFailure, reason, now); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit reclaim: %w", err)
	}
	if len(tasks) > 0 {
		q.logger.Info("reclaimed leases", zap.Int("count", len(tasks)), zap.String("reason", reason))
	}
	return len(tasks), nil
}

// settleTx applies the shared transition rules for acks and reclaims.
func (q *Queue) settleTx(ctx context.Context, tx pgx.Tx, t fleet.Task, outcome fleet.Outcome, errText string, now time.Time) (fleet.Task, error) {
	switch outcome {
	case fleet.OutcomeSuccess:
		t.State = fleet.TaskDone
		t.FinalizedAt = now
		t.LastError = ""
	case fleet.OutcomeHardFailure:
		t.State = fleet.TaskFailed
		t.FinalizedAt = now
		t.LastError = errText
	default:
		t.Attempts++
		t.LastError = errText
		t.WorkerID = ""
		t.LeaseExpiresAt = time.Time{}
		if t.Attempts >= t.MaxAttempts {
			t.State = fleet.TaskDead
			t.FinalizedAt = now
		} else {
			t.State = fleet.TaskPending
			t.NextEligibleAt = now.Add(q.cfg.Backoff.Delay(t.Attempts))
		}
	}

	_, err := tx.Exec(ctx, `
		UPDATE tasks SET state = $2, attempts = $3, worker_id = NULLIF($4, ''),
			next_eligible_at = $5, lease_expires_at = $6, finalized_at = $7, last_error = $8
		WHERE id = $1 AND state = 'leased'`,
		t.ID, string(t.State), t.Attempts, t.WorkerID,
		t.NextEligibleAt, nullTime(t.LeaseExpiresAt), nullTime(t.FinalizedAt), t.LastError,
	)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("settle task %s: %w", t.ID, err)
	}
	return t, nil
}

// Cancel removes a pending task from the backlog.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	tag, err := q.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND state = 'pending'`, taskID)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var state string
	err = q.db.QueryRow(ctx, `SELECT state FROM tasks WHERE id = $1`, taskID).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect task: %w", err)
	}
	return fleet.ErrNotCancellable
}

// Resubmit returns a dead-lettered task to pending with a fresh retry
// budget, unless its identity is live again.
func (q *Queue) Resubmit(ctx context.Context, taskID string) (fleet.Task, error) {
	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("begin resubmit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	current, err := scanTask(tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, fleet.ErrTaskNotFound
	}
	if err != nil {
		return fleet.Task{}, fmt.Errorf("load task: %w", err)
	}
	if current.State != fleet.TaskDead {
		return fleet.Task{}, fleet.ErrNotDeadLettered
	}

	live, err := scanTask(tx.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE identity = $1 AND id <> $2 AND state IN ('pending', 'leased', 'done')`,
		current.Identity, current.ID))
	if err == nil {
		return live, tx.Commit(ctx)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, fmt.Errorf("check live identity: %w", err)
	}

	now := q.clock.Now()
	restored, err := scanTask(tx.QueryRow(ctx, `
		UPDATE tasks SET state = 'pending', attempts = 0, worker_id = NULL,
			last_error = '', finalized_at = NULL, lease_expires_at = NULL,
			next_eligible_at = $2
		WHERE id = $1
		RETURNING `+taskColumns, current.ID, now))
	if err != nil {
		return fleet.Task{}, fmt.Errorf("resubmit task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fleet.Task{}, fmt.Errorf("commit resubmit: %w", err)
	}
	return restored, nil
}

// Get returns the current record for a task.
func (q *Queue) Get(ctx context.Context, taskID string) (fleet.Task, error) {
	t, err := scanTask(q.db.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, fleet.ErrTaskNotFound
	}
	if err != nil {
		return fleet.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// DeadLetters lists dead-lettered tasks, oldest first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]fleet.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE state = 'dead' ORDER BY finalized_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// Stats reports queue depth by state.
func (q *Queue) Stats(ctx context.Context) (fleet.QueueStats, error) {
	rows, err := q.db.Query(ctx,
		`SELECT state, priority, COUNT(*) FROM tasks GROUP BY state, priority`)
	if err != nil {
		return fleet.QueueStats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := fleet.QueueStats{PendingByPriority: make(map[fleet.Priority]int)}
	for rows.Next() {
		var state string
		var priority int
		var count int
		if err := rows.Scan(&state, &priority, &count); err != nil {
			return fleet.QueueStats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch fleet.TaskState(state) {
		case fleet.TaskPending:
			stats.Pending += count
			stats.PendingByPriority[fleet.Priority(priority)] += count
		case fleet.TaskLeased:
			stats.Leased += count
		case fleet.TaskDone:
			stats.Done += count
		case fleet.TaskFailed:
			stats.Failed += count
		case fleet.TaskDead:
			stats.Dead += count
		}
	}
	if err := rows.Err(); err != nil {
		return fleet.QueueStats{}, fmt.Errorf("stats rows: %w", err)
	}
	return stats, nil
}

func collectTasks(rows pgx.Rows) ([]fleet.Task, error) {
	var tasks []fleet.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (fleet.Task, error) {
	var (
		t            fleet.Task
		params       []byte
		priority     int
		state        string
		workerID     *string
		leaseExpires *time.Time
		finalizedAt  *time.Time
		lastError    *string
	)
	err := row.Scan(
		&t.ID, &t.Identity, &t.Target, &t.Method, &params, &t.Domain,
		&priority, &state, &t.Attempts, &t.MaxAttempts, &workerID,
		&t.CreatedAt, &t.NextEligibleAt, &leaseExpires, &finalizedAt, &lastError,
	)
	if err != nil {
		return fleet.Task{}, err
	}
	t.Priority = fleet.Priority(priority)
	t.State = fleet.TaskState(state)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Params); err != nil {
			return fleet.Task{}, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if leaseExpires != nil {
		t.LeaseExpiresAt = *leaseExpires
	}
	if finalizedAt != nil {
		t.FinalizedAt = *finalizedAt
	}
	if lastError != nil {
		t.LastError = *lastError
	}
	return t, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
