// Package fleet defines core types shared across subsystems.
package fleet

import (
	"net/http"
	"time"
)

// TaskState represents the lifecycle state of a fetch task.
type TaskState string

// Task state values persisted in the queue.
const (
	TaskPending TaskState = "pending"
	TaskLeased  TaskState = "leased"
	TaskDone    TaskState = "done"
	TaskFailed  TaskState = "failed"
	TaskDead    TaskState = "dead"
)

// Finalized reports whether the state is terminal.
func (s TaskState) Finalized() bool {
	return s == TaskDone || s == TaskFailed || s == TaskDead
}

// Priority orders tasks within the queue. Higher tiers are always
// leased before lower ones.
type Priority int

// Priority tiers, highest first.
const (
	PriorityHigh   Priority = 3
	PriorityNormal Priority = 2
	PriorityLow    Priority = 1
)

// ParsePriority maps the wire representation to a Priority tier.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "high":
		return PriorityHigh, true
	case "normal", "":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	}
	return 0, false
}

// String returns the wire representation of the tier.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "unknown"
}

// Task represents one fetch request tracked by the queue. Identity is a
// stable hash of the normalized target, method, and parameters, used for
// deduplication; ID is the queue-assigned handle.
type Task struct {
	ID             string            `json:"id"`
	Identity       string            `json:"identity"`
	Target         string            `json:"target"`
	Method         string            `json:"method"`
	Params         map[string]string `json:"params,omitempty"`
	Domain         string            `json:"domain"`
	Priority       Priority          `json:"priority"`
	State          TaskState         `json:"state"`
	Attempts       int               `json:"attempts"`
	MaxAttempts    int               `json:"max_attempts"`
	WorkerID       string            `json:"worker_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	NextEligibleAt time.Time         `json:"next_eligible_at"`
	LeaseExpiresAt time.Time         `json:"lease_expires_at,omitempty"`
	FinalizedAt    time.Time         `json:"finalized_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// Outcome classifies how a task attempt ended.
type Outcome string

// Outcome values reported by workers.
const (
	OutcomeSuccess     Outcome = "success"
	OutcomeSoftFailure Outcome = "soft-failure"
	OutcomeHardFailure Outcome = "hard-failure"
)

// Result is the record a worker submits for a finished attempt. At most
// one result per task is ever accepted; later duplicates are discarded.
type Result struct {
	TaskID      string        `json:"task_id"`
	WorkerID    string        `json:"worker_id"`
	Domain      string        `json:"domain"`
	Outcome     Outcome       `json:"outcome"`
	FinalState  TaskState     `json:"final_state"`
	StatusCode  int           `json:"status_code,omitempty"`
	Body        []byte        `json:"-"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// WorkerHealth is the scheduler's view of a worker's liveness.
type WorkerHealth string

// Worker health states.
const (
	WorkerHealthy   WorkerHealth = "healthy"
	WorkerSuspected WorkerHealth = "suspected"
	WorkerDead      WorkerHealth = "dead"
)

// WorkerRecord tracks one registered worker.
type WorkerRecord struct {
	ID             string       `json:"id"`
	RegisteredAt   time.Time    `json:"registered_at"`
	LastHeartbeat  time.Time    `json:"last_heartbeat"`
	Capacity       int          `json:"capacity"`
	ActiveLeases   int          `json:"active_leases"`
	Health         WorkerHealth `json:"health"`
	CompletedTasks int64        `json:"completed_tasks"`
	FailedTasks    int64        `json:"failed_tasks"`
}

// QueueStats summarizes queue depth by state plus lifetime counters.
type QueueStats struct {
	PendingByPriority map[Priority]int `json:"pending_by_priority"`
	Pending           int              `json:"pending"`
	Leased            int              `json:"leased"`
	Done              int              `json:"done"`
	Failed            int              `json:"failed"`
	Dead              int              `json:"dead"`
}

// FetchRequest captures everything the fetch collaborator needs.
type FetchRequest struct {
	TaskID  string
	Target  string
	Method  string
	Params  map[string]string
	Headers http.Header
}

// FetchResponse is returned by a Fetcher implementation.
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
