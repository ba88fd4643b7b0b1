// Package events buffers task lifecycle events and fans them out to
// sinks (structured logs, Pub/Sub) without blocking the hot path.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind denotes the lifecycle milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindTaskDone         Kind = "TASK_DONE"
	KindTaskFailed       Kind = "TASK_FAILED"
	KindTaskDeadLettered Kind = "TASK_DEAD_LETTERED"
)

// Event captures a single finalized-task milestone.
type Event struct {
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind `json:"kind"`
	// TaskID identifies the finalized task.
	TaskID string `json:"task_id"`
	// WorkerID identifies the worker that produced the result.
	WorkerID string `json:"worker_id"`
	// Domain is the host the task targeted.
	Domain string `json:"domain"`
	// Outcome is the classified fetch outcome (success, soft_failure, hard_failure).
	Outcome string `json:"outcome"`
	// StatusCode is the HTTP status observed, when one was received.
	StatusCode int `json:"status_code,omitempty"`
	// Error carries low-volume failure context.
	Error string `json:"error,omitempty"`
	// Duration is the fetch latency.
	Duration time.Duration `json:"duration"`
	// At is the UTC completion timestamp recorded by the emitter.
	At time.Time `json:"at"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	switch e.Kind {
	case KindTaskDone, KindTaskFailed, KindTaskDeadLettered:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.At.IsZero() {
		return errors.New("timestamp is required")
	}
	if e.Duration < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
