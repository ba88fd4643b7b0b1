package fleet

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrTaskNotFound indicates the task ID is unknown to the queue.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotCancellable indicates the task has already been leased or
	// finalized and can no longer be removed from the backlog.
	ErrNotCancellable = errors.New("task is not cancellable")

	// ErrNotDeadLettered indicates a resubmit was attempted on a task
	// that is not in the dead-letter state.
	ErrNotDeadLettered = errors.New("task is not dead-lettered")

	// ErrCapacityExceeded is the admission-control backpressure signal:
	// the system is saturated and new work is being rejected.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrUnknownWorker indicates the worker has not registered or has
	// been removed from the registry.
	ErrUnknownWorker = errors.New("unknown worker")

	// ErrQueueClosed indicates the queue has shut down.
	ErrQueueClosed = errors.New("queue closed")
)

// ValidationError rejects a malformed task at enqueue. It is never
// retried and never admitted to the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a task validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
