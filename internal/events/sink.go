package events

import "context"

// Sink consumes batches of lifecycle events. Implementations must be safe
// for repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts individual events; Hub satisfies this interface so the
// result collector stays agnostic about buffering and delivery.
type Emitter interface {
	Emit(evt Event)
}
