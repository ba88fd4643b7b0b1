package events

import (
	"context"

	"go.uber.org/zap"
)

// LogSink emits structured logs for each event. Useful during development
// or audits where no message broker is available.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("task event",
			zap.String("kind", string(evt.Kind)),
			zap.String("task_id", evt.TaskID),
			zap.String("worker_id", evt.WorkerID),
			zap.String("domain", evt.Domain),
			zap.String("outcome", evt.Outcome),
			zap.Int("status_code", evt.StatusCode),
			zap.Duration("duration", evt.Duration),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
