package events

import (
	"context"
	"fmt"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

// PublisherSink forwards events to a message broker, one message per event.
type PublisherSink struct {
	publisher fleet.Publisher
	topic     string
}

// NewPublisherSink publishes each consumed event to topic.
func NewPublisherSink(publisher fleet.Publisher, topic string) *PublisherSink {
	return &PublisherSink{publisher: publisher, topic: topic}
}

// Consume publishes every event in the batch. The first publish error
// aborts the batch; the hub logs it and moves on.
func (s *PublisherSink) Consume(ctx context.Context, batch []Event) error {
	for _, evt := range batch {
		if _, err := s.publisher.Publish(ctx, s.topic, evt); err != nil {
			return fmt.Errorf("publish event for task %s: %w", evt.TaskID, err)
		}
	}
	return nil
}

// Close implements the Sink interface; broker shutdown is owned by the caller.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
