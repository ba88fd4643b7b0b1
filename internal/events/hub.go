package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	// Buffer is the size of the internal channel. Default 4096.
	Buffer int
	// MaxBatch flushes once this many events queue. Default 256.
	MaxBatch int
	// FlushInterval flushes small batches on a timer. Default 500ms.
	FlushInterval time.Duration
	// SinkTimeout bounds each sink call while flushing. Default 10s.
	SinkTimeout time.Duration
	// Logger is used for drop and sink-failure warnings.
	Logger *zap.Logger
}

const dropWarnInterval = 5 * time.Second

// Hub aggregates lifecycle events and fans them out to registered sinks.
// It is safe for concurrent use and Emit never blocks callers.
type Hub struct {
	cfg    Config
	sinks  []Sink
	ch     chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped  atomic.Int64
	lastWarn atomic.Int64
	closed   atomic.Bool
	stopOnce sync.Once
	closeCtx context.Context
}

// NewHub starts the background batching goroutine over the supplied sinks.
// The returned Hub accepts events immediately.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		ch:     make(chan Event, cfg.Buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.run()
	return h
}

// Emit enqueues an event for delivery. When the buffer is full the event
// is dropped and a rate-limited warning is logged.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case h.ch <- evt:
	default:
		h.dropped.Add(1)
		h.maybeWarnDrops()
	}
}

func (h *Hub) maybeWarnDrops() {
	now := time.Now().UnixNano()
	last := h.lastWarn.Load()
	if now-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if h.lastWarn.CompareAndSwap(last, now) {
		h.logger.Warn("events dropped due to backpressure",
			zap.Int64("dropped", h.dropped.Swap(0)))
	}
}

// Close drains buffered events, flushes and closes the sinks, and blocks
// until the background goroutine exits. Safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)
	batch := make([]Event, 0, h.cfg.MaxBatch)
	ticker := time.NewTicker(h.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case evt := <-h.ch:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stop:
			h.drain(batch)
			return
		}
	}
}

// drain empties the channel after stop, flushing in MaxBatch chunks.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.ch:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("event sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("event sink close failed", zap.Error(err))
		}
	}
}
