// Package worker runs the fetch loop of one worker node: lease tasks,
// wait out per-domain delays, fetch with a hard timeout, classify the
// outcome, ack, and report the result. Heartbeats run on their own
// goroutine so a slow fetch never makes a live worker look dead.
package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
	"github.com/fetchfleet/fetchfleet/internal/metrics"
)

// Config controls one worker node.
type Config struct {
	// ID identifies the worker to the scheduler. Generated when empty.
	ID string
	// Capacity is the maximum number of in-flight fetches.
	Capacity int
	// HeartbeatInterval is the liveness cadence, independent of task
	// processing.
	HeartbeatInterval time.Duration
	// PollInterval is how long to idle when no work was granted.
	PollInterval time.Duration
	// FetchTimeout bounds a single fetch attempt.
	FetchTimeout time.Duration
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:          4,
		HeartbeatInterval: 10 * time.Second,
		PollInterval:      2 * time.Second,
		FetchTimeout:      30 * time.Second,
	}
}

// Worker is one fetch-executing node.
type Worker struct {
	cfg     Config
	coord   fleet.Coordinator
	access  fleet.AccessPolicy
	fetcher fleet.Fetcher
	sink    fleet.ResultSink
	clock   fleet.Clock
	logger  *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New builds a Worker. The ID is generated from idGen when cfg.ID is
// empty.
func New(
	cfg Config,
	coord fleet.Coordinator,
	access fleet.AccessPolicy,
	fetcher fleet.Fetcher,
	sink fleet.ResultSink,
	clock fleet.Clock,
	idGen fleet.IDGenerator,
	logger *zap.Logger,
) (*Worker, error) {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.ID == "" {
		id, err := idGen.NewID()
		if err != nil {
			return nil, err
		}
		cfg.ID = "worker-" + id
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Worker{
		cfg:     cfg,
		coord:   coord,
		access:  access,
		fetcher: fetcher,
		sink:    sink,
		clock:   clock,
		logger:  logger.With(zap.String("worker_id", cfg.ID)),
		sem:     make(chan struct{}, cfg.Capacity),
	}, nil
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// Run registers with the scheduler and processes tasks until ctx ends,
// then waits for in-flight fetches and deregisters.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.coord.Register(ctx, w.cfg.ID, w.cfg.Capacity); err != nil {
		return err
	}
	w.logger.Info("worker started", zap.Int("capacity", w.cfg.Capacity))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		w.heartbeatLoop(hbCtx)
	}()

	w.leaseLoop(ctx)

	// Let in-flight fetches ack before the heartbeat stops and the
	// worker leaves the registry.
	w.wg.Wait()
	stopHeartbeat()
	hbDone.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.coord.Deregister(shutdownCtx, w.cfg.ID); err != nil {
		w.logger.Warn("deregister failed", zap.Error(err))
	}
	w.logger.Info("worker stopped")
	return nil
}

// heartbeatLoop beats at its own cadence. If the scheduler has declared
// this worker dead, the only way back is a fresh registration.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.coord.Heartbeat(ctx, w.cfg.ID)
			if err == nil {
				continue
			}
			w.logger.Warn("heartbeat rejected, re-registering", zap.Error(err))
			if err := w.coord.Register(ctx, w.cfg.ID, w.cfg.Capacity); err != nil {
				w.logger.Error("re-register failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) leaseLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		want := w.cfg.Capacity - len(w.sem)
		var tasks []fleet.Task
		if want > 0 {
			var err error
			tasks, err = w.coord.Lease(ctx, w.cfg.ID, want)
			if err != nil {
				w.logger.Warn("lease request failed", zap.Error(err))
			}
		}

		for _, task := range tasks {
			select {
			case w.sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			w.wg.Add(1)
			go func(task fleet.Task) {
				defer w.wg.Done()
				defer func() { <-w.sem }()
				w.process(ctx, task)
			}(task)
		}

		if len(tasks) == 0 {
			pause(ctx, w.cfg.PollInterval)
		}
	}
}

// process runs one leased task end to end.
func (w *Worker) process(ctx context.Context, task fleet.Task) {
	delay := w.access.DelayFor(task.Domain)
	metrics.ObserveAccessDelay(task.Domain, delay)
	pause(ctx, delay)
	if ctx.Err() != nil {
		// Shutdown while waiting: leave the lease to expire and requeue.
		return
	}

	w.access.RecordAccess(task.Domain)

	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	start := w.clock.Now()
	resp, fetchErr := w.fetcher.Fetch(fetchCtx, fleet.FetchRequest{
		TaskID: task.ID,
		Target: task.Target,
		Method: task.Method,
		Params: task.Params,
	})
	cancel()
	duration := w.clock.Now().Sub(start)

	outcome, errText := Classify(fetchErr, resp.StatusCode)
	metrics.ObserveFetch(string(outcome), duration)

	acked, err := w.coord.Ack(ctx, w.cfg.ID, task.ID, outcome, errText)
	if err != nil {
		// The lease will expire and the queue requeues the task; do not
		// report a result the queue never saw.
		w.logger.Error("ack failed",
			zap.String("task_id", task.ID), zap.Error(err))
		return
	}

	if !acked.State.Finalized() {
		// Requeued for retry; only terminal attempts produce a result.
		w.logger.Debug("task requeued",
			zap.String("task_id", task.ID),
			zap.Int("attempts", acked.Attempts),
			zap.String("error", errText))
		return
	}

	if _, accepted, err := w.sink.Submit(ctx, fleet.Result{
		TaskID:      task.ID,
		WorkerID:    w.cfg.ID,
		Domain:      task.Domain,
		Outcome:     outcome,
		FinalState:  acked.State,
		StatusCode:  resp.StatusCode,
		Body:        resp.Body,
		Error:       errText,
		Duration:    duration,
		CompletedAt: w.clock.Now(),
	}); err != nil {
		w.logger.Error("submit result failed",
			zap.String("task_id", task.ID), zap.Error(err))
	} else if !accepted {
		w.logger.Debug("result was a duplicate", zap.String("task_id", task.ID))
	}

	w.logger.Debug("task processed",
		zap.String("task_id", task.ID),
		zap.String("outcome", string(outcome)),
		zap.Duration("duration", duration))
}

// pause waits out delay, returning early if ctx ends.
func pause(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
