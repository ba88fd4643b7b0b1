// Package scheduler coordinates workers against the task queue. It owns
// the worker registry and the heartbeat state machine, grants leases
// with fair-share caps, reclaims the leases of dead workers, and applies
// admission control on intake.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
	"github.com/fetchfleet/fetchfleet/internal/metrics"
)

// Config controls scheduler behavior.
type Config struct {
	// HeartbeatInterval is the cadence workers are expected to beat at.
	HeartbeatInterval time.Duration
	// SuspectAfter and DeadAfter are measured in missed heartbeats.
	SuspectAfter int
	DeadAfter    int
	// SweepInterval is how often Run checks worker health and expired
	// leases.
	SweepInterval time.Duration
	// MaxQueueDepth rejects new tasks once the pending backlog reaches
	// this size. Zero disables the check.
	MaxQueueDepth int
	// DeadLetterRateLimit rejects new tasks when the fraction of
	// finalized tasks that dead-lettered exceeds it. Zero disables the
	// check.
	DeadLetterRateLimit float64
	// MinFinalizedForRate is the sample size below which the dead-letter
	// rate check does not apply.
	MinFinalizedForRate int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   10 * time.Second,
		SuspectAfter:        3,
		DeadAfter:           6,
		SweepInterval:       5 * time.Second,
		MaxQueueDepth:       10000,
		DeadLetterRateLimit: 0.5,
		MinFinalizedForRate: 10,
	}
}

// Scheduler implements fleet.Coordinator.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	queue   fleet.TaskQueue
	clock   fleet.Clock
	logger  *zap.Logger
	workers map[string]*fleet.WorkerRecord
}

// New builds a Scheduler over the given queue.
func New(queue fleet.TaskQueue, cfg Config, clock fleet.Clock, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.SuspectAfter <= 0 {
		cfg.SuspectAfter = def.SuspectAfter
	}
	if cfg.DeadAfter <= cfg.SuspectAfter {
		cfg.DeadAfter = cfg.SuspectAfter * 2
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MinFinalizedForRate <= 0 {
		cfg.MinFinalizedForRate = def.MinFinalizedForRate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Scheduler{
		cfg:     cfg,
		queue:   queue,
		clock:   clock,
		logger:  logger,
		workers: make(map[string]*fleet.WorkerRecord),
	}
}

// Register adds a worker to the registry. Re-registering an existing ID
// resets its record; any previous leases stay with the queue and expire
// or get acked normally.
func (s *Scheduler) Register(_ context.Context, workerID string, capacity int) error {
	if workerID == "" {
		return &fleet.ValidationError{Field: "worker_id", Reason: "must not be empty"}
	}
	if capacity <= 0 {
		return &fleet.ValidationError{Field: "capacity", Reason: "must be positive"}
	}
	now := s.clock.Now()

	s.mu.Lock()
	s.workers[workerID] = &fleet.WorkerRecord{
		ID:            workerID,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Capacity:      capacity,
		Health:        fleet.WorkerHealthy,
	}
	s.publishGaugesLocked()
	s.mu.Unlock()

	s.logger.Info("worker registered", zap.String("worker_id", workerID), zap.Int("capacity", capacity))
	return nil
}

// Deregister removes a worker and force-expires its leases.
func (s *Scheduler) Deregister(ctx context.Context, workerID string) error {
	s.mu.Lock()
	_, ok := s.workers[workerID]
	if ok {
		delete(s.workers, workerID)
		s.publishGaugesLocked()
	}
	s.mu.Unlock()
	if !ok {
		return fleet.ErrUnknownWorker
	}

	n, err := s.queue.ReleaseWorker(ctx, workerID)
	if err != nil {
		return fmt.Errorf("release leases of %s: %w", workerID, err)
	}
	metrics.ObserveReclaims("deregister", n)
	s.logger.Info("worker deregistered", zap.String("worker_id", workerID), zap.Int("released", n))
	return nil
}

// Heartbeat records liveness. A suspected worker returns to healthy; a
// worker already declared dead must re-register, since its leases were
// released.
func (s *Scheduler) Heartbeat(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workers[workerID]
	if !ok || w.Health == fleet.WorkerDead {
		return fleet.ErrUnknownWorker
	}
	w.LastHeartbeat = s.clock.Now()
	if w.Health == fleet.WorkerSuspected {
		s.logger.Info("worker recovered", zap.String("worker_id", workerID))
	}
	w.Health = fleet.WorkerHealthy
	s.publishGaugesLocked()
	metrics.ObserveHeartbeat()
	return nil
}

// Lease grants up to want tasks to a healthy worker. The grant is capped
// by the worker's spare capacity and by a fair share of the pending
// backlog, so one greedy worker cannot starve the rest.
func (s *Scheduler) Lease(ctx context.Context, workerID string, want int) ([]fleet.Task, error) {
	if want <= 0 {
		return nil, nil
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	s.mu.Lock()
	w, ok := s.workers[workerID]
	if !ok || w.Health == fleet.WorkerDead {
		s.mu.Unlock()
		return nil, fleet.ErrUnknownWorker
	}
	if w.Health == fleet.WorkerSuspected {
		// Suspected workers keep what they hold but get nothing new
		// until a heartbeat clears them.
		s.mu.Unlock()
		s.logger.Debug("lease withheld from suspected worker", zap.String("worker_id", workerID))
		return nil, nil
	}
	grant := want
	if spare := w.Capacity - w.ActiveLeases; grant > spare {
		grant = spare
	}
	if share := s.fairShareLocked(stats.Pending); grant > share {
		grant = share
	}
	s.mu.Unlock()

	if grant <= 0 {
		return nil, nil
	}

	tasks, err := s.queue.Lease(ctx, workerID, grant)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if w, ok := s.workers[workerID]; ok {
		w.ActiveLeases += len(tasks)
	}
	s.mu.Unlock()

	metrics.ObserveLeaseGrants(len(tasks))
	if len(tasks) > 0 {
		s.logger.Debug("leases granted",
			zap.String("worker_id", workerID), zap.Int("count", len(tasks)))
	}
	return tasks, nil
}

// fairShareLocked caps a single grant at an even split of the backlog
// across workers currently able to take work, never below one.
func (s *Scheduler) fairShareLocked(pending int) int {
	able := 0
	for _, w := range s.workers {
		if w.Health == fleet.WorkerHealthy {
			able++
		}
	}
	if able <= 1 {
		return pending + 1
	}
	share := (pending + able - 1) / able
	if share < 1 {
		share = 1
	}
	return share
}

// Ack routes a worker's result through the queue and keeps the worker's
// load and lifetime counters current. A late duplicate ack, after the
// lease was reclaimed or the task finalized, frees the worker's slot but
// leaves the lifetime counters and task metrics alone.
func (s *Scheduler) Ack(ctx context.Context, workerID, taskID string, outcome fleet.Outcome, errText string) (fleet.Task, error) {
	task, applied, err := s.queue.Ack(ctx, taskID, outcome, errText)
	if err != nil {
		return fleet.Task{}, err
	}

	s.mu.Lock()
	if w, ok := s.workers[workerID]; ok {
		if w.ActiveLeases > 0 {
			w.ActiveLeases--
		}
		if applied {
			switch outcome {
			case fleet.OutcomeSuccess:
				w.CompletedTasks++
			default:
				w.FailedTasks++
			}
		}
	}
	s.mu.Unlock()

	if applied {
		metrics.ObserveTask(string(outcome))
		if task.State == fleet.TaskDead {
			metrics.ObserveDeadLetter()
		}
	}
	return task, nil
}

// Submit applies admission control and enqueues the task.
func (s *Scheduler) Submit(ctx context.Context, task fleet.Task) (fleet.Task, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return fleet.Task{}, fmt.Errorf("queue stats: %w", err)
	}
	if s.cfg.MaxQueueDepth > 0 && stats.Pending >= s.cfg.MaxQueueDepth {
		return fleet.Task{}, fmt.Errorf("pending backlog at %d: %w", stats.Pending, fleet.ErrCapacityExceeded)
	}
	if s.cfg.DeadLetterRateLimit > 0 {
		finalized := stats.Done + stats.Failed + stats.Dead
		if finalized >= s.cfg.MinFinalizedForRate {
			rate := float64(stats.Dead) / float64(finalized)
			if rate > s.cfg.DeadLetterRateLimit {
				return fleet.Task{}, fmt.Errorf("dead-letter rate %.2f: %w", rate, fleet.ErrCapacityExceeded)
			}
		}
	}
	return s.queue.Enqueue(ctx, task)
}

// Sweep advances the heartbeat state machine once. A worker that missed
// SuspectAfter beats is suspected but keeps its leases; at DeadAfter it
// is declared dead and every lease it holds is force-expired.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := s.clock.Now()

	var newlyDead []string
	s.mu.Lock()
	for id, w := range s.workers {
		missed := int(now.Sub(w.LastHeartbeat) / s.cfg.HeartbeatInterval)
		switch {
		case missed >= s.cfg.DeadAfter:
			if w.Health != fleet.WorkerDead {
				w.Health = fleet.WorkerDead
				w.ActiveLeases = 0
				newlyDead = append(newlyDead, id)
			}
		case missed >= s.cfg.SuspectAfter:
			if w.Health == fleet.WorkerHealthy {
				w.Health = fleet.WorkerSuspected
				s.logger.Warn("worker suspected",
					zap.String("worker_id", id), zap.Int("missed_heartbeats", missed))
			}
		}
	}
	s.publishGaugesLocked()
	s.mu.Unlock()

	for _, id := range newlyDead {
		n, err := s.queue.ReleaseWorker(ctx, id)
		if err != nil {
			s.logger.Error("release leases of dead worker",
				zap.String("worker_id", id), zap.Error(err))
			continue
		}
		metrics.ObserveReclaims("worker_dead", n)
		s.logger.Warn("worker declared dead",
			zap.String("worker_id", id), zap.Int("released", n))
	}
}

// Run drives periodic sweeps and expired-lease reclaims until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
			n, err := s.queue.ReclaimExpired(ctx)
			if err != nil {
				s.logger.Error("reclaim expired leases", zap.Error(err))
				continue
			}
			metrics.ObserveReclaims("lease_expired", n)
			s.publishQueueDepth(ctx)
		}
	}
}

// Workers returns a snapshot of the registry, sorted by ID.
func (s *Scheduler) Workers() []fleet.WorkerRecord {
	s.mu.Lock()
	out := make([]fleet.WorkerRecord, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, *w)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Worker returns the record for one worker.
func (s *Scheduler) Worker(workerID string) (fleet.WorkerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fleet.WorkerRecord{}, fleet.ErrUnknownWorker
	}
	return *w, nil
}

func (s *Scheduler) publishGaugesLocked() {
	counts := map[fleet.WorkerHealth]int{}
	for _, w := range s.workers {
		counts[w.Health]++
	}
	for _, h := range []fleet.WorkerHealth{fleet.WorkerHealthy, fleet.WorkerSuspected, fleet.WorkerDead} {
		metrics.SetWorkers(string(h), counts[h])
	}
}

func (s *Scheduler) publishQueueDepth(ctx context.Context) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return
	}
	metrics.SetQueueDepth(string(fleet.TaskPending), stats.Pending)
	metrics.SetQueueDepth(string(fleet.TaskLeased), stats.Leased)
	metrics.SetQueueDepth(string(fleet.TaskDone), stats.Done)
	metrics.SetQueueDepth(string(fleet.TaskFailed), stats.Failed)
	metrics.SetQueueDepth(string(fleet.TaskDead), stats.Dead)
}
