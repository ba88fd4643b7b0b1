// Package collector receives finished-task results from workers,
// deduplicates them, and maintains the aggregate and per-domain views
// the monitoring surface reads.
package collector

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fetchfleet/fetchfleet/internal/events"
	"github.com/fetchfleet/fetchfleet/internal/fleet"
	"github.com/fetchfleet/fetchfleet/internal/metrics"
)

// Config controls retention and event publishing.
type Config struct {
	// ResultTTL bounds how long a result is kept. It is also the
	// idempotency horizon: a duplicate submit after the TTL is treated
	// as new.
	ResultTTL time.Duration
	// WindowSize and WindowCount shape the recent-throughput buckets.
	WindowSize  time.Duration
	WindowCount int
}

// DefaultConfig returns the collector defaults.
func DefaultConfig() Config {
	return Config{
		ResultTTL:   24 * time.Hour,
		WindowSize:  time.Minute,
		WindowCount: 60,
	}
}

// DomainStats aggregates results for one domain.
type DomainStats struct {
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration"`

	totalDuration time.Duration
}

// Aggregates is a point-in-time summary of everything collected.
type Aggregates struct {
	Total        int                    `json:"total"`
	Succeeded    int                    `json:"succeeded"`
	SoftFailed   int                    `json:"soft_failed"`
	HardFailed   int                    `json:"hard_failed"`
	DeadLettered int                    `json:"dead_lettered"`
	AvgDuration  time.Duration          `json:"avg_duration"`
	PerDomain    map[string]DomainStats `json:"per_domain"`
	// RecentPerWindow holds completion counts per window bucket, oldest
	// first, covering the configured horizon.
	RecentPerWindow []int `json:"recent_per_window"`
}

// Collector implements fleet.ResultSink.
type Collector struct {
	mu      sync.Mutex
	cfg     Config
	clock   fleet.Clock
	logger  *zap.Logger
	emitter events.Emitter

	results   map[string]fleet.Result
	perDomain map[string]*DomainStats
	buckets   map[int64]int

	total         int
	succeeded     int
	softFailed    int
	hardFailed    int
	deadLettered  int
	totalDuration time.Duration
}

// New builds a Collector. emitter may be nil to disable lifecycle events.
func New(cfg Config, clock fleet.Clock, emitter events.Emitter, logger *zap.Logger) *Collector {
	def := DefaultConfig()
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.WindowCount <= 0 {
		cfg.WindowCount = def.WindowCount
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Collector{
		cfg:       cfg,
		clock:     clock,
		logger:    logger,
		emitter:   emitter,
		results:   make(map[string]fleet.Result),
		perDomain: make(map[string]*DomainStats),
		buckets:   make(map[int64]int),
	}
}

// Submit records a result. At most one result per task is ever counted;
// a duplicate returns the previously accepted record and false.
func (c *Collector) Submit(_ context.Context, result fleet.Result) (fleet.Result, bool, error) {
	if result.TaskID == "" {
		return fleet.Result{}, false, &fleet.ValidationError{Field: "task_id", Reason: "must not be empty"}
	}
	now := c.clock.Now()
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	// Payloads are not retained; the collector tracks outcomes.
	result.Body = nil

	c.mu.Lock()
	c.pruneLocked(now)
	if prior, ok := c.results[result.TaskID]; ok {
		c.mu.Unlock()
		c.logger.Debug("duplicate result discarded",
			zap.String("task_id", result.TaskID),
			zap.String("worker_id", result.WorkerID))
		return prior, false, nil
	}
	c.results[result.TaskID] = result
	c.countLocked(result, now)
	c.mu.Unlock()

	if c.emitter != nil {
		c.emitter.Emit(eventFor(result))
	}
	return result, true, nil
}

// Status returns the accepted result for a task, if any.
func (c *Collector) Status(taskID string) (fleet.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.results[taskID]
	return r, ok
}

// Aggregates returns a snapshot of the collected totals.
func (c *Collector) Aggregates() Aggregates {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)

	agg := Aggregates{
		Total:        c.total,
		Succeeded:    c.succeeded,
		SoftFailed:   c.softFailed,
		HardFailed:   c.hardFailed,
		DeadLettered: c.deadLettered,
		PerDomain:    make(map[string]DomainStats, len(c.perDomain)),
	}
	if c.total > 0 {
		agg.AvgDuration = c.totalDuration / time.Duration(c.total)
	}
	for domain, st := range c.perDomain {
		snap := *st
		if n := snap.Succeeded + snap.Failed; n > 0 {
			snap.AvgDuration = snap.totalDuration / time.Duration(n)
		}
		agg.PerDomain[domain] = snap
	}

	current := now.Truncate(c.cfg.WindowSize).Unix()
	step := int64(c.cfg.WindowSize / time.Second)
	for i := c.cfg.WindowCount - 1; i >= 0; i-- {
		agg.RecentPerWindow = append(agg.RecentPerWindow, c.buckets[current-int64(i)*step])
	}
	return agg
}

// Results lists accepted results for a domain, newest first. An empty
// domain lists everything.
func (c *Collector) Results(domain string, limit int) []fleet.Result {
	if limit <= 0 {
		limit = 100
	}

	c.mu.Lock()
	out := make([]fleet.Result, 0, len(c.results))
	for _, r := range c.results {
		if domain == "" || r.Domain == domain {
			out = append(out, r)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (c *Collector) countLocked(r fleet.Result, now time.Time) {
	c.total++
	c.totalDuration += r.Duration
	switch r.Outcome {
	case fleet.OutcomeSuccess:
		c.succeeded++
	case fleet.OutcomeSoftFailure:
		c.softFailed++
	case fleet.OutcomeHardFailure:
		c.hardFailed++
	}
	if r.FinalState == fleet.TaskDead {
		c.deadLettered++
	}

	st, ok := c.perDomain[r.Domain]
	if !ok {
		st = &DomainStats{}
		c.perDomain[r.Domain] = st
	}
	if r.Outcome == fleet.OutcomeSuccess {
		st.Succeeded++
	} else {
		st.Failed++
	}
	st.totalDuration += r.Duration

	c.buckets[now.Truncate(c.cfg.WindowSize).Unix()]++
}

// pruneLocked drops results and buckets that aged out.
func (c *Collector) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.ResultTTL)
	for id, r := range c.results {
		if r.CompletedAt.Before(cutoff) {
			delete(c.results, id)
		}
	}
	horizon := now.Truncate(c.cfg.WindowSize).Unix() -
		int64(c.cfg.WindowCount)*int64(c.cfg.WindowSize/time.Second)
	for ts := range c.buckets {
		if ts < horizon {
			delete(c.buckets, ts)
		}
	}
}

// eventFor maps an accepted result to its lifecycle event. Delivery is
// buffered and best-effort: monitoring reads stay the source of truth.
func eventFor(r fleet.Result) events.Event {
	kind := events.KindTaskDone
	switch r.FinalState {
	case fleet.TaskDead:
		kind = events.KindTaskDeadLettered
	case fleet.TaskFailed:
		kind = events.KindTaskFailed
	}
	return events.Event{
		Kind:       kind,
		TaskID:     r.TaskID,
		WorkerID:   r.WorkerID,
		Domain:     r.Domain,
		Outcome:    string(r.Outcome),
		StatusCode: r.StatusCode,
		Error:      r.Error,
		Duration:   r.Duration,
		At:         r.CompletedAt,
	}
}
