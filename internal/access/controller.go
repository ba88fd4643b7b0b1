// Package access implements per-domain politeness. Each domain gets an
// adaptive delay that grows with the fleet's observed request rate
// against it, plus a hard token-bucket floor that no amount of adaptive
// shrinkage can undercut.
package access

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fetchfleet/fetchfleet/internal/fleet"
)

// Config controls the controller's delay curve.
type Config struct {
	// BaseDelay is the delay handed out to a quiet domain.
	BaseDelay time.Duration
	// MinDelay and MaxDelay clamp the adaptive delay before jitter.
	MinDelay time.Duration
	MaxDelay time.Duration
	// IdleReset drops a domain back to baseline after this much
	// inactivity.
	IdleReset time.Duration
	// RateWindow is the decay horizon of the smoothed access rate.
	RateWindow time.Duration
	// FloorRPS caps the absolute request rate per domain regardless of
	// the adaptive delay. Zero means no floor.
	FloorRPS   float64
	FloorBurst int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		BaseDelay:  2 * time.Second,
		MinDelay:   500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		IdleReset:  5 * time.Minute,
		RateWindow: 30 * time.Second,
		FloorRPS:   0,
		FloorBurst: 1,
	}
}

type domainState struct {
	lastAccess time.Time
	// smoothed accesses per second, exponentially decayed over
	// RateWindow.
	rate    float64
	limiter *rate.Limiter
}

// Controller is a fleet.AccessPolicy shared by every worker in the
// process. All state is per-domain; domains never interact.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	clock   fleet.Clock
	logger  *zap.Logger
	domains map[string]*domainState
}

// New builds a Controller.
func New(cfg Config, clock fleet.Clock, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = def.MinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.IdleReset <= 0 {
		cfg.IdleReset = def.IdleReset
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}
	if cfg.FloorBurst <= 0 {
		cfg.FloorBurst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		domains: make(map[string]*domainState),
	}
}

// DelayFor returns how long the caller must wait before fetching from
// domain. The adaptive component is jittered +/-50%; the token-bucket
// floor is not, so the configured rate cap holds exactly.
func (c *Controller) DelayFor(domain string) time.Duration {
	now := c.clock.Now()

	c.mu.Lock()
	st := c.stateLocked(domain, now)
	adaptive := c.computeDelay(st.rate)
	var floor time.Duration
	if st.limiter != nil {
		floor = st.limiter.ReserveN(now, 1).DelayFrom(now)
	}
	c.mu.Unlock()

	d := fleet.Jitter(adaptive)
	if floor > d {
		d = floor
	}
	return d
}

// RecordAccess marks an access to domain, feeding the smoothed rate.
// Workers call it immediately before issuing the request.
func (c *Controller) RecordAccess(domain string) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(domain, now)
	if !st.lastAccess.IsZero() {
		dt := now.Sub(st.lastAccess).Seconds()
		if dt <= 0 {
			dt = 1e-3
		}
		// Standard EWMA over inter-arrival times: recent accesses
		// dominate, old ones decay over RateWindow.
		alpha := 1 - math.Exp(-dt/c.cfg.RateWindow.Seconds())
		st.rate += alpha * (1/dt - st.rate)
	}
	st.lastAccess = now
}

// stateLocked returns the domain's state, applying the idle reset.
func (c *Controller) stateLocked(domain string, now time.Time) *domainState {
	st, ok := c.domains[domain]
	if !ok {
		st = &domainState{}
		if c.cfg.FloorRPS > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(c.cfg.FloorRPS), c.cfg.FloorBurst)
		}
		c.domains[domain] = st
	}
	if !st.lastAccess.IsZero() && now.Sub(st.lastAccess) >= c.cfg.IdleReset {
		st.rate = 0
		st.lastAccess = time.Time{}
		c.logger.Debug("domain idle, delay reset", zap.String("domain", domain))
	}
	return st
}

// computeDelay maps the smoothed access rate to a pre-jitter delay. The
// delay grows linearly with the rate and is clamped to the configured
// bounds, so a hot domain backs off and a quiet one recovers.
func (c *Controller) computeDelay(smoothedRate float64) time.Duration {
	d := time.Duration(float64(c.cfg.BaseDelay) * (1 + smoothedRate*c.cfg.BaseDelay.Seconds()))
	if d < c.cfg.MinDelay {
		d = c.cfg.MinDelay
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}
