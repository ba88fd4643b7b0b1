package fleet

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// BackoffPolicy computes the retry delay after a soft failure:
// exponential growth from a base, capped, with full +/-50% jitter to
// avoid synchronized retry bursts across workers.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// DefaultBackoff returns the policy used when configuration omits one.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       5 * time.Second,
		Multiplier: 2.0,
		Max:        5 * time.Minute,
	}
}

// Delay returns the jittered wait before attempt becomes eligible
// again. attempt counts completed attempts, so the first retry uses the
// base delay.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBackoff().Base
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = DefaultBackoff().Multiplier
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultBackoff().Max
	}

	delay := float64(base) * math.Pow(mult, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	return Jitter(time.Duration(delay))
}

// Jitter spreads a delay uniformly over [0.5d, 1.5d) so independent
// workers never fall into lockstep.
func Jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + randomJitter(d)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
