package realtime

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls reconnect delays. The delay for attempt n (from 1)
// is min(Max, Initial * Factor^(n-1) * (1 + Jitter*rand)).
type BackoffPolicy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultBackoff starts at 250ms and doubles up to 10s
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial: 250 * time.Millisecond,
		Max:     10 * time.Second,
		Factor:  2,
		Jitter:  0.2,
	}
}

// Delay returns the delay before reconnect attempt n
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter only
}

func (p BackoffPolicy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := math.Min(float64(p.Max), base+base*p.Jitter*random)
	return time.Duration(total)
}
