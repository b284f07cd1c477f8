package cloud

import (
	"math"
	"time"
)

// Backoff defaults used when a policy field is left zero.
const (
	DefaultBackoffMin         = 1 * time.Second
	DefaultBackoffMax         = 5 * time.Second
	DefaultBackoffFactor      = 2.0
	DefaultBackoffJitter      = 0.5
	DefaultBackoffMaxAttempts = 5
)

// Backoff describes the delay schedule between reconnection attempts.
//
// It holds no attempt counter: the Manager owns the counter and asks
// Delay for the wait that precedes a given attempt.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoff returns the policy used when nothing is configured.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:         DefaultBackoffMin,
		Max:         DefaultBackoffMax,
		Factor:      DefaultBackoffFactor,
		Jitter:      DefaultBackoffJitter,
		MaxAttempts: DefaultBackoffMaxAttempts,
	}
}

// Delay returns the wait before the given zero-based attempt.
//
// r must be a uniform random value in [0, 1). The base delay is
// Min*Factor^attempt; with jitter, up to Jitter*base is added or
// subtracted, chosen by r. The result never exceeds Max.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	b = b.normalised()
	if attempt < 0 {
		attempt = 0
	}

	ms := float64(b.Min.Milliseconds()) * math.Pow(b.Factor, float64(attempt))
	if b.Jitter > 0 {
		deviation := math.Floor(r * b.Jitter * ms)
		if int(math.Floor(r*10))&1 == 0 {
			ms -= deviation
		} else {
			ms += deviation
		}
	}

	maxMs := float64(b.Max.Milliseconds())
	if ms > maxMs || math.IsInf(ms, 1) || math.IsNaN(ms) {
		ms = maxMs
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Exhausted reports whether attempt has reached the ceiling.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.normalised().MaxAttempts
}

func (b Backoff) normalised() Backoff {
	if b.Min <= 0 {
		b.Min = DefaultBackoffMin
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.Factor < 1 {
		b.Factor = DefaultBackoffFactor
	}
	if b.Jitter < 0 || b.Jitter > 1 {
		b.Jitter = DefaultBackoffJitter
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultBackoffMaxAttempts
	}
	return b
}
