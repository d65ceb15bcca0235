package session

import (
	"math/rand"
	"time"
)

// BackoffPolicy computes reconnect delays: exponential growth from Base
// up to Cap, with +/-Jitter applied so a fleet of bots does not
// reconnect in lockstep. After MaxAttempts consecutive failures the
// reconnect loop gives up and the session goes fatal.
type BackoffPolicy struct {
	Base        time.Duration
	Multiplier  float64
	Cap         time.Duration
	Jitter      float64 // fraction, e.g. 0.2 for +/-20%
	MaxAttempts int
}

// DefaultBackoff matches the broker's recommended reconnect schedule.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:        time.Second,
		Multiplier:  2,
		Cap:         60 * time.Second,
		Jitter:      0.2,
		MaxAttempts: 20,
	}
}

// Delay returns the wait before reconnect attempt n (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.Cap) {
			d = float64(p.Cap)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
