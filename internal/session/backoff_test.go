package session

import (
	"testing"
	"time"
)

func TestBackoffDelayGrowth(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Cap: 60 * time.Second, Jitter: 0, MaxAttempts: 20}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	p := DefaultBackoff()

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			base := time.Second
			for j := 1; j < attempt; j++ {
				base *= 2
				if base >= p.Cap {
					base = p.Cap
					break
				}
			}
			lo := time.Duration(float64(base) * (1 - p.Jitter))
			hi := time.Duration(float64(base) * (1 + p.Jitter))
			if d < lo || d > hi {
				t.Fatalf("Delay(%d) = %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestBackoffClampsLowAttempt(t *testing.T) {
	p := BackoffPolicy{Base: time.Second, Multiplier: 2, Cap: time.Minute, Jitter: 0}
	if got := p.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want %v", got, time.Second)
	}
}
