package client

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy describes how many attempts a fetch gets and how long to wait between them.
// The wait after the n-th failed attempt (0-based) is
// min(BaseDelay*Multiplier^n + U[0,MaxJitter), MaxDelay).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxJitter   time.Duration
	MaxDelay    time.Duration

	// Rand returns a value in [0,1). Nil uses math/rand.
	Rand func() float64
}

// DefaultRetryPolicy returns 3 attempts, 200ms base delay doubling per attempt,
// up to 100ms jitter and a 2s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		Multiplier:  2,
		MaxJitter:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultRetryPolicy.
func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Delay returns the wait after the given failed attempt (0-based).
func (p RetryPolicy) Delay(failedAttempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(failedAttempt))
	if p.MaxJitter > 0 {
		d += float64(p.MaxJitter) * p.random()
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p RetryPolicy) random() float64 {
	if p.Rand != nil {
		return p.Rand()
	}
	return rand.Float64()
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
