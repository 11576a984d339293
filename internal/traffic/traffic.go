// Package traffic keeps sliding-window counts of weather request outcomes for /health.
package traffic

import (
	"sync"
	"time"
)

// retention bounds how far back outcomes are kept; longer windows see only this much.
const retention = 5 * time.Minute

var defaultTracker = NewTracker(nil)

// RecordSuccess records a weather request answered with data.
func RecordSuccess() { defaultTracker.Record(Success) }

// RecordError records a weather request that failed upstream (502) or with a batch defect.
func RecordError() { defaultTracker.Record(Error) }

// RecordDenied records a request rejected by the rate limiter (429).
func RecordDenied() { defaultTracker.Record(Denied) }

// Snapshot returns the default tracker's counts within window.
func Snapshot(window time.Duration) Counts { return defaultTracker.Snapshot(window) }

// Reset clears the default tracker. For tests only.
func Reset() { defaultTracker.Reset() }

// Outcome classifies a recorded request.
type Outcome int

const (
	Success Outcome = iota
	Error
	Denied
)

// Counts are outcome totals within a window.
type Counts struct {
	Success int
	Errors  int
	Denied  int
}

// Total counts every recorded request, denied ones included.
func (c Counts) Total() int { return c.Success + c.Errors + c.Denied }

// ErrorPct is errors as a percentage of answered (success + error) requests.
func (c Counts) ErrorPct() float64 {
	answered := c.Success + c.Errors
	if answered == 0 {
		return 0
	}
	return float64(c.Errors) * 100 / float64(answered)
}

// DeniedPct is denials as a percentage of all requests.
func (c Counts) DeniedPct() float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.Denied) * 100 / float64(c.Total())
}

type event struct {
	at      time.Time
	outcome Outcome
}

// Tracker is a sliding window of request outcomes, oldest first.
type Tracker struct {
	mu     sync.Mutex
	now    func() time.Time
	events []event
}

// NewTracker creates a Tracker. now defaults to time.Now.
func NewTracker(now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{now: now}
}

// Record appends an outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.events = append(t.events, event{at: now, outcome: o})
	t.pruneLocked(now)
}

// Snapshot counts outcomes recorded within window ending now.
func (t *Tracker) Snapshot(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	var c Counts
	for _, e := range t.events {
		if e.at.Before(cutoff) {
			continue
		}
		switch e.outcome {
		case Success:
			c.Success++
		case Error:
			c.Errors++
		case Denied:
			c.Denied++
		}
	}
	return c
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = nil
}

func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for ; i < len(t.events) && t.events[i].at.Before(cutoff); i++ {
	}
	if i > 0 {
		t.events = append(t.events[:0], t.events[i:]...)
	}
}
