package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-proxy/internal/models"
)

// defaultCoalesceTimeout bounds a shared upstream call when none is configured.
const defaultCoalesceTimeout = 10 * time.Second

// requestCoalescer collapses concurrent misses for the same key into one upstream call.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	if timeout <= 0 {
		timeout = defaultCoalesceTimeout
	}
	return &requestCoalescer{timeout: timeout}
}

// Do runs fn once per key among concurrent callers and hands every caller the result.
// fn runs detached from the first caller's cancellation, bounded by the coalescer timeout,
// so one caller giving up does not fail the others. shared reports whether the result
// was handed to more than one caller.
func (rc *requestCoalescer) Do(ctx context.Context, key string, fn func(context.Context) (models.Observation, error)) (obs models.Observation, shared bool, err error) {
	v, err, shared := rc.group.Do(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return fn(callCtx)
	})
	if err != nil {
		return models.Observation{}, shared, err
	}
	return v.(models.Observation), shared, nil
}
