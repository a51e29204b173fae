package procession

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// WithRetry decorates an activity so its forward step is retried with a
// constant backoff before the failure reaches the engine. Compensation is
// deliberately passed through untouched: a failed compensation ends the
// rollback, and hiding that behind retries belongs to the caller's activity,
// not to a default decorator.
//
// Cancellation is never retried; the run pauses as usual.
func WithRetry(a Activity, maxRetries uint64, interval time.Duration) Activity {
	return &retryActivity{
		inner:      a,
		maxRetries: maxRetries,
		interval:   interval,
	}
}

type retryActivity struct {
	inner      Activity
	maxRetries uint64
	interval   time.Duration
}

func (r *retryActivity) Execute(ctx ActivityContext) error {
	return retry.Do(
		ctx.Context(),
		retry.WithMaxRetries(r.maxRetries, retry.NewConstant(r.interval)),
		func(c context.Context) error {
			err := r.inner.Execute(ActivityContext{ctx: c, payload: ctx.payload})
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return err
			}
			return retry.RetryableError(err)
		},
	)
}

func (r *retryActivity) Compensate(ctx ActivityContext) error {
	return r.inner.Compensate(ctx)
}
