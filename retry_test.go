package procession

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRetryEventuallySucceeds(t *testing.T) {
	errFlaky := errors.New("temporarily unavailable")
	var attempts int32

	a := WithRetry(NewActivity(
		func(ac ActivityContext) error {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return errFlaky
			}
			return nil
		},
		func(ac ActivityContext) error { return nil },
	), 5, time.Microsecond)

	if err := a.Execute(ActivityContext{ctx: context.Background()}); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRetryGivesUp(t *testing.T) {
	errDown := errors.New("hard down")
	var attempts int32

	a := WithRetry(NewActivity(
		func(ac ActivityContext) error {
			atomic.AddInt32(&attempts, 1)
			return errDown
		},
		func(ac ActivityContext) error { return nil },
	), 2, time.Microsecond)

	if err := a.Execute(ActivityContext{ctx: context.Background()}); !errors.Is(err, errDown) {
		t.Fatalf("expected the underlying failure, got %v", err)
	}
	// Initial attempt plus two retries.
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestRetryDoesNotRetryCancellation(t *testing.T) {
	var attempts int32
	ctx, cancel := context.WithCancel(context.Background())

	a := WithRetry(NewActivity(
		func(ac ActivityContext) error {
			atomic.AddInt32(&attempts, 1)
			cancel()
			return ac.Err()
		},
		func(ac ActivityContext) error { return nil },
	), 10, time.Microsecond)

	if err := a.Execute(ActivityContext{ctx: ctx}); err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("cancellation must not be retried, got %d attempts", got)
	}
}

func TestRetryLeavesCompensationAlone(t *testing.T) {
	errOnce := errors.New("first compensation fails")
	var attempts int32

	a := WithRetry(NewActivity(
		func(ac ActivityContext) error { return nil },
		func(ac ActivityContext) error {
			atomic.AddInt32(&attempts, 1)
			return errOnce
		},
	), 10, time.Microsecond)

	if err := a.Compensate(ActivityContext{ctx: context.Background()}); !errors.Is(err, errOnce) {
		t.Fatalf("expected the compensation failure, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("compensation must pass through unretried, got %d attempts", got)
	}
}
