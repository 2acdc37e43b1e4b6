package resilience

import (
	"context"
	"time"
)

type hedgeResult[T any] struct {
	value T
	err   error
}

// Hedge runs primary immediately and, if it has not completed after delay,
// starts secondary concurrently. The first to succeed wins; its sibling's
// context is cancelled. If primary fails before delay elapses, secondary is
// started immediately (no point waiting out the hedge window for a call
// that already failed) and its outcome is returned. If both ultimately
// fail, primary's error takes precedence.
func Hedge[T any](ctx context.Context, primary, secondary func(context.Context) (T, error), delay time.Duration) (T, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	primaryDone := make(chan hedgeResult[T], 1)
	secondaryDone := make(chan hedgeResult[T], 1)

	go func() {
		v, err := primary(ctx)
		primaryDone <- hedgeResult[T]{v, err}
	}()

	startSecondary := func() {
		go func() {
			v, err := secondary(ctx)
			secondaryDone <- hedgeResult[T]{v, err}
		}()
	}

	var zero T
	var timerC <-chan time.Time
	if delay <= 0 {
		startSecondary()
	} else {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		timerC = timer.C
	}

	secondaryStarted := delay <= 0
	var primaryResult *hedgeResult[T]

	for {
		select {
		case <-ctx.Done():
			if primaryResult != nil {
				return zero, primaryResult.err
			}
			return zero, ctx.Err()

		case r := <-primaryDone:
			if r.err == nil {
				return r.value, nil
			}
			if !secondaryStarted {
				// Primary failed before the hedge window opened: start
				// secondary now and use its outcome instead of waiting.
				secondaryStarted = true
				startSecondary()
				rc := <-secondaryDone
				if rc.err == nil {
					return rc.value, nil
				}
				return zero, r.err
			}
			primaryResult = &r

		case timerC2 := <-timerC:
			_ = timerC2
			if !secondaryStarted {
				secondaryStarted = true
				startSecondary()
			}
			timerC = nil

		case r := <-secondaryDone:
			if r.err == nil {
				return r.value, nil
			}
			if primaryResult != nil {
				return zero, primaryResult.err
			}
			// Secondary failed before primary resolved; keep waiting for
			// primary as the final arbiter.
			final := <-primaryDone
			return zero, final.err
		}
	}
}
