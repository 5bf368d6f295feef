// Package poll provides the bounded wait loop shared by the verifier and the
// migration runner.
package poll

import (
	"context"
	"errors"
	"time"

	"k8s.io/utils/clock"
)

// ErrTimeout is returned by Until when the deadline passes before the
// condition is met.
var ErrTimeout = errors.New("poll: deadline exceeded")

// ConditionFunc reports whether the awaited state has been reached. A non-nil
// error stops polling and is returned as is.
type ConditionFunc func(ctx context.Context) (done bool, err error)

// Until evaluates cond immediately and then every interval until it reports
// done, returns an error, or timeout has elapsed. The wait before the next
// check never extends past the deadline, so a condition that is never met
// fails between timeout and timeout+interval after the call.
func Until(ctx context.Context, clk clock.Clock, interval, timeout time.Duration, cond ConditionFunc) error {
	deadline := clk.Now().Add(timeout)

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return ErrTimeout
		}

		t := clk.NewTimer(min(interval, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C():
		}
	}
}
