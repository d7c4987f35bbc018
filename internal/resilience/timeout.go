package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("operation timed out")

// TimeoutError reports that an operation lost the race against its ceiling.
type TimeoutError struct {
	Ceiling time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation timed out after %s", e.Ceiling)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// WithTimeout races op against a timer. When the timer wins, op's context is cancelled and
// a *TimeoutError is returned without waiting for op to return. Releasing whatever op still
// holds is the caller's job.
func WithTimeout(ctx context.Context, ceiling time.Duration, op func(ctx context.Context) error) error {
	if ceiling <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(opCtx)
	}()

	timer := time.NewTimer(ceiling)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return &TimeoutError{Ceiling: ceiling}
	case <-ctx.Done():
		return ctx.Err()
	}
}
