package worker

import (
	"context"
	"time"
)

// Waker blocks between empty poll cycles. Wait returns early, with a nil
// error, when new work may be available, and returns ctx.Err() once ctx is
// done.
type Waker interface {
	Wait(ctx context.Context, d time.Duration) error
}

// TimerWaker just sleeps.
type TimerWaker struct{}

func (TimerWaker) Wait(ctx context.Context, d time.Duration) error {
	return pause(ctx, d)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
