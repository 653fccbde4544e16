package ratelimit

import (
	"context"
	"time"
)

// Limiter is anything that can hold a caller back before its next request.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Pause sleeps for d unless ctx is cancelled first. A non-positive d returns
// immediately, still reporting an already-cancelled context.
func Pause(ctx context.Context, d time.Duration) error {
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

// FixedDelay waits the same amount of time on every call. It is the
// politeness delay taken after a page fetch or between categories.
type FixedDelay struct {
	delay time.Duration
}

func NewFixedDelay(delay time.Duration) *FixedDelay {
	return &FixedDelay{delay: delay}
}

func (f *FixedDelay) Wait(ctx context.Context) error {
	return Pause(ctx, f.delay)
}

func (f *FixedDelay) Delay() time.Duration {
	return f.delay
}

// Backoff is an exponential delay schedule capped at Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial: 2 * time.Second,
		Max:     10 * time.Second,
		Factor:  2,
	}
}

// Duration returns the wait before retry number n (1-based): Initial for the
// first retry, multiplied by Factor for each one after, never above Max.
func (b Backoff) Duration(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Initial)
	for i := 1; i < n; i++ {
		d *= factor
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	if b.Max > 0 && time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}

// Wait sleeps for the n-th retry delay.
func (b Backoff) Wait(ctx context.Context, n int) error {
	return Pause(ctx, b.Duration(n))
}
