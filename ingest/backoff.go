package ingest

import (
	"context"
	"math/rand"
	"time"
)

// Backoff defines reconnect backoff behavior. MaxAttempts is the number of
// consecutive failed dials after which the exchange is marked unavailable;
// zero means never.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Factor      float64
	Jitter      float64
	MaxAttempts int
}

// DefaultBackoff provides conservative reconnect defaults.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        250 * time.Millisecond,
		Max:         5 * time.Second,
		Factor:      2.0,
		Jitter:      0.2,
		MaxAttempts: 10,
	}
}

// Next returns the wait before the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	limit := b.Max
	if limit <= 0 {
		limit = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > limit {
			wait = limit
			break
		}
		wait = next
	}
	if wait > limit {
		wait = limit
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := min(b.Jitter, 1)
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
