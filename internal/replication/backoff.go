package replication

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// backoff paces reconnect attempts after a dropped replication
// connection, doubling the delay on each failure up to a cap and
// resetting once a connection stays up. Grounded on the
// golang.org/x/time/rate usage pattern in evalgo-org-eve's HTTP
// middleware (rate.Limit wrapping a bursty resource), repurposed here
// from "cap requests per second" to "cap reconnect attempts per
// interval": each wait re-configures the limiter's rate to match the
// current backoff delay instead of using a fixed one.
type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// wait blocks until the current backoff delay has elapsed, or ctx is
// done, then doubles the delay for next time.
func (b *backoff) wait(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Every(b.current), 1)
	// Every newly constructed limiter starts with a full burst, so
	// reserve it immediately: the first Wait always blocks for the
	// configured interval rather than returning instantly.
	limiter.Allow()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return nil
}

// reset restores the delay to its initial value after a successful,
// durable connection.
func (b *backoff) reset() {
	b.current = b.initial
}
