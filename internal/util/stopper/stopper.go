// Package stopper provides a cancellable context with an attached
// goroutine group, used by every long-running loop in the sync backend
// (Change Source reconnect loop, Change Streamer broadcast loop, View
// Syncer main loop, Connection read/write loops).
package stopper

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Context wraps a context.Context with an attached WaitGroup and a
// distinct "stopping" signal that fires before the context is
// cancelled, so that goroutines get a chance to flush in-flight work
// before their context is torn out from under them.
type Context struct {
	context.Context

	cancel context.CancelFunc

	mu struct {
		sync.Mutex
		err      error
		stopping chan struct{}
		stopped  bool
	}
	wg sync.WaitGroup
}

// WithContext returns a new stopper Context derived from parent.
func WithContext(parent context.Context) *Context {
	inner, cancel := context.WithCancel(parent)
	ret := &Context{Context: inner, cancel: cancel}
	ret.mu.stopping = make(chan struct{})
	return ret
}

// Go runs fn in a new goroutine tracked by the Context's WaitGroup. If
// fn returns a non-nil error, Stop is called to unwind any sibling
// goroutines and the error is recorded.
func (c *Context) Go(fn func() error) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
			c.mu.Lock()
			if c.mu.err == nil {
				c.mu.err = err
			}
			c.mu.Unlock()
			c.Stop(0)
		}
	}()
}

// Stopping returns a channel that is closed when Stop is first called.
// Unlike Done(), this fires before the underlying context is
// cancelled, giving loops a chance to flush.
func (c *Context) Stopping() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.stopping
}

// Stop requests a graceful shutdown: Stopping() fires immediately, and
// the underlying context is cancelled either once all tracked
// goroutines exit or after the grace duration elapses (0 means
// cancel immediately after signalling).
func (c *Context) Stop(grace time.Duration) {
	c.mu.Lock()
	if c.mu.stopped {
		c.mu.Unlock()
		return
	}
	c.mu.stopped = true
	close(c.mu.stopping)
	c.mu.Unlock()

	if grace <= 0 {
		c.cancel()
		return
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
	c.cancel()
}

// Wait blocks until all goroutines started via Go have returned.
func (c *Context) Wait() {
	c.wg.Wait()
}

// Err returns the first non-cancellation error returned by a goroutine
// started with Go, if any.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.err
}
