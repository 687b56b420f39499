// Package correlator matches an asynchronous request id to its eventual
// response frame. It backs both the server's HTTP-response wait and the
// agent's own synchronous wait for tunnel_response during dial and
// reconnect.
package correlator

import (
	"context"
	"errors"
	"sync"

	"github.com/relaytun/relaytun/internal/frame"
)

// ErrAlreadyPending is returned by Register when id is already awaited.
var ErrAlreadyPending = errors.New("correlator: id already pending")

// ErrClosed is returned once the Correlator has been shut down.
var ErrClosed = errors.New("correlator: closed")

type result struct {
	frame *frame.Frame
	err   error
}

type pending struct {
	ch   chan result
	once sync.Once
}

func (p *pending) complete(f *frame.Frame) {
	p.once.Do(func() { p.ch <- result{frame: f}; close(p.ch) })
}

func (p *pending) abort(err error) {
	p.once.Do(func() { p.ch <- result{err: err}; close(p.ch) })
}

// Correlator tracks in-flight request ids awaiting a single response each.
type Correlator struct {
	mu      sync.Mutex
	waiters map[string]*pending
	closed  bool
}

// New constructs an empty Correlator.
func New() *Correlator {
	return &Correlator{waiters: make(map[string]*pending)}
}

// Register reserves id and returns a function that blocks until Deliver(id,
// ...) is called, ctx is done, or the Correlator is closed. Exactly one
// frame is ever delivered to the returned waiter, even under concurrent
// Deliver calls for the same id (at-most-once completion).
func (c *Correlator) Register(ctx context.Context, id string) (func() (*frame.Frame, error), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := c.waiters[id]; exists {
		c.mu.Unlock()
		return nil, ErrAlreadyPending
	}
	p := &pending{ch: make(chan result, 1)}
	c.waiters[id] = p
	c.mu.Unlock()

	wait := func() (*frame.Frame, error) {
		defer c.forget(id)
		select {
		case r := <-p.ch:
			return r.frame, r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return wait, nil
}

// Deliver completes the waiter registered for id, if any. It reports
// whether a waiter was found; delivering to an unknown or already-
// completed id is a harmless no-op.
func (c *Correlator) Deliver(id string, f *frame.Frame) bool {
	c.mu.Lock()
	p, ok := c.waiters[id]
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.complete(f)
	return true
}

func (c *Correlator) forget(id string) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

// Close releases every pending waiter's wait() call with ErrClosed.
// Subsequent Register calls also fail with ErrClosed.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	waiters := c.waiters
	c.waiters = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range waiters {
		p.abort(ErrClosed)
	}
}

// Pending reports the number of registered ids whose wait has not yet
// returned, delivered or not.
// Used by tests and by diagnostics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
