package orchestrator

import (
	"context"
	"sync"
)

// Canceller owns the registry of in-flight turns keyed by correlation
// identity. It is passed into the orchestrator and transport explicitly
// rather than living as a process-wide singleton.
type Canceller struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

// NewCanceller creates an empty registry.
func NewCanceller() *Canceller {
	return &Canceller{m: make(map[string]context.CancelFunc)}
}

// Register derives a cancellable context for the turn and records it under
// the correlation id. The returned release func must be called when the
// turn ends.
func (c *Canceller) Register(parent context.Context, correlationID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	c.mu.Lock()
	c.m[correlationID] = cancel
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.m, correlationID)
		c.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// Cancel cancels the turn registered under the correlation id, if any.
func (c *Canceller) Cancel(correlationID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[correlationID]
	c.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}
