// Package timeline provides a monotonically increasing completion counter that a device signals as
// submitted work finishes, and that the CPU can block on.
package timeline

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// Counter is a monotonically increasing completion value. Signal may be called from any goroutine, typically
// whichever one observes device completion; WaitUntil is the single suspension point for consumers that
// need to know that work up through a value has finished.
type Counter struct {
	mutex   sync.Mutex
	value   uint64
	changed chan struct{}
}

// NewCounter creates a Counter starting at initial
func NewCounter(initial uint64) *Counter {
	return &Counter{
		value:   initial,
		changed: make(chan struct{}),
	}
}

// Value returns the most recently signaled value
func (c *Counter) Value() uint64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.value
}

// Signal advances the counter to value and wakes every waiter. Signaling the current value again is
// a no-op; signaling a lower value panics, since completion can never go backwards.
func (c *Counter) Signal(value uint64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if value < c.value {
		panic(errors.AssertionFailedf("timeline counter regressed from %d to %d", c.value, value))
	}
	if value == c.value {
		return
	}

	c.value = value
	close(c.changed)
	c.changed = make(chan struct{})
}

// IsComplete returns true if the counter has reached value
func (c *Counter) IsComplete(value uint64) bool {
	return c.Value() >= value
}

// WaitUntil blocks until the counter reaches value or ctx is done. It returns ctx.Err() in the latter case.
func (c *Counter) WaitUntil(ctx context.Context, value uint64) error {
	for {
		c.mutex.Lock()
		if c.value >= value {
			c.mutex.Unlock()
			return nil
		}
		changed := c.changed
		c.mutex.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
