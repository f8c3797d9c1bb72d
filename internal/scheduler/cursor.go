package scheduler

import (
	"context"
	"sync"
)

// cursor hands out record indices to slots. Each index is claimed at most once.
type cursor struct {
	mu        sync.Mutex
	next      int
	size      int
	stopped   bool
	exhausted int
}

func newCursor(size int) *cursor {
	return &cursor{size: size}
}

// claim returns the next unclaimed index, or false once the list is exhausted,
// the cursor has been stopped or ctx is done. ctx is checked under the lock so
// no claim succeeds after the run's cancel function has returned.
func (c *cursor) claim(ctx context.Context) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		c.stopped = true
	}
	if c.stopped || c.next >= c.size {
		return 0, false
	}
	idx := c.next
	c.next++
	return idx, true
}

// stop refuses all further claims.
func (c *cursor) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// markExhausted records that a slot observed the end of the list.
func (c *cursor) markExhausted() {
	c.mu.Lock()
	c.exhausted++
	c.mu.Unlock()
}

func (c *cursor) dispatched() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next
}

func (c *cursor) exhaustedSlots() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exhausted
}
