// Package activeset enforces the leaky-bucket cap on concurrent in-core
// messages (§4.4).
package activeset

import "sync"

// Result is the main-loop hint returned by a drain attempt (§4.4, §9).
type Result int

const (
	DontWait Result = iota
	WaitForEvent
)

// Controller tracks how many messages are currently in core against the
// configured limit. The 1-and-1 alternation between incoming and deferred
// admission is driven by the caller (engine), which is what actually
// provides the fairness guarantee; Controller only enforces the cap.
type Controller struct {
	mu    sync.Mutex
	limit int
	count int
}

func New(limit int) *Controller {
	return &Controller{limit: limit}
}

// BelowLimit reports whether another message may be admitted.
func (c *Controller) BelowLimit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count < c.limit
}

func (c *Controller) Admit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
}

func (c *Controller) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.count > 0 {
		c.count--
	}
}

func (c *Controller) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Controller) Limit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limit
}
