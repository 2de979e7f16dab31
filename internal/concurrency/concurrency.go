// Package concurrency implements the per-destination concurrency window
// (slow start, failure backoff) and the short-term dead-destination cache
// described in spec §4.6.
package concurrency

import (
	"time"

	"github.com/igodwin/qmgr/internal/entity"
)

// Tunables are the per-transport window parameters (§4.6).
type Tunables struct {
	Initial int // initial_destination_concurrency
	Limit   int // transport's configured concurrency limit
}

type TunablesFunc func(transport string) Tunables

// Controller tracks concurrency windows and the dead-destination cache,
// bounded in size by qmgr_message_recipient_limit and evicted oldest-first
// (§4.6).
type Controller struct {
	tunables      TunablesFunc
	minBackoff    time.Duration
	deadCacheSize int
	clock         func() time.Time

	deadOrder []*entity.Destination // oldest first
}

func New(tunables TunablesFunc, minBackoff time.Duration, deadCacheSize int) *Controller {
	return &Controller{
		tunables:      tunables,
		minBackoff:    minBackoff,
		deadCacheSize: deadCacheSize,
		clock:         time.Now,
	}
}

// InitializeWindow sets a freshly created destination's window to its
// transport's initial_destination_concurrency (§4.6).
func (c *Controller) InitializeWindow(d *entity.Destination) {
	d.Window = c.tunables(d.Transport.Name).Initial
}

// OnSuccess grows the window by one, capped at the transport's configured
// limit (slow start, §4.6).
func (c *Controller) OnSuccess(d *entity.Destination) {
	limit := c.tunables(d.Transport.Name).Limit
	if d.Window < limit {
		d.Window++
	}
}

// OnHardFailure marks the destination dead with retry-after = now +
// min_backoff and resets its window to initial_destination_concurrency
// (§4.6, §7 item 5).
func (c *Controller) OnHardFailure(d *entity.Destination) {
	d.Dead = true
	d.RetryAfter = c.clock().Add(c.minBackoff)
	d.Window = c.tunables(d.Transport.Name).Initial
	c.rememberDead(d)
}

// OnTransportFailure marks the whole transport dead with retry-after = now +
// transportRetryTime (§4.6, §7 item 6: agent could not be spawned).
func (c *Controller) OnTransportFailure(t *entity.Transport, transportRetryTime time.Duration) {
	t.Dead = true
	t.RetryAfter = c.clock().Add(transportRetryTime)
}

// IsEligible reports whether d may currently be selected (§3 invariant 4):
// not dead, or its retry-after time has passed (in which case the dead flag
// is cleared to allow a single probe attempt).
func (c *Controller) IsEligible(d *entity.Destination) bool {
	if d.Transport.Dead {
		if c.clock().Before(d.Transport.RetryAfter) {
			return false
		}
		d.Transport.Dead = false
	}
	if !d.Dead {
		return true
	}
	if c.clock().Before(d.RetryAfter) {
		return false
	}
	d.Dead = false
	return true
}

func (c *Controller) rememberDead(d *entity.Destination) {
	for _, existing := range c.deadOrder {
		if existing == d {
			return
		}
	}
	c.deadOrder = append(c.deadOrder, d)
	if c.deadCacheSize > 0 {
		for len(c.deadOrder) > c.deadCacheSize {
			evicted := c.deadOrder[0]
			c.deadOrder = c.deadOrder[1:]
			evicted.Dead = false
		}
	}
}

// FlushDead clears every cached dead flag immediately and resets the
// affected destinations' concurrency windows (§4.2 FLUSH_DEAD, §4.6,
// supplemented feature 5: flush also resets windows, not only the flag).
func (c *Controller) FlushDead(transports []*entity.Transport) {
	for _, t := range transports {
		t.Dead = false
		for _, d := range t.Destinations {
			if d.Dead {
				d.Dead = false
				d.Window = c.tunables(t.Name).Initial
			}
		}
	}
	c.deadOrder = nil
}
