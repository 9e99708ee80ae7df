// Package device holds the state shared between the bridge components: the
// device context and the event vocabulary delivered by the controllers.
package device

import (
	"sync/atomic"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

// Context is the single owned record of mutable device state. Each field has
// exactly one writer role; atomics keep reads from other contexts coherent.
type Context struct {
	speed  atomic.Uint32
	active atomic.Bool

	ctrlCounter atomic.Uint32
	overflows   atomic.Uint32
	phyTotal    atomic.Uint32
	linkTotal   atomic.Uint32
}

// NewContext returns a context for a detached device.
func NewContext() *Context {
	return &Context{}
}

// Speed is the most recently negotiated link speed.
func (c *Context) Speed() usb.Speed { return usb.Speed(c.speed.Load()) }

// SetSpeed records a negotiated link speed.
func (c *Context) SetSpeed(s usb.Speed) { c.speed.Store(uint32(s)) }

// Active reports whether streaming is configured.
func (c *Context) Active() bool { return c.active.Load() }

// SetActive is written by the stream engine only.
func (c *Context) SetActive(v bool) { c.active.Store(v) }

// NextControlCount returns the rolling diagnostic counter and advances it.
func (c *Context) NextControlCount() uint32 { return c.ctrlCounter.Add(1) - 1 }

// Overflows is the number of external-bus overflow events seen.
func (c *Context) Overflows() uint32 { return c.overflows.Load() }

// AddOverflow records an external-bus overflow event.
func (c *Context) AddOverflow() uint32 { return c.overflows.Add(1) }

// AddErrors accumulates sampled error deltas and returns the new totals.
func (c *Context) AddErrors(phy, link uint16) (phyTotal, linkTotal uint32) {
	return c.phyTotal.Add(uint32(phy)), c.linkTotal.Add(uint32(link))
}

// ErrorTotals returns the cumulative PHY and LINK error counts.
func (c *Context) ErrorTotals() (phy, link uint32) {
	return c.phyTotal.Load(), c.linkTotal.Load()
}
