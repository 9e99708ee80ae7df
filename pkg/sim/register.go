package sim

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/errcount"
)

// Register is a link error-counter register. A mutator adds PhyRate and
// LinkRate to the two 16-bit fields on every Tick, saturating at
// errcount.Saturated. Disable holds the mutator off, modelling a critical
// section on the device.
type Register struct {
	PhyRate  uint16
	LinkRate uint16

	crit  sync.Mutex
	v     atomic.Uint32
	loads atomic.Uint64
	// OnLoad, when set, may replace the value seen by the n-th Load.
	OnLoad func(n uint64, v uint32) uint32
}

// NewRegister returns a zeroed register.
func NewRegister(phyRate, linkRate uint16) *Register {
	return &Register{PhyRate: phyRate, LinkRate: linkRate}
}

func (r *Register) Load() uint32 {
	n := r.loads.Add(1)
	v := r.v.Load()
	if r.OnLoad != nil {
		v = r.OnLoad(n, v)
	}
	return v
}

func (r *Register) Store(v uint32) {
	r.v.Store(v)
}

// Loads counts Load calls.
func (r *Register) Loads() uint64 {
	return r.loads.Load()
}

// Disable blocks Tick until the returned function is called.
func (r *Register) Disable() (restore func()) {
	r.crit.Lock()
	return r.crit.Unlock
}

// Tick advances both counters once.
func (r *Register) Tick() {
	r.crit.Lock()
	defer r.crit.Unlock()
	phy, link := errcount.Fields(r.v.Load())
	r.v.Store(uint32(add(phy, r.PhyRate))<<16 | uint32(add(link, r.LinkRate)))
}

func add(v, d uint16) uint16 {
	if uint32(v)+uint32(d) >= errcount.Saturated {
		return errcount.Saturated
	}
	return v + d
}

// Run ticks every interval until ctx is done.
func (r *Register) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.Tick()
		}
	}
}
