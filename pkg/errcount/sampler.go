// Package errcount samples the link error-counter register.
//
// The register packs two 16-bit counters (PHY errors in the high half, LINK
// errors in the low half) and is rewritten by a background process this code
// does not control. A single load may observe a half-updated value, so the
// sampler only accepts a value that several back-to-back loads agree on.
package errcount

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

// ErrNotSuperSpeed is returned when sampling is requested below super speed;
// the counters only exist on the super-speed link.
var ErrNotSuperSpeed = errors.New("errcount: link not at super speed")

// Saturated is the value at which either field stops counting.
const Saturated = 0xFFFF

// Register is the memory-mapped counter register.
type Register interface {
	Load() uint32
	Store(v uint32)
}

// Preemption suppresses preemption of the calling context. Disable returns the
// function that restores it.
type Preemption interface {
	Disable() (restore func())
}

// Fields splits a raw register value into its PHY and LINK counters.
func Fields(v uint32) (phy, link uint16) {
	return uint16(v >> 16), uint16(v)
}

// Sample is the last two accepted register values.
type Sample struct {
	Previous uint32
	Current  uint32
}

// Delta is the per-field error growth since the previous sample.
type Delta struct {
	Phy  uint16
	Link uint16
}

// Sampler performs consensus reads of a Register.
type Sampler struct {
	reg     Register
	preempt Preemption
	sample  Sample

	// Fallbacks counts rounds that needed the critical-section re-read;
	// Misses counts rounds where no pair agreed.
	Fallbacks int
	Misses    int
}

// New returns a sampler. preempt may be nil on hosts where nothing can preempt
// the sampler.
func New(reg Register, preempt Preemption) *Sampler {
	return &Sampler{reg: reg, preempt: preempt}
}

// Snapshot returns the stored sample.
func (s *Sampler) Snapshot() Sample {
	return s.sample
}

// Raw performs one unchecked load for diagnostics.
func (s *Sampler) Raw() uint32 {
	return s.reg.Load()
}

// Sample returns the counter growth since the last call.
func (s *Sampler) Sample(speed usb.Speed) (Delta, error) {
	if speed != usb.SpeedSuper {
		return Delta{}, fmt.Errorf("%w (link is %s)", ErrNotSuperSpeed, speed)
	}

	prev := s.sample.Current
	cur, ok := s.read()
	if !ok {
		cur = prev
	}
	s.sample = Sample{Previous: prev, Current: cur}

	phy, link := Fields(cur)
	if phy == Saturated || link == Saturated {
		logging.Debug(logging.ComponentErrCount, "clearing saturated counters", "raw", fmt.Sprintf("0x%08X", cur))
		s.reg.Store(0)
	}

	pp, pl := Fields(prev)
	return Delta{Phy: delta(pp, phy), Link: delta(pl, link)}, nil
}

func (s *Sampler) read() (uint32, bool) {
	r0, r1, r2 := s.reg.Load(), s.reg.Load(), s.reg.Load()
	if r0 == r1 && r1 == r2 {
		return r0, true
	}

	s.Fallbacks++
	if s.preempt != nil {
		restore := s.preempt.Disable()
		defer restore()
	}
	r0, r1, r2 = s.reg.Load(), s.reg.Load(), s.reg.Load()
	switch {
	case r0 == r1:
		return r0, true
	case r1 == r2:
		return r1, true
	}
	s.Misses++
	logging.Debug(logging.ComponentErrCount, "no consensus", "r0", r0, "r1", r1, "r2", r2)
	return 0, false
}

// delta treats a decrease as an external clear: the new value is all growth.
func delta(prev, cur uint16) uint16 {
	if prev <= cur {
		return cur - prev
	}
	return cur
}
