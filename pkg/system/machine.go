// Package system owns the peripheral-bus configuration mode and the deferred
// reset request, and runs the watchdog loop that honors it.
package system

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Mode is the peripheral-bus configuration in force.
type Mode uint8

const (
	ModeUninitialized Mode = iota
	ModePreRun
	ModeWork
)

var modeNames = map[Mode]string{
	ModeUninitialized: "Uninitialized",
	ModePreRun:        "PreRun",
	ModeWork:          "Work",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("Mode(%d)", m)
}

// ErrInvalidMode is returned when asking for a mode that cannot be entered.
var ErrInvalidMode = errors.New("system: invalid bus mode")

// BusConfig is the electrical setup of the peripheral bus for one mode.
type BusConfig struct {
	Mode             spi.Mode // clock polarity and phase
	Clock            physic.Frequency
	WordBits         int
	LSBFirst         bool
	SelectActiveHigh bool
	LeadCycles       int // select assert to first clock
	LagCycles        int // last clock to select release
}

// Validate checks that the configuration is programmable.
func (c BusConfig) Validate() error {
	if c.Clock <= 0 {
		return fmt.Errorf("system: bus clock must be positive, got %s", c.Clock)
	}
	if c.WordBits < 4 || c.WordBits > 32 {
		return fmt.Errorf("system: word length %d outside 4..32", c.WordBits)
	}
	if c.Mode&^spi.Mode3 != 0 {
		return fmt.Errorf("system: bus mode 0x%X carries flags beyond cpol/cpha", int(c.Mode))
	}
	if c.LeadCycles < 0 || c.LagCycles < 0 {
		return fmt.Errorf("system: negative select timing")
	}
	return nil
}

// DefaultPreRun is used while the attached peripherals are being brought up.
func DefaultPreRun() BusConfig {
	return BusConfig{
		Mode:             spi.Mode0,
		Clock:            10 * physic.MegaHertz,
		WordBits:         16,
		SelectActiveHigh: true,
		LeadCycles:       1,
		LagCycles:        1,
	}
}

// DefaultWork is used for register traffic once the device is running.
func DefaultWork() BusConfig {
	c := DefaultPreRun()
	c.SelectActiveHigh = false
	return c
}

// BusController programs the peripheral-bus block.
type BusController interface {
	// Init brings the block out of reset. It is called at most once.
	Init() error
	Configure(cfg BusConfig) error
}

// Machine serializes bus mode changes and holds the pending reset flag.
type Machine struct {
	// PollInterval is the watchdog cadence; ResetGrace is how long a
	// requested reset waits so an in-flight response can reach the host.
	PollInterval time.Duration
	ResetGrace   time.Duration

	bus BusController

	mu          sync.Mutex
	mode        Mode
	initialized bool
	configs     map[Mode]BusConfig
	applied     int

	pending atomic.Bool
}

// New returns a machine in ModeUninitialized.
func New(bus BusController, preRun, work BusConfig) *Machine {
	return &Machine{
		PollInterval: 100 * time.Millisecond,
		ResetGrace:   2500 * time.Millisecond,
		bus:          bus,
		configs:      map[Mode]BusConfig{ModePreRun: preRun, ModeWork: work},
	}
}

// Mode returns the active mode.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Config returns the configuration used for mode.
func (m *Machine) Config(mode Mode) BusConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configs[mode]
}

// Applied counts bus reconfigurations performed so far.
func (m *Machine) Applied() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applied
}

// EnsureMode switches the bus to want. Asking for the active mode does nothing.
func (m *Machine) EnsureMode(want Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if want == m.mode {
		return nil
	}
	cfg, ok := m.configs[want]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidMode, want)
	}
	if !m.initialized {
		if err := m.bus.Init(); err != nil {
			return fmt.Errorf("system: bus init: %w", err)
		}
		m.initialized = true
	}
	if err := m.apply(want, cfg); err != nil {
		return err
	}
	m.mode = want
	return nil
}

func (m *Machine) apply(mode Mode, cfg BusConfig) error {
	if err := m.bus.Configure(cfg); err != nil {
		return fmt.Errorf("system: configure %s: %w", mode, err)
	}
	m.applied++
	logging.Debug(logging.ComponentSystem, "bus configured", "mode", mode, "clock", cfg.Clock, "bits", cfg.WordBits)
	return nil
}

// SetClock changes the clock rate of one mode. When that mode is active the
// bus is reprogrammed immediately.
func (m *Machine) SetClock(mode Mode, f physic.Frequency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[mode]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidMode, mode)
	}
	cfg.Clock = f
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.configs[mode] = cfg
	if m.mode == mode {
		return m.apply(mode, cfg)
	}
	return nil
}

// RequestReset marks a full device reset as pending.
func (m *Machine) RequestReset() {
	m.pending.Store(true)
}

// ResetPending reports whether a reset is waiting for the watchdog.
func (m *Machine) ResetPending() bool {
	return m.pending.Load()
}
