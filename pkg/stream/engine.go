// Package stream moves bulk data between the external synchronous bus and the
// USB bulk endpoints through two buffer-ring pipelines, and ties their
// lifetime to link configuration events.
package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/device"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

// State is the streaming session lifecycle.
type State uint8

const (
	StateStopped State = iota
	StateStarting
	StateActive
)

var stateNames = map[State]string{
	StateStopped:  "Stopped",
	StateStarting: "Starting",
	StateActive:   "Active",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", s)
}

var (
	ErrInvalidSpeed = errors.New("stream: invalid link speed")
	ErrStopped      = errors.New("stream: session not active")
	ErrOverflow     = errors.New("stream: external bus overflow")
	ErrBadSocket    = errors.New("stream: unknown producer socket")
)

// Config sizes the pipelines.
type Config struct {
	ConsumerEndpoint uint8 // device to host
	ProducerEndpoint uint8 // host to device
	BurstLength      int
	BufferCount      int
	HostBufferCount  int
	Sockets          []int
}

// DefaultConfig matches the reference firmware.
func DefaultConfig() Config {
	return Config{
		ConsumerEndpoint: 0x81,
		ProducerEndpoint: 0x01,
		BurstLength:      16,
		BufferCount:      4,
		HostBufferCount:  16,
		Sockets:          []int{0, 1},
	}
}

// Validate checks the geometry.
func (c Config) Validate() error {
	if c.ConsumerEndpoint&0x80 == 0 {
		return fmt.Errorf("stream: consumer endpoint 0x%02X is not IN", c.ConsumerEndpoint)
	}
	if c.ProducerEndpoint&0x80 != 0 {
		return fmt.Errorf("stream: producer endpoint 0x%02X is not OUT", c.ProducerEndpoint)
	}
	if c.BurstLength < 1 || c.BurstLength > 16 {
		return fmt.Errorf("stream: burst length %d outside 1..16", c.BurstLength)
	}
	if c.BufferCount < 1 || c.HostBufferCount < 1 {
		return fmt.Errorf("stream: buffer counts must be positive")
	}
	if len(c.Sockets) == 0 {
		return fmt.Errorf("stream: at least one producer socket required")
	}
	return nil
}

// Stats summarizes pipeline traffic.
type Stats struct {
	State           State
	Speed           usb.Speed
	UnitSize        int
	ToHostCommitted uint64
	ToHostDelivered uint64
	FromHostQueued  uint64
	FromHostDrained uint64
	Overflows       uint64
}

// Engine owns the streaming session.
type Engine struct {
	cfg  Config
	ctrl Controller
	dev  *device.Context

	// Fatal is called, outside the engine lock, with any setup or teardown
	// failure. The device is expected to reset.
	Fatal func(error)
	// Overflow is called when the external bus finds the ring full.
	Overflow func()

	mu        sync.Mutex
	state     State
	speed     usb.Speed
	toHost    *Pipeline
	fromHost  *Pipeline
	overflows uint64
	totals    Stats
}

// New returns a stopped engine.
func New(cfg Config, ctrl Controller, dev *device.Context) *Engine {
	if dev == nil {
		dev = device.NewContext()
	}
	return &Engine{cfg: cfg, ctrl: ctrl, dev: dev}
}

// State returns the session state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ToHost returns the device-to-host pipeline, or nil when stopped.
func (e *Engine) ToHost() *Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toHost
}

// FromHost returns the host-to-device pipeline, or nil when stopped.
func (e *Engine) FromHost() *Pipeline {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fromHost
}

// HandleEvent applies a link event. Reconfiguration always passes through
// Stopped.
func (e *Engine) HandleEvent(ev device.Event) {
	switch ev.Kind {
	case device.EventSetConfiguration:
		if e.State() == StateActive {
			if err := e.Teardown(); err != nil {
				return
			}
		}
		_ = e.Configure(ev.Speed)
	case device.EventReset, device.EventDisconnect:
		if e.State() == StateActive {
			_ = e.Teardown()
		}
	}
}

// Configure builds and arms both pipelines for speed. A configured engine is
// torn down first.
func (e *Engine) Configure(speed usb.Speed) error {
	if e.State() == StateActive {
		if err := e.Teardown(); err != nil {
			return err
		}
	}

	e.mu.Lock()
	err := e.configure(speed)
	unit := 0
	if err != nil {
		e.state = StateStopped
		e.toHost, e.fromHost = nil, nil
	} else {
		unit = e.toHost.Ring.Size()
	}
	e.mu.Unlock()

	if err != nil {
		e.fatal(err)
		return err
	}
	e.dev.SetSpeed(speed)
	e.dev.SetActive(true)
	logging.Info(logging.ComponentStream, "streaming configured", "speed", speed,
		"unit", unit, "buffers", e.cfg.BufferCount)
	return nil
}

func (e *Engine) configure(speed usb.Speed) error {
	unit := speed.PacketSize()
	if unit == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSpeed, speed)
	}
	burst := 1
	if speed.Bursts() {
		burst = e.cfg.BurstLength
	}
	e.state = StateStarting
	e.speed = speed

	inRing, err := NewRing(e.cfg.BufferCount, unit*burst, RoleIn)
	if err != nil {
		return err
	}
	toHost := &Pipeline{
		Name:     "to-host",
		Endpoint: e.cfg.ConsumerEndpoint,
		Mode:     ModeAutoManyToOne,
		Sockets:  append([]int(nil), e.cfg.Sockets...),
		Ring:     inRing,
	}
	if err := e.setup(toHost, EndpointConfig{
		Address: e.cfg.ConsumerEndpoint, Enable: true, MaxPacket: unit, Burst: burst,
	}, Unlimited); err != nil {
		return err
	}
	e.toHost = toHost

	outRing, err := NewRing(e.cfg.HostBufferCount, unit, RoleOut)
	if err != nil {
		return err
	}
	fromHost := &Pipeline{
		Name:     "from-host",
		Endpoint: e.cfg.ProducerEndpoint,
		Mode:     ModeManualIn,
		Ring:     outRing,
	}
	if err := e.setup(fromHost, EndpointConfig{
		Address: e.cfg.ProducerEndpoint, Enable: true, MaxPacket: unit, Burst: 1,
	}, e.cfg.HostBufferCount); err != nil {
		return err
	}
	e.fromHost = fromHost

	e.state = StateActive
	return nil
}

func (e *Engine) setup(p *Pipeline, ep EndpointConfig, transfers int) error {
	if err := e.ctrl.ConfigureEndpoint(ep); err != nil {
		return fmt.Errorf("stream: configure endpoint 0x%02X: %w", ep.Address, err)
	}
	if err := e.ctrl.Bind(p); err != nil {
		return fmt.Errorf("stream: bind %s: %w", p.Name, err)
	}
	if err := e.ctrl.Arm(p, transfers); err != nil {
		return fmt.Errorf("stream: arm %s: %w", p.Name, err)
	}
	if err := e.ctrl.FlushEndpoint(ep.Address); err != nil {
		return fmt.Errorf("stream: flush endpoint 0x%02X: %w", ep.Address, err)
	}
	return nil
}

// Teardown releases both pipelines and disables their endpoints. It does
// nothing when the engine is stopped.
func (e *Engine) Teardown() error {
	e.mu.Lock()
	if e.state == StateStopped {
		e.mu.Unlock()
		return nil
	}
	e.state = StateStopped
	e.dev.SetActive(false)
	e.foldTotals()
	var err error
	for _, p := range []*Pipeline{e.toHost, e.fromHost} {
		if p == nil {
			continue
		}
		if err = e.release(p); err != nil {
			break
		}
	}
	e.toHost, e.fromHost = nil, nil
	e.mu.Unlock()

	if err != nil {
		e.fatal(err)
		return err
	}
	logging.Info(logging.ComponentStream, "streaming stopped")
	return nil
}

func (e *Engine) release(p *Pipeline) error {
	if err := e.ctrl.Unbind(p); err != nil {
		return fmt.Errorf("stream: unbind %s: %w", p.Name, err)
	}
	if err := e.ctrl.FlushEndpoint(p.Endpoint); err != nil {
		return fmt.Errorf("stream: flush endpoint 0x%02X: %w", p.Endpoint, err)
	}
	if err := e.ctrl.ConfigureEndpoint(EndpointConfig{Address: p.Endpoint}); err != nil {
		return fmt.Errorf("stream: disable endpoint 0x%02X: %w", p.Endpoint, err)
	}
	p.Ring.Reset()
	return nil
}

// foldTotals adds the current rings' counters to the running totals.
func (e *Engine) foldTotals() {
	if e.toHost != nil {
		c, r := e.toHost.Ring.Counters()
		e.totals.ToHostCommitted += c
		e.totals.ToHostDelivered += r
	}
	if e.fromHost != nil {
		c, r := e.fromHost.Ring.Counters()
		e.totals.FromHostQueued += c
		e.totals.FromHostDrained += r
	}
}

func (e *Engine) fatal(err error) {
	logging.Error(logging.ComponentStream, "fatal streaming failure", "err", err)
	if e.Fatal != nil {
		e.Fatal(err)
	}
}

// Produce commits one buffer of external-bus data from socket. Data beyond the
// buffer capacity is dropped and the committed length returned. A full ring is
// an overflow: the data is lost and Overflow is notified.
func (e *Engine) Produce(socket int, data []byte) (int, error) {
	e.mu.Lock()
	p := e.toHost
	if e.state != StateActive || p == nil {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	known := false
	for _, s := range p.Sockets {
		known = known || s == socket
	}
	if !known {
		e.mu.Unlock()
		return 0, fmt.Errorf("%w: %d", ErrBadSocket, socket)
	}
	buf, err := p.Ring.Acquire()
	if errors.Is(err, ErrRingFull) {
		e.overflows++
	}
	e.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrRingFull) {
			if e.Overflow != nil {
				e.Overflow()
			}
			return 0, ErrOverflow
		}
		return 0, err
	}
	n := copy(buf.Space(), data)
	if err := p.Ring.Commit(buf, n); err != nil {
		return 0, err
	}
	return n, nil
}

// Consume drains the oldest host-to-device buffer.
func (e *Engine) Consume() ([]byte, bool) {
	p := e.FromHost()
	if p == nil {
		return nil, false
	}
	buf, ok := p.Ring.Next()
	if !ok {
		return nil, false
	}
	data := append([]byte(nil), buf.Bytes()...)
	_ = p.Ring.Release(buf)
	return data, true
}

// Stats returns counters accumulated across sessions.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.totals
	s.State = e.state
	s.Speed = e.speed
	s.Overflows = e.overflows
	if e.toHost != nil {
		s.UnitSize = e.toHost.Ring.Size()
		c, r := e.toHost.Ring.Counters()
		s.ToHostCommitted += c
		s.ToHostDelivered += r
	}
	if e.fromHost != nil {
		c, r := e.fromHost.Ring.Counters()
		s.FromHostQueued += c
		s.FromHostDrained += r
	}
	return s
}
