// Package firmware assembles the bridge components into one device: it owns
// the event queue, serializes control requests with event handling and runs
// the watchdog.
//
// # Usage
//
//	fw, err := firmware.New(firmware.DefaultConfig(), firmware.Hardware{
//		Lines:    lines,
//		Register: counters,
//		Stream:   usbCtrl,
//		Bus:      system.NewPortController(port),
//		Reset:    board.Reset,
//	})
//	if err := fw.Start(); err != nil { ... }
//	go fw.Run(ctx)
//
// The platform then calls Post for every controller event and Control for
// every vendor SETUP packet.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/bitbang"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/command"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/device"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/errcount"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/stream"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/system"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

// QueueDepth is the number of events Post buffers before dropping.
const QueueDepth = 64

// ErrMissingHardware is returned by New when a required component is nil.
var ErrMissingHardware = errors.New("firmware: missing hardware")

// Hardware is the platform the firmware runs on.
type Hardware struct {
	Lines      line.Driver
	Register   errcount.Register
	Preemption errcount.Preemption // may be nil
	Stream     stream.Controller
	Bus        system.BusController
	External   command.Starter // may be nil
	// Reset restarts the device. It must not call back into the firmware.
	Reset func()
	// Sleep replaces time.Sleep for the settle and reset-pulse delays.
	Sleep func(time.Duration)
}

// Firmware is one running device.
type Firmware struct {
	cfg *Config
	hw  Hardware

	Context *device.Context
	Engine  *stream.Engine
	Machine *system.Machine
	Bus     *bitbang.Bus
	Sampler *errcount.Sampler

	dispatcher *command.Dispatcher
	events     device.Table
	queue      chan device.Event

	mu      sync.Mutex
	dropped atomic.Uint64
	resets  atomic.Uint64
}

// New wires the components. Nothing is touched until Start.
func New(cfg *Config, hw Hardware) (*Firmware, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case hw.Lines == nil:
		return nil, fmt.Errorf("%w: lines", ErrMissingHardware)
	case hw.Register == nil:
		return nil, fmt.Errorf("%w: error counter register", ErrMissingHardware)
	case hw.Stream == nil:
		return nil, fmt.Errorf("%w: stream controller", ErrMissingHardware)
	case hw.Bus == nil:
		return nil, fmt.Errorf("%w: bus controller", ErrMissingHardware)
	}
	if hw.Sleep == nil {
		hw.Sleep = time.Sleep
	}

	f := &Firmware{
		cfg:     cfg,
		hw:      hw,
		Context: device.NewContext(),
		Bus:     bitbang.New(hw.Lines, bitbang.PinsFrom(cfg.Lines)),
		Sampler: errcount.New(hw.Register, hw.Preemption),
		queue:   make(chan device.Event, QueueDepth),
	}
	f.Machine = system.New(hw.Bus, cfg.PreRun, cfg.Work)
	f.Machine.PollInterval = cfg.PollInterval
	f.Machine.ResetGrace = cfg.ResetGrace

	f.Engine = stream.New(cfg.Stream, hw.Stream, f.Context)
	f.Engine.Fatal = f.fatal
	f.Engine.Overflow = func() { f.Post(device.Event{Kind: device.EventBusOverflow}) }

	f.events = device.Table{
		device.EventSetConfiguration: f.Engine.HandleEvent,
		device.EventReset:            f.Engine.HandleEvent,
		device.EventDisconnect:       f.Engine.HandleEvent,
		device.EventBusOverflow:      func(device.Event) { f.Context.AddOverflow() },
	}

	f.dispatcher = command.New(command.Deps{
		Context:         f.Context,
		Version:         cfg.Version,
		Lines:           hw.Lines,
		Bus:             f.Bus,
		Modes:           f.Machine,
		Sampler:         f.Sampler,
		Starter:         hw.External,
		InitPeripherals: f.initPeripherals,
	})
	return f, nil
}

// Config returns the validated configuration.
func (f *Firmware) Config() *Config {
	return f.cfg
}

func (f *Firmware) initPeripherals() error {
	return line.InitPeripherals(f.hw.Lines, f.cfg.Lines, f.hw.Sleep)
}

// Start runs board bring-up: the line init sequence, then PreRun bus mode
// when the bus is enabled.
func (f *Firmware) Start() error {
	if err := f.initPeripherals(); err != nil {
		return fmt.Errorf("firmware: init peripherals: %w", err)
	}
	if f.cfg.EnableSPI {
		if err := f.Machine.EnsureMode(system.ModePreRun); err != nil {
			return fmt.Errorf("firmware: enter pre-run: %w", err)
		}
	}
	logging.Info(logging.ComponentFirmware, "started", "version", fmt.Sprintf("0x%08X", f.cfg.Version),
		"spi", f.cfg.EnableSPI)
	return nil
}

// Post queues a controller event for Run. It never blocks; when the queue is
// full the event is dropped.
func (f *Firmware) Post(ev device.Event) {
	select {
	case f.queue <- ev:
	default:
		f.dropped.Add(1)
		logging.Warn(logging.ComponentFirmware, "event queue full, dropping", "event", ev)
	}
}

// HandleEvent applies one event immediately.
func (f *Firmware) HandleEvent(ev device.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.events.Dispatch(ev) {
		logging.Debug(logging.ComponentFirmware, "event ignored", "event", ev)
	}
}

// Control handles one SETUP packet. Setup failures are fatal and reset the
// device after the error is returned to the caller's log.
func (f *Firmware) Control(s usb.SetupPacket, ep command.ControlEndpoint) (bool, error) {
	f.mu.Lock()
	handled, err := f.dispatcher.Handle(s, ep)
	f.mu.Unlock()
	if err != nil && command.IsSetupError(err) {
		f.fatal(err)
	} else if err != nil {
		logging.Warn(logging.ComponentFirmware, "control request failed", "setup", s, "err", err)
	}
	return handled, err
}

// Run processes queued events and runs the watchdog until ctx is done.
func (f *Firmware) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = f.Machine.Watch(ctx, func() { f.reset("requested") })
	}()
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-f.queue:
				f.HandleEvent(ev)
			}
		}
	}()
	wg.Wait()
	return ctx.Err()
}

func (f *Firmware) fatal(err error) {
	logging.Error(logging.ComponentFirmware, "fatal error", "err", err, "settle", f.cfg.Settle)
	f.hw.Sleep(f.cfg.Settle)
	f.reset("fatal")
}

func (f *Firmware) reset(reason string) {
	f.resets.Add(1)
	logging.Warn(logging.ComponentFirmware, "device reset", "reason", reason)
	if f.hw.Reset != nil {
		f.hw.Reset()
	}
}

// Status is a snapshot of the device counters.
type Status struct {
	Mode         system.Mode
	Stream       stream.Stats
	Overflows    uint32
	PhyTotal     uint32
	LinkTotal    uint32
	Fallbacks    int
	Misses       int
	Resets       uint64
	DroppedEvent uint64
}

// Status collects the current counters.
func (f *Firmware) Status() Status {
	phy, link := f.Context.ErrorTotals()
	f.mu.Lock()
	fallbacks, misses := f.Sampler.Fallbacks, f.Sampler.Misses
	f.mu.Unlock()
	return Status{
		Mode:         f.Machine.Mode(),
		Stream:       f.Engine.Stats(),
		Overflows:    f.Context.Overflows(),
		PhyTotal:     phy,
		LinkTotal:    link,
		Fallbacks:    fallbacks,
		Misses:       misses,
		Resets:       f.resets.Load(),
		DroppedEvent: f.dropped.Load(),
	}
}
