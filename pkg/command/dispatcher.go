// Package command decodes vendor control requests and carries them out against
// the bridge components.
//
// Every request is handled synchronously in the control-transfer context. A
// request the dispatcher does not know is declined so the controller can apply
// its default handling.
package command

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/device"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/errcount"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/system"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

// ErrShortPayload is returned when the host sends less data than a request
// needs.
var ErrShortPayload = errors.New("command: short payload")

// SetupError marks a failure to bring a component into the state a request
// needs. These cannot be recovered without a device reset.
type SetupError struct {
	Request Request
	Err     error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("command: %s: setup failed: %v", e.Request, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// IsSetupError reports whether err carries a SetupError.
func IsSetupError(err error) bool {
	var se *SetupError
	return errors.As(err, &se)
}

// ControlEndpoint is the data stage of endpoint 0.
type ControlEndpoint interface {
	// Send transmits the device-to-host data stage.
	Send(data []byte) error
	// Receive reads n bytes of host-to-device data stage.
	Receive(n int) ([]byte, error)
}

// Bus is the bit-banged peripheral bus.
type Bus interface {
	Exchange(tx []byte) ([]byte, error)
	Write(tx []byte) error
	ReadRegister(addr uint16) (byte, error)
	WriteRegister(addr uint16, v byte) error
}

// Modes is the system state machine.
type Modes interface {
	EnsureMode(want system.Mode) error
	SetClock(mode system.Mode, f physic.Frequency) error
	RequestReset()
}

// Sampler is the error-counter sampler.
type Sampler interface {
	Sample(speed usb.Speed) (errcount.Delta, error)
	Raw() uint32
}

// Starter starts the external-bus state machine.
type Starter interface {
	Start() error
}

// Deps are the components a Dispatcher drives.
type Deps struct {
	Context *device.Context
	Version uint32
	Lines   line.Driver
	Bus     Bus
	Modes   Modes
	Sampler Sampler
	Starter Starter
	// InitPeripherals runs the board bring-up sequence for INIT_PROJECT.
	InitPeripherals func() error
}

type handler func(s usb.SetupPacket, ep ControlEndpoint) error

// Dispatcher routes control requests by code.
type Dispatcher struct {
	d     Deps
	table map[Request]handler
}

// New builds a dispatcher.
func New(d Deps) *Dispatcher {
	if d.Context == nil {
		d.Context = device.NewContext()
	}
	if d.Version == 0 {
		d.Version = DefaultVersion
	}
	x := &Dispatcher{d: d}
	x.table = map[Request]handler{
		ReqSetAddress:    func(usb.SetupPacket, ControlEndpoint) error { return nil },
		ReqGetVersion:    x.getVersion,
		ReqInitProject:   x.initProject,
		ReqStart:         x.start,
		ReqReset:         x.reset,
		ReqReadDebugInfo: x.readDebugInfo,
		ReqSetSPIClock:   x.setSPIClock,
		ReqReadGPIO:      x.readGPIO,
		ReqWriteGPIO:     x.writeGPIO,
		ReqRegWrite:      x.regWrite,
		ReqRegRead:       x.regRead,
		ReqRegWrite8:     x.regWrite8,
		ReqRegRead8:      x.regRead8,
	}
	return x
}

// Handle executes one control request. handled is false when the request is
// not a vendor command of this device.
func (x *Dispatcher) Handle(s usb.SetupPacket, ep ControlEndpoint) (handled bool, err error) {
	req := Request(s.Request)
	h, ok := x.table[req]
	if !ok {
		logging.Debug(logging.ComponentCommand, "declined request", "setup", s)
		return false, nil
	}
	logging.Debug(logging.ComponentCommand, "request", "code", req, "value", s.Value, "index", s.Index, "length", s.Length)
	return true, h(s, ep)
}

func (x *Dispatcher) getVersion(s usb.SetupPacket, ep ControlEndpoint) error {
	b, _ := FirmwareDescription{Version: x.d.Version}.MarshalBinary()
	return ep.Send(truncate(b, s.Length))
}

func (x *Dispatcher) start(s usb.SetupPacket, ep ControlEndpoint) error {
	if x.d.Starter != nil {
		if err := x.d.Starter.Start(); err != nil {
			return &SetupError{Request: ReqStart, Err: err}
		}
	}
	return ep.Send(make([]byte, s.Length))
}

func (x *Dispatcher) initProject(s usb.SetupPacket, ep ControlEndpoint) error {
	var err error
	if x.d.InitPeripherals != nil {
		err = x.d.InitPeripherals()
	}
	return ep.Send(truncate(putWords(line.Status(err)), s.Length))
}

func (x *Dispatcher) readGPIO(s usb.SetupPacket, ep ControlEndpoint) error {
	lvl, err := x.d.Lines.Get(line.ID(s.Index))
	v := uint32(0)
	if err == nil && lvl == gpio.High {
		v = 1
	}
	return ep.Send(truncate(putWords(line.Status(err), v), s.Length))
}

func (x *Dispatcher) writeGPIO(s usb.SetupPacket, ep ControlEndpoint) error {
	err := x.d.Lines.Set(line.ID(s.Index), gpio.Level(s.Value != 0))
	if err != nil {
		logging.Warn(logging.ComponentCommand, "write gpio failed", "line", s.Index, "err", err)
	}
	return ep.Send(truncate(putWords(line.Status(err)), s.Length))
}

func (x *Dispatcher) work(req Request) error {
	if err := x.d.Modes.EnsureMode(system.ModeWork); err != nil {
		return &SetupError{Request: req, Err: err}
	}
	return nil
}

func (x *Dispatcher) regWrite(s usb.SetupPacket, ep ControlEndpoint) error {
	if err := x.work(ReqRegWrite); err != nil {
		return err
	}
	payload, err := ep.Receive(int(s.Length))
	if err != nil {
		return fmt.Errorf("command: %s: data stage: %w", ReqRegWrite, err)
	}
	if len(payload) < 2 {
		return fmt.Errorf("%w: %s needs 2 bytes, got %d", ErrShortPayload, ReqRegWrite, len(payload))
	}
	if err := x.d.Bus.Write(payload[:2]); err != nil {
		return fmt.Errorf("command: %s: %w", ReqRegWrite, err)
	}
	return nil
}

func (x *Dispatcher) regRead(s usb.SetupPacket, ep ControlEndpoint) error {
	if err := x.work(ReqRegRead); err != nil {
		return err
	}
	rx, err := x.d.Bus.Exchange([]byte{byte(s.Value), byte(s.Index)})
	if err != nil {
		return fmt.Errorf("command: %s: %w", ReqRegRead, err)
	}
	b := make([]byte, BlockSize)
	copy(b, rx)
	return ep.Send(truncate(b, s.Length))
}

func (x *Dispatcher) regWrite8(s usb.SetupPacket, ep ControlEndpoint) error {
	if err := x.work(ReqRegWrite8); err != nil {
		return err
	}
	err := x.d.Bus.WriteRegister(s.Value, byte(s.Index))
	return ep.Send(truncate(putWords(line.Status(err)), s.Length))
}

func (x *Dispatcher) regRead8(s usb.SetupPacket, ep ControlEndpoint) error {
	if err := x.work(ReqRegRead8); err != nil {
		return err
	}
	v, err := x.d.Bus.ReadRegister(s.Value)
	return ep.Send(truncate(putWords(line.Status(err), uint32(v)), s.Length))
}

func (x *Dispatcher) setSPIClock(s usb.SetupPacket, ep ControlEndpoint) error {
	hz := uint32(s.Value) | uint32(s.Index)<<16
	if hz == 0 || physic.Frequency(hz)*physic.Hertz > system.MaxClock {
		return ep.Send(truncate(putWords(line.StatusBadArgument), s.Length))
	}
	if err := x.d.Modes.SetClock(system.ModeWork, physic.Frequency(hz)*physic.Hertz); err != nil {
		return &SetupError{Request: ReqSetSPIClock, Err: err}
	}
	return ep.Send(truncate(putWords(line.StatusSuccess), s.Length))
}

func (x *Dispatcher) reset(s usb.SetupPacket, ep ControlEndpoint) error {
	if s.Length > 0 {
		if _, err := ep.Receive(int(s.Length)); err != nil {
			return fmt.Errorf("command: %s: data stage: %w", ReqReset, err)
		}
	}
	x.d.Modes.RequestReset()
	logging.Info(logging.ComponentCommand, "reset deferred")
	return nil
}

func (x *Dispatcher) readDebugInfo(s usb.SetupPacket, ep ControlEndpoint) error {
	ctx := x.d.Context
	info := DebugInfo{
		Counter:   ctx.NextControlCount(),
		Overflows: ctx.Overflows(),
		Sentinel:  DebugSentinel,
	}
	d, err := x.d.Sampler.Sample(ctx.Speed())
	if err != nil {
		logging.Debug(logging.ComponentCommand, "error counters unavailable", "err", err)
	}
	info.PhyDelta, info.LinkDelta = uint32(d.Phy), uint32(d.Link)
	info.Raw = x.d.Sampler.Raw()
	info.PhyTotal, info.LinkTotal = ctx.AddErrors(d.Phy, d.Link)

	b, _ := info.MarshalBinary()
	return ep.Send(truncate(b, s.Length))
}
