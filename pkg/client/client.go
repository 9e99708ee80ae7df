// Package client talks to a bridge over its vendor control requests and bulk
// stream. It works the same against a real device opened with gousb and the
// simulated board in package sim.
package client

import (
	"errors"
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/command"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
	"periph.io/x/conn/v3/gpio"
)

const (
	vendorIn  = usb.DirectionIn | usb.TypeVendor | usb.RecipientDevice
	vendorOut = usb.DirectionOut | usb.TypeVendor | usb.RecipientDevice
)

// ErrShortResponse is returned when the device answers with fewer bytes than
// the request needs.
var ErrShortResponse = errors.New("client: short response")

// StatusError is a non-zero status word returned by the device.
type StatusError struct {
	Op   string
	Code uint32
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("client: %s: device status 0x%02X (%s)", e.Op, e.Code, statusName(e.Code))
}

func statusName(code uint32) string {
	switch code {
	case line.StatusBadArgument:
		return "bad argument"
	case line.StatusReadOnly:
		return "read only"
	case line.StatusFailure:
		return "failure"
	}
	return "unknown"
}

// Transport performs control transfers. *gousb.Device satisfies it.
type Transport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// StreamSource delivers data from the to-host bulk endpoint.
type StreamSource interface {
	Read(p []byte) (int, error)
}

// Client issues bridge commands over a Transport.
type Client struct {
	t Transport
}

// New wraps a transport.
func New(t Transport) *Client {
	return &Client{t: t}
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.t
}

func (c *Client) in(req command.Request, val, idx uint16, want int) ([]byte, error) {
	buf := make([]byte, want)
	n, err := c.t.Control(vendorIn, uint8(req), val, idx, buf)
	if err != nil {
		return nil, fmt.Errorf("client: %s: %w", req, err)
	}
	logging.Debug(logging.ComponentClient, "control in", "request", req, "value", val, "index", idx, "bytes", n)
	if n < want {
		return nil, fmt.Errorf("%w: %s returned %d of %d bytes", ErrShortResponse, req, n, want)
	}
	return buf[:n], nil
}

func (c *Client) out(req command.Request, val, idx uint16, data []byte) error {
	if _, err := c.t.Control(vendorOut, uint8(req), val, idx, data); err != nil {
		return fmt.Errorf("client: %s: %w", req, err)
	}
	logging.Debug(logging.ComponentClient, "control out", "request", req, "value", val, "index", idx, "bytes", len(data))
	return nil
}

// status issues an IN request answered by status words and returns the
// words after the status.
func (c *Client) status(req command.Request, val, idx uint16, words int) ([]uint32, error) {
	b, err := c.in(req, val, idx, 4*words)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, words)
	for i := range out {
		out[i], _ = command.Word(b, i)
	}
	if out[0] != line.StatusSuccess {
		return nil, &StatusError{Op: req.String(), Code: out[0]}
	}
	return out[1:], nil
}

// Version returns the firmware build identifier.
func (c *Client) Version() (uint32, error) {
	b, err := c.in(command.ReqGetVersion, 0, 0, command.BlockSize)
	if err != nil {
		return 0, err
	}
	d, err := command.ParseFirmwareDescription(b)
	if err != nil {
		return 0, err
	}
	return d.Version, nil
}

// InitProject reruns the board peripheral bring-up.
func (c *Client) InitProject() error {
	_, err := c.status(command.ReqInitProject, 0, 0, 1)
	return err
}

// Start starts the external-bus state machine.
func (c *Client) Start() error {
	_, err := c.in(command.ReqStart, 0, 0, 4)
	return err
}

// ReadGPIO reads one line.
func (c *Client) ReadGPIO(id line.ID) (gpio.Level, error) {
	w, err := c.status(command.ReqReadGPIO, 0, uint16(id), 2)
	if err != nil {
		return gpio.Low, err
	}
	return gpio.Level(w[0] != 0), nil
}

// WriteGPIO drives one line.
func (c *Client) WriteGPIO(id line.ID, level gpio.Level) error {
	val := uint16(0)
	if level == gpio.High {
		val = 1
	}
	_, err := c.status(command.ReqWriteGPIO, val, uint16(id), 1)
	return err
}

// RegWrite shifts two bytes out to the peripheral under one select.
func (c *Client) RegWrite(b0, b1 byte) error {
	return c.out(command.ReqRegWrite, 0, 0, []byte{b0, b1})
}

// RegRead clocks b0 and b1 out full-duplex and returns the two bytes clocked
// in. With the register framing the second byte is the register value.
func (c *Client) RegRead(b0, b1 byte) ([2]byte, error) {
	b, err := c.in(command.ReqRegRead, uint16(b0), uint16(b1), 2)
	if err != nil {
		return [2]byte{}, err
	}
	return [2]byte{b[0], b[1]}, nil
}

// RegWrite8 writes one converter register.
func (c *Client) RegWrite8(addr uint16, v byte) error {
	_, err := c.status(command.ReqRegWrite8, addr, uint16(v), 1)
	return err
}

// RegRead8 reads one converter register.
func (c *Client) RegRead8(addr uint16) (byte, error) {
	w, err := c.status(command.ReqRegRead8, addr, 0, 2)
	if err != nil {
		return 0, err
	}
	return byte(w[0]), nil
}

// SetSPIClock sets the work-mode bus clock in hertz.
func (c *Client) SetSPIClock(hz uint32) error {
	_, err := c.status(command.ReqSetSPIClock, uint16(hz), uint16(hz>>16), 1)
	return err
}

// Reset requests a device reset. The device answers, then disappears after
// its grace period.
func (c *Client) Reset() error {
	return c.out(command.ReqReset, 0, 0, nil)
}

// DebugInfo reads the diagnostic block.
func (c *Client) DebugInfo() (command.DebugInfo, error) {
	b, err := c.in(command.ReqReadDebugInfo, 0, 0, command.BlockSize)
	if err != nil {
		return command.DebugInfo{}, err
	}
	return command.ParseDebugInfo(b)
}
