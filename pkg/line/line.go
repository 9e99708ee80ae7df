// Package line provides the digital-line capability the bit-level code runs on:
// a driver that can set and read individual lines by number.
package line

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// ID is the controller's line number, as carried in a control request index.
type ID uint16

// Driver sets and reads individual digital lines.
type Driver interface {
	Set(id ID, level gpio.Level) error
	Get(id ID) (gpio.Level, error)
}

var (
	// ErrUnknownLine is returned for a line the driver has no pin for.
	ErrUnknownLine = errors.New("line: unknown line")
	// ErrReadOnly is returned when writing a line configured as input only.
	ErrReadOnly = errors.New("line: line is read-only")
)

// Status words reported to the host for line operations.
const (
	StatusSuccess     uint32 = 0x00
	StatusBadArgument uint32 = 0x40
	StatusReadOnly    uint32 = 0x41
	StatusFailure     uint32 = 0xFF
)

// Status maps a driver error to the status word carried in GPIO responses.
func Status(err error) uint32 {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrUnknownLine):
		return StatusBadArgument
	case errors.Is(err, ErrReadOnly):
		return StatusReadOnly
	default:
		return StatusFailure
	}
}

// Lines assigns board functions to line numbers.
type Lines struct {
	Clock   ID
	DataOut ID
	DataIn  ID
	Select  ID

	ReceiverEnable ID
	// ConverterReset shares the data-in pin on the reference board; it is
	// only pulsed during InitPeripherals, before the bus carries traffic.
	ConverterReset ID
}

// DefaultLines returns the reference board assignment.
func DefaultLines() Lines {
	return Lines{
		Clock:          17,
		DataOut:        18,
		DataIn:         24,
		Select:         20,
		ReceiverEnable: 22,
		ConverterReset: 24,
	}
}

// Validate rejects assignments where two bus lines collide.
func (l Lines) Validate() error {
	bus := map[ID]string{}
	for _, e := range []struct {
		name string
		id   ID
	}{
		{"clock", l.Clock}, {"data-out", l.DataOut}, {"data-in", l.DataIn}, {"select", l.Select},
	} {
		if other, dup := bus[e.id]; dup {
			return fmt.Errorf("line: %s and %s both use line %d", other, e.name, e.id)
		}
		bus[e.id] = e.name
	}
	return nil
}

// PinDriver implements Driver over periph pins. Lines named as inputs are
// switched back to input before they are sampled if a Set last drove them;
// other lines are read in whatever direction they are in.
type PinDriver struct {
	pins   map[ID]gpio.PinIO
	inputs map[ID]bool

	mu     sync.Mutex
	driven map[ID]bool
}

// NewPinDriver wraps the given pins. The map is copied.
func NewPinDriver(pins map[ID]gpio.PinIO, inputs ...ID) *PinDriver {
	m := make(map[ID]gpio.PinIO, len(pins))
	for id, p := range pins {
		m[id] = p
	}
	in := make(map[ID]bool, len(inputs))
	for _, id := range inputs {
		in[id] = true
	}
	return &PinDriver{pins: m, inputs: in, driven: make(map[ID]bool)}
}

func (d *PinDriver) pin(id ID) (gpio.PinIO, error) {
	p, ok := d.pins[id]
	if !ok || p == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownLine, id)
	}
	return p, nil
}

func (d *PinDriver) Set(id ID, level gpio.Level) error {
	p, err := d.pin(id)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := p.Out(level); err != nil {
		return fmt.Errorf("line: set %s: %w", p, err)
	}
	d.driven[id] = true
	return nil
}

func (d *PinDriver) Get(id ID) (gpio.Level, error) {
	p, err := d.pin(id)
	if err != nil {
		return gpio.Low, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inputs[id] && d.driven[id] {
		if err := p.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return gpio.Low, fmt.Errorf("line: input %s: %w", p, err)
		}
		d.driven[id] = false
	}
	return p.Read(), nil
}
