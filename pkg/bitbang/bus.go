// Package bitbang clocks a serial peripheral protocol over individual digital
// lines, one byte at a time, most-significant bit first. The clock idles high;
// each bit drives data-out, pulses the clock low, samples data-in while low and
// returns the clock high.
package bitbang

import (
	"fmt"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"periph.io/x/conn/v3/gpio"
)

// Pins names the four bus lines.
type Pins struct {
	Clock   line.ID
	DataOut line.ID
	DataIn  line.ID
	Select  line.ID
}

// PinsFrom picks the bus lines out of a board assignment.
func PinsFrom(l line.Lines) Pins {
	return Pins{Clock: l.Clock, DataOut: l.DataOut, DataIn: l.DataIn, Select: l.Select}
}

// Bus is a software-clocked serial bus. It holds no buffering; callers bracket
// multi-byte exchanges with AssertSelect and DeassertSelect and must not
// interleave exchanges.
type Bus struct {
	d    line.Driver
	pins Pins
}

// New returns a Bus on the given driver.
func New(d line.Driver, pins Pins) *Bus {
	return &Bus{d: d, pins: pins}
}

// Pins returns the bus lines.
func (b *Bus) Pins() Pins {
	return b.pins
}

// AssertSelect drives chip-select low.
func (b *Bus) AssertSelect() error {
	if err := b.d.Set(b.pins.Select, gpio.Low); err != nil {
		return fmt.Errorf("bitbang: assert select: %w", err)
	}
	return nil
}

// DeassertSelect drives chip-select high.
func (b *Bus) DeassertSelect() error {
	if err := b.d.Set(b.pins.Select, gpio.High); err != nil {
		return fmt.Errorf("bitbang: deassert select: %w", err)
	}
	return nil
}

// SendByte shifts v out on data-out.
func (b *Bus) SendByte(v byte) error {
	_, err := b.shift(v, true, false)
	return err
}

// ReceiveByte shifts a byte in from data-in. Data-out is left untouched.
func (b *Bus) ReceiveByte() (byte, error) {
	return b.shift(0, false, true)
}

// Transfer shifts v out and a byte in on the same eight clocks.
func (b *Bus) Transfer(v byte) (byte, error) {
	return b.shift(v, true, true)
}

func (b *Bus) shift(out byte, drive, sample bool) (byte, error) {
	if err := b.d.Set(b.pins.Clock, gpio.High); err != nil {
		return 0, fmt.Errorf("bitbang: idle clock: %w", err)
	}
	var in byte
	for i := 0; i < 8; i++ {
		if drive {
			if err := b.d.Set(b.pins.DataOut, gpio.Level(out&0x80 != 0)); err != nil {
				return 0, fmt.Errorf("bitbang: bit %d: data-out: %w", i, err)
			}
			out <<= 1
		}
		if err := b.d.Set(b.pins.Clock, gpio.Low); err != nil {
			return 0, fmt.Errorf("bitbang: bit %d: clock low: %w", i, err)
		}
		if sample {
			lvl, err := b.d.Get(b.pins.DataIn)
			if err != nil {
				return 0, fmt.Errorf("bitbang: bit %d: data-in: %w", i, err)
			}
			in <<= 1
			if lvl == gpio.High {
				in |= 1
			}
		}
		if err := b.d.Set(b.pins.Clock, gpio.High); err != nil {
			return 0, fmt.Errorf("bitbang: bit %d: clock high: %w", i, err)
		}
	}
	return in, nil
}

// Exchange runs a full-duplex transaction under one chip-select assertion and
// returns the bytes clocked in. Select is released even when a byte fails; the
// transfer error wins over a release error.
func (b *Bus) Exchange(tx []byte) (rx []byte, err error) {
	if err := b.AssertSelect(); err != nil {
		return nil, err
	}
	defer func() {
		if derr := b.DeassertSelect(); derr != nil && err == nil {
			err = derr
		}
	}()

	rx = make([]byte, len(tx))
	for i, v := range tx {
		if rx[i], err = b.Transfer(v); err != nil {
			logging.Debug(logging.ComponentBitBang, "exchange aborted", "byte", i, "err", err)
			return nil, err
		}
	}
	return rx, nil
}

// Write shifts tx out under one chip-select assertion, ignoring data-in.
func (b *Bus) Write(tx []byte) (err error) {
	if err := b.AssertSelect(); err != nil {
		return err
	}
	defer func() {
		if derr := b.DeassertSelect(); derr != nil && err == nil {
			err = derr
		}
	}()
	for _, v := range tx {
		if err := b.SendByte(v); err != nil {
			return err
		}
	}
	return nil
}
