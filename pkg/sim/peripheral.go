package sim

import (
	"sync"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/bitbang"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"periph.io/x/conn/v3/gpio"
)

// ReadFlag marks a read in the first address byte.
const ReadFlag = 0x80

// Peripheral is an SPI slave attached to a line.Sim. It samples MOSI on the
// rising clock edge and drives MISO on the falling edge while select is low.
//
// A frame starts with AddressBytes address bytes, the first carrying
// ReadFlag. Every following byte is the data of consecutive registers: stored
// on writes, returned on reads.
type Peripheral struct {
	// AddressBytes is 1 for 7-bit register framing and 2 for the converter's
	// 13-bit framing.
	AddressBytes int

	lines *line.Sim
	pins  bitbang.Pins

	mu       sync.Mutex
	regs     map[uint16]byte
	selected bool
	clk      gpio.Level
	bit      int
	in       byte
	out      byte
	idx      int
	addr     uint16
	read     bool
	frames   int
}

// NewPeripheral attaches a peripheral to lines. It takes over lines.OnSet.
func NewPeripheral(lines *line.Sim, pins bitbang.Pins) *Peripheral {
	p := &Peripheral{
		AddressBytes: 1,
		lines:        lines,
		pins:         pins,
		regs:         map[uint16]byte{},
		clk:          gpio.High,
	}
	lines.OnSet = p.edge
	return p
}

// Reg returns a register value.
func (p *Peripheral) Reg(addr uint16) byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.regs[addr]
}

// SetReg presets a register.
func (p *Peripheral) SetReg(addr uint16, v byte) {
	p.mu.Lock()
	p.regs[addr] = v
	p.mu.Unlock()
}

// Frames counts completed select assertions.
func (p *Peripheral) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}

func (p *Peripheral) edge(id line.ID, level gpio.Level) {
	p.mu.Lock()
	var miso *gpio.Level
	switch id {
	case p.pins.Select:
		p.selectEdge(level)
	case p.pins.Clock:
		prev := p.clk
		p.clk = level
		if !p.selected || prev == level {
			break
		}
		if level == gpio.Low {
			v := gpio.Level(p.out&0x80 != 0)
			p.out <<= 1
			miso = &v
		} else {
			p.sample()
		}
	}
	p.mu.Unlock()

	if miso != nil {
		p.lines.Drive(p.pins.DataIn, *miso)
	}
}

func (p *Peripheral) selectEdge(level gpio.Level) {
	if level == gpio.Low && !p.selected {
		p.selected = true
		p.bit, p.in, p.out, p.idx, p.addr, p.read = 0, 0, 0, 0, 0, false
		return
	}
	if level == gpio.High && p.selected {
		p.selected = false
		p.frames++
	}
}

func (p *Peripheral) sample() {
	mosi := p.lines.Level(p.pins.DataOut)
	p.in <<= 1
	if mosi == gpio.High {
		p.in |= 1
	}
	p.bit++
	if p.bit < 8 {
		return
	}
	b := p.in
	p.bit, p.in = 0, 0
	p.byteDone(b)
}

func (p *Peripheral) byteDone(b byte) {
	n := p.AddressBytes
	if n < 1 {
		n = 1
	}
	switch {
	case p.idx == 0:
		p.read = b&ReadFlag != 0
		p.addr = uint16(b &^ ReadFlag)
	case p.idx < n:
		p.addr = p.addr<<8 | uint16(b)
	case !p.read:
		p.regs[p.addr] = b
		p.addr++
	default:
		p.addr++
	}
	p.idx++
	if p.read && p.idx >= n {
		p.out = p.regs[p.addr]
	}
}
