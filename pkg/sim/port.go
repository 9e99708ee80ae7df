package sim

import (
	"errors"
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// ErrPortClosed is returned by a closed Port.
var ErrPortClosed = errors.New("sim: spi port closed")

// Port is an in-memory spi.PortCloser. Connections loop written data back.
type Port struct {
	// FailConnect, when set, is returned by Connect.
	FailConnect error

	mu     sync.Mutex
	limit  physic.Frequency
	conns  []PortSetting
	closed bool
}

// PortSetting records one Connect call.
type PortSetting struct {
	Clock physic.Frequency
	Mode  spi.Mode
	Bits  int
}

// NewPort returns an open port.
func NewPort() *Port {
	return &Port{}
}

func (p *Port) String() string { return "sim-spi" }

func (p *Port) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *Port) LimitSpeed(f physic.Frequency) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPortClosed
	}
	p.limit = f
	return nil
}

func (p *Port) Connect(f physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPortClosed
	}
	if p.FailConnect != nil {
		return nil, p.FailConnect
	}
	if p.limit > 0 && f > p.limit {
		return nil, fmt.Errorf("sim: %s above port limit %s", f, p.limit)
	}
	p.conns = append(p.conns, PortSetting{Clock: f, Mode: mode, Bits: bits})
	return &loopConn{port: p}, nil
}

// Limit returns the last LimitSpeed value.
func (p *Port) Limit() physic.Frequency {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.limit
}

// Settings returns every Connect call so far.
func (p *Port) Settings() []PortSetting {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PortSetting(nil), p.conns...)
}

type loopConn struct{ port *Port }

func (c *loopConn) String() string { return c.port.String() }
func (c *loopConn) Duplex() conn.Duplex { return conn.Full }
func (c *loopConn) Tx(w, r []byte) error { copy(r, w); return nil }

func (c *loopConn) TxPackets(pkts []spi.Packet) error {
	for _, p := range pkts {
		copy(p.R, p.W)
	}
	return nil
}
