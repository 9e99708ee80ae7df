package system

import (
	"fmt"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// MaxClock is the fastest rate the bus block accepts.
const MaxClock = 33 * physic.MegaHertz

// PortController programs a periph SPI port. Select polarity and lead/lag
// timing cannot be expressed through spi.Port; the port's own defaults apply.
//
// A periph port accepts one Connect. Every mode change needs a new connection,
// so when Reopen is set the controller closes the port and opens a fresh one
// before each Connect after the first. Without Reopen the port must accept
// repeated Connect calls, as sim.Port does.
type PortController struct {
	// Reopen returns a new handle to the same bus.
	Reopen func() (spi.PortCloser, error)

	port spi.PortCloser
	conn spi.Conn
	cfg  BusConfig
}

// NewPortController wraps port.
func NewPortController(port spi.PortCloser) *PortController {
	return &PortController{port: port}
}

func (c *PortController) Init() error {
	return c.limit()
}

func (c *PortController) limit() error {
	if err := c.port.LimitSpeed(MaxClock); err != nil {
		return fmt.Errorf("system: limit %s: %w", c.port, err)
	}
	return nil
}

func (c *PortController) reopen() error {
	p, err := c.Reopen()
	if err != nil {
		return fmt.Errorf("system: reopen %s: %w", c.port, err)
	}
	if err := c.port.Close(); err != nil {
		p.Close()
		return fmt.Errorf("system: close %s: %w", c.port, err)
	}
	c.port, c.conn = p, nil
	return c.limit()
}

func (c *PortController) Configure(cfg BusConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.conn != nil && c.Reopen != nil {
		if err := c.reopen(); err != nil {
			return err
		}
	}
	mode := cfg.Mode
	if cfg.LSBFirst {
		mode |= spi.LSBFirst
	}
	conn, err := c.port.Connect(cfg.Clock, mode, cfg.WordBits)
	if err != nil {
		return fmt.Errorf("system: connect %s: %w", c.port, err)
	}
	c.conn = conn
	c.cfg = cfg
	return nil
}

// Conn returns the connection made by the last Configure, or nil.
func (c *PortController) Conn() spi.Conn {
	return c.conn
}

// Port returns the port currently in use.
func (c *PortController) Port() spi.PortCloser {
	return c.port
}

// Current returns the configuration last applied.
func (c *PortController) Current() BusConfig {
	return c.cfg
}
