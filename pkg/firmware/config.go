package firmware

import (
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/command"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/stream"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/system"
)

// Config holds everything the firmware reads at construction.
type Config struct {
	// Identity
	Version uint32 // reported by GET_VERSION (default: 0x17072800)

	// Board wiring
	Lines line.Lines

	// Streaming geometry
	Stream stream.Config

	// Peripheral bus
	EnableSPI bool             // enter PreRun during Start (default: true)
	PreRun    system.BusConfig // select active high
	Work      system.BusConfig // select active low, used by register commands

	// Timing
	PollInterval time.Duration // watchdog cadence (default: 100ms)
	ResetGrace   time.Duration // delay before a requested reset (default: 2.5s)
	Settle       time.Duration // delay before a fatal reset (default: 100ms)
}

// DefaultConfig returns the reference board configuration.
func DefaultConfig() *Config {
	return &Config{
		Version:      command.DefaultVersion,
		Lines:        line.DefaultLines(),
		Stream:       stream.DefaultConfig(),
		EnableSPI:    true,
		PreRun:       system.DefaultPreRun(),
		Work:         system.DefaultWork(),
		PollInterval: 100 * time.Millisecond,
		ResetGrace:   2500 * time.Millisecond,
		Settle:       100 * time.Millisecond,
	}
}

// Validate checks the configuration. A zero Version is replaced by the
// default.
func (c *Config) Validate() error {
	if c.Version == 0 {
		c.Version = command.DefaultVersion
	}
	if err := c.Lines.Validate(); err != nil {
		return err
	}
	if err := c.Stream.Validate(); err != nil {
		return err
	}
	for _, b := range []struct {
		name string
		cfg  system.BusConfig
	}{{"pre-run", c.PreRun}, {"work", c.Work}} {
		if err := b.cfg.Validate(); err != nil {
			return fmt.Errorf("firmware: %s bus: %w", b.name, err)
		}
		if b.cfg.Clock > system.MaxClock {
			return fmt.Errorf("firmware: %s bus clock %s above %s", b.name, b.cfg.Clock, system.MaxClock)
		}
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("firmware: poll interval must be positive, got %s", c.PollInterval)
	}
	if c.ResetGrace < 0 || c.Settle < 0 {
		return fmt.Errorf("firmware: delays must not be negative")
	}
	return nil
}
