package line

import (
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// ResetPulse is how long the converter reset line is held low.
const ResetPulse = time.Millisecond

// InitPeripherals enables the receiver and pulses the converter reset line.
// sleep may be nil, in which case time.Sleep is used.
func InitPeripherals(d Driver, l Lines, sleep func(time.Duration)) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	if err := d.Set(l.ReceiverEnable, gpio.High); err != nil {
		return fmt.Errorf("line: enable receiver: %w", err)
	}
	if err := d.Set(l.ConverterReset, gpio.Low); err != nil {
		return fmt.Errorf("line: assert converter reset: %w", err)
	}
	sleep(ResetPulse)
	if err := d.Set(l.ConverterReset, gpio.High); err != nil {
		return fmt.Errorf("line: release converter reset: %w", err)
	}
	return nil
}
