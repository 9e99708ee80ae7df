// Package usb holds the wire-level USB types shared by the device core and the
// host tooling: negotiated link speed, the SETUP packet and request-type bits.
package usb

import "fmt"

// Speed is the negotiated signaling rate of the link.
type Speed uint8

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedSuper
)

var speedNames = map[Speed]string{
	SpeedUnknown: "unknown",
	SpeedLow:     "low",
	SpeedFull:    "full",
	SpeedHigh:    "high",
	SpeedSuper:   "super",
}

func (s Speed) String() string {
	if name, ok := speedNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Speed(%d)", s)
}

// ParseSpeed converts a name produced by String back into a Speed.
func ParseSpeed(name string) (Speed, error) {
	for s, n := range speedNames {
		if n == name && s != SpeedUnknown {
			return s, nil
		}
	}
	return SpeedUnknown, fmt.Errorf("usb: unknown speed %q", name)
}

// PacketSize returns the bulk max packet size for the speed, or 0 when the
// speed is not a valid negotiated rate.
func (s Speed) PacketSize() int {
	switch s {
	case SpeedLow, SpeedFull:
		return 64
	case SpeedHigh:
		return 512
	case SpeedSuper:
		return 1024
	}
	return 0
}

// Bursts reports whether endpoint burst transfers apply at this speed.
func (s Speed) Bursts() bool {
	return s == SpeedSuper
}
