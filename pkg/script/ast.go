package script

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/participle/v2/lexer"
)

// Script is a parsed register script.
type Script struct {
	Statements []*Statement `@@*`
}

// Statement is one command line.
type Statement struct {
	Pos lexer.Position

	Write *Write `  @@`
	Read  *Read  `| @@`
	GPIO  *GPIO  `| @@`
	Sleep *Sleep `| @@`
	Clock *Clock `| @@`
	Reset bool   `| @"reset"`
	Start bool   `| @"start"`
}

// Number is a decimal or 0x-prefixed hex literal.
type Number uint32

func (n *Number) Capture(values []string) error {
	v, err := strconv.ParseUint(values[0], 0, 32)
	if err != nil {
		return fmt.Errorf("invalid number %q", values[0])
	}
	*n = Number(v)
	return nil
}

// Write shifts two bytes out to the peripheral.
type Write struct {
	B0 Number `"write" @Number`
	B1 Number `@Number`
}

// Read clocks two bytes full-duplex; Expect checks the second byte received.
type Read struct {
	B0     Number  `"read" @Number`
	B1     Number  `@Number`
	Expect *Number `( "expect" @Number )?`
}

// GPIO sets a line (Value) or reads it (Query).
type GPIO struct {
	Line  Number  `"gpio" @Number`
	Value *Number `( "=" @Number`
	Query bool    `| @"?" )`
}

// Sleep pauses the script.
type Sleep struct {
	Amount Number `"sleep" @Number`
	Unit   string `@( "us" | "ms" | "s" )`
}

// Duration converts the sleep to a time.Duration.
func (s *Sleep) Duration() time.Duration {
	unit := time.Second
	switch s.Unit {
	case "us":
		unit = time.Microsecond
	case "ms":
		unit = time.Millisecond
	}
	return time.Duration(s.Amount) * unit
}

// Clock sets the work-mode bus clock.
type Clock struct {
	Hz Number `"clock" @Number`
}

func (s *Statement) String() string {
	switch {
	case s.Write != nil:
		return fmt.Sprintf("write 0x%02X 0x%02X", uint32(s.Write.B0), uint32(s.Write.B1))
	case s.Read != nil:
		if s.Read.Expect != nil {
			return fmt.Sprintf("read 0x%02X 0x%02X expect 0x%02X", uint32(s.Read.B0), uint32(s.Read.B1), uint32(*s.Read.Expect))
		}
		return fmt.Sprintf("read 0x%02X 0x%02X", uint32(s.Read.B0), uint32(s.Read.B1))
	case s.GPIO != nil:
		if s.GPIO.Query {
			return fmt.Sprintf("gpio %d ?", s.GPIO.Line)
		}
		return fmt.Sprintf("gpio %d = %d", s.GPIO.Line, *s.GPIO.Value)
	case s.Sleep != nil:
		return fmt.Sprintf("sleep %d%s", s.Sleep.Amount, s.Sleep.Unit)
	case s.Clock != nil:
		return fmt.Sprintf("clock %d", s.Clock.Hz)
	case s.Reset:
		return "reset"
	case s.Start:
		return "start"
	}
	return "<empty>"
}

// validate checks value ranges the grammar cannot express.
func (s *Statement) validate() error {
	byteVal := func(name string, n Number) error {
		if n > 0xFF {
			return fmt.Errorf("%s: %s 0x%X does not fit in a byte", s.Pos, name, uint32(n))
		}
		return nil
	}
	switch {
	case s.Write != nil:
		if err := byteVal("write", s.Write.B0); err != nil {
			return err
		}
		return byteVal("write", s.Write.B1)
	case s.Read != nil:
		if err := byteVal("read", s.Read.B0); err != nil {
			return err
		}
		if err := byteVal("read", s.Read.B1); err != nil {
			return err
		}
		if s.Read.Expect != nil {
			return byteVal("expect", *s.Read.Expect)
		}
	case s.GPIO != nil:
		if s.GPIO.Line > 0xFFFF {
			return fmt.Errorf("%s: gpio line %d out of range", s.Pos, s.GPIO.Line)
		}
		if s.GPIO.Value != nil && *s.GPIO.Value > 1 {
			return fmt.Errorf("%s: gpio level must be 0 or 1, got %d", s.Pos, *s.GPIO.Value)
		}
	case s.Clock != nil:
		if s.Clock.Hz == 0 {
			return fmt.Errorf("%s: clock must be positive", s.Pos)
		}
	}
	return nil
}
