package script

import (
	"context"
	"fmt"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/alecthomas/participle/v2/lexer"
	"periph.io/x/conn/v3/gpio"
)

// Executor carries out statements. *client.Client satisfies it.
type Executor interface {
	RegWrite(b0, b1 byte) error
	RegRead(b0, b1 byte) ([2]byte, error)
	WriteGPIO(id line.ID, level gpio.Level) error
	ReadGPIO(id line.ID) (gpio.Level, error)
	SetSPIClock(hz uint32) error
	Reset() error
	Start() error
}

// ExpectError is returned when a read does not return the expected byte.
type ExpectError struct {
	Pos  lexer.Position
	Want byte
	Got  byte
}

func (e *ExpectError) Error() string {
	return fmt.Sprintf("script: %s: read 0x%02X, expected 0x%02X", e.Pos, e.Got, e.Want)
}

// Result reports one executed statement. Value is set for reads.
type Result struct {
	Index     int
	Statement *Statement
	Value     *uint32
}

// Run executes s in order and stops at the first failure. progress, when not
// nil, is called after every statement.
func Run(ctx context.Context, ex Executor, s *Script, progress func(Result)) error {
	for i, st := range s.Statements {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := execute(ctx, ex, st)
		if err != nil {
			return err
		}
		if progress != nil {
			progress(Result{Index: i, Statement: st, Value: v})
		}
	}
	return nil
}

func execute(ctx context.Context, ex Executor, st *Statement) (*uint32, error) {
	wrap := func(err error) error {
		if err == nil {
			return nil
		}
		return fmt.Errorf("script: %s: %s: %w", st.Pos, st, err)
	}
	switch {
	case st.Write != nil:
		return nil, wrap(ex.RegWrite(byte(st.Write.B0), byte(st.Write.B1)))

	case st.Read != nil:
		rx, err := ex.RegRead(byte(st.Read.B0), byte(st.Read.B1))
		if err != nil {
			return nil, wrap(err)
		}
		if st.Read.Expect != nil && rx[1] != byte(*st.Read.Expect) {
			return nil, &ExpectError{Pos: st.Pos, Want: byte(*st.Read.Expect), Got: rx[1]}
		}
		v := uint32(rx[1])
		return &v, nil

	case st.GPIO != nil:
		id := line.ID(st.GPIO.Line)
		if st.GPIO.Query {
			lvl, err := ex.ReadGPIO(id)
			if err != nil {
				return nil, wrap(err)
			}
			v := uint32(0)
			if lvl == gpio.High {
				v = 1
			}
			return &v, nil
		}
		return nil, wrap(ex.WriteGPIO(id, gpio.Level(*st.GPIO.Value != 0)))

	case st.Sleep != nil:
		t := time.NewTimer(st.Sleep.Duration())
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return nil, nil

	case st.Clock != nil:
		return nil, wrap(ex.SetSPIClock(uint32(st.Clock.Hz)))
	case st.Reset:
		return nil, wrap(ex.Reset())
	case st.Start:
		return nil, wrap(ex.Start())
	}
	return nil, fmt.Errorf("script: %s: empty statement", st.Pos)
}
