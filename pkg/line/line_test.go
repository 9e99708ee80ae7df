package line

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

func TestPinDriver(t *testing.T) {
	clk := &gpiotest.Pin{N: "GPIO17", Num: 17}
	miso := &gpiotest.Pin{N: "GPIO24", Num: 24, L: gpio.High}
	d := NewPinDriver(map[ID]gpio.PinIO{17: clk, 24: miso})

	if err := d.Set(17, gpio.High); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if clk.L != gpio.High {
		t.Errorf("pin level = %v, want High", clk.L)
	}
	got, err := d.Get(24)
	if err != nil || got != gpio.High {
		t.Fatalf("Get(24) = %v, %v", got, err)
	}

	if err := d.Set(3, gpio.Low); !errors.Is(err, ErrUnknownLine) {
		t.Errorf("Set(unknown) err = %v, want ErrUnknownLine", err)
	}
	if _, err := d.Get(3); !errors.Is(err, ErrUnknownLine) {
		t.Errorf("Get(unknown) err = %v, want ErrUnknownLine", err)
	}
}

// dirPin records direction changes on top of gpiotest.Pin.
type dirPin struct {
	*gpiotest.Pin
	ins  int
	outs int
}

func (p *dirPin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.ins++
	return p.Pin.In(pull, edge)
}

func (p *dirPin) Out(l gpio.Level) error {
	p.outs++
	return p.Pin.Out(l)
}

func TestPinDriverSharedInputLine(t *testing.T) {
	lines := DefaultLines()
	shared := &dirPin{Pin: &gpiotest.Pin{N: "GPIO24", Num: 24}}
	enable := &dirPin{Pin: &gpiotest.Pin{N: "GPIO22", Num: 22}}
	d := NewPinDriver(map[ID]gpio.PinIO{
		lines.DataIn:         shared,
		lines.ReceiverEnable: enable,
	}, lines.DataIn)

	// Reset pulse drives the shared pin as an output.
	if err := d.Set(lines.ConverterReset, gpio.Low); err != nil {
		t.Fatal(err)
	}
	if err := d.Set(lines.ConverterReset, gpio.High); err != nil {
		t.Fatal(err)
	}
	if shared.ins != 0 {
		t.Fatalf("switched to input during reset pulse")
	}

	for i := 0; i < 3; i++ {
		if _, err := d.Get(lines.DataIn); err != nil {
			t.Fatal(err)
		}
	}
	if shared.ins != 1 {
		t.Errorf("In called %d times, want 1", shared.ins)
	}

	// Output lines stay outputs when read back.
	if err := d.Set(lines.ReceiverEnable, gpio.High); err != nil {
		t.Fatal(err)
	}
	got, err := d.Get(lines.ReceiverEnable)
	if err != nil || got != gpio.High {
		t.Fatalf("Get(enable) = %v, %v", got, err)
	}
	if enable.ins != 0 {
		t.Errorf("output line switched to input")
	}
}

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want uint32
	}{
		{nil, StatusSuccess},
		{ErrUnknownLine, StatusBadArgument},
		{ErrReadOnly, StatusReadOnly},
		{errors.New("boom"), StatusFailure},
	}
	for _, tc := range cases {
		if got := Status(tc.err); got != tc.want {
			t.Errorf("Status(%v) = 0x%X, want 0x%X", tc.err, got, tc.want)
		}
	}
}

func TestLinesValidate(t *testing.T) {
	if err := DefaultLines().Validate(); err != nil {
		t.Fatalf("default lines invalid: %v", err)
	}
	l := DefaultLines()
	l.Select = l.Clock
	if err := l.Validate(); err == nil {
		t.Fatal("expected collision error")
	}
}

func TestInitPeripherals(t *testing.T) {
	sim := NewSim()
	lines := DefaultLines()
	var slept []time.Duration

	if err := InitPeripherals(sim, lines, func(d time.Duration) { slept = append(slept, d) }); err != nil {
		t.Fatalf("InitPeripherals: %v", err)
	}

	want := []Op{
		{Write: true, ID: lines.ReceiverEnable, Level: gpio.High},
		{Write: true, ID: lines.ConverterReset, Level: gpio.Low},
		{Write: true, ID: lines.ConverterReset, Level: gpio.High},
	}
	ops := sim.Ops()
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op[%d] = %s, want %s", i, ops[i], want[i])
		}
	}
	if len(slept) != 1 || slept[0] != ResetPulse {
		t.Errorf("sleeps = %v, want [%v]", slept, ResetPulse)
	}
}

func TestInitPeripheralsStopsOnError(t *testing.T) {
	sim := NewSim()
	sim.ReadOnly = map[ID]bool{22: true}
	err := InitPeripherals(sim, DefaultLines(), func(time.Duration) {})
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("err = %v, want ErrReadOnly", err)
	}
	if n := len(sim.Ops()); n != 0 {
		t.Errorf("recorded %d ops after failure, want 0", n)
	}
}

func TestSimHooks(t *testing.T) {
	sim := NewSim()
	sim.Known = map[ID]bool{1: true, 2: true}
	sim.OnSet = func(id ID, level gpio.Level) {
		if id == 1 {
			sim.Drive(2, !level)
		}
	}
	if err := sim.Set(1, gpio.High); err != nil {
		t.Fatal(err)
	}
	if got, _ := sim.Get(2); got != gpio.Low {
		t.Errorf("driven line = %v, want Low", got)
	}
	if err := sim.Set(1, gpio.Low); err != nil {
		t.Fatal(err)
	}
	if got := sim.Level(2); got != gpio.High {
		t.Errorf("driven line = %v, want High", got)
	}
	if _, err := sim.Get(9); !errors.Is(err, ErrUnknownLine) {
		t.Errorf("Get(9) err = %v", err)
	}
	if n := sim.Falls(1); n != 1 {
		t.Errorf("Falls(1) = %d, want 1", n)
	}
}
