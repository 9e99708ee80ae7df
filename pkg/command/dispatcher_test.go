package command

import (
	"bytes"
	"errors"
	"testing"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/bitbang"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/device"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/errcount"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/system"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

type captureEP struct {
	sent    [][]byte
	payload []byte
	recvErr error
}

func (e *captureEP) Send(data []byte) error {
	e.sent = append(e.sent, append([]byte(nil), data...))
	return nil
}

func (e *captureEP) Receive(n int) ([]byte, error) {
	if e.recvErr != nil {
		return nil, e.recvErr
	}
	if n > len(e.payload) {
		n = len(e.payload)
	}
	return e.payload[:n], nil
}

func (e *captureEP) last(t *testing.T) []byte {
	t.Helper()
	if len(e.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return e.sent[len(e.sent)-1]
}

type countingBus struct {
	inits   int
	configs []system.BusConfig
	err     error
}

func (b *countingBus) Init() error { b.inits++; return nil }
func (b *countingBus) Configure(c system.BusConfig) error {
	if b.err != nil {
		return b.err
	}
	b.configs = append(b.configs, c)
	return nil
}

type fixedRegister struct{ v uint32 }

func (r *fixedRegister) Load() uint32   { return r.v }
func (r *fixedRegister) Store(v uint32) { r.v = v }

type starterFunc func() error

func (f starterFunc) Start() error { return f() }

type fixture struct {
	ctx     *device.Context
	lines   *line.Sim
	bus     *bitbang.Bus
	hw      *countingBus
	modes   *system.Machine
	reg     *fixedRegister
	starts  int
	initRan int
	x       *Dispatcher
}

func newFixture() *fixture {
	f := &fixture{ctx: device.NewContext(), lines: line.NewSim(), hw: &countingBus{}, reg: &fixedRegister{}}
	pins := bitbang.PinsFrom(line.DefaultLines())
	// Loop data-out back into data-in so reads echo what was sent.
	f.lines.OnSet = func(id line.ID, level gpio.Level) {
		if id == pins.DataOut {
			f.lines.Drive(pins.DataIn, level)
		}
	}
	f.bus = bitbang.New(f.lines, pins)
	f.modes = system.New(f.hw, system.DefaultPreRun(), system.DefaultWork())
	f.x = New(Deps{
		Context: f.ctx,
		Lines:   f.lines,
		Bus:     f.bus,
		Modes:   f.modes,
		Sampler: errcount.New(f.reg, nil),
		Starter: starterFunc(func() error { f.starts++; return nil }),
		InitPeripherals: func() error {
			f.initRan++
			return nil
		},
	})
	return f
}

func vendorIn(req Request, value, index, length uint16) usb.SetupPacket {
	return usb.SetupPacket{RequestType: usb.DirectionIn | usb.TypeVendor, Request: uint8(req), Value: value, Index: index, Length: length}
}

func vendorOut(req Request, value, index, length uint16) usb.SetupPacket {
	return usb.SetupPacket{RequestType: usb.DirectionOut | usb.TypeVendor, Request: uint8(req), Value: value, Index: index, Length: length}
}

func TestGetVersion(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	handled, err := f.x.Handle(vendorIn(ReqGetVersion, 0, 0, 32), ep)
	if !handled || err != nil {
		t.Fatalf("Handle = %v, %v", handled, err)
	}
	got := ep.last(t)
	if len(got) != 32 {
		t.Fatalf("response is %d bytes, want 32", len(got))
	}
	if v, _ := Word(got, 0); v != DefaultVersion {
		t.Errorf("version = 0x%08X, want 0x%08X", v, DefaultVersion)
	}
	if !bytes.Equal(got[4:], make([]byte, 28)) {
		t.Errorf("reserved bytes not zero: % X", got[4:])
	}
}

func TestGetVersionHonorsLength(t *testing.T) {
	for _, length := range []uint16{0, 4, 31, 64} {
		f := newFixture()
		ep := &captureEP{}
		if _, err := f.x.Handle(vendorIn(ReqGetVersion, 0, 0, length), ep); err != nil {
			t.Fatalf("length %d: %v", length, err)
		}
		want := int(length)
		if want > 32 {
			want = 32
		}
		if got := len(ep.last(t)); got != want {
			t.Errorf("length %d: sent %d bytes, want %d", length, got, want)
		}
	}
}

func TestUnknownRequestDeclined(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	for _, code := range []uint8{0x00, 0x06, 0x09, 0xA0, 0xFF} {
		handled, err := f.x.Handle(usb.SetupPacket{Request: code}, ep)
		if handled || err != nil {
			t.Errorf("request 0x%02X: handled=%v err=%v", code, handled, err)
		}
	}
	if len(ep.sent) != 0 {
		t.Errorf("declined requests sent data")
	}
}

func TestSetAddressAccepted(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	handled, err := f.x.Handle(usb.SetupPacket{Request: uint8(ReqSetAddress), Value: 7}, ep)
	if !handled || err != nil || len(ep.sent) != 0 {
		t.Fatalf("SET_ADDRESS: handled=%v err=%v sent=%d", handled, err, len(ep.sent))
	}
}

func TestStart(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	if _, err := f.x.Handle(vendorIn(ReqStart, 0, 0, 12), ep); err != nil {
		t.Fatal(err)
	}
	if f.starts != 1 {
		t.Errorf("starter ran %d times", f.starts)
	}
	if got := ep.last(t); !bytes.Equal(got, make([]byte, 12)) {
		t.Errorf("ack = % X, want 12 zero bytes", got)
	}
}

func TestStartFailureIsSetupError(t *testing.T) {
	f := newFixture()
	sentinel := errors.New("state machine not loaded")
	f.x.d.Starter = starterFunc(func() error { return sentinel })
	_, err := f.x.Handle(vendorIn(ReqStart, 0, 0, 4), &captureEP{})
	if !IsSetupError(err) || !errors.Is(err, sentinel) {
		t.Fatalf("err = %v, want SetupError wrapping sentinel", err)
	}
}

func TestGPIO(t *testing.T) {
	f := newFixture()
	f.lines.Known = map[line.ID]bool{5: true, 22: true}

	ep := &captureEP{}
	if _, err := f.x.Handle(vendorIn(ReqWriteGPIO, 1, 22, 32), ep); err != nil {
		t.Fatal(err)
	}
	if st, _ := Word(ep.last(t), 0); st != line.StatusSuccess {
		t.Fatalf("write status = 0x%X", st)
	}
	if f.lines.Level(22) != gpio.High {
		t.Fatal("line 22 not driven high")
	}

	if _, err := f.x.Handle(vendorIn(ReqReadGPIO, 0, 22, 32), ep); err != nil {
		t.Fatal(err)
	}
	resp := ep.last(t)
	st, _ := Word(resp, 0)
	v, _ := Word(resp, 1)
	if st != line.StatusSuccess || v != 1 || len(resp) != 32 {
		t.Errorf("read = status 0x%X value %d (%d bytes)", st, v, len(resp))
	}

	if _, err := f.x.Handle(vendorIn(ReqReadGPIO, 0, 99, 8), ep); err != nil {
		t.Fatal(err)
	}
	resp = ep.last(t)
	st, _ = Word(resp, 0)
	v, _ = Word(resp, 1)
	if st != line.StatusBadArgument || v != 0 || len(resp) != 8 {
		t.Errorf("unknown line read = status 0x%X value %d (%d bytes)", st, v, len(resp))
	}

	if _, err := f.x.Handle(vendorIn(ReqWriteGPIO, 0, 99, 4), ep); err != nil {
		t.Fatal(err)
	}
	if st, _ := Word(ep.last(t), 0); st != line.StatusBadArgument {
		t.Errorf("unknown line write status = 0x%X", st)
	}
}

func TestRegWriteEnsuresWorkMode(t *testing.T) {
	f := newFixture()
	ep := &captureEP{payload: []byte{0x12, 0x34}}
	for i := 0; i < 2; i++ {
		handled, err := f.x.Handle(vendorOut(ReqRegWrite, 0, 0, 2), ep)
		if !handled || err != nil {
			t.Fatalf("REG_WRITE: %v %v", handled, err)
		}
	}
	if f.modes.Mode() != system.ModeWork {
		t.Errorf("mode = %s, want Work", f.modes.Mode())
	}
	if len(f.hw.configs) != 1 {
		t.Errorf("bus reconfigured %d times, want 1", len(f.hw.configs))
	}
	pins := f.bus.Pins()
	if f.lines.Level(pins.Select) != gpio.High {
		t.Error("select left asserted")
	}
	// 2 transactions x 16 bits.
	if got := f.lines.Falls(pins.Clock); got != 32 {
		t.Errorf("clock pulses = %d, want 32", got)
	}
	if len(ep.sent) != 0 {
		t.Error("REG_WRITE has no data stage to the host")
	}
}

func TestRegWriteShortPayload(t *testing.T) {
	f := newFixture()
	_, err := f.x.Handle(vendorOut(ReqRegWrite, 0, 0, 2), &captureEP{payload: []byte{0x01}})
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("err = %v, want ErrShortPayload", err)
	}
}

func TestRegReadEchoesExchange(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	if _, err := f.x.Handle(vendorIn(ReqRegRead, 0x0A, 0x5C, 2), ep); err != nil {
		t.Fatal(err)
	}
	if got := ep.last(t); !bytes.Equal(got, []byte{0x0A, 0x5C}) {
		t.Errorf("response = % X, want 0A 5C (loopback)", got)
	}
}

func TestWorkModeFailureIsSetupError(t *testing.T) {
	f := newFixture()
	f.hw.err = errors.New("spi block stuck")
	for _, s := range []usb.SetupPacket{
		vendorOut(ReqRegWrite, 0, 0, 2),
		vendorIn(ReqRegRead, 0, 0, 2),
		vendorIn(ReqRegRead8, 0, 0, 8),
		vendorIn(ReqRegWrite8, 0, 0, 4),
	} {
		_, err := f.x.Handle(s, &captureEP{payload: []byte{1, 2}})
		if !IsSetupError(err) {
			t.Errorf("%s: err = %v, want SetupError", Request(s.Request), err)
		}
	}
}

func TestConverterRegisters(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	if _, err := f.x.Handle(vendorIn(ReqRegWrite8, 0x0014, 0x21, 4), ep); err != nil {
		t.Fatal(err)
	}
	if st, _ := Word(ep.last(t), 0); st != line.StatusSuccess {
		t.Fatalf("status = 0x%X", st)
	}
	if _, err := f.x.Handle(vendorIn(ReqRegRead8, 0x0014, 0, 8), ep); err != nil {
		t.Fatal(err)
	}
	if len(ep.last(t)) != 8 {
		t.Fatalf("read response is %d bytes, want 8", len(ep.last(t)))
	}
}

func TestResetDefers(t *testing.T) {
	f := newFixture()
	ep := &captureEP{payload: []byte{0, 0, 0, 0}}
	handled, err := f.x.Handle(vendorOut(ReqReset, 0, 0, 4), ep)
	if !handled || err != nil {
		t.Fatalf("RESET: %v %v", handled, err)
	}
	if !f.modes.ResetPending() {
		t.Fatal("reset flag not set")
	}
	if len(ep.sent) != 0 {
		t.Error("RESET sent a response")
	}

	ep = &captureEP{recvErr: errors.New("stall")}
	f = newFixture()
	if _, err := f.x.Handle(vendorOut(ReqReset, 0, 0, 4), ep); err == nil {
		t.Fatal("data stage failure should surface")
	}
	if f.modes.ResetPending() {
		t.Error("reset flagged despite failed data stage")
	}
}

func TestReadDebugInfo(t *testing.T) {
	f := newFixture()
	f.ctx.SetSpeed(usb.SpeedSuper)
	f.ctx.AddOverflow()
	f.reg.v = 0x00030005

	ep := &captureEP{}
	for i := 0; i < 2; i++ {
		if _, err := f.x.Handle(vendorIn(ReqReadDebugInfo, 0, 0, 32), ep); err != nil {
			t.Fatal(err)
		}
	}
	first, err := ParseDebugInfo(ep.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	want := DebugInfo{
		Counter: 0, Overflows: 1, PhyDelta: 3, LinkDelta: 5,
		Raw: 0x00030005, PhyTotal: 3, LinkTotal: 5, Sentinel: DebugSentinel,
	}
	if first != want {
		t.Errorf("first block = %+v, want %+v", first, want)
	}
	second, _ := ParseDebugInfo(ep.sent[1])
	if second.Counter != 1 || second.PhyDelta != 0 || second.PhyTotal != 3 {
		t.Errorf("second block = %+v", second)
	}
}

func TestReadDebugInfoBelowSuperSpeed(t *testing.T) {
	f := newFixture()
	f.ctx.SetSpeed(usb.SpeedHigh)
	f.reg.v = 0x00010001
	ep := &captureEP{}
	if _, err := f.x.Handle(vendorIn(ReqReadDebugInfo, 0, 0, 16), ep); err != nil {
		t.Fatal(err)
	}
	resp := ep.last(t)
	if len(resp) != 16 {
		t.Fatalf("response is %d bytes, want 16", len(resp))
	}
	if d, _ := Word(resp, 2); d != 0 {
		t.Errorf("phy delta = %d below super speed", d)
	}
}

func TestSetSPIClock(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	// 5 MHz = 0x004C4B40
	if _, err := f.x.Handle(vendorIn(ReqSetSPIClock, 0x4B40, 0x004C, 4), ep); err != nil {
		t.Fatal(err)
	}
	if st, _ := Word(ep.last(t), 0); st != line.StatusSuccess {
		t.Fatalf("status = 0x%X", st)
	}
	if got := f.modes.Config(system.ModeWork).Clock; got != 5*physic.MegaHertz {
		t.Errorf("work clock = %s, want 5MHz", got)
	}

	if _, err := f.x.Handle(vendorIn(ReqSetSPIClock, 0, 0, 4), ep); err != nil {
		t.Fatal(err)
	}
	if st, _ := Word(ep.last(t), 0); st != line.StatusBadArgument {
		t.Errorf("zero clock status = 0x%X", st)
	}
}

func TestInitProject(t *testing.T) {
	f := newFixture()
	ep := &captureEP{}
	if _, err := f.x.Handle(vendorIn(ReqInitProject, 0, 0, 4), ep); err != nil {
		t.Fatal(err)
	}
	if f.initRan != 1 {
		t.Errorf("init ran %d times", f.initRan)
	}
	if st, _ := Word(ep.last(t), 0); st != line.StatusSuccess {
		t.Errorf("status = 0x%X", st)
	}
}

func TestRequestNames(t *testing.T) {
	if ReqReadDebugInfo.String() != "READ_DEBUG_INFO" {
		t.Errorf("got %q", ReqReadDebugInfo.String())
	}
	if Request(0x42).String() != "Request(0x42)" {
		t.Errorf("got %q", Request(0x42).String())
	}
}
