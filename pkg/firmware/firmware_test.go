package firmware

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/pkg/command"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/device"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/stream"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/system"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
)

type fakeBus struct {
	mu      sync.Mutex
	inits   int
	configs []system.BusConfig
	err     error
}

func (b *fakeBus) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inits++
	return nil
}

func (b *fakeBus) Configure(c system.BusConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.configs = append(b.configs, c)
	return nil
}

type wordRegister struct{ v atomic.Uint32 }

func (r *wordRegister) Load() uint32   { return r.v.Load() }
func (r *wordRegister) Store(v uint32) { r.v.Store(v) }

type bufferEP struct {
	sent    []byte
	payload []byte
}

func (e *bufferEP) Send(data []byte) error {
	e.sent = append([]byte(nil), data...)
	return nil
}

func (e *bufferEP) Receive(n int) ([]byte, error) {
	if n > len(e.payload) {
		n = len(e.payload)
	}
	return e.payload[:n], nil
}

type rig struct {
	fw     *Firmware
	lines  *line.Sim
	bus    *fakeBus
	ctrl   *stream.SimController
	resets atomic.Int32
	slept  []time.Duration
	mu     sync.Mutex
}

func newRig(t *testing.T, mutate func(*Config)) *rig {
	t.Helper()
	r := &rig{lines: line.NewSim(), bus: &fakeBus{}, ctrl: stream.NewSimController()}
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ResetGrace = 40 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}
	fw, err := New(cfg, Hardware{
		Lines:    r.lines,
		Register: &wordRegister{},
		Stream:   r.ctrl,
		Bus:      r.bus,
		Reset:    func() { r.resets.Add(1) },
		Sleep: func(d time.Duration) {
			r.mu.Lock()
			r.slept = append(r.slept, d)
			r.mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.fw = fw
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"colliding lines", func(c *Config) { c.Lines.Select = c.Lines.Clock }},
		{"bad burst", func(c *Config) { c.Stream.BurstLength = 0 }},
		{"clock above max", func(c *Config) { c.Work.Clock = 50 * physic.MegaHertz }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"negative settle", func(c *Config) { c.Settle = -time.Millisecond }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted a bad config")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Version = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Version != command.DefaultVersion {
		t.Errorf("Version = 0x%08X, want default", cfg.Version)
	}
}

func TestNewRequiresHardware(t *testing.T) {
	_, err := New(nil, Hardware{Lines: line.NewSim()})
	if !errors.Is(err, ErrMissingHardware) {
		t.Fatalf("err = %v, want ErrMissingHardware", err)
	}
}

func TestStart(t *testing.T) {
	r := newRig(t, nil)
	if err := r.fw.Start(); err != nil {
		t.Fatal(err)
	}
	l := r.fw.Config().Lines
	if r.lines.Level(l.ReceiverEnable) != gpio.High {
		t.Error("receiver not enabled")
	}
	if r.lines.Falls(l.ConverterReset) != 1 {
		t.Errorf("converter reset pulsed %d times", r.lines.Falls(l.ConverterReset))
	}
	if r.fw.Machine.Mode() != system.ModePreRun {
		t.Errorf("mode = %s, want PreRun", r.fw.Machine.Mode())
	}
	if r.bus.inits != 1 || len(r.bus.configs) != 1 || !r.bus.configs[0].SelectActiveHigh {
		t.Errorf("bus inits=%d configs=%+v", r.bus.inits, r.bus.configs)
	}
	if len(r.slept) != 1 || r.slept[0] != line.ResetPulse {
		t.Errorf("slept %v, want one reset pulse", r.slept)
	}
}

func TestStartWithoutSPI(t *testing.T) {
	r := newRig(t, func(c *Config) { c.EnableSPI = false })
	if err := r.fw.Start(); err != nil {
		t.Fatal(err)
	}
	if r.fw.Machine.Mode() != system.ModeUninitialized || r.bus.inits != 0 {
		t.Errorf("bus touched with SPI disabled: mode=%s inits=%d", r.fw.Machine.Mode(), r.bus.inits)
	}
}

func TestStartReportsLineFailure(t *testing.T) {
	r := newRig(t, nil)
	r.lines.ReadOnly = map[line.ID]bool{r.fw.Config().Lines.ReceiverEnable: true}
	if err := r.fw.Start(); !errors.Is(err, line.ErrReadOnly) {
		t.Fatalf("Start() = %v, want ErrReadOnly", err)
	}
}

func TestLinkEvents(t *testing.T) {
	r := newRig(t, nil)
	r.fw.HandleEvent(device.Event{Kind: device.EventSetConfiguration, Speed: usb.SpeedSuper})
	if r.fw.Engine.State() != stream.StateActive {
		t.Fatalf("state = %s, want Active", r.fw.Engine.State())
	}
	if r.fw.Context.Speed() != usb.SpeedSuper || !r.fw.Context.Active() {
		t.Error("context not updated")
	}
	r.fw.HandleEvent(device.Event{Kind: device.EventSuspend})
	if r.fw.Engine.State() != stream.StateActive {
		t.Error("suspend must be ignored")
	}
	r.fw.HandleEvent(device.Event{Kind: device.EventDisconnect})
	if r.fw.Engine.State() != stream.StateStopped || r.fw.Context.Active() {
		t.Error("disconnect did not stop streaming")
	}
}

func TestConfigureFailureResets(t *testing.T) {
	r := newRig(t, nil)
	r.ctrl.FailOn = func(c stream.Call) error {
		if c.Op == "bind" {
			return errors.New("dma busy")
		}
		return nil
	}
	r.fw.HandleEvent(device.Event{Kind: device.EventSetConfiguration, Speed: usb.SpeedHigh})
	if r.resets.Load() != 1 {
		t.Fatalf("resets = %d, want 1", r.resets.Load())
	}
	if len(r.slept) == 0 || r.slept[len(r.slept)-1] != r.fw.Config().Settle {
		t.Errorf("no settle delay before reset: %v", r.slept)
	}
}

func TestControl(t *testing.T) {
	r := newRig(t, nil)
	ep := &bufferEP{}
	handled, err := r.fw.Control(usb.SetupPacket{
		RequestType: usb.DirectionIn | usb.TypeVendor, Request: uint8(command.ReqGetVersion), Length: 32,
	}, ep)
	if !handled || err != nil {
		t.Fatalf("Control = %v, %v", handled, err)
	}
	if v, _ := command.Word(ep.sent, 0); v != command.DefaultVersion {
		t.Errorf("version = 0x%08X", v)
	}
	if handled, _ := r.fw.Control(usb.SetupPacket{Request: 0x42}, ep); handled {
		t.Error("unknown request handled")
	}
}

func TestControlSetupFailureResets(t *testing.T) {
	r := newRig(t, nil)
	r.bus.err = errors.New("spi block stuck")
	_, err := r.fw.Control(usb.SetupPacket{
		RequestType: usb.DirectionIn | usb.TypeVendor, Request: uint8(command.ReqRegRead), Length: 2,
	}, &bufferEP{})
	if !command.IsSetupError(err) {
		t.Fatalf("err = %v, want setup error", err)
	}
	if r.resets.Load() != 1 {
		t.Errorf("resets = %d, want 1", r.resets.Load())
	}
}

func TestOverflowCounted(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.fw.Run(ctx) }()

	r.fw.Post(device.Event{Kind: device.EventSetConfiguration, Speed: usb.SpeedHigh})
	waitFor(t, "streaming", func() bool { return r.fw.Engine.State() == stream.StateActive })

	for i := 0; i < r.fw.Config().Stream.BufferCount; i++ {
		if _, err := r.fw.Engine.Produce(0, []byte{byte(i)}); err != nil {
			t.Fatalf("Produce %d: %v", i, err)
		}
	}
	if _, err := r.fw.Engine.Produce(0, []byte{0xFF}); !errors.Is(err, stream.ErrOverflow) {
		t.Fatalf("Produce on full ring = %v, want ErrOverflow", err)
	}
	waitFor(t, "overflow event", func() bool { return r.fw.Context.Overflows() == 1 })

	ep := &bufferEP{}
	if _, err := r.fw.Control(usb.SetupPacket{
		RequestType: usb.DirectionIn | usb.TypeVendor, Request: uint8(command.ReqReadDebugInfo), Length: 32,
	}, ep); err != nil {
		t.Fatal(err)
	}
	if v, _ := command.Word(ep.sent, 1); v != 1 {
		t.Errorf("debug overflow word = %d, want 1", v)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}

func TestRequestedResetHonoredAfterGrace(t *testing.T) {
	r := newRig(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.fw.Run(ctx)

	start := time.Now()
	if _, err := r.fw.Control(usb.SetupPacket{
		RequestType: usb.DirectionOut | usb.TypeVendor, Request: uint8(command.ReqReset),
	}, &bufferEP{}); err != nil {
		t.Fatal(err)
	}

	// Still responsive inside the grace period.
	ep := &bufferEP{}
	if _, err := r.fw.Control(usb.SetupPacket{
		RequestType: usb.DirectionIn | usb.TypeVendor, Request: uint8(command.ReqGetVersion), Length: 4,
	}, ep); err != nil || len(ep.sent) != 4 {
		t.Fatalf("GET_VERSION during grace: %v (%d bytes)", err, len(ep.sent))
	}
	if r.resets.Load() != 0 {
		t.Fatal("reset before grace period")
	}

	waitFor(t, "reset", func() bool { return r.resets.Load() == 1 })
	if elapsed := time.Since(start); elapsed < r.fw.Config().ResetGrace {
		t.Errorf("reset after %s, before grace %s", elapsed, r.fw.Config().ResetGrace)
	}
	if r.fw.Machine.ResetPending() {
		t.Error("reset flag not cleared")
	}
	if got := r.fw.Status().Resets; got != 1 {
		t.Errorf("Status().Resets = %d", got)
	}
}
