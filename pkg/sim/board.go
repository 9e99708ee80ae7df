package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/bitbang"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/device"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/firmware"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/line"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/stream"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/system"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/usb"
)

var (
	// ErrDeviceGone is returned between a reset and re-enumeration.
	ErrDeviceGone = errors.New("sim: device gone")
	// ErrStall is returned for a control request the device rejected.
	ErrStall = errors.New("sim: control request stalled")
)

// Options configures a Board.
type Options struct {
	Config *firmware.Config
	Speed  usb.Speed

	PhyRate  uint16 // error counter growth per tick
	LinkRate uint16

	TickInterval time.Duration // error counter mutator
	FeedInterval time.Duration // external bus production
	RebootDelay  time.Duration // reset to re-enumeration
	Chunk        int           // bytes per produced buffer

	// FailOn is installed on the stream controller of every boot.
	FailOn func(stream.Call) error
}

// DefaultOptions returns a super-speed board with slowly growing errors.
func DefaultOptions() Options {
	return Options{
		Config:       firmware.DefaultConfig(),
		Speed:        usb.SpeedSuper,
		PhyRate:      1,
		LinkRate:     2,
		TickInterval: 10 * time.Millisecond,
		FeedInterval: time.Millisecond,
		RebootDelay:  10 * time.Millisecond,
		Chunk:        1024,
	}
}

// FailAt returns a FailOn hook that rejects the n-th controller call (1-based).
func FailAt(n int, err error) func(stream.Call) error {
	var calls atomic.Int64
	return func(stream.Call) error {
		if calls.Add(1) == int64(n) {
			return err
		}
		return nil
	}
}

// Board is a complete simulated device.
type Board struct {
	opts Options

	Lines      *line.Sim
	Peripheral *Peripheral
	Register   *Register
	Port       *Port
	Source     *Source

	mu        sync.Mutex
	fw        *firmware.Firmware
	ctrl      *stream.SimController
	cancelRun context.CancelFunc
	boots     int

	gone   atomic.Bool
	resets atomic.Int64
}

// NewBoard builds the hardware and boots the firmware once.
func NewBoard(opts Options) (*Board, error) {
	if opts.Config == nil {
		opts.Config = firmware.DefaultConfig()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	def := DefaultOptions()
	if opts.TickInterval <= 0 {
		opts.TickInterval = def.TickInterval
	}
	if opts.FeedInterval <= 0 {
		opts.FeedInterval = def.FeedInterval
	}
	if opts.Chunk <= 0 {
		opts.Chunk = def.Chunk
	}
	if opts.Speed == usb.SpeedUnknown {
		opts.Speed = def.Speed
	}

	lines := line.NewSim()
	b := &Board{
		opts:       opts,
		Lines:      lines,
		Peripheral: NewPeripheral(lines, bitbang.PinsFrom(opts.Config.Lines)),
		Register:   NewRegister(opts.PhyRate, opts.LinkRate),
		Port:       NewPort(),
		Source:     NewSource(opts.Config.Stream.Sockets, opts.Chunk),
	}
	if err := b.boot(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Board) boot() error {
	cfg := *b.opts.Config
	ctrl := stream.NewSimController()
	ctrl.FailOn = b.opts.FailOn

	fw, err := firmware.New(&cfg, firmware.Hardware{
		Lines:      b.Lines,
		Register:   b.Register,
		Preemption: b.Register,
		Stream:     ctrl,
		Bus:        system.NewPortController(b.Port),
		External:   b.Source,
		Reset:      b.reset,
	})
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.fw, b.ctrl = fw, ctrl
	boot := b.boots + 1
	b.mu.Unlock()
	b.gone.Store(false)

	if err := fw.Start(); err != nil {
		return fmt.Errorf("sim: boot %d: %w", boot, err)
	}
	fw.HandleEvent(device.Event{Kind: device.EventSetConfiguration, Speed: b.opts.Speed})

	b.mu.Lock()
	b.boots = boot
	b.mu.Unlock()
	logging.Info(logging.ComponentSim, "board enumerated", "boot", boot, "speed", b.opts.Speed)
	return nil
}

func (b *Board) reset() {
	b.resets.Add(1)
	b.gone.Store(true)
	b.Source.Stop()
	b.mu.Lock()
	cancel := b.cancelRun
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Firmware returns the firmware of the current boot.
func (b *Board) Firmware() *firmware.Firmware {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fw
}

// Controller returns the stream controller of the current boot.
func (b *Board) Controller() *stream.SimController {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctrl
}

// Gone reports whether the device is between reset and re-enumeration.
func (b *Board) Gone() bool { return b.gone.Load() }

// Run drives the board until ctx is done: the firmware loop, the counter
// mutator and the external bus. After a reset the firmware is booted again
// once RebootDelay has passed.
func (b *Board) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = b.Register.Run(ctx, b.opts.TickInterval)
	}()
	go func() {
		defer wg.Done()
		_ = b.Source.Run(ctx, producerFunc(b.produce), b.opts.FeedInterval)
	}()

	for {
		runCtx, cancel := context.WithCancel(ctx)
		b.mu.Lock()
		fw := b.fw
		b.cancelRun = cancel
		b.mu.Unlock()
		if b.gone.Load() {
			cancel()
		}
		_ = fw.Run(runCtx)
		cancel()
		if err := ctx.Err(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.opts.RebootDelay):
		}
		if err := b.boot(); err != nil {
			logging.Error(logging.ComponentSim, "reboot failed", "err", err)
		}
	}
}

type producerFunc func(socket int, data []byte) (int, error)

func (f producerFunc) Produce(socket int, data []byte) (int, error) { return f(socket, data) }

func (b *Board) produce(socket int, data []byte) (int, error) {
	if b.gone.Load() {
		return 0, stream.ErrStopped
	}
	return b.Firmware().Engine.Produce(socket, data)
}

// Control performs one control transfer with the direction taken from rType.
// Its signature matches gousb.Device.Control.
func (b *Board) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	if b.gone.Load() {
		return 0, ErrDeviceGone
	}
	s := usb.SetupPacket{RequestType: rType, Request: request, Value: val, Index: idx, Length: uint16(len(data))}
	stage := &controlStage{in: s.IsIn(), data: data}
	handled, err := b.Firmware().Control(s, stage)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStall, err)
	}
	if !handled {
		return 0, fmt.Errorf("%w: request 0x%02X", ErrStall, request)
	}
	return stage.n, nil
}

type controlStage struct {
	in   bool
	data []byte
	n    int
}

func (c *controlStage) Send(data []byte) error {
	if !c.in {
		return errors.New("sim: device sent data on an OUT transfer")
	}
	c.n = copy(c.data, data)
	return nil
}

func (c *controlStage) Receive(n int) ([]byte, error) {
	if c.in {
		return nil, errors.New("sim: device read data on an IN transfer")
	}
	if n > len(c.data) {
		n = len(c.data)
	}
	c.n = n
	return append([]byte(nil), c.data[:n]...), nil
}

// Read takes the oldest to-host buffer. It returns 0 and no error when nothing
// is pending.
func (b *Board) Read(p []byte) (int, error) {
	if b.gone.Load() {
		return 0, ErrDeviceGone
	}
	n, err := b.Controller().Read(b.opts.Config.Stream.ConsumerEndpoint, p)
	if errors.Is(err, stream.ErrNoData) || errors.Is(err, stream.ErrEndpointIdle) {
		return 0, nil
	}
	return n, err
}

// Write queues host data on the from-host endpoint.
func (b *Board) Write(p []byte) (int, error) {
	if b.gone.Load() {
		return 0, ErrDeviceGone
	}
	return b.Controller().Write(b.opts.Config.Stream.ProducerEndpoint, p)
}

// Status combines firmware counters with board-level counts.
type Status struct {
	firmware.Status
	Boots      int
	Resets     int64
	Produced   uint64
	Overflowed uint64
	Frames     int
}

// Status returns a snapshot of the board.
func (b *Board) Status() Status {
	b.mu.Lock()
	boots := b.boots
	b.mu.Unlock()
	produced, overflowed := b.Source.Counts()
	return Status{
		Status:     b.Firmware().Status(),
		Boots:      boots,
		Resets:     b.resets.Load(),
		Produced:   produced,
		Overflowed: overflowed,
		Frames:     b.Peripheral.Frames(),
	}
}
