package stream

import "fmt"

// ChannelMode describes how a pipeline's buffers move between the hardware
// blocks.
type ChannelMode uint8

const (
	// ModeAutoManyToOne joins several external-bus producer sockets into one
	// endpoint without CPU involvement.
	ModeAutoManyToOne ChannelMode = iota
	// ModeManualIn delivers endpoint data to the CPU, which releases each
	// buffer itself.
	ModeManualIn
)

func (m ChannelMode) String() string {
	switch m {
	case ModeAutoManyToOne:
		return "auto-many-to-one"
	case ModeManualIn:
		return "manual-in"
	}
	return fmt.Sprintf("ChannelMode(%d)", m)
}

// Unlimited arms a pipeline for continuous transfer.
const Unlimited = 0

// EndpointConfig is applied to a bulk endpoint before its pipeline is bound.
type EndpointConfig struct {
	Address   uint8
	Enable    bool
	MaxPacket int
	Burst     int
}

// Pipeline is a buffer ring bound to one endpoint.
type Pipeline struct {
	Name     string
	Endpoint uint8
	Mode     ChannelMode
	// Sockets are the external-bus producer sockets feeding the ring.
	Sockets []int
	Ring    *Ring
}

func (p *Pipeline) String() string {
	return fmt.Sprintf("%s(ep=0x%02X %s %dx%d)", p.Name, p.Endpoint, p.Mode, p.Ring.Count(), p.Ring.Size())
}

// Controller is the USB and DMA hardware the engine programs.
type Controller interface {
	ConfigureEndpoint(cfg EndpointConfig) error
	FlushEndpoint(addr uint8) error
	Bind(p *Pipeline) error
	Arm(p *Pipeline, transfers int) error
	Unbind(p *Pipeline) error
}
