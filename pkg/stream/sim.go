package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrNoData is returned by SimController.Read when no buffer is committed.
var ErrNoData = errors.New("stream: no data pending")

// ErrEndpointIdle is returned for host traffic on an endpoint with no pipeline.
var ErrEndpointIdle = errors.New("stream: endpoint has no pipeline")

// Call records one Controller invocation on a SimController.
type Call struct {
	Op       string
	Endpoint uint8
	Arg      int
}

func (c Call) String() string {
	return fmt.Sprintf("%s(0x%02X,%d)", c.Op, c.Endpoint, c.Arg)
}

// SimController is an in-memory Controller. It records every call and plays
// the host's side of the bulk endpoints through Read and Write.
type SimController struct {
	// FailOn, when set, can reject any call before it takes effect.
	FailOn func(c Call) error

	mu        sync.Mutex
	calls     []Call
	endpoints map[uint8]EndpointConfig
	bound     map[uint8]*Pipeline
	armed     map[uint8]int
}

// NewSimController returns an empty controller.
func NewSimController() *SimController {
	return &SimController{
		endpoints: map[uint8]EndpointConfig{},
		bound:     map[uint8]*Pipeline{},
		armed:     map[uint8]int{},
	}
}

func (s *SimController) record(c Call) error {
	s.mu.Lock()
	fail := s.FailOn
	s.mu.Unlock()
	if fail != nil {
		if err := fail(c); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
	return nil
}

func (s *SimController) ConfigureEndpoint(cfg EndpointConfig) error {
	arg := 0
	if cfg.Enable {
		arg = cfg.MaxPacket * cfg.Burst
	}
	if err := s.record(Call{Op: "endpoint", Endpoint: cfg.Address, Arg: arg}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.Enable {
		s.endpoints[cfg.Address] = cfg
	} else {
		delete(s.endpoints, cfg.Address)
	}
	return nil
}

func (s *SimController) FlushEndpoint(addr uint8) error {
	return s.record(Call{Op: "flush", Endpoint: addr})
}

func (s *SimController) Bind(p *Pipeline) error {
	if err := s.record(Call{Op: "bind", Endpoint: p.Endpoint, Arg: p.Ring.Size()}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.bound[p.Endpoint]; busy {
		return fmt.Errorf("stream: endpoint 0x%02X already bound", p.Endpoint)
	}
	s.bound[p.Endpoint] = p
	return nil
}

func (s *SimController) Arm(p *Pipeline, transfers int) error {
	if err := s.record(Call{Op: "arm", Endpoint: p.Endpoint, Arg: transfers}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed[p.Endpoint] = transfers
	return nil
}

func (s *SimController) Unbind(p *Pipeline) error {
	if err := s.record(Call{Op: "unbind", Endpoint: p.Endpoint}); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bound, p.Endpoint)
	delete(s.armed, p.Endpoint)
	return nil
}

// Calls returns a copy of the recorded calls.
func (s *SimController) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// ClearCalls forgets the recorded calls.
func (s *SimController) ClearCalls() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Endpoint returns the configuration of an enabled endpoint.
func (s *SimController) Endpoint(addr uint8) (EndpointConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.endpoints[addr]
	return cfg, ok
}

// Bound returns the pipeline bound to addr.
func (s *SimController) Bound(addr uint8) *Pipeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[addr]
}

// Read delivers the oldest committed buffer on an IN endpoint to the host.
func (s *SimController) Read(addr uint8, p []byte) (int, error) {
	pl := s.Bound(addr)
	if pl == nil {
		return 0, ErrEndpointIdle
	}
	buf, ok := pl.Ring.Next()
	if !ok {
		return 0, ErrNoData
	}
	defer pl.Ring.Release(buf)
	if len(p) < buf.Len() {
		return 0, io.ErrShortBuffer
	}
	return copy(p, buf.Bytes()), nil
}

// Write places host OUT data into one buffer of the endpoint's ring.
func (s *SimController) Write(addr uint8, data []byte) (int, error) {
	pl := s.Bound(addr)
	if pl == nil {
		return 0, ErrEndpointIdle
	}
	buf, err := pl.Ring.Acquire()
	if err != nil {
		return 0, err
	}
	n := copy(buf.Space(), data)
	if err := pl.Ring.Commit(buf, n); err != nil {
		return 0, err
	}
	return n, nil
}
