package sim

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
	"github.com/OpenTraceLab/OpenTraceBridge/pkg/stream"
)

// Producer is the part of the stream engine the external bus writes to.
type Producer interface {
	Produce(socket int, data []byte) (int, error)
}

// Source models the external-bus state machine. Once started it commits
// buffers of an incrementing byte pattern, alternating between the producer
// sockets. Dropped buffers do not advance the pattern.
type Source struct {
	Sockets []int
	Chunk   int

	started  atomic.Bool
	mu       sync.Mutex
	next     byte
	turn     int
	produced uint64
	overflow uint64
}

// NewSource returns a stopped source.
func NewSource(sockets []int, chunk int) *Source {
	return &Source{Sockets: append([]int(nil), sockets...), Chunk: chunk}
}

// Start begins producing on the next Step.
func (s *Source) Start() error {
	s.started.Store(true)
	logging.Info(logging.ComponentSim, "external bus started")
	return nil
}

// Started reports whether Start has been called.
func (s *Source) Started() bool { return s.started.Load() }

// Stop halts production.
func (s *Source) Stop() { s.started.Store(false) }

// Step commits one buffer if started. Stopped streaming is not an error.
func (s *Source) Step(p Producer) error {
	if !s.started.Load() || len(s.Sockets) == 0 {
		return nil
	}
	s.mu.Lock()
	data := make([]byte, s.Chunk)
	for i := range data {
		data[i] = s.next + byte(i)
	}
	socket := s.Sockets[s.turn%len(s.Sockets)]
	s.turn++
	s.mu.Unlock()

	n, err := p.Produce(socket, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil:
		s.produced++
		s.next += byte(n)
	case errors.Is(err, stream.ErrOverflow):
		s.overflow++
		return nil
	case errors.Is(err, stream.ErrStopped):
		return nil
	}
	return err
}

// Run steps every interval until ctx is done.
func (s *Source) Run(ctx context.Context, p Producer, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := s.Step(p); err != nil {
				logging.Warn(logging.ComponentSim, "produce failed", "err", err)
			}
		}
	}
}

// Counts reports committed and overflowed buffers.
func (s *Source) Counts() (produced, overflowed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.produced, s.overflow
}
