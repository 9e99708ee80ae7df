package line

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3/gpio"
)

// Op records one driver call made against a Sim.
type Op struct {
	Write bool
	ID    ID
	Level gpio.Level
}

func (o Op) String() string {
	verb := "get"
	if o.Write {
		verb = "set"
	}
	return fmt.Sprintf("%s(%d)=%v", verb, o.ID, o.Level)
}

// Sim is an in-memory Driver for tests and the board simulator. Every call is
// recorded. OnSet runs after a write has been stored, outside the lock, so it
// may call Drive to model a peripheral reacting to the edge.
type Sim struct {
	// Known restricts the valid lines; nil accepts any line.
	Known map[ID]bool
	// ReadOnly lines reject Set with ErrReadOnly.
	ReadOnly map[ID]bool
	// Fail, when set, is consulted before every operation.
	Fail func(op Op) error
	// OnSet observes stored writes.
	OnSet func(id ID, level gpio.Level)

	mu     sync.Mutex
	levels map[ID]gpio.Level
	ops    []Op
}

// NewSim returns a simulator where every line starts low.
func NewSim() *Sim {
	return &Sim{levels: map[ID]gpio.Level{}}
}

func (s *Sim) check(op Op) error {
	if s.Known != nil && !s.Known[op.ID] {
		return fmt.Errorf("%w: %d", ErrUnknownLine, op.ID)
	}
	if op.Write && s.ReadOnly[op.ID] {
		return fmt.Errorf("%w: %d", ErrReadOnly, op.ID)
	}
	if s.Fail != nil {
		return s.Fail(op)
	}
	return nil
}

func (s *Sim) Set(id ID, level gpio.Level) error {
	op := Op{Write: true, ID: id, Level: level}
	if err := s.check(op); err != nil {
		return err
	}
	s.mu.Lock()
	if s.levels == nil {
		s.levels = map[ID]gpio.Level{}
	}
	s.levels[id] = level
	s.ops = append(s.ops, op)
	hook := s.OnSet
	s.mu.Unlock()
	if hook != nil {
		hook(id, level)
	}
	return nil
}

func (s *Sim) Get(id ID) (gpio.Level, error) {
	if err := s.check(Op{ID: id}); err != nil {
		return gpio.Low, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.levels[id]
	s.ops = append(s.ops, Op{ID: id, Level: l})
	return l, nil
}

// Drive changes a line level from the far side without recording an op.
func (s *Sim) Drive(id ID, level gpio.Level) {
	s.mu.Lock()
	if s.levels == nil {
		s.levels = map[ID]gpio.Level{}
	}
	s.levels[id] = level
	s.mu.Unlock()
}

// Level returns the current level of a line.
func (s *Sim) Level(id ID) gpio.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[id]
}

// Ops returns a copy of the recorded operations.
func (s *Sim) Ops() []Op {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Op(nil), s.ops...)
}

// ClearOps discards the recorded history but keeps line levels.
func (s *Sim) ClearOps() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

// Falls counts high-to-low writes to id in the recorded history.
func (s *Sim) Falls(id ID) int {
	n := 0
	last := gpio.High
	for _, op := range s.Ops() {
		if !op.Write || op.ID != id {
			continue
		}
		if last == gpio.High && op.Level == gpio.Low {
			n++
		}
		last = op.Level
	}
	return n
}
