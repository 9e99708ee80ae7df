package system

import (
	"context"
	"time"

	"github.com/OpenTraceLab/OpenTraceBridge/internal/logging"
)

// Watch polls the pending reset flag until ctx is done. Once the flag is seen
// it waits ResetGrace, clears the flag and calls reset.
func (m *Machine) Watch(ctx context.Context, reset func()) error {
	poll := m.PollInterval
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !m.pending.Load() {
			continue
		}

		logging.Warn(logging.ComponentSystem, "device reset requested", "grace", m.ResetGrace)
		grace := time.NewTimer(m.ResetGrace)
		select {
		case <-ctx.Done():
			grace.Stop()
			return ctx.Err()
		case <-grace.C:
		}
		m.pending.Store(false)
		reset()
	}
}
