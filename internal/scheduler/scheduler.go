// Package scheduler provides the production bfd.Scheduler implementation:
// a thin wrapper over time.AfterFunc whose handles are safe to cancel at
// any time, including after the timer has already fired.
package scheduler

import (
	"log/slog"
	"time"

	"github.com/bfdproject/gobfd/internal/bfd"
)

// Scheduler arms callbacks using the standard library's runtime timer
// wheel. It holds no session state of its own: safety against a
// cancelled-but-already-queued callback running twice is the caller's
// responsibility via the generation counters described in
// internal/bfd/session.go.
type Scheduler struct {
	logger *slog.Logger
}

// New creates a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With(slog.String("component", "scheduler"))}
}

// handle wraps a *time.Timer to satisfy bfd.TimerHandle.
type handle struct {
	t *time.Timer
}

// Arm implements bfd.Scheduler. delay <= 0 fires cb on the next runtime
// tick, matching the immediate re-transmission admdown requires.
func (s *Scheduler) Arm(delay time.Duration, cb func()) bfd.TimerHandle {
	if delay < 0 {
		delay = 0
	}
	return &handle{t: time.AfterFunc(delay, cb)}
}

// Cancel implements bfd.Scheduler. Cancelling a nil or already-fired
// handle is a no-op; time.Timer.Stop already tolerates both.
func (s *Scheduler) Cancel(h bfd.TimerHandle) {
	hd, ok := h.(*handle)
	if !ok || hd == nil || hd.t == nil {
		return
	}
	hd.t.Stop()
}
