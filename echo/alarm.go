package echo

import (
	"sync"
	"time"
)

// Alarm runs a callback once after a delay on a timer-managed goroutine,
// without blocking the caller. The zero value is ready to use. There is
// no ordering guarantee between independently armed alarms except by
// their delays.
type Alarm struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Set schedules f to run after d. Re-arming an armed alarm cancels the
// previously scheduled callback if it has not fired yet.
func (a *Alarm) Set(d time.Duration, f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, f)
}

// Cancel stops the pending callback. Cancelling an already-fired or
// never-armed alarm is a no-op, not an error.
func (a *Alarm) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}
