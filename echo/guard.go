package echo

import "sync"

// completionGuard serializes the completion paths racing to terminate a
// single call. Read completion, write completion, a cancel notification
// and a timer callback may all arrive concurrently; whichever reaches the
// guard first performs the terminal action and everyone else no-ops.
type completionGuard struct {
	mu       sync.Mutex
	finished bool
}

// tryFinish runs finish(err) iff no terminal action has run yet, and
// reports whether this caller won the race.
func (g *completionGuard) tryFinish(err error, finish func(error)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.finished {
		return false
	}
	g.finished = true
	finish(err)
	return true
}

// ifNotFinished runs f under the guard's lock iff no terminal action has
// run yet. Used to gate non-terminal work (such as issuing the next read)
// against a concurrent finish.
func (g *completionGuard) ifNotFinished(f func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.finished {
		f()
	}
}
