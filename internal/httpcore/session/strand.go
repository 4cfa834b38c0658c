package session

import "sync/atomic"

// runGuard enforces the "at most one outstanding operation per session"
// invariant: the pool never hands out a session that is in its active set,
// so in normal operation this never trips. It exists as a cheap tripwire in
// the same style as the chat server's per-connection processing flag.
type runGuard struct {
	busy atomic.Bool
}

// enter returns false (and does nothing else) if the guard is already held.
func (g *runGuard) enter() bool {
	return g.busy.CompareAndSwap(false, true)
}

func (g *runGuard) leave() {
	g.busy.Store(false)
}
