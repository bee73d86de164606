// Package gate provides per-user single-flight admission control.
//
// Each user id owns a lazily created binary semaphore. Acquisition is
// non-blocking: while a user's request is in flight, further requests
// for the same user are rejected immediately rather than queued.
// Different users never contend with each other.
package gate

import (
	"log/slog"
	"sync"
)

// Gate is a registry of per-user execution leases. The zero value is not
// usable; create instances with New. Leases live for the process
// lifetime and are never evicted.
type Gate struct {
	mu    sync.Mutex
	users map[int64]chan struct{}
}

// New creates an empty Gate.
func New() *Gate {
	return &Gate{users: make(map[int64]chan struct{})}
}

// lease returns the user's semaphore, creating it on first contact.
func (g *Gate) lease(userID int64) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	sem, ok := g.users[userID]
	if !ok {
		sem = make(chan struct{}, 1)
		g.users[userID] = sem
		slog.Debug("Gate: created lease", "userID", userID)
	}
	return sem
}

// TryAcquire attempts to take the user's lease without blocking.
// It returns false when the lease is already held; callers must not
// proceed and should surface a "please wait" response.
func (g *Gate) TryAcquire(userID int64) bool {
	select {
	case g.lease(userID) <- struct{}{}:
		return true
	default:
		slog.Debug("Gate: acquisition rejected, lease held", "userID", userID)
		return false
	}
}

// Release returns the user's lease. It must be called exactly once for
// every successful TryAcquire, on every exit path of the guarded
// section. Releasing an unheld lease panics, which would indicate a
// caller bug rather than a recoverable condition.
func (g *Gate) Release(userID int64) {
	select {
	case <-g.lease(userID):
	default:
		panic("gate: release of unheld lease")
	}
}

// Held reports whether the user's lease is currently taken.
func (g *Gate) Held(userID int64) bool {
	return len(g.lease(userID)) > 0
}
