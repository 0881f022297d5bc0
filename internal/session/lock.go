// Package session implements the process-wide exclusive session lock.
//
// The lock is not a mutex around a critical section: it is a reservation with
// a named owner (a connection id) that spans many WebSocket messages, from
// start_session until the matching end_session or disconnect. Gated
// operations do not ask "is it locked" but "is it locked by me".
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/ppops/stub-gateway/internal/protocol"
)

// Snapshot is a consistent view of the lock state.
type Snapshot struct {
	Active     bool
	Owner      string
	AcquiredAt time.Time
}

// ChangeFunc observes lock transitions. Invocations are serialized in
// transition order but run outside the state mutex, so a slow observer (a
// stalled WebSocket write) never blocks Acquire, Release or Require.
type ChangeFunc func(snap Snapshot)

// Lock is the single-holder exclusive session lock. The zero value is a free
// lock; use New to attach a change hook.
type Lock struct {
	mu         sync.Mutex
	held       bool
	owner      string
	acquiredAt time.Time
	onChange   ChangeFunc
	pending    []Snapshot

	// notifyMu serializes hook invocations so queued transitions are
	// delivered in order.
	notifyMu sync.Mutex
}

// New creates a free Lock.
func New() *Lock {
	return &Lock{}
}

// OnChange registers the transition hook. Only one hook is supported; the
// gateway fans it out to every connection.
func (l *Lock) OnChange(fn ChangeFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = fn
}

// Acquire takes the lock for connID. Fails with session-already-active when
// another connection (or the same one) already holds it.
func (l *Lock) Acquire(connID string) error {
	l.mu.Lock()
	if l.held {
		owner := l.owner
		l.mu.Unlock()
		return protocol.NewError(protocol.CodeSessionAlreadyActive,
			fmt.Sprintf("owner=%s", owner))
	}

	l.held = true
	l.owner = connID
	l.acquiredAt = time.Now()
	l.queueLocked()
	l.mu.Unlock()

	l.deliver()
	return nil
}

// Release frees the lock. Only the current owner may release; a free lock
// yields no-active-session and a foreign owner yields not-session-owner.
func (l *Lock) Release(connID string) error {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return protocol.NewError(protocol.CodeNoActiveSession, "no active session to end")
	}
	if l.owner != connID {
		owner := l.owner
		l.mu.Unlock()
		return protocol.NewError(protocol.CodeNotSessionOwner,
			fmt.Sprintf("owner=%s", owner))
	}

	l.held = false
	l.owner = ""
	l.acquiredAt = time.Time{}
	l.queueLocked()
	l.mu.Unlock()

	l.deliver()
	return nil
}

// ReleaseIfOwner frees the lock when connID holds it and reports whether a
// release happened. Used by disconnect teardown, where a non-owner is not an
// error.
func (l *Lock) ReleaseIfOwner(connID string) bool {
	l.mu.Lock()
	if !l.held || l.owner != connID {
		l.mu.Unlock()
		return false
	}

	l.held = false
	l.owner = ""
	l.acquiredAt = time.Time{}
	l.queueLocked()
	l.mu.Unlock()

	l.deliver()
	return true
}

// Require succeeds only when connID currently owns the lock. Gated operations
// (ssh_command, scp_transfer, ssh_input) call this before doing any work.
func (l *Lock) Require(connID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return protocol.NewError(protocol.CodeNoActiveSession, "start a session first")
	}
	if l.owner != connID {
		return protocol.NewError(protocol.CodeNotSessionOwner,
			fmt.Sprintf("owner=%s", l.owner))
	}
	return nil
}

// Snapshot returns the current lock state.
func (l *Lock) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{Active: l.held, Owner: l.owner, AcquiredAt: l.acquiredAt}
}

// queueLocked records the just-applied transition for delivery. Caller must
// hold l.mu; queueing under the state mutex fixes the delivery order.
func (l *Lock) queueLocked() {
	l.pending = append(l.pending, Snapshot{Active: l.held, Owner: l.owner, AcquiredAt: l.acquiredAt})
}

// deliver drains queued transitions to the hook. The state mutex is released
// between pops, so the hook may read (or even mutate) the lock; notifyMu
// keeps deliveries in queue order across concurrent mutators.
func (l *Lock) deliver() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		snap := l.pending[0]
		l.pending = l.pending[1:]
		fn := l.onChange
		l.mu.Unlock()

		if fn != nil {
			fn(snap)
		}
	}
}
