// Package taskreg tracks at most one in-flight cancellable task per
// WebSocket connection.
//
// A task is long-running SSH or SCP work spawned off the connection's
// dispatch loop so that end_session and control messages can still be
// received. The registry enforces single-task-per-connection, provides
// cooperative cancellation with a bounded await, and guarantees that a
// cancelled task's completion is observable before the next Start for the
// same connection id.
package taskreg

import (
	"context"
	"sync"
	"time"

	"github.com/ppops/stub-gateway/internal/protocol"
)

// DefaultCancelDeadline bounds how long Cancel waits for a task to stop.
const DefaultCancelDeadline = 5 * time.Second

// Handle represents one in-flight task.
type Handle struct {
	ConnID    string
	StartedAt time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the task function returns.
func (h *Handle) Done() <-chan struct{} { return h.done }

// live reports whether the task function is still running.
func (h *Handle) live() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Registry is the per-connection task table. All mutations are serialized by
// an internal mutex; no operation suspends while holding it except the
// bounded await inside Cancel, which runs outside the lock.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tasks: make(map[string]*Handle)}
}

// Start registers a handle for connID and runs work on its own goroutine with
// a fresh cancellable context. Fails with task-already-running when a live
// handle exists. A finished-but-unregistered handle (never cleaned up) is
// replaced.
func (r *Registry) Start(connID string, work func(ctx context.Context)) (*Handle, error) {
	r.mu.Lock()
	if existing, ok := r.tasks[connID]; ok && existing.live() {
		r.mu.Unlock()
		return nil, protocol.NewError(protocol.CodeTaskAlreadyRunning,
			"another command is still running on this connection")
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		ConnID:    connID,
		StartedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	r.tasks[connID] = h
	r.mu.Unlock()

	go func() {
		defer close(h.done)
		defer cancel()
		work(ctx)
	}()

	return h, nil
}

// Cancel signals connID's task and awaits completion up to deadline. On
// completion the handle is deregistered, including when the task finished
// between the signal and the await. On timeout the handle stays registered
// (to be retried or surrendered at process exit) and task-cancel-timeout is
// returned. A missing handle yields task-not-found.
func (r *Registry) Cancel(connID string, deadline time.Duration) error {
	if deadline <= 0 {
		deadline = DefaultCancelDeadline
	}

	r.mu.Lock()
	h, ok := r.tasks[connID]
	r.mu.Unlock()
	if !ok {
		return protocol.NewError(protocol.CodeTaskNotFound,
			"no running task for this connection")
	}

	h.cancel()

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case <-h.done:
		r.deregister(connID, h)
		return nil
	case <-timer.C:
		return protocol.NewError(protocol.CodeTaskCancelTimeout,
			"task ignored cancellation")
	}
}

// Cleanup deregisters connID's handle without cancelling. Used by the task
// itself on graceful completion.
func (r *Registry) Cleanup(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, connID)
}

// Lookup returns the live handle for connID, or nil.
func (r *Registry) Lookup(connID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.tasks[connID]
	if !ok || !h.live() {
		return nil
	}
	return h
}

// deregister removes the handle only if it is still the one we cancelled;
// a replacement started after completion must not be dropped.
func (r *Registry) deregister(connID string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[connID]; ok && cur == h {
		delete(r.tasks, connID)
	}
}
