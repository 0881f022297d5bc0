// Package gateway is the WebSocket front door: it accepts connections on
// /ws/v1/stub, assigns connection ids, dispatches typed JSON messages to the
// session lock, the SSH runner and the task registry, and fans lock and
// health transitions out to every live connection.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ppops/stub-gateway/internal/health"
	"github.com/ppops/stub-gateway/internal/protocol"
	"github.com/ppops/stub-gateway/internal/registry"
	"github.com/ppops/stub-gateway/internal/session"
	"github.com/ppops/stub-gateway/internal/sshrunner"
	"github.com/ppops/stub-gateway/internal/taskreg"
	"github.com/ppops/stub-gateway/internal/ws"
)

// Runner is the per-task SSH facade. The concrete implementation is
// sshrunner.Runner; tests substitute fakes.
type Runner interface {
	Connect(ctx context.Context, alias string) error
	RunInteractive(ctx context.Context, command, stopPhrase string, sink sshrunner.Sink) error
	SCPTransfer(ctx context.Context, name string, sink sshrunner.Sink) error
	SendInput(text string) error
	Close() error
}

// RunnerFactory builds a fresh Runner for one task.
type RunnerFactory func() Runner

// Options carries the gateway timeouts.
type Options struct {
	// CommandTimeout bounds one ssh_command when the message names none.
	CommandTimeout time.Duration
	// SCPTimeout bounds one scp_transfer.
	SCPTimeout time.Duration
	// CancelDeadline bounds the await after signalling a task to stop.
	CancelDeadline time.Duration
}

func (o *Options) applyDefaults() {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.SCPTimeout <= 0 {
		o.SCPTimeout = 600 * time.Second
	}
	if o.CancelDeadline <= 0 {
		o.CancelDeadline = taskreg.DefaultCancelDeadline
	}
}

// Gateway wires the WebSocket surface to the domain components.
type Gateway struct {
	hub     *ws.Hub
	lock    *session.Lock
	tasks   *taskreg.Registry
	monitor *health.Monitor
	reg     *registry.Registry

	newRunner RunnerFactory
	opts      Options

	mu      sync.Mutex
	runners map[string]Runner // live runner per connection, present only while a task runs
}

// New wires a Gateway and registers its lock and health broadcast hooks.
func New(hub *ws.Hub, lock *session.Lock, tasks *taskreg.Registry,
	monitor *health.Monitor, reg *registry.Registry,
	factory RunnerFactory, opts Options) *Gateway {

	opts.applyDefaults()
	g := &Gateway{
		hub:       hub,
		lock:      lock,
		tasks:     tasks,
		monitor:   monitor,
		reg:       reg,
		newRunner: factory,
		opts:      opts,
		runners:   make(map[string]Runner),
	}

	lock.OnChange(g.broadcastLockChange)
	if monitor != nil {
		monitor.Subscribe(g.broadcastHealthChange)
	}
	return g
}

// ServeWS upgrades the request and runs the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The gateway lives on an internal network behind the operations
		// UI; origin enforcement happens at the proxy.
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[gateway] accept failed: %v", err)
		return
	}

	connID := uuid.NewString()
	client := ws.NewClient(r.Context(), connID, conn)

	defer conn.Close(websocket.StatusNormalClosure, "")
	defer g.teardown(client)

	// The welcome is the first frame on every connection; the client joins
	// the broadcast set only afterwards.
	if err := client.Send(g.welcome(connID)); err != nil {
		log.Printf("[gateway] %s welcome failed: %v", connID, err)
		return
	}
	g.hub.Add(client)
	log.Printf("[gateway] %s connected (%d online)", connID, g.hub.Count())

	for {
		data, err := client.Read(client.Context())
		if err != nil {
			log.Printf("[gateway] %s read ended: %v", connID, err)
			return
		}
		g.dispatch(client, data)
	}
}

// welcome builds the first frame of a connection: its id plus a snapshot of
// the lock and every host's health.
func (g *Gateway) welcome(connID string) protocol.Welcome {
	snap := g.lock.Snapshot()

	healthMap := make(map[string]interface{})
	if g.monitor != nil {
		for alias, hs := range g.monitor.Snapshots() {
			healthMap[alias] = hs
		}
	}

	return protocol.Welcome{
		Type:         protocol.TypeWelcome,
		Message:      "connected to stub gateway",
		ConnectionID: connID,
		LockStatus:   lockStatusOf(snap),
		Session:      sessionStatusOf(snap),
		ServerHealth: healthMap,
	}
}

// teardown runs the ordered disconnect sequence. Every step runs even when
// an earlier one fails; failures are logged with the connection id.
func (g *Gateway) teardown(client *ws.Client) {
	connID := client.ID

	// 1. Stop the in-flight task, if any.
	if g.tasks.Lookup(connID) != nil {
		if err := g.tasks.Cancel(connID, g.opts.CancelDeadline); err != nil {
			log.Printf("[gateway] %s teardown: cancel task: %v", connID, err)
		}
	}

	// 2. Release the session lock if this connection holds it.
	if g.lock.ReleaseIfOwner(connID) {
		log.Printf("[gateway] %s teardown: released session lock", connID)
	}

	// 3. Close the connection's SSH transport, if any.
	if r := g.takeRunner(connID); r != nil {
		if err := r.Close(); err != nil {
			log.Printf("[gateway] %s teardown: close runner: %v", connID, err)
		}
	}

	// 4. Forget the connection.
	g.hub.Remove(connID)
	client.Close()
	log.Printf("[gateway] %s disconnected (%d online)", connID, g.hub.Count())
}

// broadcastLockChange fans one lock transition out as both the session and
// the lock vocabularies. The lock delivers transitions serialized in order,
// outside its state mutex, so a stalled receiver cannot hold up Acquire or
// Require on other connections.
func (g *Gateway) broadcastLockChange(snap session.Snapshot) {
	msg := "session ended, lock released"
	if snap.Active {
		msg = fmt.Sprintf("session started by %s", snap.Owner)
	}

	ss := sessionStatusOf(snap)
	g.hub.Broadcast(protocol.SessionStatusBroadcast{
		Type:          protocol.TypeSessionStatus,
		SessionActive: ss.Active,
		SessionOwner:  ss.Owner,
		Message:       msg,
	})
	ls := lockStatusOf(snap)
	g.hub.Broadcast(protocol.LockStatusBroadcast{
		Type:      protocol.TypeLockStatus,
		Locked:    ls.Locked,
		LockOwner: ls.LockOwner,
		Message:   msg,
	})
}

// broadcastHealthChange fans one host health transition out to every client.
func (g *Gateway) broadcastHealthChange(alias string, snap health.Snapshot) {
	g.hub.Broadcast(protocol.ServerHealthFrame{
		Type:       protocol.TypeServerHealth,
		ServerName: alias,
		IsHealthy:  snap.IsHealthy,
		Status:     snap,
	})
}

// putRunner records the connection's live runner for ssh_input and teardown.
func (g *Gateway) putRunner(connID string, r Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[connID] = r
}

// getRunner returns the connection's live runner, or nil.
func (g *Gateway) getRunner(connID string) Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runners[connID]
}

// takeRunner removes and returns the connection's live runner, or nil.
func (g *Gateway) takeRunner(connID string) Runner {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.runners[connID]
	delete(g.runners, connID)
	return r
}

func lockStatusOf(snap session.Snapshot) protocol.LockStatus {
	ls := protocol.LockStatus{Locked: snap.Active}
	if snap.Active {
		owner := snap.Owner
		ls.LockOwner = &owner
	}
	return ls
}

func sessionStatusOf(snap session.Snapshot) protocol.SessionStatus {
	ss := protocol.SessionStatus{Active: snap.Active}
	if snap.Active {
		owner := snap.Owner
		ss.Owner = &owner
	}
	return ss
}
