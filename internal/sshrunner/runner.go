// Package sshrunner is the per-connection SSH facade.
//
// A Runner owns at most one SSH transport and moves through a small phase
// machine (idle → connected ⇄ streaming/transferring → closed). It offers
// interactive command execution over a PTY with throttled output streaming
// and stop-phrase completion (stream.go), and driver-side server-to-server
// SCP transfers (scp.go). Only the owning connection's tasks touch a Runner,
// and never two at once; the task registry guarantees that.
package sshrunner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ppops/stub-gateway/internal/protocol"
	"github.com/ppops/stub-gateway/internal/registry"
)

// Phase is the runner lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnected
	PhaseStreaming
	PhaseTransferring
	PhaseClosed
)

// String returns the human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnected:
		return "connected"
	case PhaseStreaming:
		return "streaming"
	case PhaseTransferring:
		return "transferring"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink receives decoded output batches. A sink error aborts the operation.
type Sink func(data string) error

// Options tunes connection and streaming behavior.
type Options struct {
	// ConnectTimeout bounds the TCP dial and the SSH handshake together.
	ConnectTimeout time.Duration
	// FlushInterval is the minimum period between output batches.
	FlushInterval time.Duration
	// FlushBytes forces a flush once this much output is buffered.
	FlushBytes int
	// SCPTimeout bounds one server-to-server transfer.
	SCPTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 100 * time.Millisecond
	}
	if o.FlushBytes <= 0 {
		o.FlushBytes = 4096
	}
	if o.SCPTimeout <= 0 {
		o.SCPTimeout = 600 * time.Second
	}
}

// Runner drives one SSH transport for one WebSocket connection.
type Runner struct {
	reg  *registry.Registry
	opts Options

	mu         sync.Mutex
	phase      Phase
	client     *ssh.Client
	host       registry.HostConfig
	shellStdin io.WriteCloser // live interactive shell stdin, nil outside streaming
}

// New creates an idle Runner backed by the given registry.
func New(reg *registry.Registry, opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{reg: reg, opts: opts, phase: PhaseIdle}
}

// Phase returns the current lifecycle phase.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Connect resolves alias and opens an authenticated SSH transport.
// The SSH transport tries the "none" method first at the protocol level;
// password is offered when the server rejects it.
func (r *Runner) Connect(ctx context.Context, alias string) error {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		phase := r.phase
		r.mu.Unlock()
		if phase == PhaseClosed {
			return protocol.NewError(protocol.CodeSSHConnectFailed, "runner is closed")
		}
		return protocol.NewError(protocol.CodeSSHConnectFailed,
			fmt.Sprintf("runner is %s, expected idle", phase))
	}
	r.mu.Unlock()

	host, err := r.reg.ResolveHost(alias)
	if err != nil {
		return err
	}

	cfg := &ssh.ClientConfig{
		User: host.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(host.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         r.opts.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: r.opts.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", host.Addr())
	if err != nil {
		return connectError(alias, err)
	}

	// Bound the handshake as well; cleared once the transport is up.
	deadline := time.Now().Add(r.opts.ConnectTimeout)
	_ = netConn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, host.Addr(), cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return protocol.WrapError(protocol.CodeSSHAuthFailed,
				fmt.Sprintf("server=%s user=%s", alias, host.Username), err)
		}
		return connectError(alias, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	r.mu.Lock()
	if r.phase == PhaseClosed {
		// Closed while we were dialing (abrupt disconnect).
		r.mu.Unlock()
		client.Close()
		return protocol.NewError(protocol.CodeSSHConnectFailed, "runner closed during connect")
	}
	r.client = client
	r.host = host
	r.phase = PhaseConnected
	r.mu.Unlock()

	log.Printf("[ssh] connected to %s (%s)", alias, host.Addr())
	return nil
}

// connectError classifies dial/handshake failures into timeout vs generic
// connect errors.
func connectError(alias string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return protocol.WrapError(protocol.CodeSSHConnectTimeout, "server="+alias, err)
	}
	return protocol.WrapError(protocol.CodeSSHConnectFailed, "server="+alias, err)
}

// SendInput writes text to the live interactive shell's stdin. Fails when no
// interactive command is running.
func (r *Runner) SendInput(text string) error {
	r.mu.Lock()
	stdin := r.shellStdin
	r.mu.Unlock()

	if stdin == nil {
		return protocol.NewError(protocol.CodeSSHCommandFailed, "no active interactive shell")
	}
	if _, err := stdin.Write([]byte(text)); err != nil {
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "send input", err)
	}
	return nil
}

// Close tears down the transport. Idempotent: closing a closed runner is a
// no-op that returns nil. All operations after Close fail with not-connected.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.phase == PhaseClosed {
		r.mu.Unlock()
		return nil
	}
	client := r.client
	r.client = nil
	r.shellStdin = nil
	r.phase = PhaseClosed
	r.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			return fmt.Errorf("close ssh transport: %w", err)
		}
	}
	return nil
}

// beginOp transitions connected → op and returns the transport, or a typed
// error when the runner is not connected.
func (r *Runner) beginOp(op Phase) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != PhaseConnected {
		return nil, protocol.NewError(protocol.CodeSSHCommandFailed,
			fmt.Sprintf("runner is %s, expected connected", r.phase))
	}
	r.phase = op
	return r.client, nil
}

// endOp transitions op → connected unless the runner was closed meanwhile.
func (r *Runner) endOp() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseStreaming || r.phase == PhaseTransferring {
		r.phase = PhaseConnected
	}
}
