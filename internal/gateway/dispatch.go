package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ppops/stub-gateway/internal/protocol"
	"github.com/ppops/stub-gateway/internal/ws"
)

// dispatch decodes one inbound frame and routes it. Protocol violations are
// answered with an error frame; the connection stays open either way.
func (g *Gateway) dispatch(client *ws.Client, data []byte) {
	var in protocol.Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		g.sendError(client, protocol.WrapError(protocol.CodeWSMessageInvalid, "malformed message", err))
		return
	}
	if in.Type == "" {
		g.sendError(client, protocol.NewError(protocol.CodeWSMessageInvalid, "message type is required"))
		return
	}

	var err error
	switch in.Type {
	case protocol.TypeStartSession:
		err = g.handleStartSession(client)
	case protocol.TypeEndSession:
		err = g.handleEndSession(client)
	case protocol.TypeSSHCommand:
		err = g.handleSSHCommand(client, in.Data)
	case protocol.TypeSSHInput:
		err = g.handleSSHInput(client, in.Data)
	case protocol.TypeSCPTransfer:
		err = g.handleSCPTransfer(client, in.Data)
	case protocol.TypeGetLockStatus:
		err = g.handleGetLockStatus(client)
	default:
		g.sendError(client, protocol.NewError(protocol.CodeWSHandlerNotFound,
			fmt.Sprintf("unknown message type %q", in.Type)))
		return
	}
	if err != nil {
		g.sendError(client, protocol.AsGatewayError(err, protocol.CodeWSMessageInvalid))
	}
}

// sendError delivers an error frame, best effort.
func (g *Gateway) sendError(client *ws.Client, ge *protocol.GatewayError) {
	log.Printf("[gateway] %s error %d: %s", client.ID, ge.Code, ge.Error())
	if err := client.Send(protocol.NewErrorFrame(ge)); err != nil {
		log.Printf("[gateway] %s error frame undeliverable: %v", client.ID, err)
	}
}

func (g *Gateway) handleStartSession(client *ws.Client) error {
	if err := g.lock.Acquire(client.ID); err != nil {
		return err
	}
	log.Printf("[gateway] %s started session", client.ID)
	return client.Send(protocol.SessionStarted{
		Type:         protocol.TypeSessionStarted,
		Message:      "session started",
		SessionOwner: client.ID,
	})
}

// handleEndSession stops the owner's running task before releasing the lock
// so a new owner never races the old owner's command.
func (g *Gateway) handleEndSession(client *ws.Client) error {
	if err := g.lock.Require(client.ID); err != nil {
		return err
	}

	if g.tasks.Lookup(client.ID) != nil {
		if err := g.tasks.Cancel(client.ID, g.opts.CancelDeadline); err != nil {
			// The lock is released regardless; the runaway task keeps its
			// now-cancelled context and cannot start new work.
			log.Printf("[gateway] %s end_session: cancel task: %v", client.ID, err)
		}
	}
	if r := g.takeRunner(client.ID); r != nil {
		if err := r.Close(); err != nil {
			log.Printf("[gateway] %s end_session: close runner: %v", client.ID, err)
		}
	}

	if err := g.lock.Release(client.ID); err != nil {
		return err
	}
	log.Printf("[gateway] %s ended session", client.ID)
	return client.Send(protocol.SessionEnded{
		Type:    protocol.TypeSessionEnded,
		Message: "session ended",
	})
}

func (g *Gateway) handleSSHCommand(client *ws.Client, raw json.RawMessage) error {
	var d protocol.SSHCommandData
	if err := json.Unmarshal(raw, &d); err != nil {
		return protocol.WrapError(protocol.CodeWSMessageInvalid, "ssh_command payload", err)
	}
	if d.ServerName == "" || d.Command == "" {
		return protocol.NewError(protocol.CodeWSMessageInvalid, "server_name and command are required")
	}
	if err := g.lock.Require(client.ID); err != nil {
		return err
	}
	if _, err := g.reg.ResolveHost(d.ServerName); err != nil {
		return err
	}

	timeout := g.opts.CommandTimeout
	if d.TimeoutSeconds > 0 {
		timeout = time.Duration(d.TimeoutSeconds) * time.Second
	}

	_, err := g.tasks.Start(client.ID, func(ctx context.Context) {
		g.runCommand(ctx, client, d, timeout)
	})
	return err
}

// runCommand is the ssh_command task body: connect, stream, close. It always
// ends with exactly one terminal frame (complete or error) unless the client
// is already gone.
func (g *Gateway) runCommand(ctx context.Context, client *ws.Client, d protocol.SSHCommandData, timeout time.Duration) {
	defer g.tasks.Cleanup(client.ID)

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := g.newRunner()
	g.putRunner(client.ID, r)
	defer func() {
		if taken := g.takeRunner(client.ID); taken != nil {
			if err := taken.Close(); err != nil {
				log.Printf("[gateway] %s close runner: %v", client.ID, err)
			}
		}
	}()

	sink := func(s string) error { return client.Send(protocol.NewOutput(s)) }

	if err := r.Connect(tctx, d.ServerName); err != nil {
		g.sendError(client, protocol.AsGatewayError(err, protocol.CodeSSHConnectFailed))
		return
	}
	if err := r.RunInteractive(tctx, d.Command, d.StopPhrase, sink); err != nil {
		g.sendError(client, commandError(err, timeout))
		return
	}
	if err := client.Send(protocol.NewComplete("Command execution completed")); err != nil {
		log.Printf("[gateway] %s complete frame undeliverable: %v", client.ID, err)
	}
}

// commandError maps context endings onto the command-failed code.
func commandError(err error, timeout time.Duration) *protocol.GatewayError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.WrapError(protocol.CodeSSHCommandFailed,
			fmt.Sprintf("command timed out after %s", timeout), err)
	case errors.Is(err, context.Canceled):
		return protocol.WrapError(protocol.CodeSSHCommandFailed, "command cancelled", err)
	default:
		return protocol.AsGatewayError(err, protocol.CodeSSHCommandFailed)
	}
}

func (g *Gateway) handleSSHInput(client *ws.Client, raw json.RawMessage) error {
	var d protocol.SSHInputData
	if err := json.Unmarshal(raw, &d); err != nil {
		return protocol.WrapError(protocol.CodeWSMessageInvalid, "ssh_input payload", err)
	}
	if err := g.lock.Require(client.ID); err != nil {
		return err
	}
	r := g.getRunner(client.ID)
	if r == nil {
		return protocol.NewError(protocol.CodeSSHCommandFailed, "no running command to send input to")
	}
	return r.SendInput(d.Input)
}

func (g *Gateway) handleSCPTransfer(client *ws.Client, raw json.RawMessage) error {
	var d protocol.SCPTransferData
	if err := json.Unmarshal(raw, &d); err != nil {
		return protocol.WrapError(protocol.CodeWSMessageInvalid, "scp_transfer payload", err)
	}
	if d.TransferName == "" {
		return protocol.NewError(protocol.CodeWSMessageInvalid, "transfer_name is required")
	}
	if err := g.lock.Require(client.ID); err != nil {
		return err
	}
	recipe, err := g.reg.ResolveTransfer(d.TransferName)
	if err != nil {
		return err
	}

	_, err = g.tasks.Start(client.ID, func(ctx context.Context) {
		g.runTransfer(ctx, client, d.TransferName, recipe.SrcAlias)
	})
	return err
}

// runTransfer is the scp_transfer task body. The runner connects to the
// transfer's source server, which then drives the copy itself.
func (g *Gateway) runTransfer(ctx context.Context, client *ws.Client, name, srcAlias string) {
	defer g.tasks.Cleanup(client.ID)

	tctx, cancel := context.WithTimeout(ctx, g.opts.SCPTimeout)
	defer cancel()

	r := g.newRunner()
	g.putRunner(client.ID, r)
	defer func() {
		if taken := g.takeRunner(client.ID); taken != nil {
			if err := taken.Close(); err != nil {
				log.Printf("[gateway] %s close runner: %v", client.ID, err)
			}
		}
	}()

	sink := func(s string) error { return client.Send(protocol.NewOutput(s)) }

	if err := r.Connect(tctx, srcAlias); err != nil {
		g.sendError(client, protocol.AsGatewayError(err, protocol.CodeSSHConnectFailed))
		return
	}
	if err := r.SCPTransfer(tctx, name, sink); err != nil {
		g.sendError(client, transferError(err, name, g.opts.SCPTimeout))
		return
	}
	if err := client.Send(protocol.NewComplete(
		fmt.Sprintf("Transfer %s completed", name))); err != nil {
		log.Printf("[gateway] %s complete frame undeliverable: %v", client.ID, err)
	}
}

// transferError maps context endings onto the scp-failed code.
func transferError(err error, name string, timeout time.Duration) *protocol.GatewayError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.WrapError(protocol.CodeSCPFailed,
			fmt.Sprintf("transfer %s timed out after %s", name, timeout), err)
	case errors.Is(err, context.Canceled):
		return protocol.WrapError(protocol.CodeSCPFailed,
			fmt.Sprintf("transfer %s cancelled", name), err)
	default:
		return protocol.AsGatewayError(err, protocol.CodeSCPFailed)
	}
}

// handleGetLockStatus answers with the current lock state, requester only.
func (g *Gateway) handleGetLockStatus(client *ws.Client) error {
	ls := lockStatusOf(g.lock.Snapshot())
	return client.Send(protocol.LockStatusBroadcast{
		Type:      protocol.TypeLockStatus,
		Locked:    ls.Locked,
		LockOwner: ls.LockOwner,
		Message:   "lock status",
	})
}
