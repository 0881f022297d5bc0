// Package protocol defines the JSON frame types exchanged over the stub
// WebSocket endpoint and the gateway error codes.
//
// Inbound frames carry a required "type" tag and an optional "data" object.
// Outbound frames carry exactly one "type" per frame. The shapes mirror the
// schema consumed by the browser client and must stay wire-compatible.
package protocol

import "encoding/json"

// Inbound message types.
const (
	TypeStartSession  = "start_session"
	TypeEndSession    = "end_session"
	TypeSSHCommand    = "ssh_command"
	TypeSSHInput      = "ssh_input"
	TypeSCPTransfer   = "scp_transfer"
	TypeGetLockStatus = "get_lock_status"
)

// Outbound message types.
const (
	TypeWelcome        = "welcome"
	TypeOutput         = "output"
	TypeComplete       = "complete"
	TypeError          = "error"
	TypeSessionStarted = "session_started"
	TypeSessionEnded   = "session_ended"
	TypeSessionStatus  = "session_status"
	TypeLockStatus     = "lock_status"
	TypeServerHealth   = "server_health"
)

// Inbound is a client frame before its payload is decoded.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SSHCommandData is the payload of an ssh_command frame.
type SSHCommandData struct {
	ServerName     string `json:"server_name"`
	Command        string `json:"command"`
	StopPhrase     string `json:"stop_phrase"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// SSHInputData is the payload of an ssh_input frame.
type SSHInputData struct {
	Input string `json:"input"`
}

// SCPTransferData is the payload of an scp_transfer frame.
type SCPTransferData struct {
	TransferName string `json:"transfer_name"`
}

// LockStatus describes the session lock for welcome and broadcast frames.
type LockStatus struct {
	Locked    bool    `json:"locked"`
	LockOwner *string `json:"lock_owner"`
}

// SessionStatus describes the session lock using the session vocabulary.
type SessionStatus struct {
	Active bool    `json:"active"`
	Owner  *string `json:"owner"`
}

// Welcome is the first frame sent on every connection.
type Welcome struct {
	Type         string                 `json:"type"`
	Message      string                 `json:"message"`
	ConnectionID string                 `json:"connection_id"`
	LockStatus   LockStatus             `json:"lock_status"`
	Session      SessionStatus          `json:"session_status"`
	ServerHealth map[string]interface{} `json:"server_health"`
}

// Output streams shell or transfer output to the client.
type Output struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Complete is the success terminal frame of a task.
type Complete struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorBody is the error object inside an error frame.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ErrorFrame is the failure terminal frame of a task, and the reply to
// protocol violations.
type ErrorFrame struct {
	Type    string    `json:"type"`
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// SessionStarted confirms a successful start_session to the requester.
type SessionStarted struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	SessionOwner string `json:"session_owner"`
}

// SessionEnded confirms a successful end_session to the requester.
type SessionEnded struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SessionStatusBroadcast notifies all connections of a session transition.
type SessionStatusBroadcast struct {
	Type          string  `json:"type"`
	SessionActive bool    `json:"session_active"`
	SessionOwner  *string `json:"session_owner"`
	Message       string  `json:"message"`
}

// LockStatusBroadcast notifies all connections of a lock transition. It is
// also the reply to get_lock_status.
type LockStatusBroadcast struct {
	Type      string  `json:"type"`
	Locked    bool    `json:"locked"`
	LockOwner *string `json:"lock_owner"`
	Message   string  `json:"message"`
}

// ServerHealthFrame notifies all connections of a host health transition.
type ServerHealthFrame struct {
	Type       string      `json:"type"`
	ServerName string      `json:"server_name"`
	IsHealthy  bool        `json:"is_healthy"`
	Status     interface{} `json:"status"`
}

// NewOutput builds an output frame.
func NewOutput(data string) Output {
	return Output{Type: TypeOutput, Data: data}
}

// NewComplete builds a complete frame.
func NewComplete(message string) Complete {
	return Complete{Type: TypeComplete, Message: message}
}

// NewErrorFrame builds an error frame from a GatewayError.
func NewErrorFrame(ge *GatewayError) ErrorFrame {
	return ErrorFrame{
		Type:    TypeError,
		Success: false,
		Error: ErrorBody{
			Code:    ge.Code,
			Message: ge.Message(),
			Detail:  ge.Detail,
		},
	}
}
