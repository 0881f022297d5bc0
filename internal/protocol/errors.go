package protocol

import (
	"errors"
	"fmt"
)

// Error codes are five digits, grouped by class: 2xxxx transport (SSH/SCP),
// 3xxxx WebSocket protocol, 5xxxx session/task coordination.
const (
	CodeSSHConnectFailed  = 20000
	CodeSSHConnectTimeout = 20001
	CodeSSHAuthFailed     = 21000
	CodeSSHCommandFailed  = 22000
	CodeSCPFailed         = 24000
	CodeHealthCheckFailed = 25000

	CodeWSConnectFailed    = 30000
	CodeWSMessageInvalid   = 31000
	CodeWSHandlerNotFound  = 32000

	CodeSessionAlreadyActive = 50004
	CodeNoActiveSession      = 50005
	CodeNotSessionOwner      = 50006
	CodeResourceLocked       = 50008
	CodeTaskAlreadyRunning   = 50010
	CodeTaskNotFound         = 50011
	CodeTaskCancelTimeout    = 50012
	CodeTaskCancelFailed     = 50013
	CodeTaskCleanupFailed    = 50014
)

// messages maps each error code to its default human-readable message.
var messages = map[int]string{
	CodeSSHConnectFailed:  "SSH connection failed",
	CodeSSHConnectTimeout: "SSH connection timed out",
	CodeSSHAuthFailed:     "SSH authentication failed",
	CodeSSHCommandFailed:  "SSH command execution failed",
	CodeSCPFailed:         "SCP transfer failed",
	CodeHealthCheckFailed: "Server health check failed",

	CodeWSConnectFailed:   "WebSocket connection failed",
	CodeWSMessageInvalid:  "Invalid WebSocket message",
	CodeWSHandlerNotFound: "No handler for message type",

	CodeSessionAlreadyActive: "Session is already active",
	CodeNoActiveSession:      "No active session",
	CodeNotSessionOwner:      "Session is owned by another connection",
	CodeResourceLocked:       "Resource is locked by another connection",
	CodeTaskAlreadyRunning:   "A task is already running for this connection",
	CodeTaskNotFound:         "No task found for this connection",
	CodeTaskCancelTimeout:    "Task did not stop before the cancel deadline",
	CodeTaskCancelFailed:     "Task cancellation failed",
	CodeTaskCleanupFailed:    "Task cleanup failed",
}

// GatewayError is a typed error carried from any component to the task
// boundary, where it is converted into a terminal error frame. Code selects
// the frame's error code, Detail carries structured context safe to show to
// the client (never credentials).
type GatewayError struct {
	Code   int
	Detail string
	cause  error
}

// NewError creates a GatewayError for the given code with optional detail.
func NewError(code int, detail string) *GatewayError {
	return &GatewayError{Code: code, Detail: detail}
}

// WrapError creates a GatewayError that preserves the underlying cause for
// errors.Is/As chains while presenting the code's message to clients.
func WrapError(code int, detail string, cause error) *GatewayError {
	return &GatewayError{Code: code, Detail: detail, cause: cause}
}

// Message returns the default human-readable message for the error code.
func (e *GatewayError) Message() string {
	if m, ok := messages[e.Code]; ok {
		return m
	}
	return "Unknown error"
}

func (e *GatewayError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Code, e.Message(), e.Detail)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Message())
}

func (e *GatewayError) Unwrap() error { return e.cause }

// AsGatewayError extracts a *GatewayError from an error chain. When the chain
// carries no typed error, the fallback code is applied with the error text as
// detail, so every task failure maps onto exactly one frame.
func AsGatewayError(err error, fallbackCode int) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return WrapError(fallbackCode, err.Error(), err)
}
