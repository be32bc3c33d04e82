// Package gateway implements the control-plane side of the agent gateway
// channel: a framed JSON protocol over websocket with a versioned handshake,
// request/response RPCs correlated by id, and server-push events.
package gateway

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the protocol revision this client speaks. The handshake
// advertises a {min,max} range so agents one revision behind keep working.
const (
	ProtocolVersionMin = 1
	ProtocolVersionMax = 2
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeConnect opens the handshake from the control plane.
	MessageTypeConnect MessageType = "CONNECT"
	// MessageTypeConnected acknowledges a successful handshake.
	MessageTypeConnected MessageType = "CONNECTED"
	// MessageTypeRequest carries an RPC request from the control plane.
	MessageTypeRequest MessageType = "REQ"
	// MessageTypeResponse carries the RPC reply from the agent.
	MessageTypeResponse MessageType = "RES"
	// MessageTypeEvent carries a server-push event from the agent.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeError reports a handshake or protocol level failure.
	MessageTypeError MessageType = "ERROR"
)

// Method represents an RPC method the agent serves.
type Method string

const (
	// MethodHealth probes agent liveness.
	MethodHealth Method = "health"
	// MethodStatus reads the agent's runtime status.
	MethodStatus Method = "status"
	// MethodConfigGet reads the live configuration and its hash.
	MethodConfigGet Method = "config.get"
	// MethodConfigApply replaces the live configuration.
	MethodConfigApply Method = "config.apply"
	// MethodConfigPatch merges a partial update into the live configuration.
	MethodConfigPatch Method = "config.patch"
)

// ErrorCode classifies gateway-level failures.
type ErrorCode string

const (
	// ErrCodeNotLinked means the instance has no live agent session.
	ErrCodeNotLinked ErrorCode = "NOT_LINKED"
	// ErrCodeAgentTimeout means the agent did not answer in time.
	ErrCodeAgentTimeout ErrorCode = "AGENT_TIMEOUT"
	// ErrCodeInvalidRequest means the agent rejected the request shape.
	ErrCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	// ErrCodeUnavailable means the gateway or agent is temporarily down.
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE"
	// ErrCodeConflict means an optimistic-concurrency hash check failed.
	ErrCodeConflict ErrorCode = "CONFLICT"
)

// EventKind classifies server-push events.
type EventKind string

const (
	// EventAgentOutput streams agent output chunks with per-stream sequence
	// numbers.
	EventAgentOutput EventKind = "agentOutput"
	// EventPresence reports presence deltas with a state version.
	EventPresence EventKind = "presence"
	// EventShutdown announces an imminent agent shutdown.
	EventShutdown EventKind = "shutdown"
	// EventKeepalive is a no-op heartbeat.
	EventKeepalive EventKind = "keepalive"
)

// Message is the envelope for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ConnectMessage opens the handshake. The agent picks the highest protocol
// revision inside [MinProtocol, MaxProtocol] it supports.
type ConnectMessage struct {
	MinProtocol int    `json:"min_protocol"`
	MaxProtocol int    `json:"max_protocol"`
	Token       string `json:"token,omitempty"`
	InstanceID  string `json:"instance_id"`
}

// ConnectedMessage acknowledges the handshake with the agent's view of the
// world, letting the control plane detect missed state on reconnect.
type ConnectedMessage struct {
	Protocol     int    `json:"protocol"`
	Presence     string `json:"presence"`
	Health       string `json:"health"`
	StateVersion int64  `json:"state_version"`
}

// RequestMessage is one RPC request.
type RequestMessage struct {
	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorDetail carries a classified failure inside a response or an ERROR
// message.
type ErrorDetail struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// ResponseMessage is one RPC reply. Exactly one of Result and Error is set.
type ResponseMessage struct {
	RequestID string          `json:"request_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorDetail    `json:"error,omitempty"`
}

// EventMessage is one server-push event.
type EventMessage struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// AgentOutputEvent is one chunk of agent output. Seq increases by exactly
// one per chunk within a stream; a jump means delivery was lossy.
type AgentOutputEvent struct {
	Stream string `json:"stream"`
	Seq    int64  `json:"seq"`
	Chunk  string `json:"chunk"`
}

// PresenceEvent is a presence delta stamped with the agent's state version.
type PresenceEvent struct {
	Presence     string `json:"presence"`
	StateVersion int64  `json:"state_version"`
}

// ShutdownEvent announces an imminent shutdown with a grace window.
type ShutdownEvent struct {
	Reason       string `json:"reason"`
	GraceSeconds int    `json:"grace_seconds"`
}

// RPC parameter and result structures

// HealthResult reports agent liveness.
type HealthResult struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// StatusResult reports runtime status.
type StatusResult struct {
	Presence      string `json:"presence"`
	Health        string `json:"health"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	StateVersion  int64  `json:"state_version"`
}

// ConfigGetResult carries the live configuration and its hash.
type ConfigGetResult struct {
	Config json.RawMessage `json:"config"`
	Hash   string          `json:"hash"`
}

// ConfigApplyParams replaces the live configuration. BaseHash is the hash
// the caller believes is live; the agent rejects the apply with CONFLICT if
// it no longer matches.
type ConfigApplyParams struct {
	Raw            json.RawMessage `json:"raw"`
	BaseHash       string          `json:"base_hash"`
	SessionKey     string          `json:"session_key,omitempty"`
	RestartDelayMs int             `json:"restart_delay_ms,omitempty"`
}

// ConfigApplyResult reports the outcome of an apply.
type ConfigApplyResult struct {
	Hash       string `json:"hash"`
	Restarting bool   `json:"restarting"`
}

// ConfigPatchParams merges a partial update, guarded by the same hash check
// as apply.
type ConfigPatchParams struct {
	Patch    json.RawMessage `json:"patch"`
	BaseHash string          `json:"base_hash"`
}

// Validation methods

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeConnect, MessageTypeConnected, MessageTypeRequest,
		MessageTypeResponse, MessageTypeEvent, MessageTypeError:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the request message is valid.
func (r *RequestMessage) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	switch r.Method {
	case MethodHealth, MethodStatus, MethodConfigGet, MethodConfigApply, MethodConfigPatch:
		return nil
	default:
		return fmt.Errorf("invalid method: %s", r.Method)
	}
}

// Validate enforces the result-XOR-error contract.
func (r *ResponseMessage) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	hasResult := len(r.Result) > 0
	hasError := r.Error != nil
	if hasResult == hasError {
		return fmt.Errorf("response must carry exactly one of result and error")
	}
	return nil
}

// Validate checks if the handshake request is valid.
func (c *ConnectMessage) Validate() error {
	if c.MinProtocol <= 0 || c.MaxProtocol < c.MinProtocol {
		return fmt.Errorf("invalid protocol range [%d, %d]", c.MinProtocol, c.MaxProtocol)
	}
	if c.InstanceID == "" {
		return fmt.Errorf("instance ID is required")
	}
	return nil
}
