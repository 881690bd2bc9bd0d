// Package agent manages WebSocket sessions with remote agents and
// multiplexes correlated commands over them.
package agent

import (
	"encoding/json"
	"time"
)

// Frame types on the agent wire. Direction noted where one-way.
const (
	TypeRegister  = "register"  // agent → server
	TypeReconnect = "reconnect" // agent → server
	TypeHeartbeat = "heartbeat" // agent → server

	TypeAuthSuccess = "auth_success" // server → agent
	TypeAuthError   = "auth_error"   // server → agent

	TypeCommand            = "command"             // server → agent
	TypeContainerOperation = "container_operation" // server → agent

	TypeResponse       = "response" // agent → server, correlated
	TypeProgress       = "progress"
	TypeError          = "error"
	TypeEvent          = "event"
	TypeStats          = "stats"
	TypeDeployProgress = "deploy_progress"
	TypeDeployComplete = "deploy_complete"
)

// Message is the JSON envelope for every frame in both directions. ID is
// the correlation id; responses echo the ID of the command they answer.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Command   string          `json:"command,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuthFrame is the first frame on a new connection, either a register or a
// reconnect. Token is a single-use registration token or, on the
// permanent-token path, an existing agent id.
type AuthFrame struct {
	Type         string          `json:"type"`
	Token        string          `json:"token,omitempty"`
	AgentID      string          `json:"agent_id,omitempty"`
	EngineID     string          `json:"engine_id"`
	Hostname     string          `json:"hostname,omitempty"`
	IsPodman     bool            `json:"is_podman,omitempty"`
	Version      string          `json:"version,omitempty"`
	ProtoVersion string          `json:"proto_version,omitempty"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
}

// AuthSuccess is sent after a successful handshake. PermanentToken is the
// agent id, returned so the agent can reconnect without a fresh
// registration token.
type AuthSuccess struct {
	Type           string `json:"type"`
	AgentID        string `json:"agent_id"`
	HostID         string `json:"host_id"`
	PermanentToken string `json:"permanent_token,omitempty"`
}

// AuthError is sent before closing a connection that failed the handshake.
type AuthError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// command constructs an outbound command envelope.
func command(msgType, correlationID, cmd string, payload any) (Message, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}
		raw = data
	}
	return Message{
		Type:      msgType,
		ID:        correlationID,
		Command:   cmd,
		Payload:   raw,
		Timestamp: time.Now(),
	}, nil
}
