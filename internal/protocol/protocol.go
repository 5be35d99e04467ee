// Package protocol defines the framed JSON messages spoken on the two
// TermGate duplex channels: browser viewers and reverse-tunnel agents.
// Every websocket text frame carries exactly one Message object,
// discriminated by the Type field; fields not used by a given type are
// omitted from the encoding.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/termgate/termgate/internal/util/timefmt"
)

// Viewer → gateway message types.
const (
	TypeTerminalConnect    = "terminal:connect"
	TypeTerminalInput      = "terminal:input"
	TypeTerminalResize     = "terminal:resize"
	TypeTerminalDisconnect = "terminal:disconnect"
)

// Gateway → viewer message types.
const (
	TypeTerminalOutput = "terminal:output"
	TypeTerminalStatus = "terminal:status"
	TypeTerminalError  = "terminal:error"
)

// Agent → gateway message types.
const (
	TypeAgentRegister      = "agent:register"
	TypeAgentHeartbeat     = "agent:heartbeat"
	TypeAgentSessionStart  = "agent:session:start"
	TypeAgentSessionEnd    = "agent:session:end"
	TypeAgentSessionOutput = "agent:session:output"
	TypeAgentSessionError  = "agent:session:error"
	TypeAgentAck           = "agent:ack"
)

// Gateway → agent message types.
const (
	TypeAgentRegistered     = "agent:registered"
	TypeAgentPong           = "agent:pong"
	TypeCommandConnect      = "agent:command:connect"
	TypeCommandInput        = "agent:command:input"
	TypeCommandResize       = "agent:command:resize"
	TypeCommandDisconnect   = "agent:command:disconnect"
	TypeCommandPing         = "agent:command:ping"
	TypeGatewayError        = "gateway:error"
)

// Session status values carried by terminal:status frames.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// SystemInfo is the optional host snapshot an agent attaches to heartbeats.
type SystemInfo struct {
	Hostname string  `json:"hostname,omitempty"`
	Platform string  `json:"platform,omitempty"`
	LoadAvg  float64 `json:"load_avg,omitempty"`
	NumCPU   int     `json:"num_cpu,omitempty"`
}

// Message is the wire envelope for both channels. The zero value of
// every field other than Type is omitted, so each message type carries
// only its own field subset. Data payloads are UTF-8 strings; senders
// that need arbitrary bytes base64-encode at the boundary.
type Message struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
	Data      string `json:"data,omitempty"`
	Cols      int    `json:"cols,omitempty"`
	Rows      int    `json:"rows,omitempty"`

	Status         string `json:"status,omitempty"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	Details        string `json:"details,omitempty"`
	ConnectionType string `json:"connection_type,omitempty"`

	AgentID     string `json:"agent_id,omitempty"`
	AgentSecret string `json:"agent_secret,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Platform    string `json:"platform,omitempty"`
	Version     string `json:"version,omitempty"`

	TmuxSessionName string `json:"tmux_session_name,omitempty"`
	TmuxWindowName  string `json:"tmux_window_name,omitempty"`
	Reason          string `json:"reason,omitempty"`

	ActiveSessions []string    `json:"active_sessions,omitempty"`
	SystemInfo     *SystemInfo `json:"system_info,omitempty"`

	CommandType string `json:"command_type,omitempty"`
	Success     *bool  `json:"success,omitempty"`
}

// Encode marshals a message to a single JSON frame.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.Type, err)
	}
	return data, nil
}

// Decode unmarshals one JSON frame. A frame without a type tag is a
// protocol violation.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode frame: missing type tag")
	}
	return &m, nil
}

// Stamp sets the timestamp field to now and returns the message,
// for use at send sites.
func Stamp(m *Message) *Message {
	m.Timestamp = timefmt.Format(time.Now())
	return m
}
