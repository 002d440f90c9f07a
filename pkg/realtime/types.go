// Package realtime holds the JSON frames exchanged on the realtime
// websocket.
package realtime

type ClientMessageType string

const (
	ClientMessageTypePing ClientMessageType = "ping"
)

type ClientEnvelope struct {
	Type ClientMessageType `json:"type"`
}

type FrameType string

const (
	FrameTypeSessionUpdate  FrameType = "session-update"
	FrameTypeSessionDeleted FrameType = "session-deleted"
	FrameTypeLog            FrameType = "log"
	FrameTypePong           FrameType = "pong"
	FrameTypeError          FrameType = "error"
)

// Frame is one server-to-client message. session-update carries
// []SessionState in Data, session-deleted carries SessionDeleted, and log
// frames use the flat fields.
type Frame struct {
	Type      FrameType      `json:"type"`
	Data      any            `json:"data,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Level     string         `json:"level,omitempty"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

type SessionState struct {
	SessionID   string `json:"sessionId"`
	Status      string `json:"status"`
	Detail      string `json:"detail"`
	QR          string `json:"qr"`
	IsConnected bool   `json:"isConnected"`
	Token       string `json:"token"`
}

type SessionDeleted struct {
	SessionID string `json:"sessionId"`
}
