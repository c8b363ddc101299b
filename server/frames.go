package server

import "encoding/json"

// Inbound frame types.
const (
	frameMessage = "message"
	frameCancel  = "cancel"
)

// inboundFrame is a client-to-server WebSocket frame.
type inboundFrame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// outboundFrame is a server-to-client WebSocket frame. Success is a pointer
// so a false result is still sent; the other optional fields are omitted
// when zero.
type outboundFrame struct {
	Type           string          `json:"type"`
	Content        string          `json:"content,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Tool           string          `json:"tool,omitempty"`
	Args           json.RawMessage `json:"args,omitempty"`
	Success        *bool           `json:"success,omitempty"`
	Step           int             `json:"step,omitempty"`
	PartialContent string          `json:"partial_content,omitempty"`
	ChunkCount     int             `json:"chunk_count,omitempty"`
	Cancelled      bool            `json:"cancelled,omitempty"`
	Error          bool            `json:"error,omitempty"`
}

func boolPtr(b bool) *bool { return &b }
