// Package transport implements the newline-delimited JSON IPC protocol that
// lets clients drive the engine over a Unix domain socket or TCP: one
// newline-delimited JSON object per message, request-id multiplexed
// commands/results, and a broadcast event stream shared by every
// connected client. Grounded on the teacher's mover_client.go
// connection-handling idiom (pooled net.Conn, per-request framing) and
// the echo/middleware request-id convention used throughout the
// teacher's HTTP layer.
package transport

import (
	"encoding/json"

	"github.com/nervelabs/nerve/internal/engine"
)

// MaxLineBytes is the default per-line ceiling, large enough for a full
// terminal buffer snapshot in one message.
const MaxLineBytes = 16 * 1024 * 1024

// inbound is the shape every line from a client must parse into before
// further dispatch; only "command" is currently accepted from clients.
type inbound struct {
	Type        string          `json:"type"`
	CommandType engine.CommandType `json:"command_type"`
	Params      map[string]any  `json:"params"`
	RequestID   string          `json:"request_id"`
}

// resultMessage is a server->client response line.
type resultMessage struct {
	Type      string `json:"type"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// eventMessage is a server->client broadcast line.
type eventMessage struct {
	Type      string         `json:"type"`
	EventType string         `json:"event_type"`
	NodeID    string         `json:"node_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}
