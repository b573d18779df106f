// Package relay implements the bidirectional multiplexed RPC/streaming
// protocol between a local node and the cloud hub over one persistent
// websocket connection.
package relay

import "encoding/json"

// Envelope types. Register flows node -> hub once per connection; request
// and stream_request flow hub -> node; the rest flow node -> hub.
const (
	TypeRegister      = "register"
	TypeConnected     = "connected"
	TypeError         = "error"
	TypeRequest       = "request"
	TypeStreamRequest = "stream_request"
	TypeResponse      = "response"
	TypeStream        = "stream"
	TypeStreamEnd     = "stream_end"
	TypePing          = "ping"
	TypePong          = "pong"
	TypeDisconnect    = "disconnect"
)

// Envelope is the single wire format for every relay message. Fields are
// populated per type; unknown fields are ignored on decode.
type Envelope struct {
	Type    string            `json:"type"`
	ID      string            `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Status  int               `json:"status,omitempty"`
	Event   string            `json:"event,omitempty"`
	Data    string            `json:"data,omitempty"`
	Reason  string            `json:"reason,omitempty"`

	// Registration fields.
	Token        string         `json:"token,omitempty"`
	MachineID    string         `json:"machine_id,omitempty"`
	MachineName  string         `json:"machine_name,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}
