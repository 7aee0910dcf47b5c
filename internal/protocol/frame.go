// ABOUTME: Wire frame types for the gateway WebSocket RPC channel.
// ABOUTME: One JSON object per message; type discriminates req/res/event.

package protocol

import "encoding/json"

// Frame type discriminators.
const (
	FrameRequest  = "req"
	FrameResponse = "res"
	FrameEvent    = "event"
)

// Frame is the envelope for every message on the wire. A request carries
// ID/Method/Params, a response carries ID and either Result or Error, and
// an event carries Event/Payload with no ID.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FrameError is the error half of a response frame.
type FrameError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// IsResponse reports whether the frame is a response that can be matched
// to a pending request by id.
func (f *Frame) IsResponse() bool {
	return f.Type == FrameResponse && f.ID != ""
}

// IsEvent reports whether the frame is a server-push notification.
func (f *Frame) IsEvent() bool {
	return f.Type == FrameEvent && f.Event != ""
}

// NewRequest builds a request frame with already-marshaled params.
func NewRequest(id, method string, params json.RawMessage) *Frame {
	return &Frame{
		Type:   FrameRequest,
		ID:     id,
		Method: method,
		Params: params,
	}
}
