// ABOUTME: Chat event and message types pushed by the gateway during runs.
// ABOUTME: Includes ExtractText for the message content shapes agents emit.

package protocol

import "encoding/json"

// Event topics the gateway pushes.
const (
	EventChat      = "chat"
	EventPresence  = "presence"
	EventHeartbeat = "heartbeat"
)

// Chat run states carried in ChatEvent.State.
const (
	ChatStateDelta   = "delta"
	ChatStateFinal   = "final"
	ChatStateAborted = "aborted"
	ChatStateError   = "error"
)

// ChatEvent is the payload of an "chat" event frame. Delta events carry a
// cumulative partial message; terminal states (final, aborted, error) end
// the run they name.
type ChatEvent struct {
	RunID        string          `json:"runId"`
	SessionKey   string          `json:"sessionKey"`
	State        string          `json:"state"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
}

// Terminal reports whether the event ends its run.
func (e *ChatEvent) Terminal() bool {
	switch e.State {
	case ChatStateFinal, ChatStateAborted, ChatStateError:
		return true
	}
	return false
}

// ChatMessage is one transcript entry as stored by the gateway.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Text returns the renderable text of the message content.
func (m *ChatMessage) Text() string {
	text, _ := ExtractText(m.Content)
	return text
}

// ContentPart is one element of a structured content array. Only "text"
// parts contribute to rendered output; tool calls and results are carried
// for completeness.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ExtractText pulls displayable text out of a message content value. The
// gateway emits three shapes: a bare JSON string, an array of typed parts
// where "text" parts carry the output, and an object with a "text" field.
// The second return is false when the content has no text to show.
func ExtractText(content json.RawMessage) (string, bool) {
	if len(content) == 0 {
		return "", false
	}

	var s string
	if err := json.Unmarshal(content, &s); err == nil {
		return s, true
	}

	var parts []ContentPart
	if err := json.Unmarshal(content, &parts); err == nil {
		out := ""
		found := false
		for _, p := range parts {
			if p.Type == "text" {
				if found {
					out += "\n"
				}
				out += p.Text
				found = true
			}
		}
		return out, found
	}

	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(content, &obj); err == nil && obj.Text != "" {
		return obj.Text, true
	}

	return "", false
}

// ExtractMessageText pulls displayable text out of a chat event's message
// value. Streamed messages arrive wrapped as {role, content, ...}: the
// content field is probed first, then a top-level "text" field, and
// finally the value itself for the bare shapes ExtractText accepts.
func ExtractMessageText(message json.RawMessage) (string, bool) {
	if len(message) == 0 {
		return "", false
	}

	var wrapped struct {
		Content json.RawMessage `json:"content"`
		Text    string          `json:"text"`
	}
	if err := json.Unmarshal(message, &wrapped); err == nil {
		if text, ok := ExtractText(wrapped.Content); ok {
			return text, true
		}
		if wrapped.Text != "" {
			return wrapped.Text, true
		}
	}

	return ExtractText(message)
}

// TextContent marshals plain text into the content shape the gateway
// accepts for outbound messages.
func TextContent(text string) json.RawMessage {
	raw, _ := json.Marshal(text)
	return raw
}
