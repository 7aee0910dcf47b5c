// ABOUTME: RPC method names and their typed params/results.
// ABOUTME: Everything here mirrors the gateway's control-plane API.

package protocol

// RPC method names.
const (
	MethodHello        = "hello"
	MethodChatHistory  = "chat.history"
	MethodChatSend     = "chat.send"
	MethodChatAbort    = "chat.abort"
	MethodSessionsList = "sessions.list"
	MethodStatus       = "status"
	MethodLogsTail     = "logs.tail"
)

// HelloParams opens the session. The gateway rejects the connection when
// the token does not match.
type HelloParams struct {
	Token  string     `json:"token,omitempty"`
	Client ClientInfo `json:"client"`
}

// ClientInfo identifies the connecting client.
type ClientInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Platform string `json:"platform,omitempty"`
}

// HelloResult is the gateway's side of the handshake.
type HelloResult struct {
	Server   string `json:"server"`
	Version  string `json:"version"`
	Protocol int    `json:"protocol"`
}

// ChatHistoryParams requests a session's transcript. Limit <= 0 asks for
// everything.
type ChatHistoryParams struct {
	SessionKey string `json:"sessionKey"`
	Limit      int    `json:"limit,omitempty"`
}

// ChatHistoryResult carries the transcript newest-last.
type ChatHistoryResult struct {
	SessionKey string        `json:"sessionKey"`
	Messages   []ChatMessage `json:"messages"`
	Thinking   string        `json:"thinkingLevel,omitempty"`
}

// ChatSendParams starts a run. IdempotencyKey doubles as the run id: all
// chat events for this run carry it back, and resending with the same key
// is safe.
type ChatSendParams struct {
	SessionKey     string `json:"sessionKey"`
	Message        string `json:"message"`
	Deliver        bool   `json:"deliver"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ChatAbortParams stops the active run of a session, if any.
type ChatAbortParams struct {
	SessionKey string `json:"sessionKey"`
	RunID      string `json:"runId,omitempty"`
}

// SessionsListParams filters the session listing.
type SessionsListParams struct {
	Limit      int  `json:"limit,omitempty"`
	ActiveOnly bool `json:"activeOnly,omitempty"`
}

// SessionInfo is one row of a sessions.list result.
type SessionInfo struct {
	Key          string `json:"key"`
	DisplayName  string `json:"displayName,omitempty"`
	LastActivity int64  `json:"lastActivity,omitempty"`
	Active       bool   `json:"active,omitempty"`
}

// SessionsListResult carries the session listing.
type SessionsListResult struct {
	Sessions []SessionInfo `json:"sessions"`
}

// StatusResult is a point-in-time snapshot of the gateway.
type StatusResult struct {
	Server     string `json:"server"`
	Version    string `json:"version"`
	UptimeSecs int64  `json:"uptimeSecs"`
	Sessions   int    `json:"sessions"`
	ActiveRuns int    `json:"activeRuns"`
}

// LogsTailParams requests recent gateway log lines.
type LogsTailParams struct {
	Limit int `json:"limit,omitempty"`
}

// LogEntry is one gateway log line.
type LogEntry struct {
	Timestamp int64  `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// LogsTailResult carries the requested log lines oldest-first.
type LogsTailResult struct {
	Entries []LogEntry `json:"entries"`
}
