// ABOUTME: Notification interface the coordinator drives the UI through.
// ABOUTME: Implementations render transcripts, stream text, and run state.

package chat

// Sink receives state-change notifications from the Coordinator. Calls
// arrive from the transport's read goroutine and from drain goroutines;
// implementations must be safe for concurrent use and must not block.
type Sink interface {
	// TranscriptUpdated fires when a session's transcript changed, from an
	// optimistic echo, an error entry, or a history refresh.
	TranscriptUpdated(sessionKey string)

	// StreamUpdated fires when a run's cumulative partial text grew.
	StreamUpdated(sessionKey, runID, text string)

	// RunStarted fires when a message was dispatched and a run began.
	RunStarted(sessionKey, runID string)

	// RunEnded fires when a run reached a terminal state.
	RunEnded(sessionKey, runID, state string)

	// QueueChanged fires when a session's send queue grew or shrank.
	QueueChanged(sessionKey string, depth int)

	// ErrorReported fires when a run failed or a dispatch was rejected.
	ErrorReported(sessionKey, message string)
}

// NopSink discards all notifications.
type NopSink struct{}

func (NopSink) TranscriptUpdated(string)             {}
func (NopSink) StreamUpdated(string, string, string) {}
func (NopSink) RunStarted(string, string)            {}
func (NopSink) RunEnded(string, string, string)      {}
func (NopSink) QueueChanged(string, int)             {}
func (NopSink) ErrorReported(string, string)         {}
