// ABOUTME: In-memory state for chat sessions: transcript, active run, queue.
// ABOUTME: Enforces the at-most-one-active-run rule and monotonic stream growth.

package session

import (
	"sync"
	"time"

	"github.com/2389/coven-control/internal/protocol"
)

// Run is one in-flight generation. Its ID doubles as the idempotency key
// of the chat.send that started it. Stream holds the cumulative partial
// message text and only ever grows until the run ends.
type Run struct {
	ID        string
	StartedAt time.Time
	Stream    string
	Streaming bool
}

// QueuedMessage is a message typed while its session was busy or the
// gateway was unreachable, waiting to be dispatched in order.
type QueuedMessage struct {
	ID       string
	Text     string
	QueuedAt time.Time
}

// state is everything tracked for one session key.
type state struct {
	transcript []protocol.ChatMessage
	thinking   string
	run        *Run
	queue      []QueuedMessage
}

// Store holds the state of every session the client has touched, plus
// which one is active in the UI. All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	sessions  map[string]*state
	activeKey string
}

// NewStore creates an empty store with the given session active.
func NewStore(activeKey string) *Store {
	return &Store{
		sessions:  make(map[string]*state),
		activeKey: activeKey,
	}
}

// stateLocked returns the state for key, creating it if needed.
// Must be called with mu held.
func (s *Store) stateLocked(key string) *state {
	st, ok := s.sessions[key]
	if !ok {
		st = &state{}
		s.sessions[key] = st
	}
	return st
}

// ActiveKey returns the session currently shown.
func (s *Store) ActiveKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeKey
}

// SetActive switches the shown session. The previous session's run and
// stream references are dropped so events from an abandoned run no longer
// match anything; its transcript and queue are retained.
func (s *Store) SetActive(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.sessions[s.activeKey]; ok && s.activeKey != key {
		prev.run = nil
	}
	s.activeKey = key
}

// ReplaceTranscript installs an authoritative transcript, as returned by a
// history fetch.
func (s *Store) ReplaceTranscript(key string, messages []protocol.ChatMessage, thinking string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(key)
	st.transcript = append([]protocol.ChatMessage(nil), messages...)
	st.thinking = thinking
}

// AppendMessage adds one entry to a session's transcript.
func (s *Store) AppendMessage(key string, msg protocol.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stateLocked(key)
	st.transcript = append(st.transcript, msg)
}

// Transcript returns a copy of a session's transcript and thinking level.
func (s *Store) Transcript(key string) ([]protocol.ChatMessage, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[key]
	if !ok {
		return nil, ""
	}
	return append([]protocol.ChatMessage(nil), st.transcript...), st.thinking
}

// StartRun records a new active run for a session. Returns false without
// changing anything when a run is already active; a session has at most
// one run at a time.
func (s *Store) StartRun(key, runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(key)
	if st.run != nil {
		return false
	}
	st.run = &Run{ID: runID, StartedAt: time.Now()}
	return true
}

// Run returns a snapshot of the session's active run, or nil.
func (s *Store) Run(key string) *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[key]
	if !ok || st.run == nil {
		return nil
	}
	run := *st.run
	return &run
}

// ClearRun ends the session's active run if it matches runID (or any run
// when runID is empty). Returns the cleared run, or nil if nothing matched.
func (s *Store) ClearRun(key, runID string) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[key]
	if !ok || st.run == nil {
		return nil
	}
	if runID != "" && st.run.ID != runID {
		return nil
	}
	run := st.run
	st.run = nil
	return run
}

// UpdateStream merges a cumulative partial into the session's run. The
// merge is monotonic: a shorter text than what is already shown is a
// stale or reordered delta and is ignored. Returns the applied text and
// whether anything changed.
func (s *Store) UpdateStream(key, runID, text string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[key]
	if !ok || st.run == nil || st.run.ID != runID {
		return "", false
	}

	if len(text) < len(st.run.Stream) {
		return st.run.Stream, false
	}
	st.run.Stream = text
	st.run.Streaming = true
	return text, true
}

// Enqueue appends a message to the session's send queue and returns its
// position (1-based).
func (s *Store) Enqueue(key string, msg QueuedMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(key)
	st.queue = append(st.queue, msg)
	return len(st.queue)
}

// DequeueFront removes and returns the oldest queued message.
func (s *Store) DequeueFront(key string) (QueuedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[key]
	if !ok || len(st.queue) == 0 {
		return QueuedMessage{}, false
	}
	msg := st.queue[0]
	st.queue = st.queue[1:]
	return msg, true
}

// RequeueFront puts a dequeued message back at the head of the queue so
// FIFO order survives a dispatch that could not start.
func (s *Store) RequeueFront(key string, msg QueuedMessage) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stateLocked(key)
	st.queue = append([]QueuedMessage{msg}, st.queue...)
	return len(st.queue)
}

// RemoveQueued drops a queued message by id. Returns true if it was found.
func (s *Store) RemoveQueued(key, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.sessions[key]
	if !ok {
		return false
	}
	for i, msg := range st.queue {
		if msg.ID == id {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Queue returns a copy of the session's pending queue, oldest first.
func (s *Store) Queue(key string) []QueuedMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.sessions[key]
	if !ok {
		return nil
	}
	return append([]QueuedMessage(nil), st.queue...)
}

// QueuedKeys returns every session key with at least one queued message.
func (s *Store) QueuedKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key, st := range s.sessions {
		if len(st.queue) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

// RunningKeys returns every session key with an active run.
func (s *Store) RunningKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key, st := range s.sessions {
		if st.run != nil {
			keys = append(keys, key)
		}
	}
	return keys
}
