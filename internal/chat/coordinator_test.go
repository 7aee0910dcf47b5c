// ABOUTME: Tests for the chat coordinator state machine.
// ABOUTME: Covers dispatch, queueing, event filtering, stream merge, and abort.

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-control/internal/dedupe"
	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/rpc"
	"github.com/2389/coven-control/internal/session"
)

// fakeCaller records RPCs and returns scripted results per method.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []recordedCall
	errs    map[string]error
	results map[string]any
}

type recordedCall struct {
	method string
	params any
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		errs:    make(map[string]error),
		results: make(map[string]any),
	}
}

func (f *fakeCaller) Call(_ context.Context, method string, params any, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, params: params})
	err := f.errs[method]
	result := f.results[method]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if out != nil && result != nil {
		raw, _ := json.Marshal(result)
		return json.Unmarshal(raw, out)
	}
	return nil
}

func (f *fakeCaller) callsFor(method string) []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

// recordingSink captures every notification under a lock.
type recordingSink struct {
	mu          sync.Mutex
	transcripts []string
	streams     []string
	runsStarted []string
	runsEnded   []string
	queueDepths []int
	errors      []string
}

func (s *recordingSink) TranscriptUpdated(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, key)
}

func (s *recordingSink) StreamUpdated(_, _ string, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams = append(s.streams, text)
}

func (s *recordingSink) RunStarted(_, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsStarted = append(s.runsStarted, runID)
}

func (s *recordingSink) RunEnded(_, runID, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runsEnded = append(s.runsEnded, runID+":"+state)
}

func (s *recordingSink) QueueChanged(_ string, depth int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueDepths = append(s.queueDepths, depth)
}

func (s *recordingSink) ErrorReported(_, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

func (s *recordingSink) snapshot() recordingSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordingSink{
		transcripts: append([]string(nil), s.transcripts...),
		streams:     append([]string(nil), s.streams...),
		runsStarted: append([]string(nil), s.runsStarted...),
		runsEnded:   append([]string(nil), s.runsEnded...),
		queueDepths: append([]int(nil), s.queueDepths...),
		errors:      append([]string(nil), s.errors...),
	}
}

type fixture struct {
	caller *fakeCaller
	store  *session.Store
	sink   *recordingSink
	cache  *dedupe.Cache
	coord  *Coordinator
	online bool
	mu     sync.Mutex
}

func (f *fixture) setOnline(v bool) {
	f.mu.Lock()
	f.online = v
	f.mu.Unlock()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		caller: newFakeCaller(),
		store:  session.NewStore("main"),
		sink:   &recordingSink{},
		cache:  dedupe.New(5*time.Minute, 1000),
		online: true,
	}
	t.Cleanup(f.cache.Close)

	f.coord = NewCoordinator(Options{
		Caller: f.caller,
		Store:  f.store,
		Dedupe: f.cache,
		Sink:   f.sink,
		Online: func() bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			return f.online
		},
		Logger: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	})
	return f
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// activeRunID pulls the run id the coordinator generated for a dispatch.
func (f *fixture) activeRunID(t *testing.T, key string) string {
	t.Helper()
	run := f.store.Run(key)
	require.NotNil(t, run, "expected an active run for %s", key)
	return run.ID
}

func chatEvent(key, runID, state string, message json.RawMessage, errMsg string) json.RawMessage {
	raw, _ := json.Marshal(protocol.ChatEvent{
		RunID:        runID,
		SessionKey:   key,
		State:        state,
		Message:      message,
		ErrorMessage: errMsg,
	})
	return raw
}

func TestSend_OptimisticEchoAndRun(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Send(context.Background(), "  hello gateway  "))

	// The user's message appears immediately, trimmed
	msgs, _ := f.store.Transcript("main")
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello gateway", msgs[0].Text())

	// One run is active and one chat.send went out with its id as the key
	runID := f.activeRunID(t, "main")
	sends := f.caller.callsFor(protocol.MethodChatSend)
	require.Len(t, sends, 1)
	params := sends[0].params.(protocol.ChatSendParams)
	assert.Equal(t, "main", params.SessionKey)
	assert.Equal(t, "hello gateway", params.Message)
	assert.Equal(t, runID, params.IdempotencyKey)

	snap := f.sink.snapshot()
	assert.Equal(t, []string{"main"}, snap.transcripts)
	assert.Equal(t, []string{runID}, snap.runsStarted)
}

func TestSend_EmptyRejected(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.coord.Send(context.Background(), "   "), ErrEmptyMessage)
	assert.Empty(t, f.caller.callsFor(protocol.MethodChatSend))
}

func TestSend_QueuesWhileBusy(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Send(context.Background(), "first"))
	require.NoError(t, f.coord.Send(context.Background(), "second"))
	require.NoError(t, f.coord.Send(context.Background(), "third"))

	// Only the first dispatched; the rest queued in order
	assert.Len(t, f.caller.callsFor(protocol.MethodChatSend), 1)
	queue := f.store.Queue("main")
	require.Len(t, queue, 2)
	assert.Equal(t, "second", queue[0].Text)
	assert.Equal(t, "third", queue[1].Text)

	snap := f.sink.snapshot()
	assert.Equal(t, []int{1, 2}, snap.queueDepths)
}

func TestSend_QueuesWhileOffline(t *testing.T) {
	f := newFixture(t)
	f.setOnline(false)

	require.NoError(t, f.coord.Send(context.Background(), "held back"))

	assert.Empty(t, f.caller.callsFor(protocol.MethodChatSend))
	require.Len(t, f.store.Queue("main"), 1)
}

func TestSend_GatewayRejection(t *testing.T) {
	f := newFixture(t)
	f.caller.errs[protocol.MethodChatSend] = fmt.Errorf("session locked")

	err := f.coord.Send(context.Background(), "doomed")
	require.Error(t, err)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "main", runErr.SessionKey)

	// Run cleared, synthetic error entry appended after the echo
	assert.Nil(t, f.store.Run("main"))
	msgs, _ := f.store.Transcript("main")
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Error: session locked", msgs[1].Text())

	snap := f.sink.snapshot()
	assert.Equal(t, []string{"session locked"}, snap.errors)
	require.Len(t, snap.runsEnded, 1)
	assert.Contains(t, snap.runsEnded[0], protocol.ChatStateError)
}

func TestSend_TimeoutKeepsRun(t *testing.T) {
	f := newFixture(t)
	f.caller.errs[protocol.MethodChatSend] = &rpc.TimeoutError{Method: protocol.MethodChatSend, Timeout: time.Second}

	err := f.coord.Send(context.Background(), "slow")
	require.Error(t, err)

	// The run stays active: the gateway may still be generating
	require.NotNil(t, f.store.Run("main"))
	msgs, _ := f.store.Transcript("main")
	require.Len(t, msgs, 1, "no synthetic error entry on timeout")
}

func TestHandleChatEvent_DeltaMonotonic(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateDelta, json.RawMessage(`"Hel"`), ""))
	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateDelta, json.RawMessage(`"Hello wor"`), ""))
	// Out-of-order shorter delta must be ignored
	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateDelta, json.RawMessage(`"Hello"`), ""))

	run := f.store.Run("main")
	require.NotNil(t, run)
	assert.Equal(t, "Hello wor", run.Stream)

	snap := f.sink.snapshot()
	assert.Equal(t, []string{"Hel", "Hello wor"}, snap.streams)
}

func TestHandleChatEvent_ForeignRunsDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	// Wrong run id, wrong session, and events with no active run at all
	f.coord.HandleChatEvent(chatEvent("main", "other-run", protocol.ChatStateDelta, json.RawMessage(`"x"`), ""))
	f.coord.HandleChatEvent(chatEvent("ops", runID, protocol.ChatStateDelta, json.RawMessage(`"x"`), ""))
	f.coord.HandleChatEvent(chatEvent("main", "other-run", protocol.ChatStateFinal, nil, ""))

	run := f.store.Run("main")
	require.NotNil(t, run, "foreign terminal event must not clear our run")
	assert.Empty(t, run.Stream)
	assert.Empty(t, f.sink.snapshot().streams)
}

func TestHandleChatEvent_FinalRefreshesHistory(t *testing.T) {
	f := newFixture(t)
	f.caller.results[protocol.MethodChatHistory] = protocol.ChatHistoryResult{
		SessionKey: "main",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: json.RawMessage(`"go"`)},
			{Role: "assistant", Content: json.RawMessage(`"done"`)},
		},
	}

	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateFinal, nil, ""))

	assert.Nil(t, f.store.Run("main"))

	// History refresh happens on a background goroutine
	require.Eventually(t, func() bool {
		msgs, _ := f.store.Transcript("main")
		return len(msgs) == 2 && msgs[1].Text() == "done"
	}, 2*time.Second, 5*time.Millisecond)

	snap := f.sink.snapshot()
	require.Len(t, snap.runsEnded, 1)
	assert.Equal(t, runID+":"+protocol.ChatStateFinal, snap.runsEnded[0])
}

func TestHandleChatEvent_ErrorAppendsEntry(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateError, nil, "model overloaded"))

	assert.Nil(t, f.store.Run("main"))
	msgs, _ := f.store.Transcript("main")
	require.Len(t, msgs, 2)
	assert.Equal(t, "Error: model overloaded", msgs[1].Text())

	snap := f.sink.snapshot()
	assert.Equal(t, []string{"model overloaded"}, snap.errors)
}

func TestHandleChatEvent_AbortedClearsRun(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateAborted, nil, ""))

	assert.Nil(t, f.store.Run("main"))
	snap := f.sink.snapshot()
	require.Len(t, snap.runsEnded, 1)
	assert.Equal(t, runID+":"+protocol.ChatStateAborted, snap.runsEnded[0])
}

func TestQueueDrainsAfterRunEnds(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Send(context.Background(), "first"))
	require.NoError(t, f.coord.Send(context.Background(), "second"))
	firstRun := f.activeRunID(t, "main")

	f.coord.HandleChatEvent(chatEvent("main", firstRun, protocol.ChatStateFinal, nil, ""))

	// The queued message dispatches once the run ends
	require.Eventually(t, func() bool {
		return len(f.caller.callsFor(protocol.MethodChatSend)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sends := f.caller.callsFor(protocol.MethodChatSend)
	second := sends[1].params.(protocol.ChatSendParams)
	assert.Equal(t, "second", second.Message)
	assert.NotEqual(t, firstRun, second.IdempotencyKey)

	// Drain stops at one: the second run is now active
	require.NotNil(t, f.store.Run("main"))
	assert.Empty(t, f.store.Queue("main"))
}

func TestDrainQueue_FIFO(t *testing.T) {
	f := newFixture(t)
	f.setOnline(false)

	require.NoError(t, f.coord.Send(context.Background(), "one"))
	require.NoError(t, f.coord.Send(context.Background(), "two"))
	f.setOnline(true)

	f.coord.DrainQueue(context.Background(), "main")

	// Only the oldest dispatched; the next waits for the run to end
	sends := f.caller.callsFor(protocol.MethodChatSend)
	require.Len(t, sends, 1)
	assert.Equal(t, "one", sends[0].params.(protocol.ChatSendParams).Message)
	require.Len(t, f.store.Queue("main"), 1)
	assert.Equal(t, "two", f.store.Queue("main")[0].Text)
}

func TestDrainQueue_StopsWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.setOnline(false)

	require.NoError(t, f.coord.Send(context.Background(), "held"))
	f.coord.DrainQueue(context.Background(), "main")

	assert.Empty(t, f.caller.callsFor(protocol.MethodChatSend))
	assert.Len(t, f.store.Queue("main"), 1)
}

func TestRemoveQueued(t *testing.T) {
	f := newFixture(t)
	f.setOnline(false)

	require.NoError(t, f.coord.Send(context.Background(), "keep"))
	require.NoError(t, f.coord.Send(context.Background(), "drop"))

	queue := f.store.Queue("main")
	require.Len(t, queue, 2)

	assert.True(t, f.coord.RemoveQueued("main", queue[1].ID))
	assert.False(t, f.coord.RemoveQueued("main", queue[1].ID))

	remaining := f.store.Queue("main")
	require.Len(t, remaining, 1)
	assert.Equal(t, "keep", remaining[0].Text)

	// The sink saw the shrink
	depths := f.sink.snapshot().queueDepths
	assert.Equal(t, 1, depths[len(depths)-1])
}

func TestHandleChatEvent_MalformedPayload(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "hello"))
	runID := f.activeRunID(t, "main")

	// Garbage payloads are dropped without disturbing the active run
	f.coord.HandleChatEvent(json.RawMessage(`{not json`))
	f.coord.HandleChatEvent(json.RawMessage(`"a string"`))
	f.coord.HandleChatEvent(nil)

	run := f.store.Run("main")
	require.NotNil(t, run)
	assert.Equal(t, runID, run.ID)
}

func TestDelta_WrappedMessageObject(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	// Streamed deltas wrap the partial as a full message object
	message := json.RawMessage(`{"role":"assistant","content":[{"type":"text","text":"Hello"}]}`)
	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateDelta, message, ""))

	run := f.store.Run("main")
	require.NotNil(t, run)
	assert.Equal(t, "Hello", run.Stream)
}

func TestDisconnectAbandonsRun(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Send(context.Background(), "first"))
	runID := f.activeRunID(t, "main")
	f.setOnline(false)
	require.NoError(t, f.coord.Send(context.Background(), "held back"))

	f.coord.HandleDisconnected()

	// The in-flight run is abandoned; its remaining events can never
	// arrive on this connection
	assert.Nil(t, f.store.Run("main"))
	ended := f.sink.snapshot().runsEnded
	require.NotEmpty(t, ended)
	assert.Equal(t, runID+":"+protocol.ChatStateAborted, ended[len(ended)-1])

	f.setOnline(true)
	f.coord.HandleResumed()

	// With the stale run gone, the queued message goes out on resume
	require.Eventually(t, func() bool {
		return len(f.caller.callsFor(protocol.MethodChatSend)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	sends := f.caller.callsFor(protocol.MethodChatSend)
	assert.Equal(t, "held back", sends[1].params.(protocol.ChatSendParams).Message)
	assert.Empty(t, f.store.Queue("main"))
}

// runStealingSink takes the run slot between a drain's dequeue and its
// dispatch, forcing the lost-race path deterministically.
type runStealingSink struct {
	recordingSink
	store *session.Store
	once  sync.Once
}

func (s *runStealingSink) QueueChanged(key string, depth int) {
	s.once.Do(func() { s.store.StartRun(key, "rival-run") })
	s.recordingSink.QueueChanged(key, depth)
}

func TestDrainQueue_LostRaceRequeuesFront(t *testing.T) {
	caller := newFakeCaller()
	store := session.NewStore("main")
	sink := &runStealingSink{store: store}
	coord := NewCoordinator(Options{
		Caller: caller,
		Store:  store,
		Sink:   sink,
		Logger: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1})),
	})

	store.Enqueue("main", session.QueuedMessage{ID: "m1", Text: "one"})
	store.Enqueue("main", session.QueuedMessage{ID: "m2", Text: "two"})

	coord.DrainQueue(context.Background(), "main")

	// The rival won after m1 was dequeued; m1 returns to the front, not
	// behind m2
	assert.Empty(t, caller.callsFor(protocol.MethodChatSend))
	queue := store.Queue("main")
	require.Len(t, queue, 2)
	assert.Equal(t, "m1", queue[0].ID)
	assert.Equal(t, "m2", queue[1].ID)

	// Once the rival ends, dispatch proceeds in the original order with
	// the original idempotency key
	store.ClearRun("main", "rival-run")
	coord.DrainQueue(context.Background(), "main")

	sends := caller.callsFor(protocol.MethodChatSend)
	require.Len(t, sends, 1)
	params := sends[0].params.(protocol.ChatSendParams)
	assert.Equal(t, "one", params.Message)
	assert.Equal(t, "m1", params.IdempotencyKey)
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	require.NoError(t, f.coord.Abort(context.Background(), "main"))

	aborts := f.caller.callsFor(protocol.MethodChatAbort)
	require.Len(t, aborts, 1)
	params := aborts[0].params.(protocol.ChatAbortParams)
	assert.Equal(t, runID, params.RunID)

	// The run is confirmed down by the gateway's aborted event, not here
	require.NotNil(t, f.store.Run("main"))
	f.coord.HandleChatEvent(chatEvent("main", runID, protocol.ChatStateAborted, nil, ""))
	assert.Nil(t, f.store.Run("main"))
}

func TestAbort_RPCFailureClearsLocally(t *testing.T) {
	f := newFixture(t)
	f.caller.errs[protocol.MethodChatAbort] = fmt.Errorf("gateway unreachable")

	require.NoError(t, f.coord.Send(context.Background(), "go"))
	runID := f.activeRunID(t, "main")

	err := f.coord.Abort(context.Background(), "main")
	require.Error(t, err)

	// The client must not stay stuck busy against a run it cannot reach
	assert.Nil(t, f.store.Run("main"))
	snap := f.sink.snapshot()
	require.Len(t, snap.runsEnded, 1)
	assert.Equal(t, runID+":"+protocol.ChatStateAborted, snap.runsEnded[0])
}

func TestAbort_NoActiveRun(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coord.Abort(context.Background(), "main"))
	assert.Empty(t, f.caller.callsFor(protocol.MethodChatAbort))
}

func TestSwitchSession(t *testing.T) {
	f := newFixture(t)
	f.caller.results[protocol.MethodChatHistory] = protocol.ChatHistoryResult{
		SessionKey: "ops",
		Messages:   []protocol.ChatMessage{{Role: "user", Content: json.RawMessage(`"earlier"`)}},
		Thinking:   "high",
	}

	require.NoError(t, f.coord.SwitchSession(context.Background(), "ops"))

	assert.Equal(t, "ops", f.store.ActiveKey())
	msgs, thinking := f.store.Transcript("ops")
	require.Len(t, msgs, 1)
	assert.Equal(t, "high", thinking)
}

func TestHandleResumed_RefreshesAndDrains(t *testing.T) {
	f := newFixture(t)
	f.setOnline(false)
	require.NoError(t, f.coord.Send(context.Background(), "while offline"))
	f.setOnline(true)

	f.coord.HandleResumed()

	require.Eventually(t, func() bool {
		return len(f.caller.callsFor(protocol.MethodChatSend)) == 1 &&
			len(f.caller.callsFor(protocol.MethodChatHistory)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sends := f.caller.callsFor(protocol.MethodChatSend)
	assert.Equal(t, "while offline", sends[0].params.(protocol.ChatSendParams).Message)
}
