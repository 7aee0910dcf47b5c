// ABOUTME: Drives the chat lifecycle: dispatch, streaming, queueing, abort.
// ABOUTME: Filters gateway chat events down to the runs this client owns.

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/rpc"
	"github.com/2389/coven-control/internal/session"
)

// ErrEmptyMessage is returned when a send contains only whitespace.
var ErrEmptyMessage = errors.New("chat: message is empty")

// errRunActive is returned by dispatch when it loses the run slot to a
// concurrent dispatch; the message must go back to the queue.
var errRunActive = errors.New("chat: run already active")

// RunError reports a run that the gateway rejected or failed.
type RunError struct {
	SessionKey string
	RunID      string
	Err        error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("chat: run %s in session %s failed: %v", e.RunID, e.SessionKey, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Caller issues RPCs to the gateway.
type Caller interface {
	Call(ctx context.Context, method string, params any, out any) error
}

// Dedupe guards idempotency keys against double dispatch.
type Dedupe interface {
	CheckAndMark(key string) bool
	Forget(key string)
}

// Coordinator owns the chat state machine for every session. A message
// either dispatches immediately, becoming the session's single active run,
// or queues when the session is busy or the gateway unreachable. Gateway
// chat events advance the active run; anything for a run this client does
// not own is dropped.
type Coordinator struct {
	caller  Caller
	store   *session.Store
	dedupe  Dedupe
	sink    Sink
	online  func() bool
	deliver bool
	logger  *slog.Logger
}

// Options configures a Coordinator.
type Options struct {
	Caller Caller
	Store  *session.Store
	Dedupe Dedupe

	// Sink receives UI notifications. Defaults to NopSink.
	Sink Sink

	// Online reports whether the gateway link is usable. Defaults to
	// always-online.
	Online func() bool

	// Deliver is passed through on chat.send.
	Deliver bool

	Logger *slog.Logger
}

// NewCoordinator wires a coordinator; it holds no goroutines of its own.
func NewCoordinator(opts Options) *Coordinator {
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	online := opts.Online
	if online == nil {
		online = func() bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		caller:  opts.Caller,
		store:   opts.Store,
		dedupe:  opts.Dedupe,
		sink:    sink,
		online:  online,
		deliver: opts.Deliver,
		logger:  logger.With("component", "chat"),
	}
}

// Send dispatches text on the active session, queueing it when the session
// is busy or the gateway is offline.
func (c *Coordinator) Send(ctx context.Context, text string) error {
	return c.SendTo(ctx, c.store.ActiveKey(), text)
}

// SendTo dispatches text on a specific session.
func (c *Coordinator) SendTo(ctx context.Context, sessionKey, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	if !c.online() || c.store.Run(sessionKey) != nil {
		c.enqueue(sessionKey, text)
		return nil
	}

	err := c.dispatch(ctx, sessionKey, text, uuid.New().String())
	if errors.Is(err, errRunActive) {
		// Lost the run slot to a concurrent dispatch; this message is the
		// newest, so the back of the queue is its place.
		c.enqueue(sessionKey, text)
		return nil
	}
	return err
}

func (c *Coordinator) enqueue(sessionKey, text string) {
	depth := c.store.Enqueue(sessionKey, session.QueuedMessage{
		ID:       uuid.New().String(),
		Text:     text,
		QueuedAt: time.Now(),
	})
	c.logger.Debug("message queued", "session", sessionKey, "depth", depth)
	c.sink.QueueChanged(sessionKey, depth)
}

// dispatch starts a run. runID doubles as the chat.send idempotency key,
// so a retry after a timeout cannot start a second generation.
func (c *Coordinator) dispatch(ctx context.Context, sessionKey, text, runID string) error {
	if !c.store.StartRun(sessionKey, runID) {
		return errRunActive
	}

	if c.dedupe != nil && c.dedupe.CheckAndMark(runID) {
		// Already dispatched under this key; nothing to send again.
		c.store.ClearRun(sessionKey, runID)
		c.logger.Debug("duplicate dispatch suppressed", "run_id", runID)
		return nil
	}

	// Optimistic echo so the user sees their message immediately.
	c.store.AppendMessage(sessionKey, protocol.ChatMessage{
		Role:      "user",
		Content:   protocol.TextContent(text),
		Timestamp: time.Now().UnixMilli(),
	})
	c.sink.TranscriptUpdated(sessionKey)
	c.sink.RunStarted(sessionKey, runID)

	err := c.caller.Call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        text,
		Deliver:        c.deliver,
		IdempotencyKey: runID,
	}, nil)
	if err == nil {
		return nil
	}

	if rpc.IsTimeout(err) {
		// The gateway may have accepted the send; the run stays active and
		// its events will arrive if it did. The key stays marked so only
		// the gateway-side dedupe decides what a resend means.
		c.logger.Warn("chat.send timed out, awaiting events", "run_id", runID, "session", sessionKey)
		return &RunError{SessionKey: sessionKey, RunID: runID, Err: err}
	}

	// The gateway refused the run outright.
	c.failRun(sessionKey, runID, err.Error())
	return &RunError{SessionKey: sessionKey, RunID: runID, Err: err}
}

// failRun ends a run locally and surfaces the failure in the transcript.
func (c *Coordinator) failRun(sessionKey, runID, message string) {
	if c.dedupe != nil {
		c.dedupe.Forget(runID)
	}
	c.store.ClearRun(sessionKey, runID)

	c.store.AppendMessage(sessionKey, protocol.ChatMessage{
		Role:      "assistant",
		Content:   protocol.TextContent("Error: " + message),
		Timestamp: time.Now().UnixMilli(),
	})
	c.sink.TranscriptUpdated(sessionKey)
	c.sink.ErrorReported(sessionKey, message)
	c.sink.RunEnded(sessionKey, runID, protocol.ChatStateError)
}

// HandleChatEvent consumes one chat event payload. Registered with the
// event router; runs on the transport's read goroutine.
func (c *Coordinator) HandleChatEvent(payload json.RawMessage) {
	var ev protocol.ChatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		c.logger.Warn("malformed chat event", "error", err)
		return
	}

	run := c.store.Run(ev.SessionKey)
	if run == nil || run.ID != ev.RunID {
		// Another client's run, or a stale event for one already ended.
		c.logger.Debug("chat event for foreign run dropped",
			"run_id", ev.RunID, "session", ev.SessionKey, "state", ev.State)
		return
	}

	switch ev.State {
	case protocol.ChatStateDelta:
		text, ok := protocol.ExtractMessageText(ev.Message)
		if !ok {
			return
		}
		if applied, changed := c.store.UpdateStream(ev.SessionKey, ev.RunID, text); changed {
			c.sink.StreamUpdated(ev.SessionKey, ev.RunID, applied)
		}

	case protocol.ChatStateFinal, protocol.ChatStateAborted:
		c.endRun(ev.SessionKey, ev.RunID, ev.State)

		// The authoritative assistant message lives in history, not in the
		// stream buffer. Refresh off the read goroutine, then drain.
		go func() {
			if ev.State == protocol.ChatStateFinal {
				if err := c.RefreshHistory(context.Background(), ev.SessionKey); err != nil {
					c.logger.Warn("history refresh after run failed", "error", err, "session", ev.SessionKey)
				}
			}
			c.DrainQueue(context.Background(), ev.SessionKey)
		}()

	case protocol.ChatStateError:
		message := ev.ErrorMessage
		if message == "" {
			message = "run failed"
		}
		c.endRunSilently(ev.SessionKey, ev.RunID)
		c.store.AppendMessage(ev.SessionKey, protocol.ChatMessage{
			Role:      "assistant",
			Content:   protocol.TextContent("Error: " + message),
			Timestamp: time.Now().UnixMilli(),
		})
		c.sink.TranscriptUpdated(ev.SessionKey)
		c.sink.ErrorReported(ev.SessionKey, message)
		c.sink.RunEnded(ev.SessionKey, ev.RunID, protocol.ChatStateError)

		go c.DrainQueue(context.Background(), ev.SessionKey)

	default:
		c.logger.Warn("unknown chat state", "state", ev.State, "run_id", ev.RunID)
	}
}

func (c *Coordinator) endRun(sessionKey, runID, state string) {
	c.endRunSilently(sessionKey, runID)
	c.sink.RunEnded(sessionKey, runID, state)
}

func (c *Coordinator) endRunSilently(sessionKey, runID string) {
	if c.dedupe != nil {
		c.dedupe.Forget(runID)
	}
	c.store.ClearRun(sessionKey, runID)
}

// Abort stops the session's active run. The gateway confirms with an
// aborted event; local state is only force-cleared when the RPC itself
// fails, so the client cannot get stuck busy against a dead run.
func (c *Coordinator) Abort(ctx context.Context, sessionKey string) error {
	run := c.store.Run(sessionKey)
	if run == nil {
		return nil
	}

	err := c.caller.Call(ctx, protocol.MethodChatAbort, protocol.ChatAbortParams{
		SessionKey: sessionKey,
		RunID:      run.ID,
	}, nil)
	if err != nil {
		c.logger.Warn("abort failed, clearing run locally", "error", err, "run_id", run.ID)
		c.endRun(sessionKey, run.ID, protocol.ChatStateAborted)
		return err
	}
	return nil
}

// RefreshHistory replaces the session transcript with the gateway's copy.
func (c *Coordinator) RefreshHistory(ctx context.Context, sessionKey string) error {
	var result protocol.ChatHistoryResult
	err := c.caller.Call(ctx, protocol.MethodChatHistory,
		protocol.ChatHistoryParams{SessionKey: sessionKey}, &result)
	if err != nil {
		return fmt.Errorf("fetching history for %s: %w", sessionKey, err)
	}

	c.store.ReplaceTranscript(sessionKey, result.Messages, result.Thinking)
	c.sink.TranscriptUpdated(sessionKey)
	return nil
}

// SwitchSession makes sessionKey the active session and loads its
// transcript. A run on the previous session keeps going server-side, but
// the local reference is dropped so its remaining events no longer match.
func (c *Coordinator) SwitchSession(ctx context.Context, sessionKey string) error {
	c.store.SetActive(sessionKey)
	return c.RefreshHistory(ctx, sessionKey)
}

// DrainQueue dispatches queued messages for a session in FIFO order. It
// stops as soon as a dispatch starts a run; the next drain happens when
// that run ends. Safe to call at any time.
func (c *Coordinator) DrainQueue(ctx context.Context, sessionKey string) {
	for {
		if !c.online() || c.store.Run(sessionKey) != nil {
			return
		}

		msg, ok := c.store.DequeueFront(sessionKey)
		if !ok {
			return
		}
		c.sink.QueueChanged(sessionKey, len(c.store.Queue(sessionKey)))

		// The queued message's own id is the idempotency key, so a message
		// that straddles a reconnect cannot dispatch twice.
		err := c.dispatch(ctx, sessionKey, msg.Text, msg.ID)
		if errors.Is(err, errRunActive) {
			// A concurrent drain won the run slot; put the message back at
			// the front so it still dispatches before anything behind it.
			depth := c.store.RequeueFront(sessionKey, msg)
			c.sink.QueueChanged(sessionKey, depth)
			return
		}
		if err != nil {
			c.logger.Warn("queued dispatch failed", "error", err, "session", sessionKey)
			return
		}
		if c.store.Run(sessionKey) != nil {
			return
		}
	}
}

// RemoveQueued drops a pending message from a session's queue before it
// dispatches. Returns false when no queued message has that id.
func (c *Coordinator) RemoveQueued(sessionKey, id string) bool {
	if !c.store.RemoveQueued(sessionKey, id) {
		return false
	}
	c.sink.QueueChanged(sessionKey, len(c.store.Queue(sessionKey)))
	return true
}

// HandleDisconnected abandons every in-flight run: the connection that
// carried its events is gone, so nothing can ever end it locally. The
// dedupe key is forgotten with it; whether the generation actually ran is
// settled by the history refresh on resume. Registered as the transport's
// OnDisconnect hook.
func (c *Coordinator) HandleDisconnected() {
	for _, key := range c.store.RunningKeys() {
		run := c.store.Run(key)
		if run == nil {
			continue
		}
		c.logger.Info("abandoning run after disconnect", "run_id", run.ID, "session", key)
		c.endRun(key, run.ID, protocol.ChatStateAborted)
	}
}

// HandleResumed re-syncs after a reconnect: the active transcript may be
// stale and queued messages can now go out. Registered as the transport's
// OnResumed hook.
func (c *Coordinator) HandleResumed() {
	go func() {
		active := c.store.ActiveKey()
		if err := c.RefreshHistory(context.Background(), active); err != nil {
			c.logger.Warn("history refresh after reconnect failed", "error", err)
		}
		for _, key := range c.store.QueuedKeys() {
			c.DrainQueue(context.Background(), key)
		}
	}()
}
