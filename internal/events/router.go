// ABOUTME: Routes inbound frames to pending calls and event subscribers.
// ABOUTME: The single entry point for everything the gateway pushes down.

package events

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-control/internal/protocol"
)

// Handler receives the payload of one event frame.
type Handler func(payload json.RawMessage)

// ResponseSink consumes response frames. Returns true when the frame was a
// response and is fully handled.
type ResponseSink interface {
	HandleFrame(frame *protocol.Frame) bool
}

// Router dispatches every inbound frame: responses go to the sink, events
// fan out to subscribers of their topic. Dispatch is called from the
// transport's read goroutine, so handlers run serially in arrival order.
type Router struct {
	responses ResponseSink
	logger    *slog.Logger

	mu       sync.RWMutex
	handlers map[string]map[string]Handler // event topic -> subID -> handler
}

// NewRouter creates a router. Pass nil logger for default.
func NewRouter(responses ResponseSink, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		responses: responses,
		logger:    logger.With("component", "events"),
		handlers:  make(map[string]map[string]Handler),
	}
}

// On registers a handler for an event topic and returns a subscription ID
// for later removal.
func (r *Router) On(event string, handler Handler) string {
	subID := uuid.New().String()

	r.mu.Lock()
	if _, ok := r.handlers[event]; !ok {
		r.handlers[event] = make(map[string]Handler)
	}
	r.handlers[event][subID] = handler
	r.mu.Unlock()

	r.logger.Debug("subscriber added", "event", event, "sub_id", subID)
	return subID
}

// Off removes a subscription.
func (r *Router) Off(event, subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.handlers[event]
	if !ok {
		return
	}
	if _, exists := subs[subID]; !exists {
		return
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(r.handlers, event)
	}

	r.logger.Debug("subscriber removed", "event", event, "sub_id", subID)
}

// Dispatch routes one inbound frame. Response frames are consumed by the
// sink; event frames fan out to every handler of their topic. Frames that
// match nothing are logged and dropped.
func (r *Router) Dispatch(frame *protocol.Frame) {
	if r.responses != nil && r.responses.HandleFrame(frame) {
		return
	}

	if !frame.IsEvent() {
		r.logger.Warn("unroutable frame", "type", frame.Type, "id", frame.ID)
		return
	}

	r.mu.RLock()
	subs := r.handlers[frame.Event]
	// Copy handlers under read lock; handlers may subscribe or unsubscribe
	targets := make([]Handler, 0, len(subs))
	for _, h := range subs {
		targets = append(targets, h)
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Debug("event with no subscribers", "event", frame.Event)
		return
	}

	for _, h := range targets {
		h(frame.Payload)
	}
}
