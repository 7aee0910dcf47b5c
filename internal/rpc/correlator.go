// ABOUTME: Correlates request frames with their responses by id.
// ABOUTME: Allows many in-flight calls to share one gateway connection.

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-control/internal/protocol"
)

// Sender is the outbound half of the connection the correlator writes to.
type Sender interface {
	Send(frame *protocol.Frame) error
}

// result is what a pending call receives: a response frame or a failure.
type result struct {
	frame *protocol.Frame
	err   error
}

// pendingCall tracks one in-flight request awaiting its response.
type pendingCall struct {
	method string
	ch     chan result
}

// Correlator assigns each outbound request a unique id, tracks the pending
// call, and routes the matching response frame back to the caller. Any
// number of calls may be in flight at once; responses may arrive in any
// order.
type Correlator struct {
	sender  Sender
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingCall
	closed  bool
}

// NewCorrelator creates a correlator that writes requests through sender.
// timeout bounds each call unless the caller's context ends first.
func NewCorrelator(sender Sender, timeout time.Duration, logger *slog.Logger) *Correlator {
	return &Correlator{
		sender:  sender,
		timeout: timeout,
		logger:  logger.With("component", "rpc"),
		pending: make(map[string]pendingCall),
	}
}

// Call sends a request and blocks until its response arrives, the timeout
// elapses, or ctx is done. On success the response result is unmarshaled
// into out when out is non-nil. A gateway-reported failure is returned as
// an *ApplicationError.
func (c *Correlator) Call(ctx context.Context, method string, params any, out any) error {
	var raw json.RawMessage
	if params != nil {
		var err error
		raw, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
	}

	id := uuid.New().String()
	ch, err := c.register(id, method)
	if err != nil {
		return err
	}
	defer c.unregister(id)

	if err := c.sender.Send(protocol.NewRequest(id, method, raw)); err != nil {
		return &TransportError{Method: method, Err: err}
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		return decodeResponse(method, res.frame, out)
	case <-timer.C:
		return &TimeoutError{Method: method, Timeout: c.timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleFrame consumes a response frame, routing it to its pending call.
// Returns false when the frame is not a response, so the caller can pass
// it on to event handling. A response with no pending call is logged and
// dropped; a late reply after a timeout is normal.
func (c *Correlator) HandleFrame(frame *protocol.Frame) bool {
	if !frame.IsResponse() {
		return false
	}

	c.mu.Lock()
	call, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request", "id", frame.ID)
		return true
	}

	call.ch <- result{frame: frame}
	return true
}

// FailAll aborts every pending call with err. Called when the connection
// drops: the responses can never arrive.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.ch <- result{err: &TransportError{Method: call.method, Err: err}}
	}
}

// Close fails all pending calls and rejects future ones.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]pendingCall)
	c.mu.Unlock()

	for _, call := range pending {
		call.ch <- result{err: ErrClosed}
	}
}

func (c *Correlator) register(id, method string) (chan result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	// Buffered so HandleFrame never blocks on a caller that already gave up.
	ch := make(chan result, 1)
	c.pending[id] = pendingCall{method: method, ch: ch}
	return ch, nil
}

func (c *Correlator) unregister(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

func decodeResponse(method string, frame *protocol.Frame, out any) error {
	if frame.Error != nil {
		return &ApplicationError{
			Method:  method,
			Code:    frame.Error.Code,
			Message: frame.Error.Message,
		}
	}
	if out == nil || len(frame.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}
