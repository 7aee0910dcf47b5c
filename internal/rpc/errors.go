// ABOUTME: Error types surfaced by RPC calls over the gateway connection.
// ABOUTME: Distinguishes timeouts, gateway-reported failures, and dead links.

package rpc

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned for calls made after the correlator shuts down.
var ErrClosed = errors.New("rpc: correlator closed")

// TimeoutError reports a call that received no response in time. The
// request may still execute on the gateway; callers that care use
// idempotency keys.
type TimeoutError struct {
	Method  string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpc: %s timed out after %s", e.Method, e.Timeout)
}

// ApplicationError carries a failure the gateway itself reported in a
// response frame.
type ApplicationError struct {
	Method  string
	Code    int
	Message string
}

func (e *ApplicationError) Error() string {
	return fmt.Sprintf("rpc: %s failed: %s", e.Method, e.Message)
}

// TransportError wraps a failure of the underlying link: the request
// could not be written, or the connection died while the call was in
// flight.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc: %s transport failure: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a call timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
