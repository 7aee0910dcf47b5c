// ABOUTME: Maintains the persistent WebSocket link to the gateway.
// ABOUTME: Owns dialing, the hello handshake, the read loop, and reconnects.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/coven-control/internal/protocol"
)

// Status describes the link state.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusOpen         Status = "open"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
)

// ErrNotConnected is returned by Send while no connection is established.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed is returned once the session has been shut down.
var ErrClosed = errors.New("transport: session closed")

// HandshakeError reports a gateway that accepted the socket but rejected
// the hello exchange, typically a bad token or protocol mismatch.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("transport: handshake rejected: %s", e.Reason)
}

// Options configures a Session.
type Options struct {
	URL           string
	Token         string
	ClientName    string
	ClientVersion string

	HandshakeTimeout time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	Logger *slog.Logger
}

// Session is a persistent connection to the gateway. All inbound frames
// are delivered to OnFrame from a single goroutine, so handlers observe
// frames in arrival order without locking. When the link drops, the
// session keeps redialing with exponential backoff until Close.
type Session struct {
	opts   Options
	logger *slog.Logger

	// OnFrame receives every inbound frame after the handshake. Must be
	// set before Connect.
	OnFrame func(frame *protocol.Frame)

	// OnDisconnect fires when an established connection is lost, before
	// any redial attempt.
	OnDisconnect func(err error)

	// OnResumed fires after a successful redial and handshake.
	OnResumed func(hello *protocol.HelloResult)

	// OnStatus fires on every link state change.
	OnStatus func(status Status)

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	writeMu sync.Mutex

	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewSession creates a session; no connection is made until Connect.
func NewSession(opts Options) *Session {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.ReconnectInitial == 0 {
		opts.ReconnectInitial = time.Second
	}
	if opts.ReconnectMax == 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		opts:   opts,
		logger: logger.With("component", "transport"),
		status: StatusConnecting,
		done:   make(chan struct{}),
	}
}

// Status returns the current link state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Connected reports whether the link is currently established.
func (s *Session) Connected() bool {
	return s.Status() == StatusOpen
}

// Connect dials the gateway and completes the hello handshake. On success
// the read loop and reconnect supervisor start in the background. A
// handshake rejection is permanent and reported without retrying.
func (s *Session) Connect(ctx context.Context) (*protocol.HelloResult, error) {
	s.setStatus(StatusConnecting)

	conn, hello, err := s.dial(ctx)
	if err != nil {
		s.setStatus(StatusClosed)
		return nil, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setStatus(StatusOpen)

	s.wg.Add(1)
	go s.run(conn)

	return hello, nil
}

// Send writes a frame to the gateway. Safe for concurrent use.
func (s *Session) Send(frame *protocol.Frame) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Close tears the connection down and stops the reconnect supervisor.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		// Best effort; the read loop exits on the closed socket either way.
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}

	s.wg.Wait()
	s.setStatus(StatusClosed)
	return nil
}

// run owns the connection lifecycle after the initial handshake: read
// until failure, then redial until Close or an unrecoverable handshake
// rejection.
func (s *Session) run(conn *websocket.Conn) {
	defer s.wg.Done()

	for {
		err := s.readLoop(conn)

		s.mu.Lock()
		closed := s.closed
		s.conn = nil
		s.mu.Unlock()

		if closed {
			return
		}

		s.logger.Warn("gateway connection lost", "error", err)
		s.setStatus(StatusReconnecting)
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}

		conn = s.redial()
		if conn == nil {
			return
		}
	}
}

// readLoop delivers inbound frames until the connection fails.
func (s *Session) readLoop(conn *websocket.Conn) error {
	for {
		frame := &protocol.Frame{}
		if err := conn.ReadJSON(frame); err != nil {
			_ = conn.Close()
			return err
		}
		if s.OnFrame != nil {
			s.OnFrame(frame)
		}
	}
}

// newBackOff builds the redial schedule: exponential growth from initial,
// capped at max, retrying until Close.
func newBackOff(initial, maxInterval time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.MaxInterval = maxInterval
	bo.MaxElapsedTime = 0
	return bo
}

// redial reconnects with exponential backoff. Returns nil when the session
// is closed or the gateway rejects the handshake outright.
func (s *Session) redial() *websocket.Conn {
	bo := newBackOff(s.opts.ReconnectInitial, s.opts.ReconnectMax)

	for {
		wait := bo.NextBackOff()
		s.logger.Info("redialing gateway", "wait", wait)

		select {
		case <-s.done:
			return nil
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
		conn, hello, err := s.dial(ctx)
		cancel()

		if err != nil {
			var he *HandshakeError
			if errors.As(err, &he) {
				// The gateway is up and said no; retrying cannot help.
				s.logger.Error("gateway rejected reconnect", "error", err)
				s.setStatus(StatusClosed)
				return nil
			}
			s.logger.Debug("redial failed", "error", err)
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conn = conn
		s.mu.Unlock()

		s.setStatus(StatusOpen)
		s.logger.Info("gateway connection restored", "server", hello.Server)
		if s.OnResumed != nil {
			s.OnResumed(hello)
		}
		return conn
	}
}

// dial opens the socket and runs the hello exchange on it. Frames that
// arrive before the hello response (the gateway may start pushing events
// immediately) are forwarded to OnFrame.
func (s *Session) dial(ctx context.Context) (*websocket.Conn, *protocol.HelloResult, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.opts.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dialing %s: %w", s.opts.URL, err)
	}

	hello, err := s.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, hello, nil
}

func (s *Session) handshake(conn *websocket.Conn) (*protocol.HelloResult, error) {
	params, err := json.Marshal(protocol.HelloParams{
		Token: s.opts.Token,
		Client: protocol.ClientInfo{
			Name:     s.opts.ClientName,
			Version:  s.opts.ClientVersion,
			Platform: runtime.GOOS,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling hello: %w", err)
	}

	id := uuid.New().String()
	if err := conn.WriteJSON(protocol.NewRequest(id, protocol.MethodHello, params)); err != nil {
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		frame := &protocol.Frame{}
		if err := conn.ReadJSON(frame); err != nil {
			return nil, fmt.Errorf("awaiting hello response: %w", err)
		}

		if frame.IsResponse() && frame.ID == id {
			if frame.Error != nil {
				return nil, &HandshakeError{Reason: frame.Error.Message}
			}
			hello := &protocol.HelloResult{}
			if err := json.Unmarshal(frame.Result, hello); err != nil {
				return nil, fmt.Errorf("decoding hello result: %w", err)
			}
			return hello, nil
		}

		if s.OnFrame != nil {
			s.OnFrame(frame)
		}
	}
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status || (s.status == StatusClosed && status != StatusClosed) {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	if s.OnStatus != nil {
		s.OnStatus(status)
	}
}
