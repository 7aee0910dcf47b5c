// ABOUTME: Top-level gateway client wiring transport, rpc, events, and chat.
// ABOUTME: One Client per gateway; everything rides a single connection.

package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-control/internal/chat"
	"github.com/2389/coven-control/internal/dedupe"
	"github.com/2389/coven-control/internal/events"
	"github.com/2389/coven-control/internal/protocol"
	"github.com/2389/coven-control/internal/rpc"
	"github.com/2389/coven-control/internal/session"
	"github.com/2389/coven-control/internal/transport"
)

const (
	dedupeTTL     = 5 * time.Minute
	dedupeMaxSize = 10_000
)

// Options configures a Client.
type Options struct {
	URL   string
	Token string

	ClientName    string
	ClientVersion string

	SessionKey string
	Deliver    bool

	HandshakeTimeout time.Duration
	CallTimeout      time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration

	// Sink receives chat notifications; nil discards them.
	Sink chat.Sink

	Logger *slog.Logger
}

// Client is a connected gateway control client. RPC calls and server-push
// chat streaming share one persistent connection; the client reconnects
// and re-syncs on its own until Close.
type Client struct {
	session    *transport.Session
	correlator *rpc.Correlator
	router     *events.Router
	store      *session.Store
	cache      *dedupe.Cache
	chat       *chat.Coordinator
	logger     *slog.Logger

	mu    sync.Mutex
	hello *protocol.HelloResult
}

// New wires a client; no connection is made until Connect.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 30 * time.Second
	}
	if opts.SessionKey == "" {
		opts.SessionKey = "main"
	}

	sess := transport.NewSession(transport.Options{
		URL:              opts.URL,
		Token:            opts.Token,
		ClientName:       opts.ClientName,
		ClientVersion:    opts.ClientVersion,
		HandshakeTimeout: opts.HandshakeTimeout,
		ReconnectInitial: opts.ReconnectInitial,
		ReconnectMax:     opts.ReconnectMax,
		Logger:           logger,
	})

	correlator := rpc.NewCorrelator(sess, opts.CallTimeout, logger)
	router := events.NewRouter(correlator, logger)
	store := session.NewStore(opts.SessionKey)
	cache := dedupe.New(dedupeTTL, dedupeMaxSize)

	coordinator := chat.NewCoordinator(chat.Options{
		Caller:  correlator,
		Store:   store,
		Dedupe:  cache,
		Sink:    opts.Sink,
		Online:  sess.Connected,
		Deliver: opts.Deliver,
		Logger:  logger,
	})

	c := &Client{
		session:    sess,
		correlator: correlator,
		router:     router,
		store:      store,
		cache:      cache,
		chat:       coordinator,
		logger:     logger.With("component", "client"),
	}

	sess.OnFrame = router.Dispatch
	sess.OnDisconnect = func(err error) {
		correlator.FailAll(err)
		coordinator.HandleDisconnected()
	}
	sess.OnResumed = func(hello *protocol.HelloResult) {
		c.setHello(hello)
		coordinator.HandleResumed()
	}
	router.On(protocol.EventChat, coordinator.HandleChatEvent)

	return c
}

// Connect establishes the connection and loads the active session's
// transcript.
func (c *Client) Connect(ctx context.Context) error {
	hello, err := c.session.Connect(ctx)
	if err != nil {
		return err
	}
	c.setHello(hello)
	c.logger.Info("connected to gateway",
		"server", hello.Server,
		"version", hello.Version,
		"protocol", hello.Protocol,
	)

	if err := c.chat.RefreshHistory(ctx, c.store.ActiveKey()); err != nil {
		c.logger.Warn("initial history load failed", "error", err)
	}
	return nil
}

// Close shuts the connection down and releases resources.
func (c *Client) Close() error {
	err := c.session.Close()
	c.correlator.Close()
	c.cache.Close()
	return err
}

// Hello returns the gateway's handshake response from the most recent
// connect.
func (c *Client) Hello() *protocol.HelloResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hello
}

func (c *Client) setHello(hello *protocol.HelloResult) {
	c.mu.Lock()
	c.hello = hello
	c.mu.Unlock()
}

// Online reports whether the gateway link is currently usable.
func (c *Client) Online() bool { return c.session.Connected() }

// Chat exposes the conversation state machine.
func (c *Client) Chat() *chat.Coordinator { return c.chat }

// Store exposes the session state for rendering.
func (c *Client) Store() *session.Store { return c.store }

// Call issues a raw RPC; typed helpers cover the common methods.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	return c.correlator.Call(ctx, method, params, out)
}
