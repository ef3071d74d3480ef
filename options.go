package wsplus

import (
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	// DefaultReconnectInterval is the wait between reconnection attempts.
	DefaultReconnectInterval = 10 * time.Second

	// DefaultHandshakeTimeout bounds a single connection attempt.
	DefaultHandshakeTimeout = 30 * time.Second

	// DefaultAcceptBacklog is the number of upgraded connections a
	// Listener holds for AcceptNext.
	DefaultAcceptBacklog = 16
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// --- Client Options ---

// ClientOption configures a Client or ReactiveClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	logger           *slog.Logger
	dialer           Dialer
	dialOpts         DialOptions
	policy           ReconnectPolicy
	handshakeTimeout time.Duration
	onSend           func(MessageType, int)
	onReceive        func(*Message)
}

func newClientConfig(opts []ClientOption) clientConfig {
	cfg := clientConfig{
		policy: ReconnectPolicy{
			Enabled:  true,
			Interval: DefaultReconnectInterval,
		},
		handshakeTimeout: DefaultHandshakeTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.logger == nil {
		cfg.logger = discardLogger
	}
	if cfg.dialOpts.Logger == nil {
		cfg.dialOpts.Logger = cfg.logger
	}
	if cfg.dialer == nil {
		dialOpts := cfg.dialOpts
		cfg.dialer = NewDialer(&dialOpts)
	}
	return cfg
}

// WithLogger sets a structured logger for the client.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the default coder/websocket dialer. Dial options
// set with other ClientOptions are ignored by a custom dialer.
func WithDialer(d Dialer) ClientOption {
	return func(c *clientConfig) {
		c.dialer = d
	}
}

// WithReconnect enables or disables automatic reconnection.
func WithReconnect(enabled bool) ClientOption {
	return func(c *clientConfig) {
		c.policy.Enabled = enabled
	}
}

// WithReconnectInterval sets the wait between reconnection attempts.
func WithReconnectInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d >= 0 {
			c.policy.Interval = d
		}
	}
}

// WithHandshakeTimeout bounds each connection attempt.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.handshakeTimeout = d
	}
}

// WithHTTPHeader sets additional HTTP headers sent during the handshake.
func WithHTTPHeader(h http.Header) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts.HTTPHeader = h
	}
}

// WithHTTPClient sets the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts.HTTPClient = hc
	}
}

// WithSubprotocols sets the subprotocols offered during the handshake.
func WithSubprotocols(protocols ...string) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts.Subprotocols = protocols
	}
}

// WithKeepAliveInterval enables periodic pings. Pongs are only read while
// a receive is in progress, so a Client using keep-alive must keep
// receiving; ReactiveClient always does.
func WithKeepAliveInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts.KeepAliveInterval = d
	}
}

// WithFragmentSize sets the largest fragment read from the connection.
func WithFragmentSize(n int) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts.FragmentSize = n
	}
}

// WithReadLimit sets the largest message accepted from the server.
func WithReadLimit(n int64) ClientOption {
	return func(c *clientConfig) {
		c.dialOpts.ReadLimit = n
	}
}

// WithOnSend sets a callback invoked after each message is sent, with
// its type and size in bytes.
func WithOnSend(fn func(MessageType, int)) ClientOption {
	return func(c *clientConfig) {
		c.onSend = fn
	}
}

// WithOnReceive sets a callback invoked after each message is received.
func WithOnReceive(fn func(*Message)) ClientOption {
	return func(c *clientConfig) {
		c.onReceive = fn
	}
}

// --- Listener Options ---

// ListenerOption configures a Listener.
type ListenerOption func(*listenerConfig)

type listenerConfig struct {
	logger            *slog.Logger
	upgrader          Upgrader
	path              string
	backlog           int
	onClientConnected func(Conn)
	subprotocols      []string
	originPatterns    []string
	fragmentSize      int
	readLimit         int64
	keepAlive         time.Duration
}

// WithListenerLogger sets a structured logger for the listener.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(c *listenerConfig) {
		c.logger = logger
	}
}

// WithUpgrader replaces the default coder/websocket upgrader.
func WithUpgrader(u Upgrader) ListenerOption {
	return func(c *listenerConfig) {
		c.upgrader = u
	}
}

// WithPath restricts upgrades to a single request path.
func WithPath(path string) ListenerOption {
	return func(c *listenerConfig) {
		c.path = path
	}
}

// WithAcceptBacklog sets how many upgraded connections wait for AcceptNext.
func WithAcceptBacklog(n int) ListenerOption {
	return func(c *listenerConfig) {
		if n > 0 {
			c.backlog = n
		}
	}
}

// WithOnClientConnected delivers each accepted connection to fn on its
// own goroutine instead of queueing it for AcceptNext.
func WithOnClientConnected(fn func(Conn)) ListenerOption {
	return func(c *listenerConfig) {
		c.onClientConnected = fn
	}
}

// WithAcceptSubprotocols sets the subprotocols the listener negotiates.
func WithAcceptSubprotocols(protocols ...string) ListenerOption {
	return func(c *listenerConfig) {
		c.subprotocols = protocols
	}
}

// WithOriginPatterns sets the host patterns allowed in the Origin header.
func WithOriginPatterns(patterns ...string) ListenerOption {
	return func(c *listenerConfig) {
		c.originPatterns = patterns
	}
}

// WithAcceptFragmentSize sets the fragment size of accepted connections.
func WithAcceptFragmentSize(n int) ListenerOption {
	return func(c *listenerConfig) {
		c.fragmentSize = n
	}
}

// WithAcceptReadLimit sets the read limit of accepted connections.
func WithAcceptReadLimit(n int64) ListenerOption {
	return func(c *listenerConfig) {
		c.readLimit = n
	}
}

// WithAcceptKeepAlive enables pings on accepted connections.
func WithAcceptKeepAlive(d time.Duration) ListenerOption {
	return func(c *listenerConfig) {
		c.keepAlive = d
	}
}

// --- Session Options ---

// SessionOption configures a Session.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	logger *slog.Logger
}

// WithSessionLogger sets a structured logger for the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(c *sessionConfig) {
		c.logger = logger
	}
}
