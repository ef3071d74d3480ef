package wsplus

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/http/httpguts"
)

// Upgrader completes the WebSocket handshake for an upgrade request. On
// failure it must have written an HTTP error response.
type Upgrader interface {
	Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error)
}

// Listener accepts WebSocket connections on a network address.
//
// Accepted connections are either queued for AcceptNext or, with
// WithOnClientConnected, passed to a callback. Requests that are not
// WebSocket upgrades are answered with 426 Upgrade Required and skipped.
// Listener is also an http.Handler and can be mounted on an existing mux
// instead of being started.
type Listener struct {
	addr     string
	cfg      listenerConfig
	logger   *slog.Logger
	upgrader Upgrader
	accepted chan Conn

	mu        sync.Mutex
	ln        net.Listener
	srv       *http.Server
	listening bool
	stopped   chan struct{}
}

// NewListener creates a listener for addr, in the host:port form accepted
// by net.Listen. It does not bind until Start is called.
func NewListener(addr string, opts ...ListenerOption) *Listener {
	cfg := listenerConfig{backlog: DefaultAcceptBacklog}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger
	}

	upgrader := cfg.upgrader
	if upgrader == nil {
		upgrader = &acceptUpgrader{
			acceptOpts: &websocket.AcceptOptions{
				Subprotocols:   cfg.subprotocols,
				OriginPatterns: cfg.originPatterns,
			},
			connOpts: &DialOptions{
				FragmentSize:      cfg.fragmentSize,
				ReadLimit:         cfg.readLimit,
				KeepAliveInterval: cfg.keepAlive,
				Logger:            cfg.logger,
			},
		}
	}

	return &Listener{
		addr:     addr,
		cfg:      cfg,
		logger:   cfg.logger,
		upgrader: upgrader,
		accepted: make(chan Conn, cfg.backlog),
		stopped:  make(chan struct{}),
	}
}

// Start binds the address and starts serving upgrade requests.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.listening {
		return ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return &ConnectionError{Op: "listen", URL: l.addr, Err: err}
	}

	srv := &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(l.logger.Handler(), slog.LevelWarn),
	}

	l.ln = ln
	l.srv = srv
	l.listening = true
	select {
	case <-l.stopped:
		l.stopped = make(chan struct{})
	default:
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("listener stopped", slog.Any("error", err))
		}
	}()

	l.logger.Info("listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Stop unbinds the address. Connections already accepted stay open;
// connections still waiting for AcceptNext are aborted. Start may be
// called again afterwards.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.listening {
		l.mu.Unlock()
		return nil
	}
	l.listening = false
	close(l.stopped)
	srv := l.srv
	l.mu.Unlock()

	err := srv.Shutdown(ctx)

	for {
		select {
		case conn := <-l.accepted:
			conn.Abort()
		default:
			l.logger.Info("stopped listening", slog.String("addr", l.addr))
			return err
		}
	}
}

// IsListening reports whether the listener is bound.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// Addr returns the bound address, or nil when not listening.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening {
		return nil
	}
	return l.ln.Addr()
}

// URL returns the ws:// URL clients use to reach the listener, or "" when
// not listening.
func (l *Listener) URL() string {
	addr := l.Addr()
	if addr == nil {
		return ""
	}
	path := l.cfg.path
	if path == "" {
		path = "/"
	}
	return "ws://" + addr.String() + path
}

// AcceptNext waits for the next accepted connection. It returns
// ErrListenerClosed once the listener is stopped.
func (l *Listener) AcceptNext(ctx context.Context) (Conn, error) {
	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()

	select {
	case conn := <-l.accepted:
		return conn, nil
	case <-stopped:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ServeHTTP upgrades WebSocket requests and rejects everything else.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.cfg.path != "" && r.URL.Path != l.cfg.path {
		http.NotFound(w, r)
		return
	}

	if !isUpgradeRequest(r) {
		l.logger.Debug("rejected non-websocket request",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("path", r.URL.Path),
		)
		w.Header().Set("Connection", "Upgrade")
		w.Header().Set("Upgrade", "websocket")
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r)
	if err != nil {
		l.logger.Warn("upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.Any("error", err),
		)
		return
	}

	l.logger.Debug("accepted connection",
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("conn_id", conn.ID()),
	)

	if l.cfg.onClientConnected != nil {
		l.cfg.onClientConnected(conn)
		return
	}

	l.mu.Lock()
	stopped := l.stopped
	l.mu.Unlock()

	select {
	case l.accepted <- conn:
	case <-stopped:
		conn.Abort()
	case <-r.Context().Done():
		conn.Abort()
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		httpguts.HeaderValuesContainsToken(r.Header["Upgrade"], "websocket")
}

// acceptUpgrader upgrades requests with github.com/coder/websocket.
type acceptUpgrader struct {
	acceptOpts *websocket.AcceptOptions
	connOpts   *DialOptions
}

func (u *acceptUpgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := websocket.Accept(w, r, u.acceptOpts)
	if err != nil {
		return nil, &ConnectionError{Op: "accept", URL: r.URL.String(), Err: err}
	}
	return newWSConn(conn, r.RemoteAddr, u.connOpts), nil
}
