package wsplus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// SessionHandlers receives Session events. Nil handlers are skipped. Both
// run on the session's receive goroutine.
type SessionHandlers struct {
	// MessageReceived is called for every complete data message. A close
	// message is not delivered here; its status and description go to
	// Disconnected.
	MessageReceived func(s *Session, msg *Message)

	// Disconnected is called exactly once when the receive loop ends. err
	// is nil when the peer closed the connection with a close frame.
	Disconnected func(s *Session, info CloseInfo, err error)
}

// Session runs a receive loop over one connection, typically one accepted
// by a Listener, and dispatches what it receives to SessionHandlers.
// It is safe for concurrent use by multiple goroutines.
type Session struct {
	id       string
	conn     Conn
	handlers SessionHandlers
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSession creates a session for conn. The receive loop starts with Start.
func NewSession(conn Conn, handlers SessionHandlers, opts ...SessionOption) *Session {
	cfg := sessionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = discardLogger
	}

	return &Session{
		id:       uuid.New().String(),
		conn:     conn,
		handlers: handlers,
		logger:   cfg.logger,
		done:     make(chan struct{}),
	}
}

// ID returns the session ID.
func (s *Session) ID() string {
	return s.id
}

// Conn returns the connection served by the session.
func (s *Session) Conn() Conn {
	return s.conn
}

// Start starts the receive loop. Starting a started session is a no-op.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(ctx)
}

// Stop cancels the receive loop without waiting for it to exit. The
// connection is torn down and Disconnected is still reported.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Done returns a channel that is closed when the receive loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendBytes sends data as a binary message.
func (s *Session) SendBytes(ctx context.Context, data []byte) error {
	return SendBytes(ctx, s.conn, data)
}

// SendText sends text as a text message.
func (s *Session) SendText(ctx context.Context, text string) error {
	return SendText(ctx, s.conn, text)
}

// SendJSON sends v encoded as JSON text.
func (s *Session) SendJSON(ctx context.Context, v any) error {
	return SendJSON(ctx, s.conn, v)
}

// Close performs the closing handshake and stops the receive loop.
func (s *Session) Close(ctx context.Context, status StatusCode, description string) error {
	err := s.conn.Close(ctx, status, description)
	s.Stop()
	return err
}

func (s *Session) listen(ctx context.Context) {
	defer close(s.done)

	s.logger.Debug("session started",
		slog.String("session_id", s.id),
		slog.String("conn_id", s.conn.ID()),
	)

	for {
		msg, err := ReceiveMessage(ctx, s.conn)
		if err != nil {
			// A close status means the loop was ended by Close.
			if info, ok := s.conn.CloseStatus(); ok {
				s.disconnected(info, nil)
				return
			}
			s.disconnected(CloseInfo{Status: StatusEmpty}, err)
			return
		}

		if msg.IsClose() {
			info, _ := msg.CloseInfo()
			s.disconnected(info, nil)
			return
		}

		s.logger.Debug("received message",
			slog.String("session_id", s.id),
			slog.String("type", string(msg.Type())),
			slog.Int("bytes", len(msg.Data())),
		)

		if s.handlers.MessageReceived != nil {
			s.handlers.MessageReceived(s, msg)
		}
	}
}

func (s *Session) disconnected(info CloseInfo, err error) {
	if err != nil {
		s.conn.Abort()
	}

	s.logger.Info("session ended",
		slog.String("session_id", s.id),
		slog.Int("status", int(info.Status)),
		slog.String("description", info.Description),
		slog.Any("error", err),
	)

	if s.handlers.Disconnected != nil {
		s.handlers.Disconnected(s, info, err)
	}
}
