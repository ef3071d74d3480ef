package wsplus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	// DefaultFragmentSize is the largest fragment returned by ReceiveFragment.
	DefaultFragmentSize = 2048

	// DefaultReadLimit is the largest message a connection accepts.
	DefaultReadLimit = 32 * 1024 * 1024 // 32MB
)

// Conn is one live WebSocket connection, client or server side.
// Implementations must be safe for one concurrent sender and one
// concurrent receiver.
//
// Once a Conn is closed or has failed, every further operation returns
// ErrClosed without blocking.
type Conn interface {
	// ID identifies the connection for its whole lifetime.
	ID() string

	// State returns a snapshot of the connection state.
	State() State

	// CloseStatus returns the status of the last close seen on the
	// connection, sent or received.
	CloseStatus() (CloseInfo, bool)

	// Send writes one fragment. A message is complete once a fragment
	// with final set has been sent; fragments of one message must not be
	// interleaved with other sends.
	Send(ctx context.Context, data []byte, typ MessageType, final bool) error

	// ReceiveFragment reads the next fragment. A close from the peer is
	// returned as a MessageClose fragment, not as an error.
	ReceiveFragment(ctx context.Context) (Fragment, error)

	// Close performs the closing handshake.
	Close(ctx context.Context, status StatusCode, description string) error

	// Abort tears the connection down without a closing handshake.
	Abort()
}

// Dialer opens client connections. A returned Conn is ready for use.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, url string) (Conn, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (Conn, error) {
	return f(ctx, url)
}

// DialOptions configures WebSocket connections. The same options are
// applied to every connection a client opens, including reconnections.
type DialOptions struct {
	// HTTPHeader specifies additional HTTP headers to send during handshake.
	HTTPHeader http.Header

	// HTTPClient is the HTTP client used for the handshake. Use its
	// transport to configure proxies and client certificates, and its jar
	// for cookies. If nil, http.DefaultClient is used.
	HTTPClient *http.Client

	// Subprotocols lists the subprotocols to negotiate.
	Subprotocols []string

	// KeepAliveInterval enables pings at the given interval when positive.
	KeepAliveInterval time.Duration

	// FragmentSize bounds the size of received fragments.
	// Defaults to DefaultFragmentSize.
	FragmentSize int

	// ReadLimit bounds the size of received messages.
	// Defaults to DefaultReadLimit.
	ReadLimit int64

	// Logger receives connection diagnostics. If nil, nothing is logged.
	Logger *slog.Logger
}

// Dial connects to a WebSocket server and returns a ready Conn.
func Dial(ctx context.Context, url string, opts *DialOptions) (Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	dialOpts := &websocket.DialOptions{
		HTTPClient:   opts.HTTPClient,
		Subprotocols: opts.Subprotocols,
	}
	if opts.HTTPHeader != nil {
		dialOpts.HTTPHeader = opts.HTTPHeader.Clone()
	}

	conn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, &ConnectionError{Op: "dial", URL: url, Err: err}
	}

	return newWSConn(conn, url, opts), nil
}

// NewDialer returns a Dialer that calls Dial with opts.
func NewDialer(opts *DialOptions) Dialer {
	return DialerFunc(func(ctx context.Context, url string) (Conn, error) {
		return Dial(ctx, url, opts)
	})
}

// wsConn implements Conn over github.com/coder/websocket.
type wsConn struct {
	id           string
	url          string
	conn         *websocket.Conn
	fragmentSize int
	logger       *slog.Logger

	// Receive side, owned by the single receiving goroutine.
	reader  io.Reader
	readTyp MessageType

	wmu    sync.Mutex
	writer io.WriteCloser

	mu        sync.Mutex
	state     State
	closeInfo *CloseInfo

	stopKeepAlive context.CancelFunc
	wg            sync.WaitGroup
}

func newWSConn(conn *websocket.Conn, url string, opts *DialOptions) *wsConn {
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = DefaultReadLimit
	}
	conn.SetReadLimit(readLimit)

	fragmentSize := opts.FragmentSize
	if fragmentSize <= 0 {
		fragmentSize = DefaultFragmentSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = discardLogger
	}

	c := &wsConn{
		id:           uuid.New().String(),
		url:          url,
		conn:         conn,
		fragmentSize: fragmentSize,
		logger:       logger,
		state:        StateConnected,
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stopKeepAlive = cancel
	if opts.KeepAliveInterval > 0 {
		c.wg.Add(1)
		go c.keepAlive(ctx, opts.KeepAliveInterval)
	}

	return c
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *wsConn) CloseStatus() (CloseInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeInfo == nil {
		return CloseInfo{}, false
	}
	return *c.closeInfo, true
}

// Send sends one fragment to the peer. The context of the first fragment
// of a message bounds the whole message.
func (c *wsConn) Send(ctx context.Context, data []byte, typ MessageType, final bool) error {
	if c.State() != StateConnected {
		return ErrClosed
	}

	wireTyp, err := toWireType(typ)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if final && c.writer == nil {
		if err := c.conn.Write(ctx, wireTyp, data); err != nil {
			return c.fail(ctx, "write", err)
		}
		return nil
	}

	if c.writer == nil {
		w, err := c.conn.Writer(ctx, wireTyp)
		if err != nil {
			return c.fail(ctx, "write", err)
		}
		c.writer = w
	}

	if len(data) > 0 {
		if _, err := c.writer.Write(data); err != nil {
			c.writer = nil
			return c.fail(ctx, "write", err)
		}
	}

	if final {
		w := c.writer
		c.writer = nil
		if err := w.Close(); err != nil {
			return c.fail(ctx, "write", err)
		}
	}

	return nil
}

// ReceiveFragment reads up to fragmentSize bytes of the current message.
func (c *wsConn) ReceiveFragment(ctx context.Context) (Fragment, error) {
	if c.State() == StateDisconnected {
		return Fragment{}, ErrClosed
	}

	if c.reader == nil {
		typ, r, err := c.conn.Reader(ctx)
		if err != nil {
			if info, ok := closeInfoOf(err); ok {
				c.markClosed(&info)
				return Fragment{Type: MessageClose, Final: true, Close: &info}, nil
			}
			return Fragment{}, c.fail(ctx, "read", err)
		}
		c.reader = r
		c.readTyp = fromWireType(typ)
	}

	buf := make([]byte, c.fragmentSize)
	n, err := io.ReadFull(c.reader, buf)
	switch {
	case err == nil:
		return Fragment{Data: buf[:n], Type: c.readTyp}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.reader = nil
		return Fragment{Data: buf[:n], Type: c.readTyp, Final: true}, nil
	default:
		c.reader = nil
		return Fragment{}, c.fail(ctx, "read", err)
	}
}

// Close sends a close frame and waits for the peer to acknowledge it, or
// for ctx to expire.
func (c *wsConn) Close(ctx context.Context, status StatusCode, description string) error {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.mu.Unlock()

	c.stopKeepAlive()

	done := make(chan error, 1)
	go func() {
		done <- c.conn.Close(websocket.StatusCode(status), description)
	}()

	select {
	case err := <-done:
		c.markClosed(&CloseInfo{Status: status, Description: description})
		c.wg.Wait()
		if err != nil && !isClosedErr(err) {
			return &ConnectionError{Op: "close", URL: c.url, Err: err}
		}
		return nil
	case <-ctx.Done():
		c.conn.CloseNow()
		c.markClosed(&CloseInfo{Status: status, Description: description})
		return ctx.Err()
	}
}

func (c *wsConn) Abort() {
	c.stopKeepAlive()
	c.conn.CloseNow()
	c.markClosed(nil)
}

// fail retires the connection after an I/O error.
func (c *wsConn) fail(ctx context.Context, op string, err error) error {
	c.mu.Lock()
	retired := c.state == StateDisconnected
	c.mu.Unlock()

	c.Abort()

	if retired {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	c.logger.Debug("connection failed",
		slog.String("conn_id", c.id),
		slog.String("op", op),
		slog.Any("error", err),
	)
	return &ConnectionError{Op: op, URL: c.url, Err: err}
}

func (c *wsConn) markClosed(info *CloseInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateDisconnected
	if info != nil && c.closeInfo == nil {
		c.closeInfo = info
	}
}

func (c *wsConn) keepAlive(ctx context.Context, interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, interval)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.logger.Debug("keep-alive ping failed",
					slog.String("conn_id", c.id),
					slog.Any("error", err),
				)
			}
		}
	}
}

func toWireType(typ MessageType) (websocket.MessageType, error) {
	switch typ {
	case MessageText:
		return websocket.MessageText, nil
	case MessageBinary:
		return websocket.MessageBinary, nil
	default:
		return 0, &SendError{Op: "frame", Err: errors.New("unsupported message type " + string(typ))}
	}
}

func fromWireType(typ websocket.MessageType) MessageType {
	if typ == websocket.MessageText {
		return MessageText
	}
	return MessageBinary
}

func closeInfoOf(err error) (CloseInfo, bool) {
	var ce websocket.CloseError
	if !errors.As(err, &ce) {
		return CloseInfo{}, false
	}
	return CloseInfo{Status: StatusCode(ce.Code), Description: ce.Reason}, true
}

func isClosedErr(err error) bool {
	if websocket.CloseStatus(err) != -1 {
		return true
	}
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF)
}
