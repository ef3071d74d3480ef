package gorillaws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/chrisboulton/wsplus-go"
)

// closeTimeout bounds the wait for the peer to answer a close frame.
const closeTimeout = 5 * time.Second

// conn implements wsplus.Conn over a gorilla/websocket connection.
type conn struct {
	id           string
	url          string
	ws           *websocket.Conn
	fragmentSize int
	logger       *slog.Logger

	// readSem is held by whoever is reading from ws.
	readSem chan struct{}
	reader  io.Reader
	readTyp wsplus.MessageType

	peerClosed chan struct{}
	peerOnce   sync.Once

	wmu    sync.Mutex
	writer io.WriteCloser

	mu        sync.Mutex
	state     wsplus.State
	closeInfo *wsplus.CloseInfo
}

func newConn(ws *websocket.Conn, url string, opts Options) *conn {
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = wsplus.DefaultReadLimit
	}
	ws.SetReadLimit(readLimit)

	fragmentSize := opts.FragmentSize
	if fragmentSize <= 0 {
		fragmentSize = wsplus.DefaultFragmentSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &conn{
		id:           uuid.New().String(),
		url:          url,
		ws:           ws,
		fragmentSize: fragmentSize,
		logger:       logger,
		readSem:      make(chan struct{}, 1),
		peerClosed:   make(chan struct{}),
		state:        wsplus.StateConnected,
	}
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) State() wsplus.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) CloseStatus() (wsplus.CloseInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeInfo == nil {
		return wsplus.CloseInfo{}, false
	}
	return *c.closeInfo, true
}

func (c *conn) Send(ctx context.Context, data []byte, typ wsplus.MessageType, final bool) error {
	if c.State() != wsplus.StateConnected {
		return wsplus.ErrClosed
	}

	wireTyp, err := toWireType(typ)
	if err != nil {
		return err
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := c.bindWriteDeadline(ctx)
	defer stop()

	if final && c.writer == nil {
		if err := c.ws.WriteMessage(wireTyp, data); err != nil {
			return c.fail(ctx, "write", err)
		}
		return nil
	}

	if c.writer == nil {
		w, err := c.ws.NextWriter(wireTyp)
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

func (c *conn) ReceiveFragment(ctx context.Context) (wsplus.Fragment, error) {
	if c.State() == wsplus.StateDisconnected {
		return wsplus.Fragment{}, wsplus.ErrClosed
	}

	select {
	case c.readSem <- struct{}{}:
	case <-ctx.Done():
		return wsplus.Fragment{}, ctx.Err()
	}
	defer func() { <-c.readSem }()

	stop := c.bindReadDeadline(ctx)
	defer stop()

	if c.reader == nil {
		typ, r, err := c.ws.NextReader()
		if err != nil {
			if info, ok := closeInfoOf(err); ok {
				c.peerClose(&info)
				return wsplus.Fragment{Type: wsplus.MessageClose, Final: true, Close: &info}, nil
			}
			return wsplus.Fragment{}, c.fail(ctx, "read", err)
		}
		c.reader = r
		c.readTyp = fromWireType(typ)
	}

	buf := make([]byte, c.fragmentSize)
	n, err := io.ReadFull(c.reader, buf)
	switch {
	case err == nil:
		return wsplus.Fragment{Data: buf[:n], Type: c.readTyp}, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		c.reader = nil
		return wsplus.Fragment{Data: buf[:n], Type: c.readTyp, Final: true}, nil
	default:
		c.reader = nil
		return wsplus.Fragment{}, c.fail(ctx, "read", err)
	}
}

// Close writes a close frame and waits for the peer's answer. If no
// receive is in progress, Close reads the answer itself.
func (c *conn) Close(ctx context.Context, status wsplus.StatusCode, description string) error {
	c.mu.Lock()
	if c.state != wsplus.StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = wsplus.StateClosing
	c.closeInfo = &wsplus.CloseInfo{Status: status, Description: description}
	c.mu.Unlock()

	deadline := time.Now().Add(closeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	msg := websocket.FormatCloseMessage(int(status), description)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		c.Abort()
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return &wsplus.ConnectionError{Op: "close", URL: c.url, Err: err}
	}

	select {
	case c.readSem <- struct{}{}:
		c.drainUntilClose(deadline)
		<-c.readSem
	default:
		timer := time.NewTimer(time.Until(deadline))
		defer timer.Stop()
		select {
		case <-c.peerClosed:
		case <-timer.C:
		case <-ctx.Done():
		}
	}

	c.Abort()
	return ctx.Err()
}

func (c *conn) Abort() {
	c.mu.Lock()
	c.state = wsplus.StateDisconnected
	c.mu.Unlock()

	c.ws.Close()
}

func (c *conn) drainUntilClose(deadline time.Time) {
	c.ws.SetReadDeadline(deadline)
	for {
		_, r, err := c.ws.NextReader()
		if err != nil {
			if info, ok := closeInfoOf(err); ok {
				c.peerClose(&info)
			}
			return
		}
		if _, err := io.Copy(io.Discard, r); err != nil {
			return
		}
	}
}

func (c *conn) peerClose(info *wsplus.CloseInfo) {
	c.mu.Lock()
	c.state = wsplus.StateDisconnected
	if c.closeInfo == nil {
		c.closeInfo = info
	}
	c.mu.Unlock()

	c.peerOnce.Do(func() { close(c.peerClosed) })
}

func (c *conn) fail(ctx context.Context, op string, err error) error {
	c.mu.Lock()
	retired := c.state == wsplus.StateDisconnected
	c.mu.Unlock()

	c.Abort()

	if retired {
		return wsplus.ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	// The socket deadline can fire just before the context timer.
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}

	c.logger.Debug("connection failed",
		slog.String("conn_id", c.id),
		slog.String("op", op),
		slog.Any("error", err),
	)
	return &wsplus.ConnectionError{Op: op, URL: c.url, Err: err}
}

// bindReadDeadline applies the deadline of ctx to reads and interrupts
// them when ctx is cancelled.
func (c *conn) bindReadDeadline(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		c.ws.SetReadDeadline(d)
	} else {
		c.ws.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetReadDeadline(time.Now())
	})
	return func() { stop() }
}

func (c *conn) bindWriteDeadline(ctx context.Context) func() {
	if d, ok := ctx.Deadline(); ok {
		c.ws.SetWriteDeadline(d)
	} else {
		c.ws.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.ws.SetWriteDeadline(time.Now())
	})
	return func() { stop() }
}

func toWireType(typ wsplus.MessageType) (int, error) {
	switch typ {
	case wsplus.MessageText:
		return websocket.TextMessage, nil
	case wsplus.MessageBinary:
		return websocket.BinaryMessage, nil
	default:
		return 0, &wsplus.SendError{Op: "frame", Err: errors.New("unsupported message type " + string(typ))}
	}
}

func fromWireType(typ int) wsplus.MessageType {
	if typ == websocket.TextMessage {
		return wsplus.MessageText
	}
	return wsplus.MessageBinary
}

func closeInfoOf(err error) (wsplus.CloseInfo, bool) {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return wsplus.CloseInfo{}, false
	}
	return wsplus.CloseInfo{Status: wsplus.StatusCode(ce.Code), Description: ce.Text}, true
}
