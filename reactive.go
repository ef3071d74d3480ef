package wsplus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Handlers receives ReactiveClient events. Nil handlers are skipped.
//
// All handlers run on the client's receive goroutine, except Connected and
// Error for attempts made by a Connect call, which run on the goroutine
// dialing the connection. Handlers must synchronize access to state they
// share with other goroutines, and must not call ReactiveClient.Close.
type Handlers struct {
	// Connected is called after each successful connection.
	Connected func()

	// MessageReceived is called for every complete data message. Close
	// messages are not delivered here; they end the connection and are
	// reported by Disconnected.
	MessageReceived func(*Message)

	// Disconnected is called once for every connection that ends. err is
	// nil when the connection ended with a close handshake.
	Disconnected func(info CloseInfo, err error)

	// Error is called for failed connection attempts and lost connections.
	Error func(error)
}

// ReactiveClient is a reconnecting WebSocket client that receives in the
// background and delivers events to Handlers.
//
// After Connect succeeds, a single receive goroutine runs until the client
// is closed or a connection ends while reconnection is disabled. When a
// connection ends and reconnection is enabled, the goroutine waits for the
// reconnection and resumes.
type ReactiveClient struct {
	*connector
	handlers Handlers

	loopCtx    context.Context
	loopCancel context.CancelFunc

	loopMu   sync.Mutex
	loopDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewReactiveClient creates a reactive client for the server at url.
func NewReactiveClient(url string, handlers Handlers, opts ...ClientOption) *ReactiveClient {
	cfg := newClientConfig(opts)

	r := &ReactiveClient{
		connector: newConnector(url, cfg),
		handlers:  handlers,
	}
	r.loopCtx, r.loopCancel = context.WithCancel(context.Background())

	r.connector.onConnected = func(Conn) {
		if r.handlers.Connected != nil {
			r.handlers.Connected()
		}
	}
	r.connector.onError = r.emitError

	return r
}

// Connect establishes a connection and starts the receive goroutine if it
// is not running, including after it stopped because a connection ended
// with reconnection disabled. With reconnection enabled, it retries until
// it succeeds, the client is closed, or ctx is done.
func (r *ReactiveClient) Connect(ctx context.Context) error {
	if err := r.connector.Connect(ctx); err != nil {
		return err
	}

	r.loopMu.Lock()
	defer r.loopMu.Unlock()

	if r.loopCtx.Err() != nil {
		return ErrClosed
	}
	if r.loopDone == nil || isDone(r.loopDone) {
		r.loopDone = make(chan struct{})
		go r.run(r.loopDone)
	}
	return nil
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// Running reports whether the receive goroutine is active.
func (r *ReactiveClient) Running() bool {
	r.loopMu.Lock()
	done := r.loopDone
	r.loopMu.Unlock()

	return done != nil && !isDone(done)
}

// SendBytes sends data as a binary message.
func (r *ReactiveClient) SendBytes(ctx context.Context, data []byte) error {
	return SendBytes(ctx, r.connector, data)
}

// SendText sends s as a text message.
func (r *ReactiveClient) SendText(ctx context.Context, s string) error {
	return SendText(ctx, r.connector, s)
}

// SendJSON sends v encoded as JSON text.
func (r *ReactiveClient) SendJSON(ctx context.Context, v any) error {
	return SendJSON(ctx, r.connector, v)
}

// Close disables reconnection, performs the closing handshake and waits
// for the receive goroutine to exit. Calling Close more than once is a
// no-op.
func (r *ReactiveClient) Close(ctx context.Context, status StatusCode, description string) error {
	r.closeOnce.Do(func() {
		r.closeErr = r.connector.Close(ctx, status, description)
		r.stop()
	})
	return r.closeErr
}

// Abort disables reconnection, tears the connection down and waits for
// the receive goroutine to exit.
func (r *ReactiveClient) Abort() {
	r.closeOnce.Do(func() {
		r.connector.Abort()
		r.stop()
	})
}

func (r *ReactiveClient) stop() {
	r.loopCancel()

	r.loopMu.Lock()
	done := r.loopDone
	r.loopMu.Unlock()

	if done != nil {
		<-done
	}
}

func (r *ReactiveClient) run(done chan struct{}) {
	defer close(done)

	for {
		conn, err := r.connector.acquire(r.loopCtx)
		if err != nil {
			r.logger.Debug("receive loop stopped", slog.Any("error", err))
			return
		}

		r.serve(conn)

		if r.loopCtx.Err() != nil || !r.ReconnectPolicy().Enabled {
			return
		}
	}
}

// serve dispatches messages from conn until it ends, then reports exactly
// one Disconnected event.
func (r *ReactiveClient) serve(conn Conn) {
	bound := &boundConn{Conn: conn, c: r.connector}

	for {
		msg, err := ReceiveMessage(r.loopCtx, bound)
		if err != nil {
			if r.isClosed() {
				info, ok := conn.CloseStatus()
				if !ok {
					info = CloseInfo{Status: StatusEmpty}
				}
				r.emitDisconnected(info, nil)
				return
			}
			r.emitError(err)
			r.emitDisconnected(CloseInfo{Status: StatusEmpty}, err)
			return
		}

		if msg.IsClose() {
			info, _ := msg.CloseInfo()
			r.emitDisconnected(info, nil)
			return
		}

		if r.cfg.onReceive != nil {
			r.cfg.onReceive(msg)
		}
		if r.handlers.MessageReceived != nil {
			r.handlers.MessageReceived(msg)
		}
	}
}

func (r *ReactiveClient) emitError(err error) {
	if errors.Is(err, ErrClosed) {
		return
	}
	if r.handlers.Error != nil {
		r.handlers.Error(err)
	}
}

func (r *ReactiveClient) emitDisconnected(info CloseInfo, err error) {
	r.logger.Info("disconnected",
		slog.String("url", r.url),
		slog.Int("status", int(info.Status)),
		slog.String("description", info.Description),
		slog.Any("error", err),
	)
	if r.handlers.Disconnected != nil {
		r.handlers.Disconnected(info, err)
	}
}

// boundConn pins receives to one connection while still reporting its
// failure to the connector.
type boundConn struct {
	Conn
	c *connector
}

func (b *boundConn) ReceiveFragment(ctx context.Context) (Fragment, error) {
	return b.c.receiveOn(ctx, b.Conn)
}
