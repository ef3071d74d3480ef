package wsplus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/sync/singleflight"
)

const connectKey = "connect"

// ReconnectPolicy controls automatic reconnection.
type ReconnectPolicy struct {
	Enabled  bool
	Interval time.Duration
}

// connector owns the current connection of a client and drives its
// lifecycle: disconnected -> connecting -> connected -> disconnected.
//
// Only one connection attempt runs at a time; concurrent Connect calls
// share its outcome. A new connection is installed only once its handshake
// has completed, and the previous one is retired before dialing starts.
type connector struct {
	url    string
	cfg    clientConfig
	logger *slog.Logger

	// ctx bounds dials and retry waits; cancelled by Close and Abort.
	ctx    context.Context
	cancel context.CancelFunc

	flight singleflight.Group

	mu     sync.RWMutex
	conn   Conn
	state  State
	policy ReconnectPolicy
	closed bool

	// Hooks set by the facade before the first Connect.
	onConnected func(Conn)
	onError     func(error)

	// Background reconnects started after a connection was lost.
	wg sync.WaitGroup
}

func newConnector(url string, cfg clientConfig) *connector {
	ctx, cancel := context.WithCancel(context.Background())
	return &connector{
		url:    url,
		cfg:    cfg,
		logger: cfg.logger,
		ctx:    ctx,
		cancel: cancel,
		state:  StateDisconnected,
		policy: cfg.policy,
	}
}

// URL returns the server URL.
func (c *connector) URL() string {
	return c.url
}

// State returns the current connection state.
func (c *connector) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ID returns the ID of the current connection, or "" when there is none.
func (c *connector) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.ID()
}

// CloseStatus returns the close status of the most recent connection.
func (c *connector) CloseStatus() (CloseInfo, bool) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return CloseInfo{}, false
	}
	return conn.CloseStatus()
}

// ReconnectPolicy returns the current reconnection policy.
func (c *connector) ReconnectPolicy() ReconnectPolicy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

// SetReconnectEnabled enables or disables automatic reconnection. It has
// no effect once the client is closed.
func (c *connector) SetReconnectEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.policy.Enabled = enabled
	}
}

// SetReconnectInterval sets the wait between reconnection attempts. The
// new interval applies from the next failed attempt.
func (c *connector) SetReconnectInterval(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d >= 0 {
		c.policy.Interval = d
	}
}

// Connect establishes a connection, retrying while reconnection is
// enabled. If an attempt is already running, Connect waits for it instead
// of starting another. ctx bounds the wait; an attempt started by this
// call is also cancelled with it.
func (c *connector) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}

	ch := c.flight.DoChan(connectKey, func() (any, error) {
		flightCtx, cancel := context.WithCancel(c.ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		return nil, c.connectLoop(flightCtx)
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (c *connector) connectLoop(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil && c.state == StateConnected && c.conn.State() == StateConnected {
		c.mu.Unlock()
		return nil
	}
	old := c.conn
	c.conn = nil
	c.state = StateConnecting
	c.mu.Unlock()

	if old != nil {
		old.Abort()
	}

	var attempt int
	err := retry.Do(
		func() error {
			attempt++
			return c.dialOnce(ctx, attempt)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(error) bool {
			return c.ReconnectPolicy().Enabled
		}),
		retry.DelayType(func(uint, error, *retry.Config) time.Duration {
			return c.ReconnectPolicy().Interval
		}),
	)
	if err == nil {
		return nil
	}

	c.mu.Lock()
	if c.state == StateConnecting {
		c.state = StateDisconnected
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return ctxErr
	}
	return err
}

func (c *connector) dialOnce(ctx context.Context, attempt int) error {
	if c.cfg.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.handshakeTimeout)
		defer cancel()
	}

	conn, err := c.cfg.dialer.Dial(ctx, c.url)
	if err != nil {
		c.logger.Warn("connect attempt failed",
			slog.String("url", c.url),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		c.reportError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Abort()
		return retry.Unrecoverable(ErrClosed)
	}
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected",
		slog.String("url", c.url),
		slog.String("conn_id", conn.ID()),
		slog.Int("attempt", attempt),
	)

	if c.onConnected != nil {
		c.onConnected(conn)
	}
	return nil
}

// acquire returns the current connection, waiting for a reconnection in
// progress.
func (c *connector) acquire(ctx context.Context) (Conn, error) {
	c.mu.RLock()
	conn, state, closed := c.conn, c.state, c.closed
	c.mu.RUnlock()

	switch {
	case closed:
		return nil, ErrClosed
	case state == StateConnected && conn != nil:
		return conn, nil
	case state != StateConnecting:
		return nil, ErrNotConnected
	}

	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil || c.state != StateConnected {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// fail retires conn after it was lost and schedules a reconnection when
// enabled. A nil err means the peer closed the connection. Calls for a
// connection that is no longer current are ignored.
func (c *connector) fail(conn Conn, err error) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	reconnect := c.policy.Enabled
	if reconnect {
		c.state = StateConnecting
		c.wg.Add(1)
	} else {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	conn.Abort()

	c.logger.Info("connection lost",
		slog.String("url", c.url),
		slog.String("conn_id", conn.ID()),
		slog.Bool("reconnect", reconnect),
		slog.Any("error", err),
	)

	if reconnect {
		go func() {
			defer c.wg.Done()
			if err := c.Connect(c.ctx); err != nil && c.ctx.Err() == nil {
				c.logger.Warn("reconnect failed",
					slog.String("url", c.url),
					slog.Any("error", err),
				)
			}
		}()
	}
}

// Send sends one fragment on the current connection. A failed send retires
// the connection; the error is still returned to the caller.
func (c *connector) Send(ctx context.Context, data []byte, typ MessageType, final bool) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}

	if err := conn.Send(ctx, data, typ, final); err != nil {
		c.fail(conn, err)
		return err
	}

	if c.cfg.onSend != nil {
		c.cfg.onSend(typ, len(data))
	}

	c.logger.Debug("sent",
		slog.String("conn_id", conn.ID()),
		slog.String("type", string(typ)),
		slog.Int("bytes", len(data)),
		slog.Bool("final", final),
	)
	return nil
}

// ReceiveFragment reads one fragment from the current connection.
func (c *connector) ReceiveFragment(ctx context.Context) (Fragment, error) {
	conn, err := c.acquire(ctx)
	if err != nil {
		return Fragment{}, err
	}
	return c.receiveOn(ctx, conn)
}

func (c *connector) receiveOn(ctx context.Context, conn Conn) (Fragment, error) {
	frag, err := conn.ReceiveFragment(ctx)
	if err != nil {
		c.fail(conn, err)
		return Fragment{}, err
	}
	if frag.IsClose() {
		c.fail(conn, nil)
	}
	return frag, nil
}

// Close disables reconnection, cancels any connection attempt and performs
// the closing handshake on the current connection. Calling Close more
// than once is a no-op.
func (c *connector) Close(ctx context.Context, status StatusCode, description string) error {
	conn, ok := c.shutdown()
	if !ok {
		return nil
	}

	var err error
	if conn != nil {
		err = conn.Close(ctx, status, description)
	}
	c.finish()
	return err
}

// Abort disables reconnection and tears the connection down immediately.
func (c *connector) Abort() {
	conn, ok := c.shutdown()
	if !ok {
		return
	}
	if conn != nil {
		conn.Abort()
	}
	c.finish()
}

func (c *connector) shutdown() (Conn, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, false
	}
	c.closed = true
	c.policy.Enabled = false
	conn := c.conn
	if conn != nil && c.state == StateConnected {
		c.state = StateClosing
	} else {
		conn = nil
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	c.cancel()
	return conn, true
}

func (c *connector) finish() {
	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("closed", slog.String("url", c.url))
}

func (c *connector) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *connector) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}
