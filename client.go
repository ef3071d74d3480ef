package wsplus

import (
	"context"
	"iter"
	"log/slog"
)

// Client is a reconnecting WebSocket client where the caller pulls each
// message with ReceiveMessage. It is safe for concurrent use by multiple
// goroutines, with at most one goroutine receiving at a time.
//
// Client implements Conn, so it can be passed to ReceiveMessage, Send and
// NewSession. When the connection is lost and reconnection is enabled,
// the failing call still returns its error; a new connection is dialed in
// the background and the next call waits for it.
type Client struct {
	*connector
}

// NewClient creates a client for the server at url. No connection is made
// until Connect is called.
func NewClient(url string, opts ...ClientOption) *Client {
	cfg := newClientConfig(opts)
	return &Client{connector: newConnector(url, cfg)}
}

// Connect establishes a connection to the server at url.
func Connect(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	c := NewClient(url, opts...)
	if err := c.Connect(ctx); err != nil {
		c.Abort()
		return nil, err
	}
	return c, nil
}

// ReceiveMessage waits for the next complete message. A close from the
// server is returned as a message for which IsClose reports true.
func (c *Client) ReceiveMessage(ctx context.Context) (*Message, error) {
	msg, err := ReceiveMessage(ctx, c.connector)
	if err != nil {
		return nil, err
	}

	if c.cfg.onReceive != nil {
		c.cfg.onReceive(msg)
	}

	c.logger.Debug("received message",
		slog.String("type", string(msg.Type())),
		slog.Int("bytes", len(msg.Data())),
	)
	return msg, nil
}

// Messages returns an iterator over received messages. It stops after the
// server closes the connection or after yielding an error.
func (c *Client) Messages(ctx context.Context) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			msg, err := c.ReceiveMessage(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if msg.IsClose() {
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}

// SendBytes sends data as a binary message.
func (c *Client) SendBytes(ctx context.Context, data []byte) error {
	return SendBytes(ctx, c.connector, data)
}

// SendText sends s as a text message.
func (c *Client) SendText(ctx context.Context, s string) error {
	return SendText(ctx, c.connector, s)
}

// SendJSON sends v encoded as JSON text.
func (c *Client) SendJSON(ctx context.Context, v any) error {
	return SendJSON(ctx, c.connector, v)
}
