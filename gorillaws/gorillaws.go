// Package gorillaws provides a wsplus transport backed by
// github.com/gorilla/websocket.
//
// Use Dialer with wsplus.WithDialer on the client side, and Upgrader with
// wsplus.WithUpgrader on the listener side:
//
//	client := wsplus.NewClient(url, wsplus.WithDialer(&gorillaws.Dialer{}))
//	listener := wsplus.NewListener(addr, wsplus.WithUpgrader(&gorillaws.Upgrader{}))
//
// Connections behave like the default backend: messages are received in
// fragments of at most Options.FragmentSize bytes, and a peer close is
// reported as a close fragment. Context cancellation is mapped to read and
// write deadlines; an interrupted read or write tears the connection down.
package gorillaws

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/chrisboulton/wsplus-go"
)

// Options configures connections created by this package.
type Options struct {
	// FragmentSize is the maximum size of a received fragment.
	// Default: wsplus.DefaultFragmentSize.
	FragmentSize int

	// ReadLimit is the maximum size of a received message.
	// Default: wsplus.DefaultReadLimit.
	ReadLimit int64

	// Logger receives debug output for connection failures.
	Logger *slog.Logger
}

// Dialer implements wsplus.Dialer.
type Dialer struct {
	// Dialer is the underlying gorilla dialer. Nil means
	// websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Header is sent with every handshake request.
	Header http.Header

	Options Options
}

var _ wsplus.Dialer = (*Dialer)(nil)

// Dial opens a connection to url. The returned connection is ready.
func (d *Dialer) Dial(ctx context.Context, url string) (wsplus.Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &wsplus.ConnectionError{Op: "dial", URL: url, Err: err}
	}
	return newConn(ws, url, d.Options), nil
}

// Upgrader implements wsplus.Upgrader.
type Upgrader struct {
	// Upgrader is the underlying gorilla upgrader. Its zero value only
	// accepts same-origin requests.
	Upgrader websocket.Upgrader

	Options Options
}

var _ wsplus.Upgrader = (*Upgrader)(nil)

// Upgrade completes the handshake. On failure gorilla has already written
// an HTTP error response.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (wsplus.Conn, error) {
	ws, err := u.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, &wsplus.ConnectionError{Op: "accept", URL: r.URL.String(), Err: err}
	}
	return newConn(ws, r.RemoteAddr, u.Options), nil
}
