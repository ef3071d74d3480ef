package wsplus

import (
	"bytes"
	"context"
	"encoding/json"
)

// ReceiveMessage reads fragments from conn until a message is complete.
// If conn fails before the final fragment, the partial content is dropped
// and the error is returned; a partial message is never returned.
func ReceiveMessage(ctx context.Context, conn Conn) (*Message, error) {
	var buf bytes.Buffer
	var typ MessageType

	for {
		frag, err := conn.ReceiveFragment(ctx)
		if err != nil {
			return nil, err
		}

		if frag.IsClose() {
			if buf.Len() > 0 {
				return nil, &ReceiveError{Op: "assemble", Err: ErrIncompleteMessage}
			}
			return NewMessage(MessageClose, nil, frag.Close), nil
		}

		if typ == "" {
			typ = frag.Type
		}
		buf.Write(frag.Data)

		if frag.Final {
			return NewMessage(typ, buf.Bytes(), nil), nil
		}
	}
}

// SendBytes sends data as a single binary message.
func SendBytes(ctx context.Context, conn Conn, data []byte) error {
	return send(ctx, conn, data, MessageBinary)
}

// SendText sends s as a single UTF-8 text message.
func SendText(ctx context.Context, conn Conn, s string) error {
	return send(ctx, conn, []byte(s), MessageText)
}

// SendJSON encodes v as JSON and sends it as a text message.
func SendJSON(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &SendError{Op: "marshal", Err: err}
	}
	return send(ctx, conn, data, MessageText)
}

// Send sends payload as one message: []byte as binary, string and
// json.RawMessage as text, anything else as JSON text.
func Send(ctx context.Context, conn Conn, payload any) error {
	switch p := payload.(type) {
	case []byte:
		return SendBytes(ctx, conn, p)
	case string:
		return SendText(ctx, conn, p)
	case json.RawMessage:
		return send(ctx, conn, p, MessageText)
	default:
		return SendJSON(ctx, conn, p)
	}
}

func send(ctx context.Context, conn Conn, data []byte, typ MessageType) error {
	return conn.Send(ctx, data, typ, true)
}
