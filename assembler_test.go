package wsplus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestReceiveMessage_Fragments(t *testing.T) {
	conn := newFakeConn()
	conn.push("hel", MessageText, false)
	conn.push("lo", MessageText, true)

	msg, err := ReceiveMessage(context.Background(), conn)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if msg.Text() != "hello" {
		t.Errorf("Text() = %s, want hello", msg.Text())
	}
	if msg.Type() != MessageText {
		t.Errorf("Type() = %s, want text", msg.Type())
	}
}

func TestReceiveMessage_EmptyFinal(t *testing.T) {
	conn := newFakeConn()
	conn.push("", MessageBinary, true)

	msg, err := ReceiveMessage(context.Background(), conn)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if msg.Type() != MessageBinary {
		t.Errorf("Type() = %s, want binary", msg.Type())
	}
	if len(msg.Data()) != 0 {
		t.Errorf("len(Data()) = %d, want 0", len(msg.Data()))
	}
}

func TestReceiveMessage_ConsecutiveMessages(t *testing.T) {
	conn := newFakeConn()
	conn.push("first", MessageText, true)
	conn.push("sec", MessageBinary, false)
	conn.push("ond", MessageBinary, true)

	ctx := context.Background()
	first, err := ReceiveMessage(ctx, conn)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	second, err := ReceiveMessage(ctx, conn)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}

	if first.Text() != "first" {
		t.Errorf("first = %s, want first", first.Text())
	}
	if second.Text() != "second" || second.Type() != MessageBinary {
		t.Errorf("second = %s (%s), want second (binary)", second.Text(), second.Type())
	}
}

func TestReceiveMessage_FailureDropsPartial(t *testing.T) {
	conn := newFakeConn()
	lost := errors.New("connection lost")
	conn.push("partial-", MessageText, false)
	conn.pushErr(lost)
	conn.push("fresh", MessageText, true)

	ctx := context.Background()
	msg, err := ReceiveMessage(ctx, conn)
	if !errors.Is(err, lost) {
		t.Fatalf("ReceiveMessage error = %v, want %v", err, lost)
	}
	if msg != nil {
		t.Errorf("msg = %v, want nil", msg)
	}

	msg, err = ReceiveMessage(ctx, conn)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if msg.Text() != "fresh" {
		t.Errorf("Text() = %s, want fresh", msg.Text())
	}
}

func TestReceiveMessage_CloseMidMessage(t *testing.T) {
	conn := newFakeConn()
	conn.push("partial", MessageText, false)
	conn.pushClose(StatusGoingAway, "")

	msg, err := ReceiveMessage(context.Background(), conn)
	if !errors.Is(err, ErrIncompleteMessage) {
		t.Fatalf("ReceiveMessage error = %v, want ErrIncompleteMessage", err)
	}
	if msg != nil {
		t.Errorf("msg = %v, want nil", msg)
	}
}

func TestReceiveMessage_Close(t *testing.T) {
	conn := newFakeConn()
	conn.pushClose(StatusPolicyViolation, "go away")

	msg, err := ReceiveMessage(context.Background(), conn)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if !msg.IsClose() {
		t.Fatalf("Type() = %s, want close", msg.Type())
	}
	info, ok := msg.CloseInfo()
	if !ok {
		t.Fatal("CloseInfo() ok = false")
	}
	if info.Status != StatusPolicyViolation || info.Description != "go away" {
		t.Errorf("CloseInfo() = %+v", info)
	}
}

func TestReceiveMessage_ContextCancelled(t *testing.T) {
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ReceiveMessage(ctx, conn); !errors.Is(err, context.Canceled) {
		t.Errorf("ReceiveMessage error = %v, want context.Canceled", err)
	}
}

func TestSend_SingleFinalFrame(t *testing.T) {
	large := strings.Repeat("x", 3*DefaultFragmentSize)

	tests := []struct {
		name     string
		payload  any
		wantTyp  MessageType
		wantData string
	}{
		{"bytes", []byte("raw"), MessageBinary, "raw"},
		{"string", "hello", MessageText, "hello"},
		{"large string", large, MessageText, large},
		{"raw json", json.RawMessage(`{"a":1}`), MessageText, `{"a":1}`},
		{"struct", greeting{Hello: "world"}, MessageText, `{"hello":"world"}`},
		{"map", map[string]int{"n": 1}, MessageText, `{"n":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := newFakeConn()
			if err := Send(context.Background(), conn, tt.payload); err != nil {
				t.Fatalf("Send error: %v", err)
			}

			sent := conn.getSent()
			if len(sent) != 1 {
				t.Fatalf("len(sent) = %d, want 1", len(sent))
			}
			if !sent[0].final {
				t.Error("final = false, want true")
			}
			if sent[0].typ != tt.wantTyp {
				t.Errorf("typ = %s, want %s", sent[0].typ, tt.wantTyp)
			}
			if string(sent[0].data) != tt.wantData {
				t.Errorf("data = %.40q, want %.40q", sent[0].data, tt.wantData)
			}
		})
	}
}

func TestSendJSON_MarshalError(t *testing.T) {
	conn := newFakeConn()

	err := SendJSON(context.Background(), conn, make(chan int))
	if err == nil {
		t.Fatal("SendJSON should fail for an unsupported value")
	}

	var sendErr *SendError
	if !errors.As(err, &sendErr) {
		t.Fatalf("error should be a SendError, got %T", err)
	}
	if sendErr.Op != "marshal" {
		t.Errorf("Op = %s, want marshal", sendErr.Op)
	}
	if len(conn.getSent()) != 0 {
		t.Error("nothing should be sent when marshalling fails")
	}
}

func TestSendText_Closed(t *testing.T) {
	conn := newFakeConn()
	conn.Abort()

	if err := SendText(context.Background(), conn, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText error = %v, want ErrClosed", err)
	}
}
