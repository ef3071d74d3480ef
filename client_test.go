package wsplus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeResult is one scripted ReceiveFragment outcome.
type fakeResult struct {
	frag Fragment
	err  error
}

// sentFrame records one Send call.
type sentFrame struct {
	data  []byte
	typ   MessageType
	final bool
}

// fakeConn implements Conn for testing.
type fakeConn struct {
	id      string
	results chan fakeResult

	mu         sync.Mutex
	state      State
	closeInfo  *CloseInfo
	sent       []sentFrame
	sendErr    error
	closeCalls int
	aborts     int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		id:      uuid.New().String(),
		results: make(chan fakeResult, 100),
		state:   StateConnected,
		done:    make(chan struct{}),
	}
}

func (f *fakeConn) ID() string {
	return f.id
}

func (f *fakeConn) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConn) CloseStatus() (CloseInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeInfo == nil {
		return CloseInfo{}, false
	}
	return *f.closeInfo, true
}

func (f *fakeConn) Send(ctx context.Context, data []byte, typ MessageType, final bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateConnected {
		return ErrClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{data: append([]byte(nil), data...), typ: typ, final: final})
	return nil
}

func (f *fakeConn) ReceiveFragment(ctx context.Context) (Fragment, error) {
	if f.State() == StateDisconnected {
		return Fragment{}, ErrClosed
	}
	select {
	case res := <-f.results:
		if res.frag.IsClose() {
			f.retire(res.frag.Close)
		}
		return res.frag, res.err
	case <-f.done:
		return Fragment{}, ErrClosed
	case <-ctx.Done():
		return Fragment{}, ctx.Err()
	}
}

func (f *fakeConn) Close(ctx context.Context, status StatusCode, description string) error {
	f.mu.Lock()
	f.closeCalls++
	f.mu.Unlock()

	f.retire(&CloseInfo{Status: status, Description: description})
	return nil
}

func (f *fakeConn) Abort() {
	f.mu.Lock()
	f.aborts++
	f.mu.Unlock()

	f.retire(nil)
}

func (f *fakeConn) retire(info *CloseInfo) {
	f.mu.Lock()
	f.state = StateDisconnected
	if info != nil && f.closeInfo == nil {
		f.closeInfo = info
	}
	f.mu.Unlock()

	f.doneOnce.Do(func() { close(f.done) })
}

func (f *fakeConn) push(data string, typ MessageType, final bool) {
	f.results <- fakeResult{frag: Fragment{Data: []byte(data), Type: typ, Final: final}}
}

func (f *fakeConn) pushClose(status StatusCode, description string) {
	info := &CloseInfo{Status: status, Description: description}
	f.results <- fakeResult{frag: Fragment{Type: MessageClose, Final: true, Close: info}}
}

func (f *fakeConn) pushErr(err error) {
	f.results <- fakeResult{err: err}
}

func (f *fakeConn) getSent() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

var errRefused = errors.New("connection refused")

// fakeDialer implements Dialer for testing. The first failures dials fail
// with errRefused; a non-nil block holds every dial until it is closed.
type fakeDialer struct {
	failures int
	block    chan struct{}

	mu    sync.Mutex
	dials int
	conns []*fakeConn

	dialed chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{
		failures: failures,
		dialed:   make(chan *fakeConn, 100),
	}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	d.mu.Unlock()

	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if n <= d.failures {
		return nil, &ConnectionError{Op: "dial", URL: url, Err: errRefused}
	}

	conn := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()
	d.dialed <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// waitConn waits for the next successfully dialed connection.
func (d *fakeDialer) waitConn(t *testing.T, timeout time.Duration) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.dialed:
		return conn
	case <-time.After(timeout):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// waitFor polls cond until it holds or timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}

func newTestClient(d Dialer, opts ...ClientOption) *Client {
	opts = append([]ClientOption{
		WithDialer(d),
		WithReconnectInterval(time.Millisecond),
	}, opts...)
	return NewClient("ws://test.invalid/ws", opts...)
}

func TestClient_Connect(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer)
	defer client.Abort()

	if client.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", client.State())
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if client.State() != StateConnected {
		t.Errorf("State() = %s, want connected", client.State())
	}
	conn := dialer.waitConn(t, time.Second)
	if client.ID() != conn.ID() {
		t.Errorf("ID() = %s, want %s", client.ID(), conn.ID())
	}
	if client.URL() != "ws://test.invalid/ws" {
		t.Errorf("URL() = %s", client.URL())
	}
}

func TestClient_ConnectSingleFlight(t *testing.T) {
	dialer := newFakeDialer(0)
	dialer.block = make(chan struct{})
	client := newTestClient(dialer)
	defer client.Abort()

	const callers = 10
	errs := make(chan error, callers)
	for range callers {
		go func() {
			errs <- client.Connect(context.Background())
		}()
	}

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })
	if client.State() != StateConnecting {
		t.Errorf("State() = %s, want connecting", client.State())
	}
	close(dialer.block)

	for range callers {
		if err := <-errs; err != nil {
			t.Errorf("Connect error: %v", err)
		}
	}

	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestClient_ConnectWhenConnected(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer)
	defer client.Abort()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("second Connect error: %v", err)
	}

	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestClient_ReconnectDisabledIsTerminal(t *testing.T) {
	dialer := newFakeDialer(1000)
	client := newTestClient(dialer, WithReconnect(false))
	defer client.Abort()

	err := client.Connect(context.Background())
	if !errors.Is(err, errRefused) {
		t.Fatalf("Connect error = %v, want %v", err, errRefused)
	}

	var connErr *ConnectionError
	if !errors.As(err, &connErr) {
		t.Errorf("error should be a ConnectionError, got %T", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", client.State())
	}
}

func TestClient_ReconnectUntilSuccess(t *testing.T) {
	dialer := newFakeDialer(3)
	client := newTestClient(dialer)
	defer client.Abort()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if n := dialer.dialCount(); n != 4 {
		t.Errorf("dials = %d, want 4", n)
	}
	if client.State() != StateConnected {
		t.Errorf("State() = %s, want connected", client.State())
	}
}

func TestClient_ReconnectWaitsInterval(t *testing.T) {
	dialer := newFakeDialer(3)
	client := newTestClient(dialer, WithReconnectInterval(20*time.Millisecond))
	defer client.Abort()

	start := time.Now()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect error: %v", err)
	}

	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("Connect returned after %v, want at least 60ms for 3 failures", elapsed)
	}
	if n := dialer.dialCount(); n != 4 {
		t.Errorf("dials = %d, want 4", n)
	}
}

func TestClient_ConnectCallerCancelled(t *testing.T) {
	dialer := newFakeDialer(0)
	dialer.block = make(chan struct{})
	client := newTestClient(dialer)
	defer client.Abort()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		errs <- client.Connect(ctx)
	}()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() == 1 })
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Connect error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after cancel")
	}

	waitFor(t, time.Second, func() bool { return client.State() == StateDisconnected })
}

func TestClient_SendBeforeConnect(t *testing.T) {
	client := newTestClient(newFakeDialer(0))
	defer client.Abort()

	err := client.SendText(context.Background(), "hello")
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText error = %v, want ErrNotConnected", err)
	}
}

func TestClient_SendAndReceive(t *testing.T) {
	dialer := newFakeDialer(0)
	var sentBytes atomic.Int64
	var received atomic.Int32
	client := newTestClient(dialer,
		WithOnSend(func(_ MessageType, n int) { sentBytes.Add(int64(n)) }),
		WithOnReceive(func(*Message) { received.Add(1) }),
	)
	defer client.Abort()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	conn := dialer.waitConn(t, time.Second)

	if err := client.SendText(ctx, "ping"); err != nil {
		t.Fatalf("SendText error: %v", err)
	}
	if err := client.SendBytes(ctx, []byte{1, 2, 3}); err != nil {
		t.Fatalf("SendBytes error: %v", err)
	}

	sent := conn.getSent()
	if len(sent) != 2 {
		t.Fatalf("len(sent) = %d, want 2", len(sent))
	}
	if sent[0].typ != MessageText || string(sent[0].data) != "ping" || !sent[0].final {
		t.Errorf("sent[0] = %+v", sent[0])
	}
	if sent[1].typ != MessageBinary || len(sent[1].data) != 3 {
		t.Errorf("sent[1] = %+v", sent[1])
	}
	if sentBytes.Load() != 7 {
		t.Errorf("onSend bytes = %d, want 7", sentBytes.Load())
	}

	conn.push("pong", MessageText, true)
	msg, err := client.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if msg.Text() != "pong" {
		t.Errorf("Text() = %s, want pong", msg.Text())
	}
	if received.Load() != 1 {
		t.Errorf("onReceive calls = %d, want 1", received.Load())
	}
}

func TestClient_LiveFailureReconnects(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer)
	defer client.Abort()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	first := dialer.waitConn(t, time.Second)

	reset := errors.New("connection reset")
	first.pushErr(reset)

	if _, err := client.ReceiveMessage(ctx); !errors.Is(err, reset) {
		t.Fatalf("ReceiveMessage error = %v, want %v", err, reset)
	}

	second := dialer.waitConn(t, time.Second)
	if first.State() != StateDisconnected {
		t.Errorf("old connection State() = %s, want disconnected", first.State())
	}

	second.push("after reconnect", MessageText, true)
	msg, err := client.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage after reconnect error: %v", err)
	}
	if msg.Text() != "after reconnect" {
		t.Errorf("Text() = %s, want after reconnect", msg.Text())
	}
	if client.ID() != second.ID() {
		t.Errorf("ID() = %s, want %s", client.ID(), second.ID())
	}
}

func TestClient_SendFailureRetiresConnection(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer, WithReconnect(false))
	defer client.Abort()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	conn := dialer.waitConn(t, time.Second)

	broken := errors.New("broken pipe")
	conn.mu.Lock()
	conn.sendErr = broken
	conn.mu.Unlock()

	if err := client.SendText(ctx, "x"); !errors.Is(err, broken) {
		t.Fatalf("SendText error = %v, want %v", err, broken)
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", client.State())
	}
	if err := client.SendText(ctx, "x"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText after failure = %v, want ErrNotConnected", err)
	}
}

func TestClient_PeerCloseWithoutReconnect(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer, WithReconnect(false))
	defer client.Abort()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	conn := dialer.waitConn(t, time.Second)
	conn.pushClose(StatusGoingAway, "restart")

	msg, err := client.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage error: %v", err)
	}
	if !msg.IsClose() {
		t.Fatalf("Type() = %s, want close", msg.Type())
	}
	info, _ := msg.CloseInfo()
	if info.Status != StatusGoingAway || info.Description != "restart" {
		t.Errorf("CloseInfo() = %+v", info)
	}

	if client.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", client.State())
	}
	if _, err := client.ReceiveMessage(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReceiveMessage after close = %v, want ErrNotConnected", err)
	}
}

func TestClient_Messages(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer, WithReconnect(false))
	defer client.Abort()

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	conn := dialer.waitConn(t, time.Second)
	conn.push("one", MessageText, true)
	conn.push("tw", MessageText, false)
	conn.push("o", MessageText, true)
	conn.pushClose(StatusNormalClosure, "")

	var got []string
	for msg, err := range client.Messages(ctx) {
		if err != nil {
			t.Fatalf("Messages error: %v", err)
		}
		got = append(got, msg.Text())
	}

	if len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("messages = %v, want [one two]", got)
	}
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	dialer := newFakeDialer(0)
	client := newTestClient(dialer)

	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	conn := dialer.waitConn(t, time.Second)

	if err := client.Close(ctx, StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := client.Close(ctx, StatusNormalClosure, "bye"); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	client.Abort()

	conn.mu.Lock()
	closeCalls := conn.closeCalls
	conn.mu.Unlock()
	if closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1", closeCalls)
	}

	info, ok := client.CloseStatus()
	if !ok || info.Status != StatusNormalClosure || info.Description != "bye" {
		t.Errorf("CloseStatus() = %+v, %v", info, ok)
	}
	if client.State() != StateDisconnected {
		t.Errorf("State() = %s, want disconnected", client.State())
	}
	if client.ReconnectPolicy().Enabled {
		t.Error("reconnection should be disabled after Close")
	}

	if err := client.Connect(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if err := client.SendText(ctx, "x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SendText after Close = %v, want ErrClosed", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := dialer.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestClient_CloseStopsRetrying(t *testing.T) {
	dialer := newFakeDialer(1000)
	client := newTestClient(dialer)

	errs := make(chan error, 1)
	go func() {
		errs <- client.Connect(context.Background())
	}()

	waitFor(t, time.Second, func() bool { return dialer.dialCount() >= 3 })
	if err := client.Close(context.Background(), StatusNormalClosure, ""); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Connect error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect did not return after Close")
	}

	n := dialer.dialCount()
	time.Sleep(20 * time.Millisecond)
	if dialer.dialCount() != n {
		t.Errorf("dials grew from %d to %d after Close", n, dialer.dialCount())
	}
}

func TestClient_SetReconnectAfterClose(t *testing.T) {
	client := newTestClient(newFakeDialer(0))
	client.Abort()

	client.SetReconnectEnabled(true)
	if client.ReconnectPolicy().Enabled {
		t.Error("SetReconnectEnabled should have no effect after Abort")
	}

	client.SetReconnectInterval(time.Second)
	if client.ReconnectPolicy().Interval != time.Second {
		t.Errorf("Interval = %v, want 1s", client.ReconnectPolicy().Interval)
	}
}

func TestConnect_Failure(t *testing.T) {
	dialer := newFakeDialer(1000)

	client, err := Connect(context.Background(), "ws://test.invalid", WithDialer(dialer), WithReconnect(false))
	if err == nil {
		t.Fatal("Connect should fail")
	}
	if client != nil {
		t.Error("client should be nil on failure")
	}
}
