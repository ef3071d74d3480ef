// Package wsplus provides reconnecting WebSocket clients, a listener and
// server-side sessions on top of an existing WebSocket implementation.
//
// The wire protocol is handled by [github.com/coder/websocket] by default
// (see the gorillaws subpackage for a gorilla/websocket backend). wsplus
// layers message reassembly, connection lifecycle, automatic reconnection
// and event dispatch on top of it.
//
// # Thread Safety
//
// [Client], [ReactiveClient], [Listener] and [Session] are safe for
// concurrent use by multiple goroutines. Sends on the same connection are
// serialized by the backend, but their relative order is only guaranteed
// when the caller serializes them. At most one goroutine should receive
// from a connection at a time.
//
// # Pull Usage
//
//	ctx := context.Background()
//
//	client := wsplus.NewClient("ws://localhost:8080/ws")
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close(ctx, wsplus.StatusNormalClosure, "")
//
//	if err := client.SendText(ctx, "hello"); err != nil {
//	    log.Fatal(err)
//	}
//
//	for msg, err := range client.Messages(ctx) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    fmt.Println(msg.Text())
//	}
//
// # Reactive Usage
//
//	client := wsplus.NewReactiveClient(url, wsplus.Handlers{
//	    Connected:       func() { log.Println("connected") },
//	    MessageReceived: func(m *wsplus.Message) { log.Println(m.Text()) },
//	    Disconnected: func(info wsplus.CloseInfo, err error) {
//	        log.Println("disconnected", info.Status, err)
//	    },
//	})
//	if err := client.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Handlers run on the client's receive goroutine. They must not block for
// long and must not call [ReactiveClient.Close].
//
// # Reconnection
//
// Both clients reconnect by default, retrying every
// [DefaultReconnectInterval]. Use [WithReconnect] and
// [WithReconnectInterval] to change the policy at construction, or the
// SetReconnect* methods between attempts. Closing or aborting a client
// disables reconnection before the connection is torn down.
//
// # Observability
//
// Use [WithLogger], [WithOnSend], and [WithOnReceive] to add logging and
// monitoring:
//
//	client := wsplus.NewClient(url,
//	    wsplus.WithLogger(slog.Default()),
//	    wsplus.WithOnSend(func(typ wsplus.MessageType, n int) {
//	        metrics.BytesSent.Add(float64(n))
//	    }),
//	)
package wsplus
