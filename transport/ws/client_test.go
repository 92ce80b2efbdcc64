package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabcanvas/go-canvas-sync/wire"
)

// testServer is a minimal websocket endpoint collecting decoded frames.
type testServer struct {
	*httptest.Server
	received chan wire.Message

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{received: make(chan wire.Message, 64)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		defer conn.Close()
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(frame, 0)
			if err != nil {
				continue
			}
			if msg.Kind == wire.KindPing {
				_ = conn.WriteMessage(websocket.BinaryMessage, wire.Encode(wire.KindPong, nil))
				continue
			}
			ts.received <- msg
		}
	}))
	t.Cleanup(ts.Close)
	return ts
}

// CloseClientConnections shadows the embedded httptest method, which cannot
// drop upgraded websockets: httptest stops tracking a connection once the
// handler hijacks it, so the embedded call alone would be a no-op here.
func (ts *testServer) CloseClientConnections() {
	ts.mu.Lock()
	conns := ts.conns
	ts.conns = nil
	ts.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
	ts.Server.CloseClientConnections()
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func waitForEvent(t *testing.T, events <-chan Event, want Event) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %d", want)
		}
	}
}

func newTestClient(t *testing.T, url string) (*Client, chan Event) {
	t.Helper()
	client, err := NewClient(Options{
		URL:                  url,
		MaxReconnectAttempts: 3,
		BaseDelay:            10 * time.Millisecond,
		MaxDelay:             50 * time.Millisecond,
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatTimeout:     2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	events := make(chan Event, 64)
	client.OnStateChange(func(ev Event, _ Status) { events <- ev })
	t.Cleanup(client.Disconnect)
	return client, events
}

func TestClient_ConnectAndSend(t *testing.T) {
	server := newTestServer(t)
	client, events := newTestClient(t, server.wsURL())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForEvent(t, events, EventConnected)

	if !client.Send(wire.KindDelta, []byte(`{"v":1}`)) {
		t.Error("Send() while connected should report delivered")
	}

	select {
	case msg := <-server.received:
		if msg.Kind != wire.KindDelta {
			t.Errorf("server received kind %v, want delta", msg.Kind)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never received the frame")
	}

	if st := client.Status(); !st.Connected || st.State != StateConnected {
		t.Errorf("Status() = %+v, want connected", st)
	}
}

func TestClient_QueuesWhileDisconnectedAndFlushesFIFO(t *testing.T) {
	server := newTestServer(t)
	client, events := newTestClient(t, server.wsURL())

	// Three edits while offline: all queued, none delivered.
	bodies := []string{`"one"`, `"two"`, `"three"`}
	for _, body := range bodies {
		if client.Send(wire.KindDelta, []byte(body)) {
			t.Error("Send() while disconnected should report queued")
		}
	}
	if st := client.Status(); st.QueuedMessages != 3 {
		t.Fatalf("QueuedMessages = %d, want 3", st.QueuedMessages)
	}

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitForEvent(t, events, EventConnected)

	// All three are replayed in original order.
	for i, want := range bodies {
		select {
		case msg := <-server.received:
			if string(msg.Body) != want {
				t.Errorf("replayed frame %d = %s, want %s", i, msg.Body, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("frame %d never replayed", i)
		}
	}
}

func TestClient_ManualDisconnectIsTerminal(t *testing.T) {
	server := newTestServer(t)
	client, events := newTestClient(t, server.wsURL())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, EventConnected)

	client.Send(wire.KindDelta, []byte(`"x"`))
	client.Disconnect()
	waitForEvent(t, events, EventClosed)

	st := client.Status()
	if st.State != StateClosed {
		t.Errorf("State = %v, want closed", st.State)
	}
	if st.QueuedMessages != 0 {
		t.Error("manual disconnect should drop the queue")
	}

	// No reconnect events may follow a manual close.
	select {
	case ev := <-events:
		if ev == EventReconnecting || ev == EventConnected {
			t.Errorf("unexpected event %d after manual disconnect", ev)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_MaxReconnectAttemptsEscalates(t *testing.T) {
	// Nothing listens on this address; every dial fails fast.
	client, events := newTestClient(t, "ws://127.0.0.1:1/ws")

	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, EventMaxAttemptsReached)

	st := client.Status()
	if st.Connected {
		t.Error("client should not be connected")
	}
	if st.LastError == nil {
		t.Error("terminal status should carry the last error")
	}
}

func TestClient_ReconnectsAfterServerDrop(t *testing.T) {
	server := newTestServer(t)
	client, events := newTestClient(t, server.wsURL())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, EventConnected)

	// Kill every active connection; the client must come back by itself.
	server.CloseClientConnections()
	waitForEvent(t, events, EventDisconnected)
	waitForEvent(t, events, EventConnected)

	if !client.Send(wire.KindDelta, []byte(`"after"`)) {
		t.Error("Send() after automatic reconnect should deliver")
	}
}

func TestClient_ConnectFromInvalidState(t *testing.T) {
	server := newTestServer(t)
	client, events := newTestClient(t, server.wsURL())

	if err := client.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForEvent(t, events, EventConnected)

	if err := client.Connect(context.Background()); err == nil {
		t.Error("Connect() while connected should fail")
	}

	client.Disconnect()
	if err := client.Connect(context.Background()); err == nil {
		t.Error("Connect() after manual close should fail")
	}
}
