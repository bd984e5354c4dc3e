package wsconn

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcp-funnel/funnel/internal/reconnect"
)

func echoServer(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(t *testing.T, server *httptest.Server) string {
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestValidateSchemeRejectsNonWebSocket(t *testing.T) {
	tr := New("test", Handlers{}, Options{})
	err := tr.Connect("http://example.com")
	if err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected scheme validation error, got %v", err)
	}
}

func TestConnectSendMessageRoundTrip(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	connected := make(chan struct{}, 1)
	messages := make(chan []byte, 1)

	tr := New("test", Handlers{
		OnConnect: func() { connected <- struct{}{} },
		OnMessage: func(data []byte) { messages <- data },
	}, Options{ConnectionTimeout: 2 * time.Second})

	if err := tr.Connect(wsURL(t, server)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer tr.Close()

	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("OnConnect never fired")
	}

	if err := tr.Send([]byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case msg := <-messages:
		if string(msg) != "ping" {
			t.Fatalf("got message %q, want ping", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("OnMessage never fired")
	}
}

func TestSendOnClosedReturnsImmediateError(t *testing.T) {
	tr := New("test", Handlers{}, Options{})
	err := tr.Send([]byte("x"))
	if err == nil {
		t.Fatal("expected error sending on an unconnected transport")
	}
}

func TestManualCloseDisablesAutoReconnect(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	disconnected := make(chan error, 1)
	reconnecting := make(chan struct{}, 1)

	tr := New("test", Handlers{
		OnDisconnect:   func(err error) { disconnected <- err },
		OnReconnecting: func(attempt int, delay time.Duration) { reconnecting <- struct{}{} },
	}, Options{
		AutoReconnect:     true,
		ConnectionTimeout: 2 * time.Second,
		Reconnect:         reconnect.Policy{MaxAttempts: 3, InitialDelayMs: 10, BackoffMultiplier: 1, MaxDelayMs: 10},
	})

	if err := tr.Connect(wsURL(t, server)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case <-reconnecting:
		t.Fatal("manual close must not trigger a reconnection attempt")
	case <-time.After(100 * time.Millisecond):
	}
}
