package cdp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeInspector answers Runtime.enable with an empty result and emits a
// Debugger.paused event a moment after receiving Debugger.pause.
func fakeInspector(t *testing.T) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     int64  `json:"id"`
				Method string `json:"method"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}

			switch req.Method {
			case "Debugger.pause":
				resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": map[string]any{}})
				conn.WriteMessage(websocket.TextMessage, resp)
				go func() {
					time.Sleep(10 * time.Millisecond)
					event, _ := json.Marshal(map[string]any{
						"method": "Debugger.paused",
						"params": map[string]any{"reason": "other"},
					})
					conn.WriteMessage(websocket.TextMessage, event)
				}()
			default:
				resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": map[string]any{}})
				conn.WriteMessage(websocket.TextMessage, resp)
			}
		}
	}))
}

func inspectorWSURL(t *testing.T, server *httptest.Server) string {
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parsing server URL: %v", err)
	}
	u.Scheme = "ws"
	return u.String()
}

func TestClientSendReceivesResult(t *testing.T) {
	server := fakeInspector(t)
	defer server.Close()

	client := New("test-session", Handlers{}, Options{
		RequestTimeout:    time.Second,
		ConnectionTimeout: 2 * time.Second,
	})
	if err := client.Connect(inspectorWSURL(t, server)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()

	var result map[string]any
	if err := client.Send(context.Background(), "Runtime.enable", nil, &result); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestClientEventSubscription(t *testing.T) {
	server := fakeInspector(t)
	defer server.Close()

	client := New("test-session", Handlers{}, Options{
		RequestTimeout:    time.Second,
		ConnectionTimeout: 2 * time.Second,
	})
	if err := client.Connect(inspectorWSURL(t, server)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Disconnect()

	paused := make(chan json.RawMessage, 1)
	client.On("Debugger.paused", func(params json.RawMessage) {
		paused <- params
	})

	if err := client.Send(context.Background(), "Debugger.pause", nil, nil); err != nil {
		t.Fatalf("Send(Debugger.pause) error = %v", err)
	}

	select {
	case params := <-paused:
		var decoded map[string]any
		if err := json.Unmarshal(params, &decoded); err != nil {
			t.Fatalf("decoding paused params: %v", err)
		}
		if decoded["reason"] != "other" {
			t.Fatalf("unexpected pause reason: %v", decoded["reason"])
		}
	case <-time.After(time.Second):
		t.Fatal("Debugger.paused event never arrived")
	}
}

func TestDisconnectClearsCorrelator(t *testing.T) {
	server := fakeInspector(t)
	defer server.Close()

	client := New("test-session", Handlers{}, Options{
		RequestTimeout:    time.Second,
		ConnectionTimeout: 2 * time.Second,
	})
	if err := client.Connect(inspectorWSURL(t, server)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	if client.Connected() {
		t.Fatal("expected Connected() to be false after Disconnect")
	}

	if err := client.Send(context.Background(), "Runtime.enable", nil, nil); err == nil {
		t.Fatal("expected Send after Disconnect to fail")
	}
}
