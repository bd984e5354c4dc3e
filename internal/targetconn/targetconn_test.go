package targetconn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-funnel/funnel/internal/config"
)

// fakeChildServer starts a real mcp.Server exposed over streamable HTTP,
// standing in for a child MCP server reachable by remote transport — the
// same harness used by the corpus's own streamable-transport integration
// test (spin up a real SDK server, connect a real SDK client against it).
func fakeChildServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "fixture-child", Version: "1.0.0"}, nil)
	server.AddTool(&mcp.Tool{Name: "echo", Description: "echoes its input"},
		func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "echoed"}},
			}, nil
		})

	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return server }, nil)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func remoteSpec(name, url string) config.ServerSpec {
	return config.ServerSpec{
		Name: name,
		Transport: &config.ServerTransport{
			Kind:   config.TransportSSE,
			Remote: &config.RemoteTransport{URL: url},
		},
	}
}

func noopPolicy() config.ReconnectPolicy {
	return config.ReconnectPolicy{Enabled: false}
}

func TestConnectDiscoversTools(t *testing.T) {
	ts := fakeChildServer(t)

	conn := New(remoteSpec("fixture", ts.URL), noopPolicy(), Handlers{})
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if conn.State() != StateConnected {
		t.Fatalf("State() = %v, want StateConnected", conn.State())
	}
	tools := conn.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("Tools() = %+v, want a single echo tool", tools)
	}
}

func TestCallToolStripsServerPrefix(t *testing.T) {
	ts := fakeChildServer(t)

	conn := New(remoteSpec("fixture", ts.URL), noopPolicy(), Handlers{})
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	result, err := conn.CallTool(context.Background(), "fixture__echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if len(result.Content) == 0 {
		t.Fatal("CallTool() returned no content")
	}
}

func TestCallToolWhenDisconnectedReturnsStateViolation(t *testing.T) {
	conn := New(remoteSpec("fixture", "http://127.0.0.1:0"), noopPolicy(), Handlers{})
	defer conn.Close()

	_, err := conn.CallTool(context.Background(), "fixture__echo", nil)
	if err == nil {
		t.Fatal("expected an error calling a tool on a disconnected connection")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	ts := fakeChildServer(t)
	policy := config.ReconnectPolicy{Enabled: true, MaxAttempts: 5, InitialDelayMs: 50, BackoffMultiplier: 2, MaxDelayMs: 1000}

	connected := make(chan struct{}, 1)
	conn := New(remoteSpec("fixture", ts.URL), policy, Handlers{
		OnConnected: func() {
			select {
			case connected <- struct{}{}:
			default:
			}
		},
	})
	defer conn.Close()

	if err := conn.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial connect")
	}

	if err := conn.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if conn.State() != StateDisconnected {
		t.Fatalf("State() after Disconnect() = %v, want StateDisconnected", conn.State())
	}
}
