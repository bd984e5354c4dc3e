// Package wsconn implements the WebSocket Transport of spec §4.3: dials a
// ws/wss URL, sends frames, and surfaces connect/disconnect/message/error
// lifecycle callbacks, with reconnection delegated to
// internal/reconnect.Manager. Used beneath the CDP Client (§4.4) for the
// inspector/browser WebSocket; the Target Server Connection (§4.8) does not
// use it for remote transports.
package wsconn

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/reconnect"
)

// Handlers are the observable events of spec §4.3. Any of them may be nil.
type Handlers struct {
	OnConnect      func()
	OnDisconnect   func(err error)
	OnReconnecting func(attempt int, delay time.Duration)
	OnReconnected  func()
	OnMessage      func([]byte)
	OnError        func(error)
}

// Options configures connection and reconnection behavior.
type Options struct {
	AutoReconnect     bool
	ConnectionTimeout time.Duration
	Reconnect         reconnect.Policy
}

// Transport is a single logical WebSocket connection with an attached
// reconnection policy.
type Transport struct {
	name     string
	url      string
	handlers Handlers
	opts     Options

	mu         sync.Mutex
	conn       *websocket.Conn
	closing    bool
	connected  bool
	reconnMgr  *reconnect.Manager
	writeMu    sync.Mutex
}

// New constructs a Transport. name identifies the owner (server name or
// session ID) in log lines.
func New(name string, handlers Handlers, opts Options) *Transport {
	t := &Transport{name: name, handlers: handlers, opts: opts}
	t.reconnMgr = reconnect.New(name, opts.Reconnect,
		func(attempt int, delay time.Duration) {
			if t.handlers.OnReconnecting != nil {
				t.handlers.OnReconnecting(attempt, delay)
			}
		},
		func() {
			logger.Warn("wsconn %s: reconnection attempts exhausted", t.name)
		},
	)
	return t
}

func validateScheme(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", rawURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid URL scheme %q: only ws/wss are allowed", u.Scheme)
	}
	return nil
}

// Connect dials url, failing the attempt if it doesn't complete within
// ConnectionTimeout. On success, starts the read loop and fires OnConnect.
func (t *Transport) Connect(rawURL string) error {
	if err := validateScheme(rawURL); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeoutOrDefault(t.opts.ConnectionTimeout))
	defer cancel()

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if t.handlers.OnError != nil {
			t.handlers.OnError(err)
		}
		return fmt.Errorf("connecting to %s: %w", rawURL, err)
	}

	t.mu.Lock()
	t.url = rawURL
	t.conn = conn
	t.connected = true
	t.closing = false
	t.mu.Unlock()

	if t.handlers.OnConnect != nil {
		t.handlers.OnConnect()
	}

	go t.readLoop(conn)
	return nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.handleDisconnect(err)
			return
		}
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(data)
		}
	}
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	wasClosing := t.closing
	t.connected = false
	lastURL := t.url
	t.mu.Unlock()

	if t.handlers.OnDisconnect != nil {
		t.handlers.OnDisconnect(err)
	}

	if wasClosing || !t.opts.AutoReconnect {
		return
	}

	t.reconnMgr.Schedule(func() error {
		dialErr := t.Connect(lastURL)
		if dialErr == nil && t.handlers.OnReconnected != nil {
			t.handlers.OnReconnected()
		}
		return dialErr
	})
}

// Send writes a text message. Returns an error immediately if not
// currently connected, matching spec §4.3's "send on closed → immediate
// error."
func (t *Transport) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return fmt.Errorf("send on closed transport %s", t.name)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing to %s: %w", t.name, err)
	}
	return nil
}

// Close disables auto-reconnect for the remainder of the close sequence,
// cancels any pending reconnection plan, and closes the underlying
// connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.connected = false
	t.mu.Unlock()

	t.reconnMgr.Close()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// IsConnected reports whether the transport currently has a live socket.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
