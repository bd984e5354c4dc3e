// Package cdp implements the CDP Client of spec §4.4: a composition of the
// WebSocket Transport (§4.3) and the JSON-RPC Correlator (§4.2) that speaks
// the Chrome DevTools Protocol to a Node inspector or browser. `Domain.event`
// frames (names containing a '.') are forwarded to subscribers; connection
// lifecycle events are forwarded upward; on disconnect the correlator is
// cleared.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mcp-funnel/funnel/internal/jsonrpc"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/metrics"
	"github.com/mcp-funnel/funnel/internal/reconnect"
	"github.com/mcp-funnel/funnel/internal/wsconn"
)

// Handlers mirror the CDP Client's public lifecycle surface.
type Handlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnError      func(error)
}

// Options configures the underlying transport and correlator.
type Options struct {
	RequestTimeout    time.Duration
	ConnectionTimeout time.Duration
	AutoReconnect     bool
	Reconnect         reconnect.Policy
}

// Client is a single CDP connection.
type Client struct {
	name     string
	transport *wsconn.Transport
	corr      *jsonrpc.Correlator
	handlers  Handlers

	mu   sync.Mutex
	subs map[string][]func(json.RawMessage)
}

// New constructs a CDP Client. name identifies the owning Debug Session in
// log lines and metrics labels.
func New(name string, handlers Handlers, opts Options) *Client {
	c := &Client{name: name, handlers: handlers, subs: make(map[string][]func(json.RawMessage))}

	c.transport = wsconn.New(name, wsconn.Handlers{
		OnConnect: func() {
			if handlers.OnConnect != nil {
				handlers.OnConnect()
			}
		},
		OnDisconnect: func(err error) {
			if c.corr != nil {
				c.corr.Close(fmt.Errorf("transport disconnected: %w", err))
			}
			if handlers.OnDisconnect != nil {
				handlers.OnDisconnect(err)
			}
		},
		OnMessage: func(data []byte) {
			var frame jsonrpc.Frame
			if err := json.Unmarshal(data, &frame); err != nil {
				logger.Warn("cdp %s: malformed frame: %v", name, err)
				return
			}
			c.dispatch(frame)
		},
		OnError: func(err error) {
			if handlers.OnError != nil {
				handlers.OnError(err)
			}
		},
	}, wsconn.Options{
		AutoReconnect:     opts.AutoReconnect,
		ConnectionTimeout: opts.ConnectionTimeout,
		Reconnect:         opts.Reconnect,
	})

	c.corr = jsonrpc.New(name, func(f jsonrpc.Frame) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return c.transport.Send(data)
	}, opts.RequestTimeout)

	return c
}

func (c *Client) dispatch(frame jsonrpc.Frame) {
	if frame.IsResponse() {
		c.corr.Deliver(frame)
		return
	}
	if frame.Method == "" {
		return
	}
	// Domain.eventName frames are forwarded to subscribers; anything else
	// (a bare request from the peer, which CDP never sends to the client
	// side) is logged and dropped.
	if !strings.Contains(frame.Method, ".") {
		logger.Warn("cdp %s: unexpected non-domain method %q", c.name, frame.Method)
		return
	}

	c.mu.Lock()
	handlers := append([]func(json.RawMessage){}, c.subs[frame.Method]...)
	c.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(frame.Params)
		}
	}
}

// Connect dials the inspector/browser WebSocket URL.
func (c *Client) Connect(url string) error {
	return c.transport.Connect(url)
}

// Disconnect closes the transport and correlator.
func (c *Client) Disconnect() error {
	c.corr.Close(fmt.Errorf("cdp client %s disconnected", c.name))
	return c.transport.Close()
}

// Send issues a CDP command and decodes its result into v (if non-nil).
func (c *Client) Send(ctx context.Context, method string, params any, v any) error {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		paramsJSON = data
	}

	start := time.Now()
	result, err := c.corr.Send(ctx, method, paramsJSON)
	metrics.RecordCDPRequest(method, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("cdp %s: %s: %w", c.name, method, err)
	}

	if v == nil || result == nil {
		return nil
	}
	if err := json.Unmarshal(result, v); err != nil {
		return fmt.Errorf("decoding result of %s: %w", method, err)
	}
	return nil
}

// On subscribes to every `Domain.eventName` event carrying the given
// method name. Returns an unsubscribe function.
func (c *Client) On(event string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	c.subs[event] = append(c.subs[event], handler)
	idx := len(c.subs[event]) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.subs[event]) {
			c.subs[event][idx] = nil
		}
	}
}

// Connected reports whether the underlying transport currently has a live
// socket.
func (c *Client) Connected() bool {
	return c.transport.IsConnected()
}
