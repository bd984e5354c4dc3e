// Package jsonrpc implements the JSON-RPC Correlator of spec §4.2: a
// transport-agnostic request/response correlation layer shared by the CDP
// Client (§4.4) and the Target Server Connection (§4.8). The correlator
// never writes bytes itself — its owner supplies a SendFunc that hands a
// Frame to whatever transport (WebSocket, stdio pipe) it's layered over.
package jsonrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcp-funnel/funnel/internal/logger"
)

// Frame is one JSON-RPC 2.0 message: a request (Method+Params+ID), a
// response (ID+Result or ID+Error), or a notification (Method+Params, no
// ID).
type Frame struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *FrameError     `json:"error,omitempty"`
}

// FrameError is a JSON-RPC 2.0 error object.
type FrameError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsResponse reports whether the frame carries an ID and either a result or
// an error, as opposed to a bare notification.
func (f Frame) IsResponse() bool {
	return f.ID != 0 && (f.Result != nil || f.Error != nil)
}

// SendFunc transmits a request frame over whatever transport owns this
// Correlator.
type SendFunc func(Frame) error

// Correlator assigns strictly increasing integer IDs, parks awaiters keyed
// by ID, matches responses, and fans out notifications to subscribers.
type Correlator struct {
	name           string
	send           SendFunc
	requestTimeout time.Duration

	nextID int64

	mu       sync.Mutex
	pending  map[int64]chan result
	subs     map[string][]func(json.RawMessage)
	closed   bool
	closeErr error
}

type result struct {
	value json.RawMessage
	err   error
}

// New constructs a Correlator. name is used only for log lines (typically
// a server or session identifier). requestTimeout is the deadline applied
// to Send calls that don't supply their own context deadline.
func New(name string, send SendFunc, requestTimeout time.Duration) *Correlator {
	return &Correlator{
		name:           name,
		send:           send,
		requestTimeout: requestTimeout,
		pending:        make(map[int64]chan result),
		subs:           make(map[string][]func(json.RawMessage)),
	}
}

// Send issues a request and blocks until the matching response arrives, ctx
// is cancelled, or the correlator's requestTimeout elapses — whichever
// comes first. On any form of exit, the pending entry is removed: spec §8's
// invariant "exactly one of {resolve, reject, cancel} fires, and no pending
// entry remains in the correlator afterward."
func (c *Correlator) Send(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("correlator %s is closed", c.name)
		}
		return nil, err
	}

	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan result, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	frame := Frame{ID: id, Method: method, Params: params}
	if err := c.send(frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	timeoutCtx := ctx
	var cancel context.CancelFunc
	if c.requestTimeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-timeoutCtx.Done():
		c.removePending(id)
		return nil, fmt.Errorf("request %s (id=%d) timed out: %w", method, id, timeoutCtx.Err())
	}
}

func (c *Correlator) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Deliver routes an inbound frame: a response resolves or rejects its
// matching awaiter; a bare method frame fans out to subscribers. An
// unknown response ID produces a warning, never a panic or error return.
func (c *Correlator) Deliver(frame Frame) {
	if frame.IsResponse() {
		c.mu.Lock()
		ch, ok := c.pending[frame.ID]
		if ok {
			delete(c.pending, frame.ID)
		}
		c.mu.Unlock()

		if !ok {
			logger.Warn("jsonrpc %s: response for unknown id %d", c.name, frame.ID)
			return
		}

		if frame.Error != nil {
			ch <- result{err: frame.Error}
		} else {
			ch <- result{value: frame.Result}
		}
		return
	}

	if frame.Method == "" {
		logger.Warn("jsonrpc %s: frame with neither response fields nor method", c.name)
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

// Subscribe registers a handler for every notification/event frame whose
// Method matches eventName. Returns an unsubscribe function.
func (c *Correlator) Subscribe(eventName string, handler func(json.RawMessage)) func() {
	c.mu.Lock()
	c.subs[eventName] = append(c.subs[eventName], handler)
	idx := len(c.subs[eventName]) - 1
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		handlers := c.subs[eventName]
		if idx < len(handlers) {
			handlers[idx] = nil
		}
	}
}

// Close rejects all outstanding awaiters with reason and marks the
// correlator closed; further Send calls fail immediately.
func (c *Correlator) Close(reason error) {
	c.mu.Lock()
	c.closed = true
	c.closeErr = reason
	pending := c.pending
	c.pending = make(map[int64]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- result{err: reason}
	}
}
