// Package targetconn implements the Target Server Connection of spec
// §4.8: owns the MCP session to one configured child server, performs its
// handshake and tool discovery, forwards tool calls, and re-dials on
// unexpected disconnect via a Reconnection Manager.
//
// Transport selection and session usage are grounded directly on the
// retrieval corpus's own downstream-connection code (a proxy's
// DownstreamConnection wrapping `mcp.NewClient`/`mcp.CommandTransport`/
// `mcp.StreamableClientTransport`), not on anything in the teacher, since
// the teacher never dials another MCP server as a client.
package targetconn

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/time/rate"

	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/funnelerr"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/metrics"
	"github.com/mcp-funnel/funnel/internal/reconnect"
)

// callRateLimit and callRateBurst rate-limit tools/call forwarding per
// connection (a token bucket; the number of calls in flight is not
// bounded), so a struggling or reconnecting child isn't hammered by a burst
// of queued calls from upstream.
const callRateLimit = 50 // requests/sec
const callRateBurst = 100

// State is the per-server connection state machine of spec §3/§4.8.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "disconnected"
	}
}

// Handlers are the observable events of spec §4.8/§4.10:
// `server.connected`, `server.disconnected(reason, retryAttempt?)`,
// `server.reconnecting(attempt, nextDelayMs)`. All are optional.
type Handlers struct {
	OnConnected    func()
	OnDisconnected func(reason error, retryAttempt int)
	OnReconnecting func(attempt int, nextDelay time.Duration)
	OnToolsChanged func(tools []*mcp.Tool)
}

// PingInterval is how often a background liveness probe is issued against
// a connected session to detect a silently dropped transport.
const PingInterval = 15 * time.Second

// ClientTimeout bounds every individual MCP request issued on the session.
const ClientTimeout = 30 * time.Second

// Connection owns one child server's MCP client session.
type Connection struct {
	spec     config.ServerSpec
	policy   config.ReconnectPolicy
	handlers Handlers

	mu            sync.RWMutex
	state         State
	stateErr      error
	client        *mcp.Client
	session       *mcp.ClientSession
	tools         []*mcp.Tool
	retryAttempt  int
	manualClosing bool

	reconnMgr *reconnect.Manager
	stopPing  chan struct{}
	limiter   *rate.Limiter
}

// New constructs a Connection for spec, not yet connected.
func New(spec config.ServerSpec, policy config.ReconnectPolicy, handlers Handlers) *Connection {
	c := &Connection{
		spec:     spec,
		policy:   policy,
		handlers: handlers,
		state:    StateDisconnected,
		limiter:  rate.NewLimiter(rate.Limit(callRateLimit), callRateBurst),
	}
	c.reconnMgr = reconnect.New(spec.Name, reconnect.Policy{
		MaxAttempts:       policy.MaxAttempts,
		InitialDelayMs:    policy.InitialDelayMs,
		BackoffMultiplier: policy.BackoffMultiplier,
		MaxDelayMs:        policy.MaxDelayMs,
	}, c.onReconnectAttempt, c.onReconnectExhausted)
	return c
}

// Name returns the server's logical name.
func (c *Connection) Name() string { return c.spec.Name }

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Tools returns the most recently discovered tool list.
func (c *Connection) Tools() []*mcp.Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*mcp.Tool{}, c.tools...)
}

func (c *Connection) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	c.stateErr = err
	c.mu.Unlock()
	metrics.RecordServerState(c.spec.Name, metrics.ServerConnectionState(s))
}

// Connect spawns/dials the child, performs the MCP handshake, and
// discovers its tools (spec §4.8 step 1).
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.manualClosing = false
	c.mu.Unlock()

	c.setState(StateConnecting, nil)

	transport, err := c.createTransport()
	if err != nil {
		werr := funnelerr.Wrap(funnelerr.Transport, c.spec.Name, "building transport", err)
		c.setState(StateError, werr)
		return werr
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "funnel", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		werr := funnelerr.Wrap(funnelerr.Transport, c.spec.Name, "connecting to child server", err)
		c.setState(StateError, werr)
		return werr
	}

	tools, err := listTools(ctx, session)
	if err != nil {
		session.Close()
		werr := funnelerr.Wrap(funnelerr.Transport, c.spec.Name, "listing tools", err)
		c.setState(StateError, werr)
		return werr
	}

	c.mu.Lock()
	c.client = client
	c.session = session
	c.tools = tools
	c.retryAttempt = 0
	c.mu.Unlock()

	c.setState(StateConnected, nil)
	c.reconnMgr.Reset()
	logger.Info("target server %s connected, %d tools discovered", c.spec.Name, len(tools))
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected()
	}
	if c.handlers.OnToolsChanged != nil {
		c.handlers.OnToolsChanged(tools)
	}

	c.startPingLoop()
	return nil
}

func listTools(ctx context.Context, session *mcp.ClientSession) ([]*mcp.Tool, error) {
	result, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *Connection) createTransport() (mcp.Transport, error) {
	kind := config.TransportStdio
	if c.spec.Transport != nil && c.spec.Transport.Kind != "" {
		kind = c.spec.Transport.Kind
	}

	switch kind {
	case config.TransportStdio:
		if c.spec.Command == "" {
			return nil, fmt.Errorf("server %s: stdio transport requires a command", c.spec.Name)
		}
		cmd := exec.Command(c.spec.Command, c.spec.Args...)
		cmd.Dir = c.spec.Cwd
		for k, v := range c.spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcp.CommandTransport{Command: cmd}, nil

	case config.TransportContainer:
		if c.spec.Transport.Container == nil {
			return nil, fmt.Errorf("server %s: container transport requires backend configuration", c.spec.Name)
		}
		return c.createContainerTransport(*c.spec.Transport.Container)

	case config.TransportSSE, config.TransportWebSocket:
		if c.spec.Transport.Remote == nil || c.spec.Transport.Remote.URL == "" {
			return nil, fmt.Errorf("server %s: remote transport requires a URL", c.spec.Name)
		}
		return &mcp.StreamableClientTransport{
			Endpoint:   c.spec.Transport.Remote.URL,
			HTTPClient: httpClientForRemote(*c.spec.Transport.Remote),
		}, nil

	default:
		return nil, fmt.Errorf("server %s: unsupported transport kind %q", c.spec.Name, kind)
	}
}

// createContainerTransport runs the child server's command inside the
// named container image via the host's container CLI, reusing the same
// `mcp.CommandTransport` pipe contract as a plain local spawn — the
// container boundary is just argv composition in front of the command,
// not a different wire protocol.
func (c *Connection) createContainerTransport(ct config.ContainerTransport) (mcp.Transport, error) {
	var cliArgs []string
	switch ct.Backend {
	case config.ContainerBackendAppleContainer:
		cliArgs = []string{"container", "run", "-i", "--rm"}
	default:
		cliArgs = []string{"docker", "run", "-i", "--rm"}
	}
	for k, v := range c.spec.Env {
		cliArgs = append(cliArgs, "-e", k+"="+v)
	}
	cliArgs = append(cliArgs, ct.Image)
	if c.spec.Command != "" {
		cliArgs = append(cliArgs, c.spec.Command)
	}
	cliArgs = append(cliArgs, c.spec.Args...)

	cmd := exec.Command(cliArgs[0], cliArgs[1:]...)
	return &mcp.CommandTransport{Command: cmd}, nil
}

// bearerRoundTripper injects a static bearer token, adapted from the
// corpus's downstream-connection HeaderRoundTripper pattern.
type bearerRoundTripper struct {
	base  http.RoundTripper
	token string
}

func (rt bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	base := rt.base
	if base == nil {
		base = http.DefaultTransport
	}
	if rt.token == "" {
		return base.RoundTrip(req)
	}
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+rt.token)
	return base.RoundTrip(cloned)
}

func httpClientForRemote(r config.RemoteTransport) *http.Client {
	client := &http.Client{Timeout: ClientTimeout}
	if r.Token != "" {
		client.Transport = bearerRoundTripper{token: r.Token}
	}
	return client
}

// CallTool forwards a `serverName__originalName` call to this connection,
// stripping the prefix (spec §4.8: "strips the `serverName__` prefix,
// forwards to the owning connection, returns the child's response
// verbatim").
func (c *Connection) CallTool(ctx context.Context, fullName string, args map[string]any) (*mcp.CallToolResult, error) {
	c.mu.RLock()
	session := c.session
	connected := c.state == StateConnected
	c.mu.RUnlock()

	if !connected || session == nil {
		return nil, funnelerr.New(funnelerr.StateViolation, c.spec.Name, "server is not connected")
	}

	originalName := strings.TrimPrefix(fullName, c.spec.Name+"__")

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, funnelerr.Wrap(funnelerr.Capacity, c.spec.Name, "waiting for call rate limit", err)
	}

	ctx, cancel := context.WithTimeout(ctx, ClientTimeout)
	defer cancel()

	start := time.Now()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{Name: originalName, Arguments: args})
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordToolCall(c.spec.Name, originalName, status)
	_ = start

	if err != nil {
		c.handleTransportFailure(err)
		return nil, funnelerr.Wrap(funnelerr.Transport, c.spec.Name, "calling tool "+originalName, err)
	}
	return result, nil
}

func (c *Connection) startPingLoop() {
	c.mu.Lock()
	if c.stopPing != nil {
		close(c.stopPing)
	}
	stop := make(chan struct{})
	c.stopPing = stop
	session := c.session
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), ClientTimeout)
				err := session.Ping(ctx, nil)
				cancel()
				if err != nil {
					c.handleTransportFailure(err)
					return
				}
			}
		}
	}()
}

// handleTransportFailure transitions to disconnected and, if enabled,
// arms the Reconnection Manager (spec §4.8: "On unexpected disconnect,
// transitions to disconnected(reason) and — if auto-reconnect is enabled
// — arms a Reconnection Manager").
func (c *Connection) handleTransportFailure(cause error) {
	c.mu.Lock()
	if c.manualClosing {
		c.mu.Unlock()
		return
	}
	if c.session != nil {
		c.session.Close()
	}
	c.session = nil
	c.client = nil
	attempt := c.retryAttempt
	c.mu.Unlock()

	c.setState(StateDisconnected, cause)
	logger.Warn("target server %s disconnected: %v", c.spec.Name, cause)
	if c.handlers.OnDisconnected != nil {
		c.handlers.OnDisconnected(cause, attempt)
	}

	if c.policy.Enabled {
		c.reconnMgr.Schedule(func() error {
			return c.Connect(context.Background())
		})
	}
}

func (c *Connection) onReconnectAttempt(attempt int, delay time.Duration) {
	c.mu.Lock()
	c.retryAttempt = attempt
	c.mu.Unlock()
	metrics.RecordReconnectAttempt(c.spec.Name, "attempt")
	if c.handlers.OnReconnecting != nil {
		c.handlers.OnReconnecting(attempt, delay)
	}
}

func (c *Connection) onReconnectExhausted() {
	metrics.RecordReconnectAttempt(c.spec.Name, "exhausted")
	logger.Error("target server %s exhausted reconnection attempts", c.spec.Name)
}

// Reconnect triggers a manual reconnection attempt. It rejects with
// "reconnection already in progress" only while a connect is under way
// (state connecting); a scheduled reconnection still waiting on its timer
// is not rejected but cancelled, and Connect runs at once.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()
	if state == StateConnecting {
		return funnelerr.New(funnelerr.StateViolation, c.spec.Name, "reconnection already in progress")
	}
	c.reconnMgr.Cancel()
	return c.Connect(ctx)
}

// Disconnect cancels any pending reconnection and closes the session
// (spec §4.8: "a manual disconnectServer cancels any pending
// reconnection").
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	c.manualClosing = true
	if c.stopPing != nil {
		close(c.stopPing)
		c.stopPing = nil
	}
	session := c.session
	c.session = nil
	c.client = nil
	c.mu.Unlock()

	c.reconnMgr.Cancel()
	c.setState(StateDisconnected, nil)

	if session != nil {
		return session.Close()
	}
	return nil
}

// Close releases all resources owned by this Connection, including the
// Reconnection Manager's timer.
func (c *Connection) Close() error {
	err := c.Disconnect()
	c.reconnMgr.Close()
	return err
}
