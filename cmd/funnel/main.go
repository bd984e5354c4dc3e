// funnel is the MCP proxy/debugger server: it aggregates tools from every
// configured child server, exposes them (plus the debugger operations)
// to a single upstream MCP client, and serves Prometheus metrics and
// health/readiness endpoints alongside the MCP transport.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcp-funnel/funnel/internal/audit"
	"github.com/mcp-funnel/funnel/internal/config"
	"github.com/mcp-funnel/funnel/internal/debugsession"
	"github.com/mcp-funnel/funnel/internal/dispatcher"
	"github.com/mcp-funnel/funnel/internal/housekeeping"
	"github.com/mcp-funnel/funnel/internal/logger"
	"github.com/mcp-funnel/funnel/internal/metrics"
	"github.com/mcp-funnel/funnel/internal/proxycore"
	"github.com/mcp-funnel/funnel/internal/sessionmgr"
	"github.com/mcp-funnel/funnel/internal/sourcemap"
	"github.com/mcp-funnel/funnel/internal/toolregistry"
	"github.com/mcp-funnel/funnel/internal/validation"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0"
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to .funnel/config.jsonc (default: discovered per precedence)")
	addr := flag.String("addr", ":8420", "HTTP listen address for the MCP/metrics/health endpoints")
	stdio := flag.Bool("stdio", false, "Serve the upstream MCP channel over stdio instead of HTTP")
	auditDB := flag.String("audit-db", "", "Optional SQLite path for a durable audit sink")
	logDir := flag.String("log-dir", "", "Directory for the dual console/file log (default: console only)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("funnel %s\n", Version)
		return
	}

	if *logDir != "" {
		if err := logger.Init(*logDir); err != nil {
			fmt.Fprintf(os.Stderr, "funnel: failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = logger.Close() }()
	}

	doc, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "funnel: failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := validateDocument(doc); err != nil {
		fmt.Fprintf(os.Stderr, "funnel: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("funnel %s starting with %d configured server(s)", Version, len(doc.Servers))

	auditLogger := audit.New(true)
	if *auditDB != "" {
		sink, err := audit.NewSQLiteSink(*auditDB)
		if err != nil {
			logger.Warn("funnel: failed to open audit sink %s: %v", *auditDB, err)
		} else {
			auditLogger.AttachSink(sink)
			defer sink.Close()
			logger.Info("funnel: audit events additionally recorded to %s", *auditDB)
		}
	}

	registry := toolregistry.New(toolregistry.Policy{
		ExposeTools:        doc.ExposeTools,
		HideTools:          doc.HideTools,
		AlwaysVisibleTools: doc.AlwaysVisibleTools,
		ExposeCoreTools:    doc.ExposeCoreTools,
	})

	core := proxycore.New(registry, doc.AutoReconnect)

	mapper := sourcemap.NewMapper(
		int64(doc.Debugger.SourceMapMaxBytes),
		time.Duration(doc.Debugger.SourceMapTimeoutMs)*time.Millisecond,
	)
	sessions := sessionmgr.New(
		debugsession.NewCreateFunc(mapper),
		time.Duration(doc.Debugger.IdleTimeoutMs)*time.Millisecond,
	)
	defer sessions.Close()

	sweeper := housekeeping.NewRunner(sourceMapSweep(mapper))
	if err := sweeper.Start(doc.Debugger.HousekeepingCron); err != nil {
		logger.Warn("funnel: failed to schedule housekeeping sweep on %q: %v", doc.Debugger.HousekeepingCron, err)
	} else {
		defer sweeper.Stop()
	}

	d := dispatcher.New(core, sessions, doc.Debugger, auditLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core.Start(ctx, doc.Servers)
	go d.WatchProxy(ctx)

	if *stdio {
		runStdio(ctx, d)
		return
	}
	runHTTP(ctx, d, core, *addr)
}

func runStdio(ctx context.Context, d *dispatcher.Dispatcher) {
	logger.Info("funnel: serving upstream MCP channel over stdio")
	if err := d.Run(ctx, &mcp.StdioTransport{}); err != nil {
		logger.Error("funnel: stdio transport closed: %v", err)
	}
}

func runHTTP(ctx context.Context, d *dispatcher.Dispatcher, core *proxycore.Core, addr string) {
	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return d.Server()
	}, &mcp.StreamableHTTPOptions{
		EventStore: mcp.NewMemoryEventStore(nil),
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/ready", handleReady(core))
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/mcp", metrics.Middleware(mcpHandler))
	mux.Handle("/mcp/", metrics.Middleware(mcpHandler))

	httpServer := &http.Server{Addr: addr, Handler: mux}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("funnel: MCP endpoint listening on http://localhost%s/mcp", addr)
		logger.Info("funnel: metrics at http://localhost%s/metrics", addr)
		serverErr <- httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("funnel: server error: %v", err)
			os.Exit(1)
		}
	case sig := <-shutdown:
		logger.Info("funnel: received %v, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("funnel: error during HTTP shutdown: %v", err)
		}
		_ = core.Close()
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func handleReady(core *proxycore.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		servers := core.GetTargetServers()
		if len(servers.Connected) == 0 && len(servers.Disconnected) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not ready","reason":"no server connected"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}
}

// sourceMapSweep evicts cold source-map cache entries on every housekeeping
// tick, supplementing the Session Manager's mandatory idle-session sweep.
func sourceMapSweep(mapper *sourcemap.Mapper) housekeeping.SweepFunc {
	return func(ctx context.Context) string {
		evicted := mapper.EvictIdle(idleSourceMapAge)
		if evicted == 0 {
			return ""
		}
		return fmt.Sprintf("evicted %d cold source map(s), %d remain cached", evicted, mapper.CacheSize())
	}
}

const idleSourceMapAge = 30 * time.Minute

// validateDocument checks the shape the config loader doesn't already
// enforce: server names and tool-visibility patterns.
func validateDocument(doc *config.Document) error {
	seen := make(map[string]bool, len(doc.Servers))
	for _, spec := range doc.Servers {
		if err := validation.ValidateServerName(spec.Name); err != nil {
			return fmt.Errorf("server %q: %w", spec.Name, err)
		}
		if seen[spec.Name] {
			return fmt.Errorf("duplicate server name %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	if err := validation.ValidateGlobPatterns(doc.ExposeTools); err != nil {
		return fmt.Errorf("exposeTools: %w", err)
	}
	if err := validation.ValidateGlobPatterns(doc.HideTools); err != nil {
		return fmt.Errorf("hideTools: %w", err)
	}
	if err := validation.ValidateGlobPatterns(doc.AlwaysVisibleTools); err != nil {
		return fmt.Errorf("alwaysVisibleTools: %w", err)
	}
	if err := housekeeping.ValidateCron(doc.Debugger.HousekeepingCron); err != nil {
		return fmt.Errorf("debugger.housekeepingCron: %w", err)
	}
	return nil
}
