package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/adapter"
	"github.com/ecp-proto/ecp-server/internal/authfsm"
	"github.com/ecp-proto/ecp-server/internal/httpserver"
	"github.com/ecp-proto/ecp-server/internal/metrics"
	"github.com/ecp-proto/ecp-server/internal/middleware"
	"github.com/ecp-proto/ecp-server/internal/notify"
	"github.com/ecp-proto/ecp-server/internal/refadapter"
	"github.com/ecp-proto/ecp-server/internal/settingsstore"
	"github.com/ecp-proto/ecp-server/internal/wsconn"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	port             int
	bindHost         string
	workspace        string
	token            string
	handshakeTimeout time.Duration
	heartbeatInterval time.Duration
	staleMultiplier  int
	maxConnections   int
	originAllow      string
	legacyAuth       bool
	cors             bool
	staticRoot       string
	logLevel         string
	callerType       string
	agentID          string
	bypassAgentIDs   string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "ecp-server",
		Short: "ECP server — localhost transport and dispatch core for editor commands",
		Long: `ecp-server multiplexes JSON-RPC 2.0 requests between editor clients and
backend service adapters over a single authenticated WebSocket connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().IntVar(&cfg.port, "port", envOrDefaultInt("ECP_PORT", 7070), "listen port")
	root.PersistentFlags().StringVar(&cfg.bindHost, "bind-host", envOrDefault("ECP_BIND_HOST", "127.0.0.1"), "listen address")
	root.PersistentFlags().StringVar(&cfg.workspace, "workspace", envOrDefault("ECP_WORKSPACE", ""), "workspace root directory (default: current directory)")
	root.PersistentFlags().StringVar(&cfg.token, "token", envOrDefault("ECP_TOKEN", ""), "shared handshake secret (default: generated at startup)")
	root.PersistentFlags().DurationVar(&cfg.handshakeTimeout, "handshake-timeout", envOrDefaultDuration("ECP_HANDSHAKE_TIMEOUT", 10*time.Second), "time a connection may stay Pending before being rejected")
	root.PersistentFlags().DurationVar(&cfg.heartbeatInterval, "heartbeat-interval", envOrDefaultDuration("ECP_HEARTBEAT_INTERVAL", 30*time.Second), "heartbeat period (0 disables heartbeat)")
	root.PersistentFlags().IntVar(&cfg.staleMultiplier, "heartbeat-stale-multiplier", envOrDefaultInt("ECP_HEARTBEAT_STALE_MULTIPLIER", 5), "idle periods (in heartbeat intervals) before a connection is considered stale")
	root.PersistentFlags().IntVar(&cfg.maxConnections, "max-connections", envOrDefaultInt("ECP_MAX_CONNECTIONS", 0), "maximum concurrent connections (0 = unlimited)")
	root.PersistentFlags().StringVar(&cfg.originAllow, "origin-allow", envOrDefault("ECP_ORIGIN_ALLOW", ""), "comma-separated Origin allow-list (\"*\" disables the check)")
	root.PersistentFlags().BoolVar(&cfg.legacyAuth, "legacy-auth", envOrDefault("ECP_LEGACY_AUTH", "true") == "true", "allow legacy ?token= query-parameter authentication at upgrade time")
	root.PersistentFlags().BoolVar(&cfg.cors, "cors", envOrDefault("ECP_CORS", "false") == "true", "emit permissive CORS headers")
	root.PersistentFlags().StringVar(&cfg.staticRoot, "static-root", envOrDefault("ECP_STATIC_ROOT", ""), "optional directory of static assets to serve with SPA fallback")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("ECP_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.callerType, "caller-type", envOrDefault("ECP_CALLER_TYPE", "human"), "caller identity asserted for every connection (human, agent)")
	root.PersistentFlags().StringVar(&cfg.agentID, "agent-id", envOrDefault("ECP_AGENT_ID", ""), "agent id asserted when --caller-type=agent")
	root.PersistentFlags().StringVar(&cfg.bypassAgentIDs, "bypass-agent-ids", envOrDefault("ECP_BYPASS_AGENT_IDS", ""), "comma-separated agent ids exempt from Working-Set Governance")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ecp-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	if cfg.port < 0 || cfg.port > 65535 {
		return fmt.Errorf("invalid --port %d: must be in 0-65535", cfg.port)
	}

	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg.workspace = wd
	}
	workspaceRoot, err := filepath.Abs(cfg.workspace)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}

	token := cfg.token
	if token == "" {
		generated, err := authfsm.GenerateToken()
		if err != nil {
			return fmt.Errorf("failed to generate handshake token: %w", err)
		}
		token = generated
		fmt.Printf("generated handshake token: %s\n", authfsm.MaskToken(token))
	}

	originAllow := splitAndTrim(cfg.originAllow)
	if cfg.bindHost == "0.0.0.0" && len(originAllow) == 0 {
		logger.Warn("binding to 0.0.0.0 with no --origin-allow list configured; any host reachable on the network can attempt the WebSocket upgrade")
	}

	logger.Info("starting ecp-server",
		zap.String("version", version),
		zap.Int("port", cfg.port),
		zap.String("bind_host", cfg.bindHost),
		zap.String("workspace_root", workspaceRoot),
		zap.Bool("legacy_auth", cfg.legacyAuth),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	authCfg := authfsm.DefaultConfig()
	authCfg.Token = token
	authCfg.HandshakeTimeout = cfg.handshakeTimeout
	authCfg.HeartbeatInterval = cfg.heartbeatInterval
	authCfg.StaleMultiplier = cfg.staleMultiplier
	authCfg.LegacyAuth = cfg.legacyAuth
	authCfg.ServerVersion = version
	authCfg.WorkspaceRoot = workspaceRoot

	store := settingsstore.New([]string{workspaceRoot}, false)

	switch cfg.callerType {
	case "agent":
		store.SetDefaultCaller(middleware.Caller{Type: middleware.CallerAgent, AgentID: cfg.agentID})
	case "human", "":
		// Store already defaults to a human caller.
	default:
		return fmt.Errorf("invalid --caller-type %q: must be \"human\" or \"agent\"", cfg.callerType)
	}
	store.SetBypassAgentIDs(splitAndTrim(cfg.bypassAgentIDs))

	chain := middleware.NewChain()
	chain.Register(&middleware.SettingsSnapshotMiddleware{Settings: store, Callers: store})
	chain.Register(&middleware.CallerTelemetryMiddleware{Logger: logger.Named("telemetry")})
	chain.Register(&middleware.WorkingSetMiddleware{Source: store})
	chain.Register(&middleware.ValidationMiddleware{Logger: logger.Named("validation")})

	if err := chain.InitAll(ctx); err != nil {
		return fmt.Errorf("failed to initialize middleware chain: %w", err)
	}
	defer chain.ShutdownAll(context.Background())

	broker := notify.NewBroker()

	registry := adapter.NewRegistry()
	fileAdapter := refadapter.NewFileAdapter(workspaceRoot)
	registry.Register("file/", fileAdapter, func(method string, params any) { broker.Publish(method, params) })
	registry.Register("syntax/", refadapter.NewSyntaxAdapter(), nil)

	metricsRegistry := metrics.New()

	dispatcher := &wsconn.Dispatcher{
		Chain:    chain,
		Registry: registry,
		Auth:     authCfg,
		Logger:   logger.Named("dispatch"),
		Metrics:  metricsRegistry,
	}

	manager := wsconn.NewManager(wsconn.ManagerConfig{
		Auth:           authCfg,
		MaxConnections: cfg.maxConnections,
		Origin: wsconn.OriginPolicy{
			AllowList: originAllow,
			BoundHost: cfg.bindHost,
		},
		Chain:    chain,
		Dispatch: dispatcher,
		Broker:   broker,
		Logger:   logger.Named("wsconn"),
		Metrics:  metricsRegistry,
	})

	stopHeartbeat, err := manager.StartHeartbeat(ctx)
	if err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}
	defer stopHeartbeat()

	router := httpserver.NewRouter(httpserver.Config{
		Manager: manager,
		Metrics: metricsRegistry,
		Static: httpserver.StaticConfig{
			Root:    cfg.staticRoot,
			Enabled: cfg.staticRoot != "",
		},
		CORS:   cfg.cors,
		Logger: logger.Named("http"),
	})

	addr := net.JoinHostPort(cfg.bindHost, fmt.Sprintf("%d", cfg.port))
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down ecp-server")

	manager.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("ecp-server stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return defaultVal
	}
	return n
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
