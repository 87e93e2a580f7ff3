// attpd is the ATTP daemon: it loads a node configuration, binds the
// inbound acceptor, dials every configured peer, and serves a Prometheus
// metrics endpoint plus a small JSON debug surface until signalled to
// stop.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/attp"
	"github.com/dantte-lp/attp/internal/config"
	"github.com/dantte-lp/attp/internal/route"
	appversion "github.com/dantte-lp/attp/internal/version"
	"github.com/dantte-lp/attp/transport/tcp"
)

// shutdownTimeout bounds how long the metrics/debug HTTP server gets to
// drain in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// maxReplayEntries bounds the server-side replay cache (spec §4.6).
const maxReplayEntries = 4096

// defaultConfigFiles is checked in cwd when -config is not given (spec
// §6 Environment, grounded on attp/providers.py's DEFAULT_CONFIG_FILES).
var defaultConfigFiles = []string{"attp.json", "attp.jsonc"}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (JSON)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("attpd starting",
		slog.String("version", appversion.Version),
		slog.String("node", cfg.Node.Name),
		slog.String("server_bind", cfg.Server.Bind),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("peers", len(cfg.Services.Peers)),
	)

	if err := runServers(cfg, logger, *configPath, logLevel); err != nil {
		logger.Error("attpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("attpd stopped")
	return 0
}

// runServers builds an attp.Node, starts the inbound acceptor, one dial
// loop per configured peer, and the metrics/debug HTTP server, then
// blocks until a termination signal arrives.
func runServers(cfg *config.Config, logger *slog.Logger, configPath string, logLevel *slog.LevelVar) error {
	reg := prometheus.NewRegistry()

	n, err := attp.New(cfg, attp.WithLogger(logger), attp.WithRegisterer(reg), attp.WithMaxReplayEntries(maxReplayEntries))
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	serverTransport := tcp.New(tcp.Config{ListenAddr: cfg.Server.Bind, Logger: logger})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("inbound acceptor listening", slog.String("addr", cfg.Server.Bind))
		return n.Serve(gCtx, serverTransport)
	})

	for _, p := range cfg.Services.Peers {
		p := p
		peerTransport, err := buildPeerTransport(cfg, p, logger)
		if err != nil {
			return fmt.Errorf("configure peer %s: %w", p.Namespace, err)
		}
		g.Go(func() error {
			return n.Connect(gCtx, p.Namespace, p, peerTransport)
		})
	}

	debugSrv := newDebugServer(cfg.Metrics, reg, n)
	g.Go(func() error {
		logger.Info("metrics/debug server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("metrics_path", cfg.Metrics.Path),
		)
		return listenAndServe(gCtx, debugSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(gCtx, sigHUP, configPath, logLevel, logger)
		return nil
	})

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, n, logger, debugSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// buildPeerTransport dials through a dedicated tcp.Transport for peer p;
// auth and retry policy are applied by attp.Node.Connect itself.
func buildPeerTransport(cfg *config.Config, p config.PeerConfig, logger *slog.Logger) (*tcp.Transport, error) {
	addr, err := dialAddrFromURI(p.RemoteURI)
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Client.Limits.ConnectionTimeoutSeconds) * time.Second
	return tcp.New(tcp.Config{DialAddr: addr, DialTimeout: timeout, Logger: logger}), nil
}

// dialAddrFromURI accepts either a bare "host:port" or a
// "scheme://host:port" remote_uri (spec §6 leaves the exact grammar to
// deployment, the original's ServiceDiscoveryConfigs uses plain
// host:port pairs).
func dialAddrFromURI(uri string) (string, error) {
	if uri == "" {
		return "", errors.New("attpd: peer remote_uri is empty")
	}
	if idx := strings.Index(uri, "://"); idx >= 0 {
		return uri[idx+3:], nil
	}
	return uri, nil
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic keepalives at half the configured watchdog
// interval; it exits immediately if no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload — log level only; peer/session topology changes require
// a restart since dial loops are supervised by the top-level errgroup.
// -------------------------------------------------------------------------

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading log level")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("log level reloaded", slog.String("old", oldLevel.String()), slog.String("new", newLevel.String()))
		}
	}
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(ctx context.Context, n *attp.Node, logger *slog.Logger, servers ...*http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	n.Close(context.WithoutCancel(ctx))

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// HTTP servers
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// namespaceSummary is the JSON shape attpctl reads off the debug
// endpoint: one entry per namespace with its local route manifest in wire
// form plus its currently registered sessions.
type namespaceSummary struct {
	Namespace string        `json:"namespace"`
	Routes    []route.Wire  `json:"routes"`
	Sessions  []sessionWire `json:"sessions"`
}

// sessionWire is the JSON shape of one registered session.
type sessionWire struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
}

// newDebugServer builds the metrics + debug-JSON HTTP server. There is
// no ConnectRPC/protobuf schema to generate a client/server pair from
// (ATTP's wire format is the custom binary frame protocol, not
// protobuf) so attpctl talks to a small hand-rolled JSON endpoint
// instead.
func newDebugServer(cfg config.MetricsConfig, reg *prometheus.Registry, n *attp.Node) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/debug/namespaces", func(w http.ResponseWriter, r *http.Request) {
		namespaces := n.Dispatcher().Namespaces()
		out := make([]namespaceSummary, 0, len(namespaces))
		for _, ns := range namespaces {
			sessions := n.Dispatcher().Candidates(ns, "")
			wire := make([]sessionWire, 0, len(sessions))
			for _, s := range sessions {
				wire = append(wire, sessionWire{SessionID: s.SessionID(), Role: string(s.Role())})
			}
			out = append(out, namespaceSummary{
				Namespace: ns,
				Routes:    n.Registry().ManifestFor(ns),
				Sessions:  wire,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	})

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Config loading + logging
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = resolveDefaultConfigPath()
	}
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return cfg, nil
}

// resolveDefaultConfigPath looks for attp.json/attp.jsonc in the current
// directory (spec §6 Environment, grounded on attp/providers.py's
// DEFAULT_CONFIG_FILES).
func resolveDefaultConfigPath() string {
	for _, name := range defaultConfigFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
