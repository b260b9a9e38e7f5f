// gorally daemon -- multiplayer session and replication server for
// vehicle-driving simulation clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openrally/gorally/internal/config"
	"github.com/openrally/gorally/internal/engine"
	"github.com/openrally/gorally/internal/handshake"
	"github.com/openrally/gorally/internal/hooks"
	"github.com/openrally/gorally/internal/identity"
	srvmetrics "github.com/openrally/gorally/internal/metrics"
	"github.com/openrally/gorally/internal/protocol"
	"github.com/openrally/gorally/internal/session"
	appversion "github.com/openrally/gorally/internal/version"
	"github.com/openrally/gorally/internal/web"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// configPath is bound to the --config flag.
var configPath string

// rootCmd runs the server; subcommands cover auxiliary operations.
var rootCmd = &cobra.Command{
	Use:   "gorally",
	Short: "Multiplayer session and replication server",
	Long: "gorally brokers authenticated launcher sessions over TCP and fans " +
		"out per-vehicle physics state over UDP at a fixed tick rate.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(appversion.Full("gorally"))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// runServe is the server entry point: load config, build the component
// graph, and run everything under one errgroup with a signal-aware context.
func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return err
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gorally starting",
		slog.String("version", appversion.Version),
		slog.String("map", cfg.General.Map),
		slog.Uint64("tcp_port", uint64(cfg.Networking.TCPPort)),
		slog.Uint64("udp_port", uint64(cfg.Networking.UDPPort)),
		slog.Uint64("http_port", uint64(cfg.Networking.HTTPPort)),
	)

	reg := prometheus.NewRegistry()
	collector := srvmetrics.NewCollector(reg)

	if err := runServers(ctx, cfg, collector, reg, logLevel, logger); err != nil {
		logger.Error("gorally exited with error",
			slog.String("error", err.Error()),
		)
		return err
	}

	logger.Info("gorally stopped")
	return nil
}

// runServers builds the acceptor, tick engine, and HTTP servers and runs
// them until a signal arrives or a component fails.
func runServers(
	ctx context.Context,
	cfg *config.Config,
	collector *srvmetrics.Collector,
	reg *prometheus.Registry,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The shared UDP socket is owned by the tick engine; binding it is
	// infrastructure fatal.
	udp, err := protocol.ListenUDP(cfg.Networking.UDPPort, logger)
	if err != nil {
		return fmt.Errorf("bind udp: %w", err)
	}
	defer closeQuietly(udp.Close, "udp endpoint", logger)

	resolver := identity.NewHTTPResolver(cfg.Auth.LoginAPI, logger,
		identity.WithHTTPClient(&http.Client{Timeout: cfg.Auth.Timeout}),
	)

	acceptor := handshake.NewAcceptor(handshake.Config{
		TCPPort:  cfg.Networking.TCPPort,
		UDPPort:  cfg.Networking.UDPPort,
		HTTPPort: cfg.Networking.HTTPPort,
		MapName:  cfg.General.Map,
	}, resolver, logger,
		handshake.WithBacklog(cfg.General.HandoffBacklog),
		handshake.WithReporter(collector),
	)

	registry := session.NewRegistry(logger)
	dispatcher := hooks.NewDispatcher(logger, &hooks.LogHook{Logger: logger})
	status := web.NewStatus()

	eng := engine.New(registry, udp, acceptor.Sessions(), dispatcher, logger,
		engine.WithReporter(collector),
		engine.WithRosterPublisher(status.SetRoster),
	)

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	infoSrv := newInfoServer(cfg, status, logger)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return acceptor.Run(gCtx)
	})

	g.Go(func() error {
		return eng.Run(gCtx)
	})

	startHTTPServers(gCtx, g, cfg, infoSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, logLevel, logger)

	notifyReady(logger)

	// Shutdown goroutine: waits for context cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, infoSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the info facet and metrics server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	infoSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("info facet listening", slog.String("addr", infoSrv.Addr))
		return listenAndServe(ctx, &lc, infoSrv, infoSrv.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP
// log-level reload goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, logLevel, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon is
// beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd docs.
// If watchdog is not configured, the goroutine exits immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — dynamic log level
// -------------------------------------------------------------------------

// handleSIGHUP listens for SIGHUP and reloads the configuration file to
// pick up a changed log level. Only the log level is applied; every other
// setting keeps its startup value, and a reload error keeps the current
// level.
func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")

			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings",
					slog.String("error", err.Error()),
				)
				continue
			}

			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)

			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown signals systemd and drains the HTTP servers. The parent
// context is already cancelled when this runs; a fresh timeout context is
// created internally for the drain.
func gracefulShutdown(
	ctx context.Context,
	logger *slog.Logger,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

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
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener using the ListenConfig and serves
// HTTP requests until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newInfoServer creates the HTTP server for the facet advertised to
// clients in ServerInfo.
func newInfoServer(cfg *config.Config, status *web.Status, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Networking.HTTPPort),
		Handler:           web.Handler(cfg.General.Name, cfg.General.Map, status, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// closeQuietly invokes a close function, logging any error.
func closeQuietly(closeFn func() error, what string, logger *slog.Logger) {
	if err := closeFn(); err != nil {
		logger.Warn("close "+what, slog.String("error", err.Error()))
	}
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
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
