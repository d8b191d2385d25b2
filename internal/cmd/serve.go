package cmd

import (
	"context"
	"net/http"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/ailink"
	"github.com/sqlshift/sqlshift/internal/config"
	errwrap "github.com/sqlshift/sqlshift/internal/errors"
	"github.com/sqlshift/sqlshift/internal/metrics"
	"github.com/sqlshift/sqlshift/internal/observability"
	"github.com/sqlshift/sqlshift/internal/runs"
	"github.com/sqlshift/sqlshift/internal/server"
	"github.com/sqlshift/sqlshift/internal/server/handlers"
	servermw "github.com/sqlshift/sqlshift/internal/server/middleware"
)

var (
	serverPort int
	serverHost string
)

// signalHealthChecker reports the signal handlers as ready once registered.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewInternalError("telemetry system not initialized")
	}
	return nil
}

// identityHealthChecker validates app identity metadata
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (i identityHealthChecker) CheckHealth(ctx context.Context) error {
	switch {
	case i.binaryName == "":
		return errwrap.NewConfigInvalidError("app identity missing binary name")
	case i.envPrefix == "":
		return errwrap.NewConfigInvalidError("app identity missing env prefix")
	case i.configName == "":
		return errwrap.NewConfigInvalidError("app identity missing config name")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the conversion API server",
	Long: `Start the HTTP API that accepts conversion runs, streams their progress
over WebSocket and retries failed jobs.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown (active runs are aborted)
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config reload (logging level; scheduler changes need a restart)`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host (default from config)")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 0, "server port (default from config)")
}

func serverOverrides(cmd *cobra.Command) map[string]any {
	section := map[string]any{}
	if cmd.Flags().Changed("host") {
		section["host"] = serverHost
	}
	if cmd.Flags().Changed("port") {
		section["port"] = serverPort
	}
	if len(section) == 0 {
		return nil
	}
	return map[string]any{"server": section}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	identity := GetAppIdentity()
	namespace := identity.TelemetryNamespace()

	cfg, err := loadConfig(ctx, serverOverrides(cmd))
	if err != nil {
		return errwrap.WrapConfigInvalid(ctx, err, "configuration invalid")
	}

	observability.InitServerLogger(identity.BinaryName, cfg.Logging.Level, namespace)
	logger := observability.ServerLogger

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(identity.BinaryName, cfg.Metrics.Port, namespace); err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
		}
		metrics.SetServerStartTime(time.Now().Unix())
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		logger.Error("Failed to open result backends", zap.Error(err))
		return errwrap.WrapDatabaseError(ctx, err, "result backends unavailable")
	}

	manager, err := runs.NewManager(runs.Options{
		Scheduler: cfg.Scheduler.Engine(),
		Converter: ailink.NewConverter(cfg.AILink, logger),
		Sink:      b.sink,
		Recorder:  metrics.Recorder{},
		Logger:    logger,
		OnFinished: func(ctx context.Context, session *runs.Session) {
			b.saveWindow(ctx, session.Window())
		},
	})
	if err != nil {
		_ = b.Close()
		return errwrap.WrapConfigInvalid(ctx, err, "scheduler configuration invalid")
	}

	logger.Info("Initializing server",
		zap.String("service", identity.BinaryName),
		zap.String("namespace", namespace),
		zap.String("version", versionInfo.Version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("metrics", cfg.Metrics.Enabled),
		zap.Int("max_requests", cfg.Scheduler.MaxRequests),
		zap.Duration("window", cfg.Scheduler.Window),
		zap.Int("batch_size", cfg.Scheduler.BatchSize),
		zap.Strings("result_sinks", cfg.Results.Sinks))

	hm := handlers.InitHealthManager(versionInfo.Version)
	hm.RegisterChecker("signal_handlers", signalHealthChecker{})
	if cfg.Metrics.Enabled {
		hm.RegisterChecker("telemetry", telemetryHealthChecker{})
	}
	hm.RegisterChecker("app_identity", identityHealthChecker{
		binaryName: identity.BinaryName,
		envPrefix:  identity.EnvPrefix,
		configName: identity.ConfigName,
	})
	hm.RegisterChecker("store", b.db)
	hm.RegisterChecker("runs", manager)
	hm.SetRunCounter(manager)
	if b.redis != nil {
		hm.RegisterOptional("redis", b.redis)
	}
	handlers.SetAppIdentity(identity)
	handlers.SetSchedulerInfo(handlers.SchedulerInfo{
		Endpoint:    cfg.Scheduler.Endpoint,
		MaxRequests: cfg.Scheduler.MaxRequests,
		Window:      cfg.Scheduler.Window.String(),
		Throttle:    cfg.Scheduler.Throttle.String(),
		BatchSize:   cfg.Scheduler.BatchSize,
	})

	opts := []server.Option{server.WithRuns(manager)}
	if cfg.Ingress.Enabled {
		opts = append(opts, server.WithIngressLimiter(servermw.NewIngressLimiter(cfg.Ingress.RatePerSecond, cfg.Ingress.Burst)))
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port, opts...)

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 10 * time.Second
	}

	// Shutdown handlers run LIFO: HTTP server, runs, backends, logger.
	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Flushing logger...")
		if err := logger.Sync(); err != nil {
			// Sync errors are often benign (stdout/stderr already closed)
			logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		if err := b.Close(); err != nil {
			logger.Warn("Closing result backends failed", zap.Error(err))
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Aborting active runs...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "runs did not stop in time")
		}
		return nil
	})

	signals.OnShutdown(func(ctx context.Context) error {
		logger.Info("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errwrap.WrapInternal(ctx, err, "server shutdown failed")
		}

		logger.Info("HTTP server stopped gracefully")
		return nil
	})

	signals.OnReload(func(ctx context.Context) error {
		logger.Info("Received SIGHUP: attempting config reload")

		reloaded, err := config.Load(ctx, serverOverrides(cmd))
		if err != nil {
			logger.Error("Failed to reload config", zap.Error(err))
			return errwrap.WrapConfigInvalid(ctx, err, "config reload failed")
		}

		if reloaded.Logging.Level != cfg.Logging.Level {
			observability.InitServerLogger(identity.BinaryName, reloaded.Logging.Level, namespace)
			logger = observability.ServerLogger
		}
		if reloaded.Scheduler != cfg.Scheduler {
			logger.Warn("Scheduler settings changed; restart to apply them")
		}

		logger.Info("Configuration reloaded", zap.String("file", config.ConfigFileUsed()))
		return nil
	})

	if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
		Window:  2 * time.Second,
		Message: "Press Ctrl+C again within 2 seconds to force quit",
	}); err != nil {
		logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	go func() {
		if err := signals.Listen(ctx); err != nil {
			logger.Error("Signal handler error", zap.Error(err))
			errChan <- err
		}
	}()

	if err := <-errChan; err != nil {
		return errwrap.WrapInternal(ctx, err, "server error")
	}

	return nil
}
