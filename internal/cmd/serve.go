package cmd

import (
	"context"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nocloudhq/cloudbridge/internal/bridge"
	"github.com/nocloudhq/cloudbridge/internal/config"
	errwrap "github.com/nocloudhq/cloudbridge/internal/errors"
	"github.com/nocloudhq/cloudbridge/internal/metrics"
	"github.com/nocloudhq/cloudbridge/internal/observability"
	"github.com/nocloudhq/cloudbridge/internal/server"
	"github.com/nocloudhq/cloudbridge/internal/server/handlers"
	servermw "github.com/nocloudhq/cloudbridge/internal/server/middleware"
	"github.com/nocloudhq/cloudbridge/internal/store"
	"github.com/nocloudhq/cloudbridge/internal/transport"
)

var (
	serverPort int
	serverHost string
)

// signalHealthChecker reports ready once shutdown handlers are registered.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(ctx context.Context) error {
	return nil
}

// telemetryHealthChecker ensures telemetry system and exporter are available
type telemetryHealthChecker struct{}

func (telemetryHealthChecker) CheckHealth(ctx context.Context) error {
	if observability.TelemetrySystem == nil || observability.PrometheusExporter == nil {
		return errwrap.NewServiceUnavailableError("telemetry system not initialized")
	}
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the handler side over HTTP",
	Long: `Run the handler side: accept request envelopes on /v1/events/request,
dispatch them to the registered endpoints under the rate limiter, and post
each outcome to the caller's X-Reply-To URL.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown (in-flight requests are answered)
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file (restart to apply rate limit changes)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, "bridge")
		logger := observability.ServerLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				logger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
			metrics.SetServerStartTime(time.Now().Unix())
		}

		db, err := store.Open(ctx, cfg.Store)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "failed to open store")
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return errwrap.WrapDatabaseError(ctx, err, "failed to migrate store")
		}

		handler, err := bridge.NewHandler(bridge.HandlerOptions{
			Config:     cfg,
			Responder:  transport.NewHTTPResponder(transport.WithSendTimeout(cfg.RPC.SendTimeout), transport.WithHTTPLogger(logger)),
			Violations: db,
			Uploads:    db,
			Logger:     logger,
		})
		if err != nil {
			_ = db.Close()
			return err
		}

		logger.Info("Initializing server",
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Strings("endpoints", handler.Dispatcher().Endpoints()),
			zap.Bool("rate_limit_enabled", handler.RateLimitEnabled()),
			zap.Int("rate_limit_max_requests", cfg.RateLimit.MaxRequests),
			zap.Duration("rate_limit_window", cfg.RateLimit.Window),
			zap.String("store_driver", db.Driver()))

		proxies, err := servermw.ParseTrustedProxies(cfg.Server.TrustedProxies)
		if err != nil {
			_ = db.Close()
			return err
		}
		if cfg.Server.CallerToken == "" {
			logger.Info("No caller token set; callers are rate limited by ip only")
		}

		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("store", db)
		health.RegisterChecker("signal_handlers", signalHealthChecker{})
		if cfg.Metrics.Enabled {
			health.RegisterChecker("telemetry", telemetryHealthChecker{})
		}

		srv := server.New(server.Options{
			Host:           cfg.Server.Host,
			Port:           cfg.Server.Port,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			IdleTimeout:    cfg.Server.IdleTimeout,
			Dispatcher:     handler,
			TrustedProxies: proxies,
			CallerToken:    cfg.Server.CallerToken,
			ReplyToHosts:   cfg.Server.ReplyToHosts,
			RateLimit:      handler,
			RateLimitMax:   cfg.RateLimit.MaxRequests,
			AdminToken:     cfg.Admin.Token,
			MetricsPort:    cfg.Metrics.Port,
			Health:         health,
			Version:        versionInfo.Version,
			Logger:         logger,
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 10 * time.Second
		}

		// Shutdown handlers run LIFO: HTTP first, then windows, store, metrics, logger.
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Flushing logger...")
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if err := observability.ShutdownMetrics(); err != nil {
				logger.Warn("Failed to stop metrics exporter", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if err := db.Close(); err != nil {
				logger.Warn("Failed to close store", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			logger.Info("Clearing rate limit windows", zap.Int("open", handler.ClearWindows()))
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			logger.Info("Received SIGHUP: re-reading config")
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "config reload failed")
			}
			if _, err := loadConfig(); err != nil {
				logger.Error("Reloaded config is invalid", zap.Error(err))
				return err
			}
			logger.Info("Configuration reloaded; restart to apply rate limit and storage changes",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		if cfg.Updates.CheckOnStart {
			checker := newReleaseChecker(cfg, logger)
			go func() {
				// Failures are logged by the checker and never stop the server.
				_, _ = checker.Check(ctx, versionInfo.Version)
			}()
		}

		errChan := make(chan error, 2)
		go func() {
			if err := srv.Start(); err != nil {
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
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
