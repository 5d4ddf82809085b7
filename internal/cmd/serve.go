package cmd

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/esisync/esisync/internal/config"
	errwrap "github.com/esisync/esisync/internal/errors"
	"github.com/esisync/esisync/internal/observability"
	"github.com/esisync/esisync/internal/server"
	"github.com/esisync/esisync/internal/server/handlers"
)

// adminTokenEnv names the bearer token guarding the signal admin endpoint.
const adminTokenEnv = "ESISYNC_ADMIN_TOKEN"

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the polling engine and the status API",
	Long: `Run the polling engine for every configured entity and serve the
status API with graceful shutdown support.

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Config file re-read (restart to apply engine settings)

On shutdown the scheduler is stopped, pending update batches are flushed
and the final monitor state is written to the store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		cfg, err := loadConfig()
		if err != nil {
			return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config load failed")
		}

		observability.InitServerLogger(config.AppName, cfg.Logging.Level, config.AppName)
		logger := observability.EngineLogger

		if cfg.Metrics.Enabled {
			if err := observability.InitMetrics(config.AppName, cfg.Metrics.Port); err != nil {
				observability.ServerLogger.Error("Failed to initialize metrics", zap.Error(err))
				return errwrap.WrapInternal(ctx, err, "metrics initialization failed")
			}
		}

		db, err := openStore(ctx, cfg)
		if err != nil {
			return errwrap.WrapDatabaseError(ctx, err, "store initialization failed")
		}

		rt, err := buildRuntime(ctx, cfg, db, logger)
		if err != nil {
			_ = db.Close()
			return errwrap.WrapInternal(ctx, err, "engine initialization failed")
		}
		if err := rt.registerEntities(ctx, cfg.Entities); err != nil {
			_ = db.Close()
			return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "entity registration failed")
		}

		health := handlers.NewHealthManager(versionInfo.Version)
		health.RegisterChecker("store", handlers.HealthCheckFunc(db.Ping))
		health.RegisterChecker("telemetry", handlers.HealthCheckFunc(func(context.Context) error {
			if cfg.Metrics.Enabled && !observability.Enabled() {
				return errwrap.NewInternalError("telemetry system not initialized")
			}
			return nil
		}))

		srv := server.New(server.Options{
			Host:         cfg.Server.Host,
			Port:         cfg.Server.Port,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
			MetricsPort:  cfg.Metrics.Port,
			AdminToken:   strings.TrimSpace(os.Getenv(adminTokenEnv)),
			Health:       health,
			API:          rt.api(),
		})

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 10 * time.Second
		}

		observability.ServerLogger.Info("Initializing server",
			zap.String("service", config.AppName),
			zap.String("version", versionInfo.Version),
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port),
			zap.Int("entities", len(cfg.Entities)),
			zap.Int("max_concurrent", cfg.Throttle.MaxConcurrent))

		// Shutdown handlers run LIFO: server, engine, store, logger.
		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Flushing loggers...")
			if err := observability.SyncLoggers(); err != nil {
				observability.ServerLogger.Debug("Logger sync returned error", zap.Error(err))
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Closing store...")
			if err := db.Close(); err != nil {
				return errwrap.WrapDatabaseError(ctx, err, "store close failed")
			}
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Stopping engine...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			if err := rt.shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "engine shutdown failed")
			}
			observability.ServerLogger.Info("Engine stopped")
			return nil
		})

		signals.OnShutdown(func(ctx context.Context) error {
			observability.ServerLogger.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				return errwrap.WrapInternal(ctx, err, "server shutdown failed")
			}

			observability.ServerLogger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			observability.ServerLogger.Info("Received SIGHUP: re-reading config file")

			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					observability.ServerLogger.Info("No config file found - using defaults and environment variables")
					return nil
				}
				observability.ServerLogger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config reload failed")
			}
			if _, err := loadConfig(); err != nil {
				observability.ServerLogger.Warn("Reloaded config is invalid", zap.Error(err))
				return errwrap.Wrap(ctx, errwrap.CodeConfigInvalid, err, "config reload failed")
			}

			observability.ServerLogger.Info("Configuration reloaded; restart to apply engine settings",
				zap.String("file", viper.ConfigFileUsed()))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			observability.ServerLogger.Warn("Failed to enable double-tap force quit",
				zap.Error(err))
		}

		errChan := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errChan <- err
			}
		}()

		rt.start()
		health.MarkStarted()

		go func() {
			if err := signals.Listen(ctx); err != nil {
				observability.ServerLogger.Error("Signal handler error", zap.Error(err))
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
