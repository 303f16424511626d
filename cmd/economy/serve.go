package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mining_economy/internal/accrual"
	"mining_economy/internal/api"
	"mining_economy/internal/config"
	"mining_economy/internal/repository"
	"mining_economy/internal/repository/memory"
	"mining_economy/internal/repository/sqlstore"
	"mining_economy/internal/scheduler"
	"mining_economy/pkg/crypto"
	"mining_economy/pkg/metrics"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authoritative economy server",
	Long: `Run the HTTP server exposing the collect_earnings RPC, account reads and
administrative writes, plus a Prometheus metrics server and the holding
expiry sweep.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level)
	logger.Info("Starting application",
		slog.String("name", appName),
		slog.String("version", version),
		slog.String("store", cfg.Store.Driver))

	metricsCollector := metrics.NewMetricsCollector(logger)

	storeCfg := repository.StoreConfig{
		Engine: accrual.NewEngine(),
		Policy: repository.DevicePolicy(cfg.Store.DevicePolicy),
		Hook:   metricsCollector,
	}
	backend, closeStore, err := openBackend(cmd.Context(), cfg, storeCfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var signer *crypto.Signer
	if cfg.Server.ReceiptSecret != "" {
		signer = crypto.NewSigner(cfg.Server.ReceiptSecret, logger)
	} else {
		logger.Warn("Receipt signing disabled: no receipt secret configured")
	}

	auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL.Duration)
	if !auth.Enabled() {
		logger.Warn("Authentication disabled: every request runs as admin")
	}

	apiHandler := api.NewAPIHandler(backend, storeCfg.Engine, signer, metricsCollector, logger)
	apiHandler.SetAuthenticator(auth)
	apiHandler.SetRateLimiter(api.NewKeyedLimiter(cfg.RateLimit.CollectPerMinute, cfg.RateLimit.Burst))
	apiHandler.SetRequestTimeout(cfg.Server.RequestTimeout.Duration)

	sweeper := scheduler.NewExpirySweeper(backend, cfg.Scheduler.HoldingLifetime.Duration, metricsCollector, logger)
	if err := sweeper.Start(cfg.Scheduler.ExpirySpec); err != nil {
		return err
	}

	metricsServer := metricsCollector.StartMetricsServer(cfg.Server.MetricsAddr)
	httpServer := startHTTPServer(cfg.Server.Addr, apiHandler, logger)
	waitForShutdown(logger, httpServer, metricsServer, sweeper, metricsCollector)
	logger.Info("Application shutdown complete")
	return nil
}

func openBackend(ctx context.Context, cfg config.Config, storeCfg repository.StoreConfig) (api.Backend, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		return memory.NewStore(storeCfg), func() {}, nil
	case "sqlite", "postgres":
		db, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Store.Driver), dsnFor(cfg))
		if err != nil {
			return nil, nil, err
		}
		return sqlstore.NewStore(db, storeCfg), func() { db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func dsnFor(cfg config.Config) string {
	if cfg.Store.Driver == "sqlite" {
		return sqlstore.SQLiteDSN(cfg.Store.DSN)
	}
	return cfg.Store.DSN
}

func startHTTPServer(addr string, apiHandler *api.APIHandler, logger *slog.Logger) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      apiHandler.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	return server
}

func waitForShutdown(
	logger *slog.Logger,
	httpServer *http.Server,
	metricsServer *http.Server,
	sweeper *scheduler.ExpirySweeper,
	metricsCollector *metrics.MetricsCollector,
) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown failed", slog.String("error", err.Error()))
	}

	if err := sweeper.Stop(ctx); err != nil {
		logger.Error("Expiry sweeper shutdown failed", slog.String("error", err.Error()))
	}

	if err := metricsServer.Shutdown(ctx); err != nil {
		logger.Error("Metrics server shutdown failed", slog.String("error", err.Error()))
	}
	if err := metricsCollector.Shutdown(ctx); err != nil {
		logger.Error("Metrics collector shutdown failed", slog.String("error", err.Error()))
	}
}
