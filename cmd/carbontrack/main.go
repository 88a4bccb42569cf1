package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/carbontrack/carbontrack/internal/app"
	"github.com/carbontrack/carbontrack/internal/observability"
	"github.com/carbontrack/carbontrack/internal/platform/db"
	"github.com/carbontrack/carbontrack/jobs"
	"github.com/carbontrack/carbontrack/migrations"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Default().Warn("load .env", slog.Any("error", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	slog.SetDefault(logger)

	if err := db.Migrate(ctx, cfg.PGDSN, migrations.FS, logger); err != nil {
		logger.Error("migrate database", slog.Any("error", err))
		os.Exit(1)
	}

	pool, redisClient, err := app.Connect(ctx, cfg)
	if err != nil {
		logger.Error("connect backing services", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	provider, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		logger.Error("open ledger", slog.String("mode", cfg.LedgerMode), slog.Any("error", err))
		os.Exit(1)
	}

	jobClient := jobs.NewClient(cfg.RedisOpts())
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(cfg.RedisOpts())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	services := app.NewServices(cfg, app.Deps{
		Pool:    pool,
		Redis:   redisClient,
		Ledger:  provider,
		Jobs:    jobClient,
		Metrics: metrics,
		Logger:  logger,
	})

	params := app.HandlersFor(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		RequestLog: !cfg.IsProduction(),
		JobHandler: jobs.NewHandler(inspector, logger),
	}, services)
	router := app.NewRouter(params)

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("ledger_mode", cfg.LedgerMode),
			slog.Uint64("chain_id", provider.ChainID()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
