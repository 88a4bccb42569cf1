package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"

	"github.com/carbontrack/carbontrack/internal/app"
	jobmetrics "github.com/carbontrack/carbontrack/internal/jobs"
	"github.com/carbontrack/carbontrack/internal/observability"
	"github.com/carbontrack/carbontrack/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	obs := observability.NewMetrics()
	services := app.NewServices(cfg, app.Deps{
		Pool:    pool,
		Redis:   redisClient,
		Ledger:  provider,
		Jobs:    jobClient,
		Metrics: obs,
		Logger:  logger,
	})

	metrics := jobmetrics.NewMetrics(obs.Registerer())
	if cfg.WorkerMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", obs.Handler())
		metricsSrv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: cfg.AppReadTimeout}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsSrv.Close() }()
	}
	reconcileJob := jobs.NewReconcileJob(services.Minting, logger, metrics)
	confirmJob := jobs.NewTransferConfirmJob(services.Transfers, logger, metrics)
	repairJob := jobs.NewPartnerRepairJob(services.Partners, logger, metrics)

	sweepTask, err := jobs.NewMintReconcileSweepTask(200)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	repairTask, err := jobs.NewPartnerRepairTask(500)
	if err != nil {
		logger.Error("build repair task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.RedisOpts(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMintReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskMintReconcileSweep, Handler: reconcileJob.HandleSweep},
			{Type: jobs.TaskTransferConfirm, Handler: confirmJob.Handle},
			{Type: jobs.TaskPartnerRepair, Handler: repairJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.ReconcileSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1), asynq.Queue(jobs.QueueLedger)}},
			{Spec: cfg.PartnerRepairCron, Task: repairTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.Int("concurrency", cfg.WorkerConcurrency), slog.String("ledger_mode", cfg.LedgerMode))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
