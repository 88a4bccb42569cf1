package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/carbontrack/carbontrack/internal/jobs"
	"github.com/carbontrack/carbontrack/internal/minting"
	"github.com/carbontrack/carbontrack/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// errRetryLater marks retries that are expected, such as a receipt that has
// not been mined yet. They are retried without counting as failures.
var errRetryLater = errors.New("retry later")

// Reconciler is the minting behaviour the reconcile jobs drive.
type Reconciler interface {
	Reconcile(ctx context.Context, batchID string) (minting.Outcome, error)
	ReconcilePending(ctx context.Context, limit int) (minting.SweepReport, error)
}

// ReconcileJob handles single-batch reconciles and the periodic sweep.
type ReconcileJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewReconcileJob wires dependencies for the reconcile handlers.
func NewReconcileJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJob {
	return &ReconcileJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskMintReconcile tasks.
func (j *ReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("mint reconcile: handler not configured")
	}
	var payload MintReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.BatchID == "" {
		return asynq.SkipRetry
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskMintReconcile)
	logger := loggerFor(j.Logger, TaskMintReconcile).With(slog.String("batch_id", payload.BatchID))

	out, err := j.Service.Reconcile(ctx, payload.BatchID)
	if err != nil {
		return tracker.End(classify(err))
	}
	logger.Info("reconciled batch", slog.String("status", string(out.Status)), slog.Uint64("token_id", out.TokenID))
	return tracker.End(nil)
}

// HandleSweep processes TaskMintReconcileSweep tasks.
func (j *ReconcileJob) HandleSweep(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("mint reconcile sweep: handler not configured")
	}
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskMintReconcileSweep)
	report, err := j.Service.ReconcilePending(ctx, payload.Limit)
	metrics.AddItems(TaskMintReconcileSweep, string(minting.OutcomeAnchored), report.Anchored)
	metrics.AddItems(TaskMintReconcileSweep, string(minting.OutcomePending), report.Pending)
	metrics.AddItems(TaskMintReconcileSweep, string(minting.OutcomeNotMinted), report.NotMinted)
	metrics.AddItems(TaskMintReconcileSweep, "failed", report.Failed)
	if err != nil {
		return tracker.End(err)
	}
	loggerFor(j.Logger, TaskMintReconcileSweep).Info("reconcile sweep complete",
		slog.Int("checked", report.Checked),
		slog.Int("anchored", report.Anchored),
		slog.Int("pending", report.Pending),
		slog.Int("not_minted", report.NotMinted),
		slog.Int("failed", report.Failed))
	return tracker.End(nil)
}

// permanent is implemented by errors that no amount of retrying resolves.
type permanent interface {
	Permanent() bool
}

// classify maps service errors onto Asynq retry semantics.
func classify(err error) error {
	var perm permanent
	switch {
	case err == nil:
		return nil
	case errors.As(err, &perm) && perm.Permanent():
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	case errors.Is(err, shared.ErrPendingConfirmation), errors.Is(err, shared.ErrLockBusy):
		return fmt.Errorf("%w: %v", errRetryLater, err)
	case errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrValidation), errors.Is(err, shared.ErrInvalidOperation):
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	default:
		return err
	}
}

func loggerFor(logger *slog.Logger, job string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("job", job))
}

func metricsOrDefault(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}
