package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/carbontrack/carbontrack/internal/jobs"
	"github.com/carbontrack/carbontrack/internal/transfers"
)

// TransferConfirmer records submitted transfers once their receipt exists.
type TransferConfirmer interface {
	ConfirmPending(ctx context.Context, pending transfers.PendingTransfer) (transfers.Outcome, error)
}

// TransferConfirmJob handles TaskTransferConfirm.
type TransferConfirmJob struct {
	Service TransferConfirmer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewTransferConfirmJob wires dependencies for the confirmation handler.
func NewTransferConfirmJob(service TransferConfirmer, logger *slog.Logger, metrics *jobmetrics.Metrics) *TransferConfirmJob {
	return &TransferConfirmJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTransferConfirm tasks.
func (j *TransferConfirmJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("transfer confirm: handler not configured")
	}
	var payload TransferConfirmPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Pending.TxHash == "" {
		return asynq.SkipRetry
	}
	tracker := metricsOrDefault(j.Metrics).Track(TaskTransferConfirm)
	out, err := j.Service.ConfirmPending(ctx, payload.Pending)
	if err != nil {
		return tracker.End(classify(err))
	}
	loggerFor(j.Logger, TaskTransferConfirm).Info("transfer confirmed",
		slog.String("tx_hash", out.TxHash), slog.Bool("recorded", out.Transfer != nil))
	return tracker.End(nil)
}
