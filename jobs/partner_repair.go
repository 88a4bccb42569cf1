package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/carbontrack/carbontrack/internal/jobs"
)

// PairRepairer completes partnership pairs that lost an edge.
type PairRepairer interface {
	RepairPairs(ctx context.Context, limit int) (int, error)
}

// PartnerRepairJob handles TaskPartnerRepair.
type PartnerRepairJob struct {
	Service PairRepairer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPartnerRepairJob wires dependencies for the repair handler.
func NewPartnerRepairJob(service PairRepairer, logger *slog.Logger, metrics *jobmetrics.Metrics) *PartnerRepairJob {
	return &PartnerRepairJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle processes TaskPartnerRepair tasks.
func (j *PartnerRepairJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("partner repair: handler not configured")
	}
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	metrics := metricsOrDefault(j.Metrics)
	tracker := metrics.Track(TaskPartnerRepair)
	repaired, err := j.Service.RepairPairs(ctx, payload.Limit)
	metrics.AddItems(TaskPartnerRepair, "repaired", repaired)
	if err != nil {
		return tracker.End(err)
	}
	if repaired > 0 {
		loggerFor(j.Logger, TaskPartnerRepair).Warn("repaired partnership pairs", slog.Int("count", repaired))
	}
	return tracker.End(nil)
}
