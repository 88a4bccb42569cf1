package commands

import (
	"context"
	"io"

	"github.com/hibiken/asynq"

	"github.com/carbontrack/carbontrack/internal/app"
	"github.com/carbontrack/carbontrack/internal/minting"
	"github.com/carbontrack/carbontrack/jobs"
)

type serviceBackend struct {
	services *app.Services
	closers  []func()
}

func openBackend(ctx context.Context) (Backend, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(cfg)
	pool, redisClient, err := app.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	provider, err := app.OpenLedger(ctx, cfg)
	if err != nil {
		pool.Close()
		_ = redisClient.Close()
		return nil, err
	}
	jobClient := jobs.NewClient(cfg.RedisOpts())
	services := app.NewServices(cfg, app.Deps{
		Pool:   pool,
		Redis:  redisClient,
		Ledger: provider,
		Jobs:   jobClient,
		Logger: logger,
	})
	return &serviceBackend{
		services: services,
		closers: []func(){
			func() { _ = jobClient.Close() },
			func() { _ = redisClient.Close() },
			pool.Close,
		},
	}, nil
}

func (b *serviceBackend) Reconcile(ctx context.Context, batchID string) (minting.Outcome, error) {
	return b.services.Minting.Reconcile(ctx, batchID)
}

func (b *serviceBackend) ReconcilePending(ctx context.Context, limit int) (minting.SweepReport, error) {
	return b.services.Minting.ReconcilePending(ctx, limit)
}

func (b *serviceBackend) RepairPairs(ctx context.Context, limit int) (int, error) {
	return b.services.Partners.RepairPairs(ctx, limit)
}

func (b *serviceBackend) InvalidateTrees(ctx context.Context) error {
	return b.services.Provenance.Invalidate(ctx)
}

func (b *serviceBackend) ExportTransfers(ctx context.Context, address string, w io.Writer) error {
	return b.services.Transfers.ExportXLSX(ctx, address, w)
}

func (b *serviceBackend) Close() {
	for _, c := range b.closers {
		c()
	}
}

// queueClient pairs an Asynq client with an inspector for the jobs commands.
type queueClient struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

func newQueueClient(opts asynq.RedisClientOpt) *queueClient {
	return &queueClient{client: asynq.NewClient(opts), inspector: asynq.NewInspector(opts)}
}

func (q *queueClient) Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	return q.client.EnqueueContext(ctx, task, opts...)
}

func (q *queueClient) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return q.inspector.GetQueueInfo(queue)
}

func (q *queueClient) ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return q.inspector.ListScheduledTasks(queue, opts...)
}

func (q *queueClient) Close() error {
	var err error
	if closeErr := q.inspector.Close(); closeErr != nil {
		err = closeErr
	}
	if closeErr := q.client.Close(); closeErr != nil {
		err = closeErr
	}
	return err
}
