// Package commands implements the carbontrackctl command tree.
package commands

import (
	"context"
	"io"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/carbontrack/carbontrack/internal/app"
	"github.com/carbontrack/carbontrack/internal/minting"
	"github.com/carbontrack/carbontrack/internal/platform/db"
	"github.com/carbontrack/carbontrack/migrations"
)

// Backend is the domain surface the operator commands drive.
type Backend interface {
	Reconcile(ctx context.Context, batchID string) (minting.Outcome, error)
	ReconcilePending(ctx context.Context, limit int) (minting.SweepReport, error)
	RepairPairs(ctx context.Context, limit int) (int, error)
	InvalidateTrees(ctx context.Context) error
	ExportTransfers(ctx context.Context, address string, w io.Writer) error
	Close()
}

// QueueClient enqueues and inspects background jobs.
type QueueClient interface {
	Enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	ListScheduledTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	Close() error
}

// Env opens the resources commands need. Each opener is called lazily so
// commands only connect to what they use.
type Env struct {
	Migrate     func(ctx context.Context) error
	OpenBackend func(ctx context.Context) (Backend, error)
	OpenQueue   func() (QueueClient, error)
}

// DefaultEnv connects to the services configured in the environment.
func DefaultEnv() Env {
	return Env{
		Migrate: func(ctx context.Context) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			return db.Migrate(ctx, cfg.PGDSN, migrations.FS, app.NewLogger(cfg))
		},
		OpenBackend: openBackend,
		OpenQueue: func() (QueueClient, error) {
			cfg, err := app.LoadConfig()
			if err != nil {
				return nil, err
			}
			return newQueueClient(cfg.RedisOpts()), nil
		},
	}
}

// NewRootCommand assembles the command tree.
func NewRootCommand(env Env) *cobra.Command {
	root := &cobra.Command{
		Use:           "carbontrackctl",
		Short:         "Operator tooling for CarbonTrack",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newMigrateCommand(env),
		newReconcileCommand(env),
		newPartnersCommand(env),
		newProvenanceCommand(env),
		newTransfersCommand(env),
		newJobsCommand(env),
	)
	return root
}

func newMigrateCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := env.Migrate(cmd.Context()); err != nil {
				return err
			}
			slog.Info("migrations applied")
			return nil
		},
	}
}
