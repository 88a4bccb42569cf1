package commands

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/carbontrack/carbontrack/jobs"
)

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
}

func newJobsCommand(env Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and trigger background jobs",
	}
	cmd.AddCommand(newJobsTriggerCommand(env), newJobsStatsCommand(env), newJobsScheduledCommand(env))
	return cmd
}

func newJobsTriggerCommand(env Env) *cobra.Command {
	var limit int
	trigger := &cobra.Command{
		Use:       "trigger <job>",
		Short:     "Enqueue a periodic job now",
		ValidArgs: []string{jobs.TaskMintReconcileSweep, jobs.TaskPartnerRepair},
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				task *asynq.Task
				err  error
				opts = []asynq.Option{asynq.MaxRetry(3)}
			)
			switch args[0] {
			case jobs.TaskMintReconcileSweep:
				task, err = jobs.NewMintReconcileSweepTask(limit)
				opts = append(opts, asynq.Queue(jobs.QueueLedger))
			case jobs.TaskPartnerRepair:
				task, err = jobs.NewPartnerRepairTask(limit)
			}
			if err != nil {
				return err
			}
			q, err := env.OpenQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			info, err := q.Enqueue(cmd.Context(), task, opts...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
			return nil
		},
	}
	trigger.Flags().IntVar(&limit, "limit", 0, "records the job may touch, 0 for the job default")
	return trigger
}

func newJobsStatsCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := env.OpenQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			out := make([]QueueStats, 0, 2)
			for _, name := range []string{jobs.QueueLedger, jobs.QueueDefault} {
				stats := QueueStats{Queue: name}
				info, err := q.GetQueueInfo(name)
				if err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
					return err
				}
				if info != nil {
					stats.Pending = info.Pending
					stats.Active = info.Active
					stats.Scheduled = info.Scheduled
					stats.Retry = info.Retry
				}
				out = append(out, stats)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newJobsScheduledCommand(env Env) *cobra.Command {
	var (
		queue string
		size  int
	)
	cmd := &cobra.Command{
		Use:   "scheduled",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if size <= 0 {
				size = 10
			}
			q, err := env.OpenQueue()
			if err != nil {
				return err
			}
			defer q.Close()
			tasks, err := q.ListScheduledTasks(queue, asynq.PageSize(size), asynq.Page(1))
			if err != nil {
				return err
			}
			for _, t := range tasks {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.UTC().Format("2006-01-02T15:04:05Z"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&queue, "queue", jobs.QueueLedger, "queue to list")
	cmd.Flags().IntVar(&size, "size", 10, "page size")
	return cmd
}
