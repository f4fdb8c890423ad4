package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/workflow"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a Temporal worker for the feedback pipeline workflow",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		c, err := workflow.Dial(temporalOptions())
		if err != nil {
			return err
		}
		defer c.Close()

		w := workflow.NewWorker(c, temporalOptions(), workflow.NewActivities(env.Store, env.Steps, env.Hooks...))

		zap.L().Info("starting temporal worker",
			zap.String("host_port", cfg.Temporal.HostPort),
			zap.String("task_queue", cfg.Temporal.TaskQueue),
		)
		if err := w.Run(worker.InterruptCh()); err != nil {
			return eris.Wrap(err, "temporal worker")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
