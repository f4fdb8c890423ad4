package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/feedback-cli/internal/schedule"
	"github.com/sells-group/feedback-cli/internal/workflow"
)

var (
	scheduleCron     string
	scheduleTemporal bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on a cron schedule",
	Long:  "Triggers a pipeline run each time the cron expression fires. Ticks that arrive while a run is still in progress are skipped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if scheduleCron != "" {
			cfg.Schedule.Cron = scheduleCron
		}

		var runner schedule.Runner
		if scheduleTemporal {
			if err := cfg.Validate("worker"); err != nil {
				return err
			}
			c, err := workflow.Dial(temporalOptions())
			if err != nil {
				return err
			}
			defer c.Close()
			runner = &workflow.Runner{Client: c, TaskQueue: cfg.Temporal.TaskQueue, UnitAttempts: cfg.Temporal.UnitAttempts}
		} else {
			env, err := initPipeline(ctx, "schedule")
			if err != nil {
				return err
			}
			defer env.Close()
			runner = env.Pipeline
		}

		s, err := schedule.New(cfg.Schedule.Cron, runner, cfg.Schedule.SourceFilter)
		if err != nil {
			return err
		}
		return s.Run(ctx)
	},
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression (default from config), e.g. \"0 * * * *\" or \"@every 30m\"")
	scheduleCmd.Flags().BoolVar(&scheduleTemporal, "temporal", false, "start each run as a Temporal workflow")
	rootCmd.AddCommand(scheduleCmd)
}
