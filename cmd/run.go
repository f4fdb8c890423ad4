package main

import (
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/workflow"
)

var (
	runSource   string
	runResume   string
	runTemporal bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the feedback pipeline once",
	Long:  "Processes all unprocessed feedback (optionally for one source), resuming an interrupted run when one exists, and prints the run result as JSON.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if runTemporal {
			if runResume != "" {
				return eris.New("--resume is not supported with --temporal; Temporal resumes workflows itself")
			}
			if err := cfg.Validate("worker"); err != nil {
				return err
			}
			c, err := workflow.Dial(temporalOptions())
			if err != nil {
				return err
			}
			defer c.Close()

			runner := &workflow.Runner{Client: c, TaskQueue: cfg.Temporal.TaskQueue, UnitAttempts: cfg.Temporal.UnitAttempts}
			res, err := runner.Run(ctx, runSource)
			if err != nil {
				return err
			}
			return writeResult(os.Stdout, res)
		}

		env, err := initPipeline(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		var res *model.RunResult
		if runResume != "" {
			res, err = env.Pipeline.Resume(ctx, runResume)
		} else {
			res, err = env.Pipeline.Run(ctx, runSource)
		}
		if err != nil {
			return err
		}

		zap.L().Info("run complete",
			zap.String("run_id", res.RunID),
			zap.String("status", string(res.Status)),
			zap.Int("processed", res.ProcessedCount),
		)
		return writeResult(os.Stdout, res)
	},
}

func writeResult(w io.Writer, res *model.RunResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func temporalOptions() workflow.Options {
	return workflow.Options{
		HostPort:                cfg.Temporal.HostPort,
		Namespace:               cfg.Temporal.Namespace,
		TaskQueue:               cfg.Temporal.TaskQueue,
		MaxConcurrentActivities: cfg.Temporal.MaxConcurrentActivities,
	}
}

func init() {
	runCmd.Flags().StringVar(&runSource, "source", "", "only process feedback from this source")
	runCmd.Flags().StringVar(&runResume, "resume", "", "resume the run with this ID from its checkpoints")
	runCmd.Flags().BoolVar(&runTemporal, "temporal", false, "execute as a Temporal workflow (requires a running worker)")
	rootCmd.AddCommand(runCmd)
}
