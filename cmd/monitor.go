package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/feedback-cli/internal/config"
	"github.com/sells-group/feedback-cli/internal/monitoring"
	"github.com/sells-group/feedback-cli/internal/store"
)

var monitorWatch bool

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check pipeline health and send alerts",
	Long:  "Collects run health over the lookback window, prints it as JSON, and posts any threshold breaches to the alert webhook. With --watch, repeats every check interval.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		checker := newChecker(cfg, st)
		if monitorWatch {
			checker.Run(ctx)
			return nil
		}

		snap, alerts := checker.Check(ctx)
		if snap == nil {
			return eris.New("monitor: collect health snapshot failed")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"snapshot": snap, "alerts": alerts})
	},
}

func newChecker(c *config.Config, st store.Store) *monitoring.Checker {
	m := c.Monitoring
	collector := monitoring.NewCollector(st, time.Duration(m.StaleRunMinutes)*time.Minute)
	alerter := monitoring.NewAlerter(monitoring.Thresholds{
		RunFailureRate:  m.FailureRateThreshold,
		UnitFailureRate: m.UnitFailureRateThreshold,
		NegativeShare:   m.NegativeShareThreshold,
	}, c.AlertWebhook())
	return monitoring.NewChecker(collector, alerter, time.Duration(m.CheckIntervalSecs)*time.Second, m.LookbackWindowHours)
}

func init() {
	monitorCmd.Flags().BoolVar(&monitorWatch, "watch", false, "keep checking every monitoring.check_interval_secs")
	rootCmd.AddCommand(monitorCmd)
}
