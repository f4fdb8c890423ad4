package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector     *Collector
	alerter       *Alerter
	interval      time.Duration
	lookbackHours int
}

// NewChecker creates a background alert checker. Non-positive values fall
// back to a 5 minute interval and a 24 hour window.
func NewChecker(collector *Collector, alerter *Alerter, interval time.Duration, lookbackHours int) *Checker {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	return &Checker{collector: collector, alerter: alerter, interval: interval, lookbackHours: lookbackHours}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookbackHours),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			_, _ = c.Check(ctx)
		}
	}
}

// Check collects one snapshot, sends any alerts, and returns both.
func (c *Checker) Check(ctx context.Context) (*Snapshot, []Alert) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.lookbackHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil, nil
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return snap, nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return snap, alerts
}
