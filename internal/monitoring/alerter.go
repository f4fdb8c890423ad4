package monitoring

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate  AlertType = "run_failure_rate"
	AlertUnitFailureRate AlertType = "unit_failure_rate"
	AlertNegativeShare   AlertType = "negative_sentiment"
	AlertStaleRun        AlertType = "stale_run"
)

// Thresholds controls when alerts fire. A zero threshold disables its check.
type Thresholds struct {
	RunFailureRate  float64
	UnitFailureRate float64
	NegativeShare   float64
	// MinRuns is how many finished runs the failure rate needs before it is
	// trusted.
	MinRuns int
}

// Alert is a single threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates snapshots and posts alerts to a Slack webhook.
type Alerter struct {
	th         Thresholds
	webhookURL string
}

// NewAlerter creates an Alerter. With an empty webhookURL alerts are only
// evaluated, never sent.
func NewAlerter(th Thresholds, webhookURL string) *Alerter {
	if th.MinRuns <= 0 {
		th.MinRuns = 3
	}
	return &Alerter{th: th, webhookURL: webhookURL}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsComplete + snap.RunsFailed
	if a.th.RunFailureRate > 0 && finished >= a.th.MinRuns && snap.RunFailRate > a.th.RunFailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.RunFailRate*100, a.th.RunFailureRate*100, snap.RunsFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.th.RunFailureRate,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if a.th.UnitFailureRate > 0 && snap.ItemsProcessed > 0 && snap.UnitFailRate > a.th.UnitFailureRate {
		alerts = append(alerts, Alert{
			Type:     AlertUnitFailureRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of %d items failed classification (%.1f%%) in last %dh",
				snap.ClassifyFailures, snap.ItemsProcessed, snap.UnitFailRate*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"classify_failures":  snap.ClassifyFailures,
				"summarize_failures": snap.SummarizeFailures,
				"items":              snap.ItemsProcessed,
			},
			Timestamp: now,
		})
	}

	if a.th.NegativeShare > 0 && snap.Breakdown.Total() > 0 && snap.NegativeShare > a.th.NegativeShare {
		alerts = append(alerts, Alert{
			Type:     AlertNegativeShare,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Negative feedback share %.1f%% exceeds threshold %.1f%% in last %dh",
				snap.NegativeShare*100, a.th.NegativeShare*100, snap.LookbackHours,
			),
			Details: map[string]any{
				"negative": snap.Breakdown.Negative,
				"total":    snap.Breakdown.Total(),
			},
			Timestamp: now,
		})
	}

	if len(snap.StaleRuns) > 0 {
		alerts = append(alerts, Alert{
			Type:      AlertStaleRun,
			Severity:  "high",
			Message:   fmt.Sprintf("%d run(s) stuck in running: %s", len(snap.StaleRuns), strings.Join(snap.StaleRuns, ", ")),
			Details:   map[string]any{"run_ids": snap.StaleRuns},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts posts alerts to the webhook and returns how many were sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.send(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) send(ctx context.Context, alert Alert) error {
	msg := &slack.WebhookMessage{
		Text: fmt.Sprintf("[%s] %s", strings.ToUpper(alert.Severity), alert.Message),
		Blocks: &slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("*%s* (%s)\n%s", alert.Type, alert.Severity, alert.Message), false, false), nil, nil),
		}},
	}
	if err := slack.PostWebhookContext(ctx, a.webhookURL, msg); err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	return nil
}
