// Package monitoring computes pipeline health over a lookback window and
// alerts when thresholds are crossed.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

// maxRuns bounds how many recent runs a snapshot considers.
const maxRuns = 1000

// Snapshot holds a point-in-time view of pipeline health.
type Snapshot struct {
	RunsTotal      int     `json:"runs_total"`
	RunsComplete   int     `json:"runs_complete"`
	RunsNoFeedback int     `json:"runs_no_feedback"`
	RunsFailed     int     `json:"runs_failed"`
	RunsRunning    int     `json:"runs_running"`
	RunFailRate    float64 `json:"run_fail_rate"`

	// StaleRuns are running runs not updated within the stale window.
	StaleRuns []string `json:"stale_runs,omitempty"`

	ItemsProcessed    int     `json:"items_processed"`
	ClassifyFailures  int     `json:"classify_failures"`
	SummarizeFailures int     `json:"summarize_failures"`
	UnitFailRate      float64 `json:"unit_fail_rate"`

	// Sentiment totals across the window's completed runs.
	Breakdown     model.SentimentBreakdown `json:"sentiment_breakdown"`
	NegativeShare float64                  `json:"negative_share"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store      store.Store
	staleAfter time.Duration
	now        func() time.Time
}

// NewCollector creates a metrics collector. Running runs untouched for
// staleAfter are reported as stale; zero disables the check.
func NewCollector(st store.Store, staleAfter time.Duration) *Collector {
	return &Collector{store: st, staleAfter: staleAfter, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*Snapshot, error) {
	now := c.now().UTC()
	snap := &Snapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	// Runs are listed newest first.
	runs, err := c.store.ListRuns(ctx, store.RunFilter{Limit: maxRuns})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	for _, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			break
		}
		snap.RunsTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.RunsComplete++
		case model.RunStatusNoFeedback:
			snap.RunsNoFeedback++
		case model.RunStatusFailed:
			snap.RunsFailed++
		case model.RunStatusRunning:
			snap.RunsRunning++
			if c.staleAfter > 0 && now.Sub(r.UpdatedAt) > c.staleAfter {
				snap.StaleRuns = append(snap.StaleRuns, r.ID)
			}
		}
		if r.Result == nil {
			continue
		}
		snap.ItemsProcessed += r.Result.ProcessedCount
		snap.ClassifyFailures += r.Result.ClassifyFailures
		snap.SummarizeFailures += r.Result.SummarizeFailures
		for _, s := range r.Result.SourceSummaries {
			snap.Breakdown.Positive += s.Breakdown.Positive
			snap.Breakdown.Negative += s.Breakdown.Negative
			snap.Breakdown.Neutral += s.Breakdown.Neutral
		}
	}

	if finished := snap.RunsComplete + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}
	if snap.ItemsProcessed > 0 {
		snap.UnitFailRate = float64(snap.ClassifyFailures) / float64(snap.ItemsProcessed)
	}
	if total := snap.Breakdown.Total(); total > 0 {
		snap.NegativeShare = float64(snap.Breakdown.Negative) / float64(total)
	}
	return snap, nil
}
