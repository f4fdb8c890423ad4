// Package notify posts run summaries to Slack after a pipeline run completes.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
)

// maxUrgent caps the urgent items listed in a message.
const maxUrgent = 10

// Slack posts a run digest to an incoming webhook.
type Slack struct {
	webhookURL string
	urgentOnly bool
}

// NewSlack creates a Slack notifier. With urgentOnly set, runs without
// urgent items are not posted.
func NewSlack(webhookURL string, urgentOnly bool) *Slack {
	return &Slack{webhookURL: webhookURL, urgentOnly: urgentOnly}
}

// Name implements pipeline.Hook.
func (s *Slack) Name() string { return "slack" }

// AfterRun implements pipeline.Hook.
func (s *Slack) AfterRun(ctx context.Context, run *model.Run) error {
	if run == nil || run.Result == nil {
		return nil
	}
	insight := run.Result.FinalInsights
	if s.urgentOnly && (insight == nil || len(insight.UrgentItems) == 0) {
		zap.L().Debug("notify: no urgent items, skipping slack", zap.String("run_id", run.ID))
		return nil
	}

	msg := BuildMessage(run)
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		return eris.Wrap(err, "notify: post slack webhook")
	}
	zap.L().Info("notify: posted run digest to slack", zap.String("run_id", run.ID))
	return nil
}

// BuildMessage renders a run as a webhook message with a plain-text
// fallback and Block Kit sections.
func BuildMessage(run *model.Run) *slack.WebhookMessage {
	res := run.Result
	insight := res.FinalInsights

	sentiment := "n/a"
	summary := "No aggregated insight was produced for this run."
	if insight != nil {
		sentiment = string(insight.OverallSentiment)
		if insight.OverallSummary != "" {
			summary = insight.OverallSummary
		}
	}

	fallback := fmt.Sprintf("Feedback run %s: %d items processed, overall sentiment %s",
		run.ID, res.ProcessedCount, sentiment)

	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject(slack.PlainTextType, "Feedback digest", false, false),
		),
		slack.NewSectionBlock(nil, []*slack.TextBlockObject{
			field("Run", run.ID),
			field("Processed", fmt.Sprintf("%d", res.ProcessedCount)),
			field("Sentiment", sentiment),
			field("Sources", fmt.Sprintf("%d", len(res.SourceSummaries))),
		}, nil),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, summary, false, false), nil, nil),
	}

	if insight != nil && len(insight.TopThemes) > 0 {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType,
				"*Top themes:* "+strings.Join(insight.TopThemes, ", "), false, false), nil, nil))
	}

	if insight != nil && len(insight.UrgentItems) > 0 {
		items := insight.UrgentItems
		if len(items) > maxUrgent {
			items = items[:maxUrgent]
		}
		var b strings.Builder
		b.WriteString("*Urgent:*")
		for _, it := range items {
			b.WriteString("\n• ")
			b.WriteString(it)
		}
		blocks = append(blocks, slack.NewDividerBlock(), slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, b.String(), false, false), nil, nil))
	}

	if n := res.ClassifyFailures + res.SummarizeFailures; n > 0 {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType,
				fmt.Sprintf("%d classify / %d summarize failures", res.ClassifyFailures, res.SummarizeFailures),
				false, false)))
	}

	return &slack.WebhookMessage{
		Text:   fallback,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func field(label, value string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("*%s*\n%s", label, value), false, false)
}
