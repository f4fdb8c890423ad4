package pipeline

import (
	"fmt"
	"strings"

	"github.com/sells-group/feedback-cli/internal/model"
)

const summaryInstructions = `You are analyzing customer feedback collected from the source %q.
Read every feedback entry below and respond with a single JSON object and nothing else:
{"summary": "two or three sentence summary", "themes": ["up to five short recurring themes"], "sentiment": "positive, negative, neutral or mixed"}

Feedback entries:

`

const aggregateInstructions = `You are combining per-source customer feedback summaries into one overview.
Respond with a single JSON object and nothing else:
{"overallSummary": "short overview across all sources", "topThemes": ["most important themes"], "overallSentiment": "positive, negative, neutral or mixed", "urgentItems": ["issues that need immediate attention"]}

Source summaries:

`

// buildSummaryPrompt joins the cleaned texts of one source group with blank
// lines under the summary instructions.
func buildSummaryPrompt(source string, items []model.FeedbackItem) string {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.CleanedContent
	}
	return fmt.Sprintf(summaryInstructions, source) + strings.Join(texts, "\n\n")
}

// buildAggregatePrompt renders one "source: summary (Themes: a, b)" line per
// summary.
func buildAggregatePrompt(summaries []model.SourceSummary) string {
	lines := make([]string, len(summaries))
	for i, s := range summaries {
		lines[i] = fmt.Sprintf("%s: %s (Themes: %s)", s.Source, s.Summary, strings.Join(s.Themes, ", "))
	}
	return aggregateInstructions + strings.Join(lines, "\n")
}
