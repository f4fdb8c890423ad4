package model

import (
	"strings"
	"time"
)

// FeedbackItem is a single piece of feedback ingested from a source.
type FeedbackItem struct {
	ID         string         `json:"id"`
	Source     string         `json:"source"`
	Content    string         `json:"content"`
	ExternalID string         `json:"external_id,omitempty"` // Dedupe key set by ingestion, unique per source
	Metadata   map[string]any `json:"metadata,omitempty"`
	Processed  bool           `json:"processed"`
	CreatedAt  time.Time      `json:"created_at"`

	// CleanedContent is derived by the pipeline and never persisted. Steps
	// after Clean read only this field, even when it is empty.
	CleanedContent string `json:"cleaned_content,omitempty"`
}

// SentimentLabel is the mapped sentiment category for one feedback item.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
	// SentimentMixed is only used by aggregated insights.
	SentimentMixed SentimentLabel = "mixed"
)

// MapClassifierLabel maps a raw classifier label (e.g. "POSITIVE", "LABEL_0",
// "neg") to a sentiment category. Unrecognized labels map to neutral.
func MapClassifierLabel(raw string) SentimentLabel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "positive", "pos", "label_2", "5 stars", "4 stars":
		return SentimentPositive
	case "negative", "neg", "label_0", "1 star", "2 stars":
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}

// ParseOverallSentiment normalizes a model-produced overall sentiment. A
// missing value is neutral; an unrecognized one is mixed.
func ParseOverallSentiment(raw string) SentimentLabel {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch SentimentLabel(s) {
	case "":
		return SentimentNeutral
	case SentimentPositive, SentimentNegative, SentimentNeutral, SentimentMixed:
		return SentimentLabel(s)
	default:
		return SentimentMixed
	}
}

// SentimentResult is the classifier output for one feedback item in one run.
type SentimentResult struct {
	ID         string         `json:"id"`
	RunID      string         `json:"run_id"`
	FeedbackID string         `json:"feedback_id"`
	Label      SentimentLabel `json:"label"`
	RawLabel   string         `json:"raw_label"`
	Score      float64        `json:"score"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SentimentBreakdown counts sentiments for a group of feedback items.
type SentimentBreakdown struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

// Total returns the sum of all counts.
func (b SentimentBreakdown) Total() int {
	return b.Positive + b.Negative + b.Neutral
}

// SourceSummary is the generated summary for all items of one source in a run.
type SourceSummary struct {
	ID        string             `json:"id"`
	RunID     string             `json:"run_id"`
	Source    string             `json:"source"`
	Summary   string             `json:"summary"`
	Themes    []string           `json:"themes"`
	Sentiment string             `json:"sentiment,omitempty"` // Model's own one-word read of the source
	Breakdown SentimentBreakdown `json:"sentiment_breakdown"`
	ItemCount int                `json:"item_count"`
	CreatedAt time.Time          `json:"created_at"`
}

// AggregatedInsight is the cross-source rollup produced at the end of a run.
type AggregatedInsight struct {
	ID               string         `json:"id"`
	RunID            string         `json:"run_id"`
	OverallSummary   string         `json:"overall_summary"`
	TopThemes        []string       `json:"top_themes"`
	OverallSentiment SentimentLabel `json:"overall_sentiment"`
	UrgentItems      []string       `json:"urgent_items"`
	CreatedAt        time.Time      `json:"created_at"`
}

// SentimentCounts holds label totals across all stored sentiment results.
type SentimentCounts map[SentimentLabel]int
