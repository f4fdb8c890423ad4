package pipeline

import "github.com/sells-group/feedback-cli/internal/model"

// SourceGroup is the feedback of one source within a run.
type SourceGroup struct {
	Source string               `json:"source"`
	Items  []model.FeedbackItem `json:"items"`
}

// GroupBySource groups items by source, ordering groups by the first
// appearance of each source and keeping item order within a group.
func GroupBySource(items []model.FeedbackItem) []SourceGroup {
	index := map[string]int{}
	var groups []SourceGroup
	for _, it := range items {
		i, ok := index[it.Source]
		if !ok {
			i = len(groups)
			index[it.Source] = i
			groups = append(groups, SourceGroup{Source: it.Source})
		}
		groups[i].Items = append(groups[i].Items, it)
	}
	return groups
}

// Breakdown counts positive and negative labels among the group's items.
// Items without a label, including those whose classification failed, are
// folded into Neutral so the three counts always sum to len(items).
func Breakdown(items []model.FeedbackItem, labels map[string]model.SentimentLabel) model.SentimentBreakdown {
	var b model.SentimentBreakdown
	for _, it := range items {
		switch labels[it.ID] {
		case model.SentimentPositive:
			b.Positive++
		case model.SentimentNegative:
			b.Negative++
		}
	}
	b.Neutral = len(items) - b.Positive - b.Negative
	return b
}

// labelIndex maps feedback ID to sentiment label.
func labelIndex(results []model.SentimentResult) map[string]model.SentimentLabel {
	m := make(map[string]model.SentimentLabel, len(results))
	for _, r := range results {
		m[r.FeedbackID] = r.Label
	}
	return m
}
