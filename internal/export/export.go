// Package export writes stored summaries, insights, and sentiment totals to
// an Excel workbook.
package export

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

// Sheet names.
const (
	SheetSummaries = "Summaries"
	SheetInsight   = "Insight"
	SheetSentiment = "Sentiment"
)

// Report is the data written to a workbook.
type Report struct {
	GeneratedAt time.Time
	Summaries   []model.SourceSummary
	Insight     *model.AggregatedInsight
	Counts      model.SentimentCounts
}

// Collect loads the most recent summaries, the latest insight, and the
// sentiment totals.
func Collect(ctx context.Context, st store.Store, limit int) (*Report, error) {
	summaries, err := st.RecentSourceSummaries(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "export: load summaries")
	}
	insight, err := st.LatestInsight(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "export: load insight")
	}
	counts, err := st.SentimentCounts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "export: load sentiment counts")
	}
	return &Report{
		GeneratedAt: time.Now().UTC(),
		Summaries:   summaries,
		Insight:     insight,
		Counts:      counts,
	}, nil
}

// WriteXLSX saves r as a workbook with one sheet per section.
func WriteXLSX(path string, r *Report) error {
	f := xlsx.NewFile()

	sum, err := f.AddSheet(SheetSummaries)
	if err != nil {
		return eris.Wrap(err, "export: add summaries sheet")
	}
	addRow(sum, "Run", "Source", "Summary", "Themes", "Sentiment", "Positive", "Negative", "Neutral", "Items", "Created")
	for _, s := range r.Summaries {
		row := sum.AddRow()
		for _, v := range []string{s.RunID, s.Source, s.Summary, strings.Join(s.Themes, "; "), s.Sentiment} {
			row.AddCell().SetString(v)
		}
		for _, n := range []int{s.Breakdown.Positive, s.Breakdown.Negative, s.Breakdown.Neutral, s.ItemCount} {
			row.AddCell().SetInt(n)
		}
		row.AddCell().SetString(s.CreatedAt.UTC().Format(time.RFC3339))
	}

	ins, err := f.AddSheet(SheetInsight)
	if err != nil {
		return eris.Wrap(err, "export: add insight sheet")
	}
	addRow(ins, "Generated", r.GeneratedAt.UTC().Format(time.RFC3339))
	if r.Insight != nil {
		addRow(ins, "Run", r.Insight.RunID)
		addRow(ins, "Overall sentiment", string(r.Insight.OverallSentiment))
		addRow(ins, "Summary", r.Insight.OverallSummary)
		for i, theme := range r.Insight.TopThemes {
			addRow(ins, fmt.Sprintf("Theme %d", i+1), theme)
		}
		for i, item := range r.Insight.UrgentItems {
			addRow(ins, fmt.Sprintf("Urgent %d", i+1), item)
		}
	} else {
		addRow(ins, "Summary", "No insight has been generated yet.")
	}

	sen, err := f.AddSheet(SheetSentiment)
	if err != nil {
		return eris.Wrap(err, "export: add sentiment sheet")
	}
	addRow(sen, "Label", "Count")
	labels := make([]string, 0, len(r.Counts))
	for l := range r.Counts {
		labels = append(labels, string(l))
	}
	sort.Strings(labels)
	for _, l := range labels {
		row := sen.AddRow()
		row.AddCell().SetString(l)
		row.AddCell().SetInt(r.Counts[model.SentimentLabel(l)])
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "export: save %s", path)
	}
	return nil
}

func addRow(sheet *xlsx.Sheet, values ...string) {
	row := sheet.AddRow()
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
