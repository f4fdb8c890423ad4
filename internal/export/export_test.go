package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

func cellText(t *testing.T, sh *xlsx.Sheet, row, col int) string {
	t.Helper()
	require.Greater(t, len(sh.Rows), row)
	require.Greater(t, len(sh.Rows[row].Cells), col)
	return sh.Rows[row].Cells[col].String()
}

func TestWriteXLSX(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Report{
		GeneratedAt: created,
		Summaries: []model.SourceSummary{{
			RunID:     "run-1",
			Source:    "app_store",
			Summary:   "Users like the app.",
			Themes:    []string{"speed", "price"},
			Sentiment: "positive",
			Breakdown: model.SentimentBreakdown{Positive: 2, Negative: 1},
			ItemCount: 3,
			CreatedAt: created,
		}},
		Insight: &model.AggregatedInsight{
			RunID:            "run-1",
			OverallSummary:   "Mostly positive.",
			TopThemes:        []string{"speed"},
			OverallSentiment: model.SentimentPositive,
			UrgentItems:      []string{"login broken"},
		},
		Counts: model.SentimentCounts{model.SentimentPositive: 2, model.SentimentNegative: 1},
	}

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, WriteXLSX(path, r))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	require.Len(t, f.Sheets, 3)

	sum := f.Sheet[SheetSummaries]
	require.NotNil(t, sum)
	assert.Equal(t, "Run", cellText(t, sum, 0, 0))
	assert.Equal(t, "app_store", cellText(t, sum, 1, 1))
	assert.Equal(t, "speed; price", cellText(t, sum, 1, 3))
	pos, err := sum.Rows[1].Cells[5].Int()
	require.NoError(t, err)
	assert.Equal(t, 2, pos)
	assert.Equal(t, "2026-03-01T10:00:00Z", cellText(t, sum, 1, 9))

	ins := f.Sheet[SheetInsight]
	require.NotNil(t, ins)
	assert.Equal(t, "positive", cellText(t, ins, 2, 1))
	assert.Equal(t, "Theme 1", cellText(t, ins, 4, 0))
	assert.Equal(t, "login broken", cellText(t, ins, 5, 1))

	sen := f.Sheet[SheetSentiment]
	require.NotNil(t, sen)
	assert.Equal(t, "negative", cellText(t, sen, 1, 0))
	assert.Equal(t, "positive", cellText(t, sen, 2, 0))
}

func TestWriteXLSX_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, WriteXLSX(path, &Report{GeneratedAt: time.Now()}))

	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	ins := f.Sheet[SheetInsight]
	require.NotNil(t, ins)
	assert.Equal(t, "No insight has been generated yet.", cellText(t, ins, 1, 1))
	assert.Len(t, f.Sheet[SheetSummaries].Rows, 1)
}

func TestCollect(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	r, err := Collect(ctx, st, 10)
	require.NoError(t, err)
	assert.Empty(t, r.Summaries)
	assert.Nil(t, r.Insight)
	assert.False(t, r.GeneratedAt.IsZero())
}
