package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

// --- Classifier Mock ---

type mockClassifier struct {
	mock.Mock
}

func (m *mockClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Classification), args.Error(1)
}

// --- Generator Mock ---

type mockGenerator struct {
	mock.Mock
}

func (m *mockGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	args := m.Called(ctx, prompt, maxTokens)
	return args.String(0), args.Error(1)
}

// --- Hook Mock ---

type mockHook struct {
	mock.Mock
}

func (m *mockHook) Name() string { return "mock" }

func (m *mockHook) AfterRun(ctx context.Context, run *model.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

// summaryPrompt matches the per-source summary prompt for source.
func summaryPrompt(source string) any {
	return mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "Feedback entries:") && strings.Contains(p, `"`+source+`"`)
	})
}

// aggregatePrompt matches the cross-source aggregation prompt.
func aggregatePrompt() any {
	return mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "Source summaries:")
	})
}

func label(l string, score float64) *Classification {
	return &Classification{Label: l, Score: score}
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedItems(t *testing.T, st store.Store, items ...model.FeedbackItem) []model.FeedbackItem {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := range items {
		items[i].CreatedAt = base.Add(time.Duration(i) * time.Minute)
		ok, err := st.InsertFeedback(context.Background(), &items[i])
		require.NoError(t, err)
		require.True(t, ok)
	}
	return items
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LockHolder = "test-holder"
	return cfg
}
