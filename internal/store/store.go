package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/feedback-cli/internal/model"
)

// ErrNotFound is returned (wrapped) when a requested record does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// FeedbackFilter specifies criteria for listing feedback items.
type FeedbackFilter struct {
	Source    string `json:"source,omitempty"`
	Processed *bool  `json:"processed,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Store defines the persistence interface for the feedback pipeline.
type Store interface {
	// Feedback
	InsertFeedback(ctx context.Context, item *model.FeedbackItem) (bool, error)
	BulkInsertFeedback(ctx context.Context, items []model.FeedbackItem) (int64, error)
	SelectUnprocessed(ctx context.Context, source string) ([]model.FeedbackItem, error)
	ListFeedback(ctx context.Context, filter FeedbackFilter) ([]model.FeedbackItem, error)
	MarkProcessed(ctx context.Context, ids []string) (int, error)

	// Analysis artifacts
	InsertSentiment(ctx context.Context, r *model.SentimentResult) error
	ListRunSentiments(ctx context.Context, runID string) ([]model.SentimentResult, error)
	RecentSentiments(ctx context.Context, limit int) ([]model.SentimentResult, error)
	SentimentCounts(ctx context.Context) (model.SentimentCounts, error)
	InsertSourceSummary(ctx context.Context, s *model.SourceSummary) error
	ListRunSummaries(ctx context.Context, runID string) ([]model.SourceSummary, error)
	RecentSourceSummaries(ctx context.Context, limit int) ([]model.SourceSummary, error)
	InsertAggregatedInsight(ctx context.Context, in *model.AggregatedInsight) error
	LatestInsight(ctx context.Context) (*model.AggregatedInsight, error)

	// Runs and checkpoints
	CreateRun(ctx context.Context, run *model.Run) error
	UpdateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	FindResumableRun(ctx context.Context, sourceFilter string) (*model.Run, error)
	SaveCheckpoint(ctx context.Context, runID string, step model.Step, data []byte) error
	LoadCheckpoint(ctx context.Context, runID string, step model.Step) (*model.StepCheckpoint, error)

	// Isolated unit failures
	RecordUnitFailure(ctx context.Context, f *model.UnitFailure) error
	ListUnitFailures(ctx context.Context, runID string) ([]model.UnitFailure, error)

	// Run lock
	AcquireRunLock(ctx context.Context, holder string, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context, holder string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// clampLimit applies the default and maximum page size.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
