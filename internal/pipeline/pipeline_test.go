package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/resilience"
	"github.com/sells-group/feedback-cli/internal/store"
)

const aggregateReply = `Here is the overview:
{"overallSummary":"Users like the app but report crashes","topThemes":["ux","stability"],"overallSentiment":"Positive","urgentItems":["crash on login"]}`

func TestRun_NoFeedback(t *testing.T) {
	st := newTestStore(t)
	cls := &mockClassifier{}
	gen := &mockGenerator{}
	p := New(st, cls, gen, testConfig())

	res, err := p.Run(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoFeedback, res.Status)
	assert.Zero(t, res.ProcessedCount)

	cls.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)

	sentiments, err := st.RecentSentiments(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, sentiments)
	summaries, err := st.RecentSourceSummaries(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, summaries)
	insight, err := st.LatestInsight(context.Background())
	require.NoError(t, err)
	assert.Nil(t, insight)

	run, err := st.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusNoFeedback, run.Status)
}

func TestRun_SingleSourceBreakdown(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st,
		model.FeedbackItem{Source: "x", Content: "Great   app!"},
		model.FeedbackItem{Source: "x", Content: "Love it"},
		model.FeedbackItem{Source: "x", Content: "Crashes constantly"},
	)

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "Great app!").Return(label("POSITIVE", 0.98), nil)
	cls.On("Classify", mock.Anything, "Love it").Return(label("POSITIVE", 0.95), nil)
	cls.On("Classify", mock.Anything, "Crashes constantly").Return(label("NEGATIVE", 0.91), nil)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("x"), 1024).
		Return(`{"summary":"Mostly positive","themes":["ux","stability"],"sentiment":"Positive"}`, nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), 1500).Return(aggregateReply, nil)

	hook := &mockHook{}
	hook.On("AfterRun", mock.Anything, mock.Anything).Return(errors.New("webhook down"))

	p := New(st, cls, gen, testConfig(), hook)
	res, err := p.Run(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSuccess, res.Status)
	assert.Equal(t, 3, res.ProcessedCount)
	assert.Zero(t, res.ClassifyFailures)
	require.Len(t, res.SourceSummaries, 1)

	sum := res.SourceSummaries[0]
	assert.Equal(t, "x", sum.Source)
	assert.Equal(t, "Mostly positive", sum.Summary)
	assert.Equal(t, []string{"ux", "stability"}, sum.Themes)
	assert.Equal(t, "positive", sum.Sentiment)
	assert.Equal(t, model.SentimentBreakdown{Positive: 2, Negative: 1, Neutral: 0}, sum.Breakdown)
	assert.Equal(t, 3, sum.ItemCount)

	require.NotNil(t, res.FinalInsights)
	assert.Equal(t, model.SentimentPositive, res.FinalInsights.OverallSentiment)
	assert.Equal(t, []string{"crash on login"}, res.FinalInsights.UrgentItems)

	left, err := st.SelectUnprocessed(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, left)

	run, err := st.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.StepMarkProcessed, run.LastStep)
	require.NotNil(t, run.Result)
	assert.Equal(t, 3, run.Result.ProcessedCount)

	stored, err := st.ListRunSentiments(ctx, res.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	hook.AssertNumberOfCalls(t, "AfterRun", 1)
}

func TestRun_ClassifierFailureIsIsolated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	items := seedItems(t, st,
		model.FeedbackItem{Source: "y", Content: "nice"},
		model.FeedbackItem{Source: "y", Content: "broken"},
		model.FeedbackItem{Source: "y", Content: "awful"},
	)

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "nice").Return(label("POSITIVE", 0.9), nil)
	cls.On("Classify", mock.Anything, "broken").Return(nil, errors.New("model exploded"))
	cls.On("Classify", mock.Anything, "awful").Return(label("NEGATIVE", 0.8), nil)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("y"), mock.Anything).
		Return(`{"summary":"Split opinions","themes":[]}`, nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).
		Return("Sorry, I cannot summarize this.", nil)

	p := New(st, cls, gen, testConfig())
	res, err := p.Run(ctx, "y")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomeSuccess, res.Status)
	assert.Equal(t, 3, res.ProcessedCount)
	assert.Equal(t, 1, res.ClassifyFailures)
	require.Len(t, res.SourceSummaries, 1)
	assert.Equal(t, model.SentimentBreakdown{Positive: 1, Negative: 1, Neutral: 1}, res.SourceSummaries[0].Breakdown)

	// No JSON in the aggregation reply degrades to no insight.
	assert.Nil(t, res.FinalInsights)
	insight, err := st.LatestInsight(ctx)
	require.NoError(t, err)
	assert.Nil(t, insight)

	left, err := st.SelectUnprocessed(ctx, "y")
	require.NoError(t, err)
	assert.Empty(t, left, "failed item is still marked processed")

	failures, err := st.ListUnitFailures(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, items[1].ID, failures[0].UnitKey)
	assert.Equal(t, model.StepClassify, failures[0].Step)
	assert.Equal(t, resilience.ErrorTypePermanent, failures[0].ErrorType)
}

func TestRun_SummaryFailureIsIsolated(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st,
		model.FeedbackItem{Source: "app_store", Content: "fine"},
		model.FeedbackItem{Source: "twitter", Content: "meh"},
	)

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, mock.Anything).Return(label("NEUTRAL", 0.5), nil)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("app_store"), mock.Anything).
		Return("", resilience.NewTransientError(errors.New("overloaded"), 529))
	gen.On("Generate", mock.Anything, summaryPrompt("twitter"), mock.Anything).
		Return("no json at all", nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).Return(aggregateReply, nil)

	p := New(st, cls, gen, testConfig())
	res, err := p.Run(ctx, "")
	require.NoError(t, err)

	assert.Equal(t, 1, res.SummarizeFailures)
	require.Len(t, res.SourceSummaries, 1)
	assert.Equal(t, "twitter", res.SourceSummaries[0].Source)
	assert.Equal(t, defaultSummary, res.SourceSummaries[0].Summary)
	assert.Equal(t, []string{}, res.SourceSummaries[0].Themes)
	assert.Equal(t, 2, res.ProcessedCount)

	failures, err := st.ListUnitFailures(ctx, res.RunID)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "app_store", failures[0].UnitKey)
	assert.Equal(t, resilience.ErrorTypeTransient, failures[0].ErrorType)
}

func TestRun_ResumeSkipsCheckpointedSteps(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st,
		model.FeedbackItem{Source: "x", Content: "good"},
		model.FeedbackItem{Source: "x", Content: "bad"},
	)

	// Simulate a run that crashed after classification.
	run := &model.Run{SourceFilter: "x"}
	require.NoError(t, st.CreateRun(ctx, run))

	fetched, err := st.SelectUnprocessed(ctx, "x")
	require.NoError(t, err)
	cleaned := CleanItems(fetched)
	sentiments := []model.SentimentResult{
		{RunID: run.ID, FeedbackID: fetched[0].ID, Label: model.SentimentPositive, RawLabel: "POSITIVE", Score: 0.9},
		{RunID: run.ID, FeedbackID: fetched[1].ID, Label: model.SentimentNegative, RawLabel: "NEGATIVE", Score: 0.9},
	}
	saveCheckpoint(t, st, run.ID, model.StepFetch, fetched)
	saveCheckpoint(t, st, run.ID, model.StepClean, cleaned)
	saveCheckpoint(t, st, run.ID, model.StepClassify, sentiments)

	cls := &mockClassifier{}
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("x"), mock.Anything).
		Return(`{"summary":"Even split","themes":["price"]}`, nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).Return(aggregateReply, nil)

	p := New(st, cls, gen, testConfig())
	res, err := p.Run(ctx, "x")
	require.NoError(t, err)

	assert.Equal(t, run.ID, res.RunID)
	cls.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
	require.Len(t, res.SourceSummaries, 1)
	assert.Equal(t, model.SentimentBreakdown{Positive: 1, Negative: 1}, res.SourceSummaries[0].Breakdown)
	assert.Equal(t, 2, res.ProcessedCount)
}

func TestResume_CompletedRunReturnsStoredResult(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st, model.FeedbackItem{Source: "x", Content: "good"})

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "good").Return(label("POSITIVE", 0.9), nil).Once()
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("x"), mock.Anything).Return(`{"summary":"Good"}`, nil).Once()
	gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).Return(aggregateReply, nil).Once()

	p := New(st, cls, gen, testConfig())
	first, err := p.Run(ctx, "")
	require.NoError(t, err)

	again, err := p.Resume(ctx, first.RunID)
	require.NoError(t, err)
	assert.Equal(t, first.RunID, again.RunID)
	assert.Equal(t, first.ProcessedCount, again.ProcessedCount)
	cls.AssertNumberOfCalls(t, "Classify", 1)
	gen.AssertNumberOfCalls(t, "Generate", 2)
}

func TestResume_FailedRunRetriesFromCheckpoint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st, model.FeedbackItem{Source: "x", Content: "good"})

	run := &model.Run{SourceFilter: "x"}
	require.NoError(t, st.CreateRun(ctx, run))
	fetched, err := st.SelectUnprocessed(ctx, "x")
	require.NoError(t, err)
	saveCheckpoint(t, st, run.ID, model.StepFetch, fetched)
	run.Status = model.RunStatusFailed
	run.Error = "boom"
	require.NoError(t, st.UpdateRun(ctx, run))

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "good").Return(label("POSITIVE", 0.9), nil)
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("x"), mock.Anything).Return(`{"summary":"Good"}`, nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).Return(aggregateReply, nil)

	p := New(st, cls, gen, testConfig())
	res, err := p.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSuccess, res.Status)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, got.Status)
	assert.Empty(t, got.Error)
}

func TestResume_UnknownRun(t *testing.T) {
	st := newTestStore(t)
	p := New(st, &mockClassifier{}, &mockGenerator{}, testConfig())

	_, err := p.Resume(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRun_LockHeldElsewhere(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	ok, err := st.AcquireRunLock(ctx, "other-process", DefaultConfig().LockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	p := New(st, &mockClassifier{}, &mockGenerator{}, testConfig())
	_, err = p.Run(ctx, "")
	assert.ErrorIs(t, err, ErrRunInProgress)

	require.NoError(t, st.ReleaseRunLock(ctx, "other-process"))
	res, err := p.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoFeedback, res.Status)
}

func TestRun_LockReleasedAfterRun(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := New(st, &mockClassifier{}, &mockGenerator{}, testConfig())

	_, err := p.Run(ctx, "")
	require.NoError(t, err)

	ok, err := st.AcquireRunLock(ctx, "someone-else", DefaultConfig().LockTTL)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRun_RenewsLockDuringLongStep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st, model.FeedbackItem{Source: "x", Content: "slow one"})

	started := make(chan struct{})
	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "slow one").
		Run(func(mock.Arguments) {
			close(started)
			time.Sleep(150 * time.Millisecond)
		}).
		Return(label("POSITIVE", 0.9), nil)
	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("x"), 1024).Return(`{"summary":"ok"}`, nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), 1500).Return(aggregateReply, nil)

	cfg := testConfig()
	cfg.LockTTL = 60 * time.Millisecond
	p := New(st, cls, gen, cfg)

	type outcome struct {
		res *model.RunResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := p.Run(ctx, "")
		done <- outcome{res, err}
	}()

	<-started
	time.Sleep(100 * time.Millisecond)
	ok, err := st.AcquireRunLock(ctx, "other-process", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "lease must still be held past its original ttl")

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, model.OutcomeSuccess, out.res.Status)
	assert.Equal(t, 1, out.res.ProcessedCount)
}

func TestRun_AbortsWhenLockTakenOver(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st, model.FeedbackItem{Source: "x", Content: "contested"})

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "contested").
		Run(func(args mock.Arguments) {
			require.NoError(t, st.ReleaseRunLock(ctx, "test-holder"))
			ok, err := st.AcquireRunLock(ctx, "intruder", time.Hour)
			require.NoError(t, err)
			require.True(t, ok)
			select {
			case <-args.Get(0).(context.Context).Done():
			case <-time.After(2 * time.Second):
			}
		}).
		Return(nil, context.Canceled)

	cfg := testConfig()
	cfg.LockTTL = 30 * time.Millisecond
	p := New(st, cls, &mockGenerator{}, cfg)

	_, err := p.Run(ctx, "")
	assert.ErrorIs(t, err, ErrRunLockLost)

	left, err := st.SelectUnprocessed(ctx, "")
	require.NoError(t, err)
	assert.Len(t, left, 1, "aborted run must not mark items processed")

	runs, err := st.ListRuns(ctx, store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)

	ok, err := st.AcquireRunLock(ctx, "other-process", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "the intruder's lease is left alone")
}

func TestRun_ClassifiesCleanedTextEvenWhenEmpty(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	seedItems(t, st,
		model.FeedbackItem{Source: "z", Content: "<<<###>>> 🙂🙂"},
		model.FeedbackItem{Source: "z", Content: "Fine"},
	)

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "").Return(label("NEGATIVE", 0.5), nil)
	cls.On("Classify", mock.Anything, "Fine").Return(label("POSITIVE", 0.8), nil)

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "Feedback entries:") && !strings.Contains(p, "###") && strings.Contains(p, "Fine")
	}), 1024).Return(`{"summary":"s"}`, nil)
	gen.On("Generate", mock.Anything, aggregatePrompt(), 1500).Return(aggregateReply, nil)

	p := New(st, cls, gen, testConfig())
	res, err := p.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, res.ProcessedCount)

	cls.AssertCalled(t, "Classify", mock.Anything, "")
	cls.AssertNotCalled(t, "Classify", mock.Anything, "<<<###>>> 🙂🙂")
	gen.AssertNumberOfCalls(t, "Generate", 2)
}

func TestRun_InProcessOverlap(t *testing.T) {
	st := newTestStore(t)
	cfg := testConfig()
	cfg.RunLock = false
	p := New(st, &mockClassifier{}, &mockGenerator{}, cfg)

	p.running.Lock()
	_, err := p.Run(context.Background(), "")
	p.running.Unlock()
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRun_FetchErrorMarksRunFailed(t *testing.T) {
	st := newTestStore(t)
	p := New(st, &mockClassifier{}, &mockGenerator{}, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))
	cancel()

	_, err := p.execute(ctx, run)
	require.Error(t, err)

	got, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestSteps_ClassifySkipsExisting(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	items := CleanItems(seedItems(t, st,
		model.FeedbackItem{Source: "x", Content: "one"},
		model.FeedbackItem{Source: "x", Content: "two"},
	))
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.InsertSentiment(ctx, &model.SentimentResult{
		RunID: run.ID, FeedbackID: items[0].ID, Label: model.SentimentNegative, RawLabel: "NEGATIVE", Score: 0.7,
	}))

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "two").Return(label("POSITIVE", 0.9), nil)

	s := NewSteps(st, cls, &mockGenerator{}, Config{ClassifyConcurrency: 4})
	got, err := s.Classify(ctx, run.ID, items)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, items[0].ID, got[0].FeedbackID)
	assert.Equal(t, model.SentimentNegative, got[0].Label)
	assert.Equal(t, model.SentimentPositive, got[1].Label)
	cls.AssertNumberOfCalls(t, "Classify", 1)
}

func TestSteps_ClassifyTruncatesInput(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	items := CleanItems(seedItems(t, st, model.FeedbackItem{Source: "x", Content: "abcdefghij"}))
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))

	cls := &mockClassifier{}
	cls.On("Classify", mock.Anything, "abcd").Return(label("LABEL_2", 0.6), nil)

	s := NewSteps(st, cls, &mockGenerator{}, Config{MaxClassifyChars: 4})
	got, err := s.Classify(ctx, run.ID, items)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.SentimentPositive, got[0].Label)
	assert.Equal(t, "LABEL_2", got[0].RawLabel)
}

func TestSteps_SummarizeCapsThemes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	items := CleanItems(seedItems(t, st, model.FeedbackItem{Source: "x", Content: "ok"}))
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))

	gen := &mockGenerator{}
	gen.On("Generate", mock.Anything, summaryPrompt("x"), mock.Anything).
		Return(`{"summary":"s","themes":["1","2","3","4","5","6","7"]}`, nil)

	s := NewSteps(st, &mockClassifier{}, gen, DefaultConfig())
	got, err := s.Summarize(ctx, run.ID, items, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got[0].Themes)
	assert.Equal(t, model.SentimentBreakdown{Neutral: 1}, got[0].Breakdown)
}

func TestSteps_AggregateEdgeCases(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))
	summaries := []model.SourceSummary{{Source: "x", Summary: "s", Themes: []string{"a"}}}

	t.Run("no summaries skips generation", func(t *testing.T) {
		gen := &mockGenerator{}
		s := NewSteps(st, &mockClassifier{}, gen, DefaultConfig())
		got, err := s.Aggregate(ctx, run.ID, nil)
		require.NoError(t, err)
		assert.Nil(t, got)
		gen.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("generation error degrades", func(t *testing.T) {
		gen := &mockGenerator{}
		gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).Return("", errors.New("timeout"))
		s := NewSteps(st, &mockClassifier{}, gen, DefaultConfig())
		got, err := s.Aggregate(ctx, run.ID, summaries)
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("missing and unknown sentiment", func(t *testing.T) {
		gen := &mockGenerator{}
		gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).
			Return(`{"overallSummary":"fine"}`, nil).Once()
		s := NewSteps(st, &mockClassifier{}, gen, DefaultConfig())
		got, err := s.Aggregate(ctx, run.ID, summaries)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.SentimentNeutral, got.OverallSentiment)
		assert.Equal(t, []string{}, got.TopThemes)

		gen.On("Generate", mock.Anything, aggregatePrompt(), mock.Anything).
			Return(`{"overallSummary":"fine","overallSentiment":"bittersweet"}`, nil).Once()
		got, err = s.Aggregate(ctx, run.ID, summaries)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, model.SentimentMixed, got.OverallSentiment)
	})
}

func TestRunStep_UsesCheckpoint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))

	calls := 0
	fn := func(context.Context) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	first, err := runStep(ctx, st, run.ID, model.StepClean, fn)
	require.NoError(t, err)
	second, err := runStep(ctx, st, run.ID, model.StepClean, fn)
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
	assert.Equal(t, first, second)
}

func TestRunStep_NilPointerCheckpoint(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))

	calls := 0
	fn := func(context.Context) (*model.AggregatedInsight, error) {
		calls++
		return nil, nil
	}
	_, err := runStep(ctx, st, run.ID, model.StepAggregate, fn)
	require.NoError(t, err)
	got, err := runStep(ctx, st, run.ID, model.StepAggregate, fn)
	require.NoError(t, err)

	assert.Nil(t, got)
	assert.Equal(t, 1, calls)
}

func TestRunStep_ErrorNotCheckpointed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	run := &model.Run{}
	require.NoError(t, st.CreateRun(ctx, run))

	_, err := runStep(ctx, st, run.ID, model.StepFetch, func(context.Context) (int, error) {
		return 0, errors.New("db gone")
	})
	require.Error(t, err)

	cp, err := st.LoadCheckpoint(ctx, run.ID, model.StepFetch)
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func saveCheckpoint(t *testing.T, st store.Store, runID string, step model.Step, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, st.SaveCheckpoint(context.Background(), runID, step, data))
}
