package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/resilience"
	"github.com/sells-group/feedback-cli/internal/store"
)

const (
	defaultSummary = "Summary not available"
	maxThemes      = 5
)

// Config tunes the pipeline steps and run locking.
type Config struct {
	MaxClassifyChars     int
	SummaryMaxTokens     int
	AggregateMaxTokens   int
	ClassifyConcurrency  int
	SummarizeConcurrency int
	RunLock              bool
	LockTTL              time.Duration
	// LockHolder identifies this process in the run lock. Generated when empty.
	LockHolder string
}

// DefaultConfig returns the defaults used when no configuration is given.
func DefaultConfig() Config {
	return Config{
		MaxClassifyChars:     512,
		SummaryMaxTokens:     1024,
		AggregateMaxTokens:   1500,
		ClassifyConcurrency:  1,
		SummarizeConcurrency: 1,
		RunLock:              true,
		LockTTL:              30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxClassifyChars <= 0 {
		c.MaxClassifyChars = def.MaxClassifyChars
	}
	if c.SummaryMaxTokens <= 0 {
		c.SummaryMaxTokens = def.SummaryMaxTokens
	}
	if c.AggregateMaxTokens <= 0 {
		c.AggregateMaxTokens = def.AggregateMaxTokens
	}
	if c.ClassifyConcurrency <= 0 {
		c.ClassifyConcurrency = 1
	}
	if c.SummarizeConcurrency <= 0 {
		c.SummarizeConcurrency = 1
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	return c
}

// Steps implements the individual pipeline steps. Pipeline chains them with
// store checkpoints; the Temporal workflow calls them from activities.
type Steps struct {
	store      store.Store
	classifier Classifier
	generator  Generator
	cfg        Config
}

// NewSteps creates the step implementations.
func NewSteps(st store.Store, cls Classifier, gen Generator, cfg Config) *Steps {
	return &Steps{store: st, classifier: cls, generator: gen, cfg: cfg.withDefaults()}
}

// Fetch loads unprocessed feedback, optionally for one source.
func (s *Steps) Fetch(ctx context.Context, source string) ([]model.FeedbackItem, error) {
	items, err := s.store.SelectUnprocessed(ctx, source)
	if err != nil {
		return nil, eris.Wrap(err, "fetch")
	}
	return items, nil
}

// ClassifyItem classifies one cleaned item and persists the result.
func (s *Steps) ClassifyItem(ctx context.Context, runID string, item model.FeedbackItem) (*model.SentimentResult, error) {
	text := truncateRunes(item.CleanedContent, s.cfg.MaxClassifyChars)
	c, err := s.classifier.Classify(ctx, text)
	if err != nil {
		return nil, eris.Wrapf(err, "classify %s", item.ID)
	}

	r := &model.SentimentResult{
		RunID:      runID,
		FeedbackID: item.ID,
		Label:      model.MapClassifierLabel(c.Label),
		RawLabel:   c.Label,
		Score:      c.Score,
	}
	if err := s.store.InsertSentiment(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Classify classifies every item, skipping items already classified in this
// run. A failed item is recorded and omitted. Results keep item order.
func (s *Steps) Classify(ctx context.Context, runID string, items []model.FeedbackItem) ([]model.SentimentResult, error) {
	existing, err := s.store.ListRunSentiments(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "classify: load existing")
	}
	done := make(map[string]model.SentimentResult, len(existing))
	for _, r := range existing {
		done[r.FeedbackID] = r
	}

	slots := make([]*model.SentimentResult, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ClassifyConcurrency)
	for i, it := range items {
		if r, ok := done[it.ID]; ok {
			slots[i] = &r
			continue
		}
		g.Go(func() error {
			r, err := s.ClassifyItem(gctx, runID, it)
			if err != nil {
				s.RecordFailure(gctx, runID, model.StepClassify, it.ID, err)
				return nil
			}
			slots[i] = r
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "classify")
	}

	out := make([]model.SentimentResult, 0, len(items))
	for _, r := range slots {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// RecordFailure logs and persists an isolated unit failure. Store errors are
// logged only.
func (s *Steps) RecordFailure(ctx context.Context, runID string, step model.Step, unitKey string, err error) {
	f := resilience.NewUnitFailure(runID, step, unitKey, err)
	zap.L().Warn("pipeline: unit failed",
		zap.String("run_id", runID),
		zap.String("step", string(step)),
		zap.String("unit", unitKey),
		zap.String("error_type", f.ErrorType),
		zap.Error(err),
	)
	if recErr := s.store.RecordUnitFailure(context.WithoutCancel(ctx), f); recErr != nil {
		zap.L().Error("pipeline: record unit failure", zap.String("run_id", runID), zap.Error(recErr))
	}
}

// SummarizeSource generates and persists the summary of one source group.
// labels maps feedback ID to this run's sentiment label.
func (s *Steps) SummarizeSource(ctx context.Context, runID string, group SourceGroup, labels map[string]model.SentimentLabel) (*model.SourceSummary, error) {
	text, err := s.generator.Generate(ctx, buildSummaryPrompt(group.Source, group.Items), s.cfg.SummaryMaxTokens)
	if err != nil {
		return nil, eris.Wrapf(err, "summarize %s", group.Source)
	}

	parsed := ParseEmbeddedJSON(text)
	themes := stringSliceField(parsed, "themes")
	if len(themes) > maxThemes {
		themes = themes[:maxThemes]
	}

	sum := &model.SourceSummary{
		RunID:     runID,
		Source:    group.Source,
		Summary:   stringField(parsed, "summary", defaultSummary),
		Themes:    themes,
		Sentiment: strings.ToLower(strings.TrimSpace(stringField(parsed, "sentiment", ""))),
		Breakdown: Breakdown(group.Items, labels),
		ItemCount: len(group.Items),
	}
	if err := s.store.InsertSourceSummary(ctx, sum); err != nil {
		return nil, err
	}
	return sum, nil
}

// Summarize produces one summary per source in first-seen order, reusing
// sources already summarized in this run. A failed source is recorded and
// omitted.
func (s *Steps) Summarize(ctx context.Context, runID string, items []model.FeedbackItem, results []model.SentimentResult) ([]model.SourceSummary, error) {
	existing, err := s.store.ListRunSummaries(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "summarize: load existing")
	}
	done := make(map[string]model.SourceSummary, len(existing))
	for _, sum := range existing {
		done[sum.Source] = sum
	}

	groups := GroupBySource(items)
	labels := labelIndex(results)
	slots := make([]*model.SourceSummary, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.SummarizeConcurrency)
	for i, grp := range groups {
		if sum, ok := done[grp.Source]; ok {
			slots[i] = &sum
			continue
		}
		g.Go(func() error {
			sum, err := s.SummarizeSource(gctx, runID, grp, labels)
			if err != nil {
				s.RecordFailure(gctx, runID, model.StepSummarize, grp.Source, err)
				return nil
			}
			slots[i] = sum
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "summarize")
	}

	out := make([]model.SourceSummary, 0, len(groups))
	for _, sum := range slots {
		if sum != nil {
			out = append(out, *sum)
		}
	}
	return out, nil
}

// Aggregate combines the source summaries into one insight. It returns nil
// without error when there is nothing to aggregate, when generation fails,
// or when the reply holds no JSON object. Only a store error is returned.
func (s *Steps) Aggregate(ctx context.Context, runID string, summaries []model.SourceSummary) (*model.AggregatedInsight, error) {
	log := zap.L().With(zap.String("run_id", runID), zap.String("step", string(model.StepAggregate)))
	if len(summaries) == 0 {
		log.Info("pipeline: no summaries to aggregate")
		return nil, nil
	}

	text, err := s.generator.Generate(ctx, buildAggregatePrompt(summaries), s.cfg.AggregateMaxTokens)
	if err != nil {
		log.Warn("pipeline: aggregate generation failed", zap.Error(err))
		return nil, nil
	}

	parsed := ParseEmbeddedJSON(text)
	if len(parsed) == 0 {
		log.Warn("pipeline: aggregate reply had no JSON object")
		return nil, nil
	}

	in := &model.AggregatedInsight{
		RunID:            runID,
		OverallSummary:   stringField(parsed, "overallSummary", ""),
		TopThemes:        stringSliceField(parsed, "topThemes"),
		OverallSentiment: model.ParseOverallSentiment(stringField(parsed, "overallSentiment", "")),
		UrgentItems:      stringSliceField(parsed, "urgentItems"),
	}
	if err := s.store.InsertAggregatedInsight(ctx, in); err != nil {
		return nil, eris.Wrap(err, "aggregate")
	}
	return in, nil
}

// MarkProcessed flags every fetched item as processed and returns how many
// items the run covered.
func (s *Steps) MarkProcessed(ctx context.Context, items []model.FeedbackItem) (int, error) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	n, err := s.store.MarkProcessed(ctx, ids)
	if err != nil {
		return 0, eris.Wrap(err, "mark processed")
	}
	if n != len(ids) {
		zap.L().Debug("pipeline: some items were already processed",
			zap.Int("ids", len(ids)), zap.Int("updated", n))
	}
	return len(ids), nil
}
