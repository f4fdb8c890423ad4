// Package workflow runs the feedback pipeline as a Temporal workflow. Each
// step is an activity whose result is recorded in workflow history, so a
// restarted worker resumes after the last completed activity.
package workflow

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/pipeline"
	"github.com/sells-group/feedback-cli/internal/resilience"
)

// Input starts a FeedbackPipeline workflow.
type Input struct {
	SourceFilter string `json:"source_filter,omitempty"`
	// UnitAttempts bounds retries of each classify and summarize activity.
	UnitAttempts int32 `json:"unit_attempts,omitempty"`
}

const defaultUnitAttempts = 3

func stepOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 5 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
}

func unitOptions(attempts int32) workflow.ActivityOptions {
	if attempts <= 0 {
		attempts = defaultUnitAttempts
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    attempts,
		},
	}
}

// FeedbackPipeline fetches unprocessed feedback, cleans it, classifies each
// item, summarizes each source, aggregates the summaries and marks every
// fetched item processed. Classify and summarize failures are recorded per
// unit and never fail the workflow.
func FeedbackPipeline(ctx workflow.Context, in Input) (*model.RunResult, error) {
	log := workflow.GetLogger(ctx)
	stepCtx := workflow.WithActivityOptions(ctx, stepOptions())
	unitCtx := workflow.WithActivityOptions(ctx, unitOptions(in.UnitAttempts))

	var a *Activities
	var run model.Run
	if err := workflow.ExecuteActivity(stepCtx, a.BeginRun, in.SourceFilter).Get(ctx, &run); err != nil {
		return nil, err
	}
	log.Info("workflow: run started", "run_id", run.ID, "source_filter", in.SourceFilter)

	fail := func(err error) error {
		finish := FinishInput{RunID: run.ID, Status: model.RunStatusFailed, Error: err.Error()}
		if ferr := workflow.ExecuteActivity(stepCtx, a.FinishRun, finish).Get(ctx, nil); ferr != nil {
			log.Warn("workflow: mark run failed", "run_id", run.ID, "error", ferr)
		}
		return err
	}

	var items []model.FeedbackItem
	if err := workflow.ExecuteActivity(stepCtx, a.Fetch, in.SourceFilter).Get(ctx, &items); err != nil {
		return nil, fail(err)
	}
	if len(items) == 0 {
		result := &model.RunResult{RunID: run.ID, Status: model.OutcomeNoFeedback}
		finish := FinishInput{RunID: run.ID, Status: model.RunStatusNoFeedback, Result: result}
		if err := workflow.ExecuteActivity(stepCtx, a.FinishRun, finish).Get(ctx, nil); err != nil {
			return nil, err
		}
		return result, nil
	}

	cleaned := pipeline.CleanItems(items)

	classifyFutures := make([]workflow.Future, len(cleaned))
	for i, it := range cleaned {
		classifyFutures[i] = workflow.ExecuteActivity(unitCtx, a.ClassifyItem, ClassifyInput{RunID: run.ID, Item: it})
	}
	sentiments := make([]model.SentimentResult, 0, len(cleaned))
	for i, f := range classifyFutures {
		var r model.SentimentResult
		if err := f.Get(ctx, &r); err != nil {
			if temporal.IsCanceledError(err) {
				return nil, err
			}
			recordFailure(ctx, stepCtx, run.ID, model.StepClassify, cleaned[i].ID, err)
			continue
		}
		sentiments = append(sentiments, r)
	}

	groups := pipeline.GroupBySource(cleaned)
	labels := make(map[string]model.SentimentLabel, len(sentiments))
	for _, r := range sentiments {
		labels[r.FeedbackID] = r.Label
	}
	summaryFutures := make([]workflow.Future, len(groups))
	for i, g := range groups {
		summaryFutures[i] = workflow.ExecuteActivity(unitCtx, a.SummarizeSource, SummarizeInput{RunID: run.ID, Group: g, Labels: labels})
	}
	summaries := make([]model.SourceSummary, 0, len(groups))
	for i, f := range summaryFutures {
		var sum model.SourceSummary
		if err := f.Get(ctx, &sum); err != nil {
			if temporal.IsCanceledError(err) {
				return nil, err
			}
			recordFailure(ctx, stepCtx, run.ID, model.StepSummarize, groups[i].Source, err)
			continue
		}
		summaries = append(summaries, sum)
	}

	var insight *model.AggregatedInsight
	if err := workflow.ExecuteActivity(stepCtx, a.Aggregate, AggregateInput{RunID: run.ID, Summaries: summaries}).Get(ctx, &insight); err != nil {
		return nil, fail(err)
	}

	var processed int
	if err := workflow.ExecuteActivity(stepCtx, a.MarkProcessed, items).Get(ctx, &processed); err != nil {
		return nil, fail(err)
	}

	result := &model.RunResult{
		RunID:             run.ID,
		Status:            model.OutcomeSuccess,
		ProcessedCount:    processed,
		SourceSummaries:   summaries,
		FinalInsights:     insight,
		ClassifyFailures:  len(cleaned) - len(sentiments),
		SummarizeFailures: len(groups) - len(summaries),
	}
	finish := FinishInput{RunID: run.ID, Status: model.RunStatusComplete, Result: result}
	if err := workflow.ExecuteActivity(stepCtx, a.FinishRun, finish).Get(ctx, nil); err != nil {
		return nil, err
	}

	log.Info("workflow: run complete",
		"run_id", run.ID,
		"processed", processed,
		"summaries", len(summaries),
		"classify_failures", result.ClassifyFailures,
	)
	return result, nil
}

// recordFailure stores a failed unit. A failure to record is only logged.
func recordFailure(ctx, stepCtx workflow.Context, runID string, step model.Step, unitKey string, err error) {
	in := FailureInput{
		RunID:     runID,
		Step:      step,
		UnitKey:   unitKey,
		Error:     err.Error(),
		ErrorType: resilience.ErrorTypeTransient,
	}
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) {
		in.Error = appErr.Error()
		if appErr.Type() == resilience.ErrorTypePermanent {
			in.ErrorType = resilience.ErrorTypePermanent
		}
	}
	var a *Activities
	if rerr := workflow.ExecuteActivity(stepCtx, a.RecordFailure, in).Get(ctx, nil); rerr != nil {
		workflow.GetLogger(ctx).Warn("workflow: record unit failure", "run_id", runID, "unit", unitKey, "error", rerr)
	}
}
