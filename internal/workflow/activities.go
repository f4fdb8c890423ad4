package workflow

import (
	"context"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/pipeline"
	"github.com/sells-group/feedback-cli/internal/resilience"
	"github.com/sells-group/feedback-cli/internal/store"
)

// ClassifyInput is the payload of the ClassifyItem activity.
type ClassifyInput struct {
	RunID string             `json:"run_id"`
	Item  model.FeedbackItem `json:"item"`
}

// SummarizeInput is the payload of the SummarizeSource activity.
type SummarizeInput struct {
	RunID  string                          `json:"run_id"`
	Group  pipeline.SourceGroup            `json:"group"`
	Labels map[string]model.SentimentLabel `json:"labels"`
}

// AggregateInput is the payload of the Aggregate activity.
type AggregateInput struct {
	RunID     string                `json:"run_id"`
	Summaries []model.SourceSummary `json:"summaries"`
}

// FailureInput describes a unit whose activity failed for good.
type FailureInput struct {
	RunID     string     `json:"run_id"`
	Step      model.Step `json:"step"`
	UnitKey   string     `json:"unit_key"`
	Error     string     `json:"error"`
	ErrorType string     `json:"error_type"`
}

// FinishInput closes a run with its final status.
type FinishInput struct {
	RunID  string           `json:"run_id"`
	Status model.RunStatus  `json:"status"`
	Result *model.RunResult `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

// Activities exposes the pipeline steps to Temporal. Register a pointer to
// it with the worker.
type Activities struct {
	store store.Store
	steps *pipeline.Steps
	hooks []pipeline.Hook
}

// NewActivities creates the activity set. Hooks run when a run completes.
func NewActivities(st store.Store, steps *pipeline.Steps, hooks ...pipeline.Hook) *Activities {
	return &Activities{store: st, steps: steps, hooks: hooks}
}

// BeginRun creates the run record keyed by the workflow run ID. Retries are
// idempotent.
func (a *Activities) BeginRun(ctx context.Context, sourceFilter string) (*model.Run, error) {
	info := activity.GetInfo(ctx)
	run := &model.Run{
		ID:           info.WorkflowExecution.RunID,
		SourceFilter: sourceFilter,
		Status:       model.RunStatusRunning,
	}
	if err := a.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "workflow: begin run")
	}
	return run, nil
}

// Fetch loads unprocessed feedback.
func (a *Activities) Fetch(ctx context.Context, sourceFilter string) ([]model.FeedbackItem, error) {
	return a.steps.Fetch(ctx, sourceFilter)
}

// ClassifyItem classifies and persists one cleaned item.
func (a *Activities) ClassifyItem(ctx context.Context, in ClassifyInput) (*model.SentimentResult, error) {
	r, err := a.steps.ClassifyItem(ctx, in.RunID, in.Item)
	if err != nil {
		return nil, unitError(err)
	}
	return r, nil
}

// SummarizeSource summarizes and persists one source group.
func (a *Activities) SummarizeSource(ctx context.Context, in SummarizeInput) (*model.SourceSummary, error) {
	sum, err := a.steps.SummarizeSource(ctx, in.RunID, in.Group, in.Labels)
	if err != nil {
		return nil, unitError(err)
	}
	return sum, nil
}

// RecordFailure persists a unit failure reported by the workflow.
func (a *Activities) RecordFailure(ctx context.Context, in FailureInput) error {
	zap.L().Warn("workflow: unit failed",
		zap.String("run_id", in.RunID),
		zap.String("step", string(in.Step)),
		zap.String("unit", in.UnitKey),
		zap.String("error_type", in.ErrorType),
		zap.String("error", in.Error),
	)
	err := a.store.RecordUnitFailure(ctx, &model.UnitFailure{
		RunID:     in.RunID,
		Step:      in.Step,
		UnitKey:   in.UnitKey,
		Error:     in.Error,
		ErrorType: in.ErrorType,
	})
	return eris.Wrap(err, "workflow: record failure")
}

// Aggregate produces the cross-source insight, or nil when it degraded.
func (a *Activities) Aggregate(ctx context.Context, in AggregateInput) (*model.AggregatedInsight, error) {
	return a.steps.Aggregate(ctx, in.RunID, in.Summaries)
}

// MarkProcessed flags every fetched item as processed.
func (a *Activities) MarkProcessed(ctx context.Context, items []model.FeedbackItem) (int, error) {
	return a.steps.MarkProcessed(ctx, items)
}

// FinishRun stores the final run state and, for completed runs, runs the
// post-run hooks. Hook errors are logged only.
func (a *Activities) FinishRun(ctx context.Context, in FinishInput) error {
	run, err := a.store.GetRun(ctx, in.RunID)
	if err != nil {
		return eris.Wrap(err, "workflow: finish run")
	}
	run.Status = in.Status
	run.Result = in.Result
	run.Error = in.Error
	if in.Status == model.RunStatusComplete {
		run.LastStep = model.StepMarkProcessed
	}
	if err := a.store.UpdateRun(ctx, run); err != nil {
		return eris.Wrap(err, "workflow: finish run")
	}

	if in.Status != model.RunStatusComplete {
		return nil
	}
	for _, h := range a.hooks {
		if err := h.AfterRun(ctx, run); err != nil {
			zap.L().Warn("workflow: post-run hook failed",
				zap.String("hook", h.Name()),
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// unitError stops Temporal from retrying errors that are not transient.
func unitError(err error) error {
	if resilience.IsTransient(err) {
		return err
	}
	return temporal.NewNonRetryableApplicationError(err.Error(), resilience.ErrorTypePermanent, err)
}
