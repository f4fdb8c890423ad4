// Package pipeline runs feedback through cleaning, sentiment
// classification, per-source summarization and cross-source aggregation,
// checkpointing each step so an interrupted run can resume.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

// ErrRunInProgress is returned when another run holds the run lock.
var ErrRunInProgress = eris.New("pipeline: another run is in progress")

// ErrRunLockLost is returned when the run lock lease could not be renewed
// while a run was executing. The run stops at its next suspension point.
var ErrRunLockLost = eris.New("pipeline: run lock lost")

// Pipeline orchestrates the checkpointed steps of a run.
type Pipeline struct {
	*Steps
	hooks  []Hook
	holder string

	// running guards against overlapping runs from this process, which
	// share a lock holder.
	running sync.Mutex
}

// New creates a Pipeline. Hooks run after each completed run.
func New(st store.Store, cls Classifier, gen Generator, cfg Config, hooks ...Hook) *Pipeline {
	steps := NewSteps(st, cls, gen, cfg)
	holder := steps.cfg.LockHolder
	if holder == "" {
		holder = uuid.New().String()
	}
	return &Pipeline{Steps: steps, hooks: hooks, holder: holder}
}

// Run processes all unprocessed feedback, optionally restricted to one
// source. An unfinished run for the same filter is resumed from its last
// checkpoint instead of starting over.
func (p *Pipeline) Run(ctx context.Context, sourceFilter string) (*model.RunResult, error) {
	ctx, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := p.store.FindResumableRun(ctx, sourceFilter)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: find resumable run")
	}
	if run != nil {
		zap.L().Info("pipeline: resuming run", zap.String("run_id", run.ID), zap.String("last_step", string(run.LastStep)))
	} else {
		run = &model.Run{ID: uuid.New().String(), SourceFilter: sourceFilter, Status: model.RunStatusRunning}
		if err := p.store.CreateRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "pipeline: create run")
		}
	}
	return p.executeLocked(ctx, run)
}

// Resume continues a specific run. A finished run returns its stored
// result; a failed run is retried from its checkpoints.
func (p *Pipeline) Resume(ctx context.Context, runID string) (*model.RunResult, error) {
	ctx, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	run, err := p.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: resume")
	}
	switch run.Status {
	case model.RunStatusComplete, model.RunStatusNoFeedback:
		return run.Result, nil
	case model.RunStatusFailed:
		run.Status = model.RunStatusRunning
		run.Error = ""
	}
	return p.executeLocked(ctx, run)
}

// acquire takes the in-process guard and, when enabled, the store lease.
// The returned context is cancelled with ErrRunLockLost if the lease cannot
// be renewed.
func (p *Pipeline) acquire(ctx context.Context) (context.Context, func(), error) {
	if !p.running.TryLock() {
		return nil, nil, ErrRunInProgress
	}
	if !p.cfg.RunLock {
		return ctx, p.running.Unlock, nil
	}

	ok, err := p.store.AcquireRunLock(ctx, p.holder, p.cfg.LockTTL)
	if err != nil {
		p.running.Unlock()
		return nil, nil, eris.Wrap(err, "pipeline: acquire run lock")
	}
	if !ok {
		p.running.Unlock()
		return nil, nil, ErrRunInProgress
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go p.renewLock(runCtx, cancel, stopped)

	return runCtx, func() {
		cancel(nil)
		<-stopped
		if err := p.store.ReleaseRunLock(context.WithoutCancel(ctx), p.holder); err != nil {
			zap.L().Warn("pipeline: release run lock", zap.Error(err))
		}
		p.running.Unlock()
	}, nil
}

// renewLock extends the lease every third of its TTL until ctx is done. The
// run is cancelled when another holder took the lease, or when renewals
// kept failing until the lease would have expired.
func (p *Pipeline) renewLock(ctx context.Context, cancel context.CancelCauseFunc, stopped chan<- struct{}) {
	defer close(stopped)
	ttl := p.cfg.LockTTL
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()
	renewed := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.AcquireRunLock(ctx, p.holder, ttl)
			if ctx.Err() != nil {
				return
			}
			switch {
			case err == nil && ok:
				renewed = time.Now()
				continue
			case err != nil && time.Since(renewed) < ttl:
				zap.L().Warn("pipeline: renew run lock", zap.String("holder", p.holder), zap.Error(err))
				continue
			}
			zap.L().Error("pipeline: run lock lost",
				zap.String("holder", p.holder),
				zap.Bool("taken_over", err == nil),
				zap.Error(err),
			)
			cancel(ErrRunLockLost)
			return
		}
	}
}

// executeLocked runs execute and reports a lost lease as ErrRunLockLost.
func (p *Pipeline) executeLocked(ctx context.Context, run *model.Run) (*model.RunResult, error) {
	res, err := p.execute(ctx, run)
	if err != nil && errors.Is(context.Cause(ctx), ErrRunLockLost) {
		return nil, ErrRunLockLost
	}
	return res, err
}

func (p *Pipeline) execute(ctx context.Context, run *model.Run) (*model.RunResult, error) {
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("source_filter", run.SourceFilter))
	log.Info("pipeline: starting run")

	items, err := runStep(ctx, p.store, run.ID, model.StepFetch, func(ctx context.Context) ([]model.FeedbackItem, error) {
		return p.Fetch(ctx, run.SourceFilter)
	})
	if err != nil {
		return nil, p.fail(ctx, run, model.StepFetch, err)
	}
	p.advance(ctx, run, model.StepFetch)

	if len(items) == 0 {
		result := &model.RunResult{RunID: run.ID, Status: model.OutcomeNoFeedback}
		run.Status = model.RunStatusNoFeedback
		run.Result = result
		if err := p.store.UpdateRun(ctx, run); err != nil {
			return nil, eris.Wrap(err, "pipeline: finish run")
		}
		log.Info("pipeline: no unprocessed feedback")
		return result, nil
	}

	cleaned, err := runStep(ctx, p.store, run.ID, model.StepClean, func(_ context.Context) ([]model.FeedbackItem, error) {
		return CleanItems(items), nil
	})
	if err != nil {
		return nil, p.fail(ctx, run, model.StepClean, err)
	}
	p.advance(ctx, run, model.StepClean)

	sentiments, err := runStep(ctx, p.store, run.ID, model.StepClassify, func(ctx context.Context) ([]model.SentimentResult, error) {
		return p.Classify(ctx, run.ID, cleaned)
	})
	if err != nil {
		return nil, p.fail(ctx, run, model.StepClassify, err)
	}
	p.advance(ctx, run, model.StepClassify)

	summaries, err := runStep(ctx, p.store, run.ID, model.StepSummarize, func(ctx context.Context) ([]model.SourceSummary, error) {
		return p.Summarize(ctx, run.ID, cleaned, sentiments)
	})
	if err != nil {
		return nil, p.fail(ctx, run, model.StepSummarize, err)
	}
	p.advance(ctx, run, model.StepSummarize)

	insight, err := runStep(ctx, p.store, run.ID, model.StepAggregate, func(ctx context.Context) (*model.AggregatedInsight, error) {
		return p.Aggregate(ctx, run.ID, summaries)
	})
	if err != nil {
		return nil, p.fail(ctx, run, model.StepAggregate, err)
	}
	p.advance(ctx, run, model.StepAggregate)

	processed, err := runStep(ctx, p.store, run.ID, model.StepMarkProcessed, func(ctx context.Context) (int, error) {
		return p.MarkProcessed(ctx, items)
	})
	if err != nil {
		return nil, p.fail(ctx, run, model.StepMarkProcessed, err)
	}

	result := &model.RunResult{
		RunID:             run.ID,
		Status:            model.OutcomeSuccess,
		ProcessedCount:    processed,
		SourceSummaries:   summaries,
		FinalInsights:     insight,
		ClassifyFailures:  len(cleaned) - len(sentiments),
		SummarizeFailures: len(GroupBySource(cleaned)) - len(summaries),
	}
	run.Status = model.RunStatusComplete
	run.LastStep = model.StepMarkProcessed
	run.Result = result
	if err := p.store.UpdateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: finish run")
	}

	log.Info("pipeline: run complete",
		zap.Int("processed", result.ProcessedCount),
		zap.Int("summaries", len(result.SourceSummaries)),
		zap.Bool("insight", result.FinalInsights != nil),
		zap.Int("classify_failures", result.ClassifyFailures),
		zap.Int("summarize_failures", result.SummarizeFailures),
	)

	p.afterRun(ctx, run)
	return result, nil
}

// advance records the last completed step. Failures only cost observability.
func (p *Pipeline) advance(ctx context.Context, run *model.Run, step model.Step) {
	run.LastStep = step
	if err := p.store.UpdateRun(ctx, run); err != nil {
		zap.L().Warn("pipeline: update run progress", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// fail marks the run failed, best effort, and returns err.
func (p *Pipeline) fail(ctx context.Context, run *model.Run, step model.Step, err error) error {
	zap.L().Error("pipeline: run failed",
		zap.String("run_id", run.ID),
		zap.String("step", string(step)),
		zap.Error(err),
	)
	run.Status = model.RunStatusFailed
	run.Error = err.Error()
	if updErr := p.store.UpdateRun(context.WithoutCancel(ctx), run); updErr != nil {
		zap.L().Warn("pipeline: mark run failed", zap.String("run_id", run.ID), zap.Error(updErr))
	}
	return err
}

func (p *Pipeline) afterRun(ctx context.Context, run *model.Run) {
	for _, h := range p.hooks {
		if err := h.AfterRun(ctx, run); err != nil {
			zap.L().Warn("pipeline: post-run hook failed",
				zap.String("hook", h.Name()),
				zap.String("run_id", run.ID),
				zap.Error(err),
			)
		}
	}
}
