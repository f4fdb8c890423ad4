package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	tlog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/pipeline"
)

// Options configures the Temporal connection.
type Options struct {
	HostPort  string
	Namespace string
	TaskQueue string
	// MaxConcurrentActivities bounds activity fan-out per worker. Zero keeps
	// the SDK default.
	MaxConcurrentActivities int
}

// Dial connects to the Temporal frontend, logging through zap.
func Dial(opts Options) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
		Logger:    NewZapLogger(zap.L()),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: dial %s", opts.HostPort)
	}
	return c, nil
}

// NewWorker registers the pipeline workflow and activities on the task queue.
func NewWorker(c client.Client, opts Options, acts *Activities) worker.Worker {
	w := worker.New(c, opts.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: opts.MaxConcurrentActivities,
	})
	w.RegisterWorkflow(FeedbackPipeline)
	w.RegisterActivity(acts)
	return w
}

// WorkflowID is shared by every run whatever its source filter, so at most
// one pipeline workflow executes at a time. Filtered and unfiltered runs
// overlap on unprocessed items, matching the single store lock.
const WorkflowID = "feedback-pipeline"

// Runner starts runs as workflows and waits for them. It has the same Run
// method as *pipeline.Pipeline, so the API and scheduler can use either.
type Runner struct {
	Client       client.Client
	TaskQueue    string
	UnitAttempts int32
}

// Run implements the trigger used by the API and scheduler.
func (r *Runner) Run(ctx context.Context, sourceFilter string) (*model.RunResult, error) {
	return Start(ctx, r.Client, r.TaskQueue, Input{SourceFilter: sourceFilter, UnitAttempts: r.UnitAttempts})
}

// Start begins a FeedbackPipeline workflow and waits for its result. It
// returns pipeline.ErrRunInProgress while a run for the same filter is open.
func Start(ctx context.Context, c client.Client, taskQueue string, in Input) (*model.RunResult, error) {
	opts := client.StartWorkflowOptions{ID: WorkflowID, TaskQueue: taskQueue}
	opts.WorkflowExecutionErrorWhenAlreadyStarted = true
	wr, err := c.ExecuteWorkflow(ctx, opts, FeedbackPipeline, in)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return nil, pipeline.ErrRunInProgress
		}
		return nil, eris.Wrap(err, "workflow: start")
	}
	zap.L().Info("workflow: started",
		zap.String("workflow_id", wr.GetID()),
		zap.String("run_id", wr.GetRunID()),
	)

	var res model.RunResult
	if err := wr.Get(ctx, &res); err != nil {
		return nil, eris.Wrap(err, "workflow: run")
	}
	return &res, nil
}

// zapLogger adapts zap to the Temporal SDK logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger routes Temporal SDK logs through l.
func NewZapLogger(l *zap.Logger) tlog.Logger {
	return &zapLogger{s: l.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (z *zapLogger) Debug(msg string, keyvals ...any) { z.s.Debugw(msg, keyvals...) }
func (z *zapLogger) Info(msg string, keyvals ...any)  { z.s.Infow(msg, keyvals...) }
func (z *zapLogger) Warn(msg string, keyvals ...any)  { z.s.Warnw(msg, keyvals...) }
func (z *zapLogger) Error(msg string, keyvals ...any) { z.s.Errorw(msg, keyvals...) }

// With returns a logger carrying keyvals on every entry.
func (z *zapLogger) With(keyvals ...any) tlog.Logger {
	return &zapLogger{s: z.s.With(keyvals...)}
}
