// Package schedule triggers pipeline runs on a cron schedule.
package schedule

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/pipeline"
)

// Runner triggers a pipeline run.
type Runner interface {
	Run(ctx context.Context, sourceFilter string) (*model.RunResult, error)
}

// parser accepts standard 5-field expressions and descriptors such as
// "@hourly" or "@every 30m".
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler runs the pipeline whenever its schedule fires. A tick that
// arrives while the previous run is still going is skipped.
type Scheduler struct {
	spec         string
	schedule     cron.Schedule
	runner       Runner
	sourceFilter string
}

// New parses spec and creates a Scheduler.
func New(spec string, runner Runner, sourceFilter string) (*Scheduler, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, eris.New("schedule: empty cron expression")
	}
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, eris.Wrapf(err, "schedule: parse %q", spec)
	}
	return &Scheduler{spec: spec, schedule: sched, runner: runner, sourceFilter: sourceFilter}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t)
}

// Run blocks until ctx is cancelled, then waits for an in-flight run.
func (s *Scheduler) Run(ctx context.Context) error {
	logger := cronLogger{l: zap.L()}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.RunOnce(ctx) }))

	zap.L().Info("schedule: started",
		zap.String("cron", s.spec),
		zap.String("source_filter", s.sourceFilter),
		zap.Time("next", s.Next(time.Now())),
	)
	c.Start()
	<-ctx.Done()

	zap.L().Info("schedule: stopping")
	<-c.Stop().Done()
	return nil
}

// RunOnce triggers a single run and logs its outcome.
func (s *Scheduler) RunOnce(ctx context.Context) {
	res, err := s.runner.Run(ctx, s.sourceFilter)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		zap.L().Info("schedule: run skipped, another run in progress")
	case err != nil:
		zap.L().Error("schedule: run failed", zap.Error(err))
	default:
		zap.L().Info("schedule: run finished",
			zap.String("run_id", res.RunID),
			zap.String("status", string(res.Status)),
			zap.Int("processed", res.ProcessedCount),
		)
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Sugar().Debugw("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
