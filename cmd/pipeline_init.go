package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedback-cli/internal/archive"
	"github.com/sells-group/feedback-cli/internal/config"
	"github.com/sells-group/feedback-cli/internal/notify"
	"github.com/sells-group/feedback-cli/internal/pipeline"
	"github.com/sells-group/feedback-cli/internal/resilience"
	"github.com/sells-group/feedback-cli/internal/store"
	anthropicpkg "github.com/sells-group/feedback-cli/pkg/anthropic"
	"github.com/sells-group/feedback-cli/pkg/huggingface"
	openaipkg "github.com/sells-group/feedback-cli/pkg/openai"
)

// pipelineEnv holds the store, collaborators, and pipeline needed by the
// run, serve, schedule, and worker commands.
type pipelineEnv struct {
	Store    store.Store
	Steps    *pipeline.Steps
	Pipeline *pipeline.Pipeline
	Hooks    []pipeline.Hook
	Archiver *archive.Archiver // nil when archival is off
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, opens the store, and wires the
// classifier, generator, and after-run hooks. Callers should defer
// env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	cls := buildClassifier(cfg)
	gen, err := buildGenerator(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	hooks, arch, err := buildHooks(ctx, cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pcfg := pipelineConfig(cfg)
	return &pipelineEnv{
		Store:    st,
		Steps:    pipeline.NewSteps(st, cls, gen, pcfg),
		Pipeline: pipeline.New(st, cls, gen, pcfg, hooks...),
		Hooks:    hooks,
		Archiver: arch,
	}, nil
}

func pipelineConfig(c *config.Config) pipeline.Config {
	return pipeline.Config{
		MaxClassifyChars:     c.Pipeline.MaxClassifyChars,
		SummaryMaxTokens:     c.Pipeline.SummaryMaxTokens,
		AggregateMaxTokens:   c.Pipeline.AggregateMaxTokens,
		ClassifyConcurrency:  c.Pipeline.ClassifyConcurrency,
		SummarizeConcurrency: c.Pipeline.SummarizeConcurrency,
		RunLock:              c.Pipeline.RunLock,
		LockTTL:              time.Duration(c.Pipeline.LockTTLSecs) * time.Second,
		LockHolder:           "feedback-cli-" + uuid.NewString(),
	}
}

func guardFor(c *config.Config, service string) *resilience.Guard {
	return resilience.NewGuard(service,
		resilience.NewRetryConfig(c.Pipeline.RetryAttempts, c.Pipeline.RetryBackoffMs, c.Pipeline.RetryMaxBackoffMs),
		resilience.NewCircuitBreakerConfig(c.Pipeline.BreakerThreshold, c.Pipeline.BreakerResetSecs),
	)
}

func buildClassifier(c *config.Config) pipeline.Classifier {
	opts := []huggingface.Option{
		huggingface.WithModel(c.Classifier.Model),
		huggingface.WithRateLimit(c.Classifier.RatePerSec),
	}
	if c.Classifier.BaseURL != "" {
		opts = append(opts, huggingface.WithBaseURL(c.Classifier.BaseURL))
	}
	if c.Classifier.TimeoutSecs > 0 {
		opts = append(opts, huggingface.WithHTTPClient(&http.Client{
			Timeout: time.Duration(c.Classifier.TimeoutSecs) * time.Second,
		}))
	}
	hf := huggingface.NewClient(c.Classifier.Key, opts...)
	return pipeline.GuardClassifier(pipeline.NewHuggingFaceClassifier(hf), guardFor(c, "classifier"))
}

func buildGenerator(c *config.Config) (pipeline.Generator, error) {
	var gen pipeline.Generator
	switch c.Generator.Provider {
	case "anthropic":
		gen = pipeline.NewAnthropicGenerator(anthropicpkg.NewClient(c.Anthropic.Key, c.Anthropic.BaseURL), c.Anthropic.Model)
	case "openai":
		gen = pipeline.NewOpenAIGenerator(openaipkg.NewClient(c.OpenAI.Key, c.OpenAI.BaseURL), c.OpenAI.Model)
	default:
		return nil, eris.Errorf("unsupported generator provider: %s", c.Generator.Provider)
	}
	zap.L().Debug("generator configured", zap.String("provider", c.Generator.Provider))
	return pipeline.GuardGenerator(gen, guardFor(c, "generator:"+c.Generator.Provider)), nil
}

// buildHooks returns the enabled after-run hooks. Slack and archival are
// each off unless configured.
func buildHooks(ctx context.Context, c *config.Config) ([]pipeline.Hook, *archive.Archiver, error) {
	var hooks []pipeline.Hook
	if c.Notify.SlackWebhookURL != "" {
		hooks = append(hooks, notify.NewSlack(c.Notify.SlackWebhookURL, c.Notify.UrgentOnly))
		zap.L().Info("slack notifications enabled", zap.Bool("urgent_only", c.Notify.UrgentOnly))
	}

	var arch *archive.Archiver
	if c.Archive.Endpoint != "" {
		a, err := archive.New(ctx, archive.Options{
			Endpoint:  c.Archive.Endpoint,
			Region:    c.Archive.Region,
			Bucket:    c.Archive.Bucket,
			Prefix:    c.Archive.Prefix,
			AccessKey: c.Archive.AccessKey,
			SecretKey: c.Archive.SecretKey,
			UseSSL:    c.Archive.UseSSL,
		})
		if err != nil {
			return nil, nil, err
		}
		arch = a
		hooks = append(hooks, a)
		zap.L().Info("run archival enabled", zap.String("bucket", c.Archive.Bucket))
	}
	return hooks, arch, nil
}
