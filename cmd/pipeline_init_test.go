package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedback-cli/internal/config"
	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/store"
)

func TestPipelineConfig(t *testing.T) {
	c := &config.Config{}
	c.Pipeline.MaxClassifyChars = 256
	c.Pipeline.SummaryMaxTokens = 900
	c.Pipeline.AggregateMaxTokens = 1200
	c.Pipeline.ClassifyConcurrency = 4
	c.Pipeline.SummarizeConcurrency = 2
	c.Pipeline.RunLock = true
	c.Pipeline.LockTTLSecs = 60

	pc := pipelineConfig(c)
	assert.Equal(t, 256, pc.MaxClassifyChars)
	assert.Equal(t, 900, pc.SummaryMaxTokens)
	assert.Equal(t, 1200, pc.AggregateMaxTokens)
	assert.Equal(t, 4, pc.ClassifyConcurrency)
	assert.Equal(t, 2, pc.SummarizeConcurrency)
	assert.True(t, pc.RunLock)
	assert.Equal(t, time.Minute, pc.LockTTL)
	assert.Contains(t, pc.LockHolder, "feedback-cli-")
	assert.NotEqual(t, pc.LockHolder, pipelineConfig(c).LockHolder)
}

func TestBuildGenerator(t *testing.T) {
	c := &config.Config{}
	c.Generator.Provider = "anthropic"
	gen, err := buildGenerator(c)
	require.NoError(t, err)
	assert.NotNil(t, gen)

	c.Generator.Provider = "openai"
	gen, err = buildGenerator(c)
	require.NoError(t, err)
	assert.NotNil(t, gen)

	c.Generator.Provider = "cohere"
	_, err = buildGenerator(c)
	assert.ErrorContains(t, err, "unsupported generator provider: cohere")
}

func TestBuildClassifier(t *testing.T) {
	c := &config.Config{}
	c.Classifier.TimeoutSecs = 5
	assert.NotNil(t, buildClassifier(c))
}

func TestBuildHooks(t *testing.T) {
	c := &config.Config{}
	hooks, arch, err := buildHooks(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, hooks)
	assert.Nil(t, arch)

	c.Notify.SlackWebhookURL = "https://hooks.slack.com/services/T/B/X"
	hooks, arch, err = buildHooks(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, "slack", hooks[0].Name())
	assert.Nil(t, arch)
}

func TestWriteResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeResult(&buf, &model.RunResult{RunID: "r1", Status: model.OutcomeNoFeedback}))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "r1", got["run_id"])
	assert.Equal(t, "no_feedback", got["status"])
}

func TestNewChecker(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitor.db"))
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	c := &config.Config{}
	c.Monitoring.FailureRateThreshold = 0.2
	c.Monitoring.LookbackWindowHours = 12

	snap, alerts := newChecker(c, st).Check(context.Background())
	require.NotNil(t, snap)
	assert.Equal(t, 12, snap.LookbackHours)
	assert.Empty(t, alerts)
}
