package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/feedback-cli/internal/resilience"
	"github.com/sells-group/feedback-cli/pkg/anthropic"
	"github.com/sells-group/feedback-cli/pkg/huggingface"
	"github.com/sells-group/feedback-cli/pkg/openai"
)

func TestHuggingFaceClassifier(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[[{"label":"NEGATIVE","score":0.2},{"label":"POSITIVE","score":0.8}]]`)) //nolint:errcheck
	}))
	defer ts.Close()

	cls := NewHuggingFaceClassifier(huggingface.NewClient("key",
		huggingface.WithBaseURL(ts.URL), huggingface.WithRateLimit(0)))
	got, err := cls.Classify(context.Background(), "love it")
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", got.Label)
	assert.InDelta(t, 0.8, got.Score, 1e-9)
}

func TestHuggingFaceClassifier_TransientStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusServiceUnavailable, true},
		{http.StatusTooManyRequests, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":"nope"}`)) //nolint:errcheck
			}))
			defer ts.Close()

			cls := NewHuggingFaceClassifier(huggingface.NewClient("key",
				huggingface.WithBaseURL(ts.URL), huggingface.WithRateLimit(0)))
			_, err := cls.Classify(context.Background(), "text")
			require.Error(t, err)
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

func TestAnthropicGenerator(t *testing.T) {
	var body map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"content":     []map[string]any{{"type": "text", "text": `{"summary":"ok"}`}},
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"usage":       map[string]any{"input_tokens": 10, "output_tokens": 4},
		})
	}))
	defer ts.Close()

	gen := NewAnthropicGenerator(anthropic.NewClient("key", ts.URL), "claude-haiku-4-5-20251001")
	text, err := gen.Generate(context.Background(), "summarize", 256)
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, text)
	assert.Equal(t, float64(256), body["max_tokens"])
	assert.Equal(t, "claude-haiku-4-5-20251001", body["model"])
}

func TestAnthropicGenerator_OverloadedIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`)) //nolint:errcheck
	}))
	defer ts.Close()

	gen := NewAnthropicGenerator(anthropic.NewClient("key", ts.URL), "claude-haiku-4-5-20251001")
	_, err := gen.Generate(context.Background(), "summarize", 256)
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestOpenAIGenerator(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":    "chatcmpl-1",
			"model": "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": `{"summary":"fine"}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 5, "completion_tokens": 3},
		})
	}))
	defer ts.Close()

	gen := NewOpenAIGenerator(openai.NewClient("key", ts.URL), "gpt-4o-mini")
	text, err := gen.Generate(context.Background(), "summarize", 128)
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"fine"}`, text)
}

func fastGuard(attempts, threshold int) *resilience.Guard {
	retry := resilience.RetryConfig{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1,
	}
	return resilience.NewGuard("test", retry, resilience.CircuitBreakerConfig{
		FailureThreshold: threshold,
		ResetTimeout:     time.Minute,
	})
}

func TestGuardClassifier_RetriesTransient(t *testing.T) {
	inner := &mockClassifier{}
	inner.On("Classify", mock.Anything, "text").
		Return(nil, resilience.NewTransientError(errors.New("busy"), 503)).Once()
	inner.On("Classify", mock.Anything, "text").Return(label("POSITIVE", 0.7), nil).Once()

	cls := GuardClassifier(inner, fastGuard(3, 10))
	got, err := cls.Classify(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, "POSITIVE", got.Label)
	inner.AssertNumberOfCalls(t, "Classify", 2)
}

func TestGuardClassifier_PermanentNotRetried(t *testing.T) {
	inner := &mockClassifier{}
	inner.On("Classify", mock.Anything, "text").Return(nil, errors.New("bad input"))

	cls := GuardClassifier(inner, fastGuard(3, 10))
	_, err := cls.Classify(context.Background(), "text")
	require.Error(t, err)
	inner.AssertNumberOfCalls(t, "Classify", 1)
}

func TestGuardGenerator_OpenCircuitShortCircuits(t *testing.T) {
	var calls atomic.Int32
	inner := generatorFunc(func(context.Context, string, int) (string, error) {
		calls.Add(1)
		return "", errors.New("down")
	})

	gen := GuardGenerator(inner, fastGuard(1, 2))
	for range 2 {
		_, err := gen.Generate(context.Background(), "p", 10)
		require.Error(t, err)
	}
	_, err := gen.Generate(context.Background(), "p", 10)
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

type generatorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}
