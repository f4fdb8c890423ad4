package pipeline

import (
	"context"
	"errors"

	"github.com/sells-group/feedback-cli/internal/model"
	"github.com/sells-group/feedback-cli/internal/resilience"
	"github.com/sells-group/feedback-cli/pkg/anthropic"
	"github.com/sells-group/feedback-cli/pkg/huggingface"
	"github.com/sells-group/feedback-cli/pkg/openai"
)

// Classification is the classifier's top label for one text.
type Classification struct {
	Label string
	Score float64
}

// Classifier labels the sentiment of a single text.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Classification, error)
}

// Generator produces free text, expected to embed a JSON object, for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Hook runs after a run completes. Errors are logged and never fail the run.
type Hook interface {
	Name() string
	AfterRun(ctx context.Context, run *model.Run) error
}

// --- Hugging Face classifier ---

type hfClassifier struct {
	client huggingface.Client
}

// NewHuggingFaceClassifier adapts a huggingface.Client. Retryable HTTP
// statuses come back as resilience.TransientError.
func NewHuggingFaceClassifier(c huggingface.Client) Classifier {
	return &hfClassifier{client: c}
}

func (h *hfClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	res, err := h.client.Classify(ctx, text)
	if err != nil {
		var se *huggingface.StatusError
		if errors.As(err, &se) {
			return nil, resilience.MarkHTTPStatus(err, se.StatusCode)
		}
		return nil, err
	}
	return &Classification{Label: res.Label, Score: res.Score}, nil
}

// --- Anthropic generator ---

type anthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator adapts an anthropic.Client for the given model.
func NewAnthropicGenerator(c anthropic.Client, model string) Generator {
	return &anthropicGenerator{client: c, model: model}
}

func (g *anthropicGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := g.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     g.model,
		MaxTokens: int64(maxTokens),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", resilience.MarkHTTPStatus(err, anthropic.StatusCode(err))
	}
	resp.Usage.LogCost(g.model, "generate")
	return resp.Text(), nil
}

// --- OpenAI generator ---

type openaiGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator adapts an openai.Client for the given model.
func NewOpenAIGenerator(c openai.Client, model string) Generator {
	return &openaiGenerator{client: c, model: model}
}

func (g *openaiGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	resp, err := g.client.Complete(ctx, openai.CompletionRequest{
		Model:     g.model,
		MaxTokens: maxTokens,
		Prompt:    prompt,
	})
	if err != nil {
		return "", resilience.MarkHTTPStatus(err, openai.StatusCode(err))
	}
	return resp.Text, nil
}

// --- Guarded collaborators ---

type guardedClassifier struct {
	inner Classifier
	guard *resilience.Guard
}

// GuardClassifier runs every call of c under g.
func GuardClassifier(c Classifier, g *resilience.Guard) Classifier {
	return &guardedClassifier{inner: c, guard: g}
}

func (c *guardedClassifier) Classify(ctx context.Context, text string) (*Classification, error) {
	return resilience.Call(ctx, c.guard, func(ctx context.Context) (*Classification, error) {
		return c.inner.Classify(ctx, text)
	})
}

type guardedGenerator struct {
	inner Generator
	guard *resilience.Guard
}

// GuardGenerator runs every call of gen under g.
func GuardGenerator(gen Generator, g *resilience.Guard) Generator {
	return &guardedGenerator{inner: gen, guard: g}
}

func (g *guardedGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return resilience.Call(ctx, g.guard, func(ctx context.Context) (string, error) {
		return g.inner.Generate(ctx, prompt, maxTokens)
	})
}
