// Package openai wraps an OpenAI-compatible chat completions endpoint for
// single-turn text generation.
package openai

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	sdk "github.com/sashabaranov/go-openai"
)

// Client defines the chat completion operation used by the pipeline.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// CompletionRequest is a single-turn chat completion.
type CompletionRequest struct {
	Model       string
	MaxTokens   int
	System      string
	Prompt      string
	Temperature float32
}

// CompletionResponse carries the first choice and token usage.
type CompletionResponse struct {
	ID           string
	Model        string
	Text         string
	FinishReason string
	InputTokens  int
	OutputTokens int
}

type sdkClient struct {
	client *sdk.Client
}

// NewClient creates a Client. An empty baseURL uses api.openai.com; set it
// to target a compatible gateway.
func NewClient(apiKey, baseURL string) Client {
	cfg := sdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}
	return &sdkClient{client: sdk.NewClientWithConfig(cfg)}
}

// usesCompletionTokens reports whether model is a reasoning model that
// rejects max_tokens in favor of max_completion_tokens.
func usesCompletionTokens(model string) bool {
	for _, p := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(model, p) {
			return true
		}
	}
	return false
}

func (c *sdkClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	msgs := make([]sdk.ChatCompletionMessage, 0, 2)
	if req.System != "" {
		msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: req.System})
	}
	msgs = append(msgs, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleUser, Content: req.Prompt})

	params := sdk.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
	}
	if usesCompletionTokens(req.Model) {
		params.MaxCompletionTokens = req.MaxTokens
	} else {
		params.MaxTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, params)
	if err != nil {
		return nil, eris.Wrap(err, "openai: create chat completion")
	}
	if len(resp.Choices) == 0 {
		return nil, eris.New("openai: response has no choices")
	}

	return &CompletionResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

// StatusCode returns the HTTP status of an API error, or 0 when err did not
// come from an API response.
func StatusCode(err error) int {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode
	}
	var reqErr *sdk.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode
	}
	return 0
}
