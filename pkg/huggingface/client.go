// Package huggingface provides a client for text-classification models on
// the Hugging Face Inference API or a compatible endpoint.
package huggingface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// DefaultModel is a binary sentiment model returning POSITIVE / NEGATIVE.
const DefaultModel = "distilbert/distilbert-base-uncased-finetuned-sst-2-english"

// Client defines the classification operation.
type Client interface {
	// Classify returns the top-scoring label for text.
	Classify(ctx context.Context, text string) (*Classification, error)
}

// Classification is one label/score pair.
type Classification struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// StatusError is returned for non-200 responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("huggingface: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing or a dedicated endpoint).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithModel overrides DefaultModel.
func WithModel(model string) Option {
	return func(c *httpClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit caps requests per second. Zero or negative disables it.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		if perSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
		} else {
			c.limiter = nil
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a classifier client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api-inference.huggingface.co",
		model:   DefaultModel,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(5, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Classify(ctx context.Context, text string) (*Classification, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "huggingface: rate limit wait")
		}
	}

	payload, err := json.Marshal(map[string]any{
		"inputs":  text,
		"options": map[string]any{"wait_for_model": true},
	})
	if err != nil {
		return nil, eris.Wrap(err, "huggingface: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/models/"+c.model, bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "huggingface: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "huggingface: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "huggingface: read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	return parseClassification(body)
}

// parseClassification accepts both the nested [[...]] shape returned for a
// single input and a flat [...] list, and picks the highest score.
func parseClassification(body []byte) (*Classification, error) {
	var nested [][]Classification
	if err := json.Unmarshal(body, &nested); err == nil && len(nested) > 0 {
		return top(nested[0])
	}
	var flat []Classification
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, eris.Wrap(err, "huggingface: decode response")
	}
	return top(flat)
}

func top(scores []Classification) (*Classification, error) {
	if len(scores) == 0 {
		return nil, eris.New("huggingface: empty classification")
	}
	best := scores[0]
	for _, s := range scores[1:] {
		if s.Score > best.Score {
			best = s
		}
	}
	return &best, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
