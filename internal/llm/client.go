// Package llm talks to an OpenAI-compatible chat completions endpoint
// (OpenRouter by default) and wraps it in a Gateway that owns the retry and
// model fallback policy.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the chat completions request payload.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
	Usage       *UsageOpt `json:"usage,omitempty"`
}

// UsageOpt asks OpenRouter to include cost accounting in the response.
type UsageOpt struct {
	Include bool `json:"include"`
}

// Response is the chat completions response payload.
type Response struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token counts and, when the provider supports it, the call cost in USD.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// Text returns the first choice's content, or "".
func (r *Response) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Client sends one chat request.
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}

// APIError is a non-200 reply from the endpoint.
type APIError struct {
	StatusCode int
	Body       string
	// RetryAfter is parsed from the Retry-After header; zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("LLM API error (status %d): %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is a rate limit or a server error.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

const maxErrorBody = 2048

// OpenAIClient implements Client over HTTP.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	referer string
	title   string
	client  *http.Client
}

// ClientOptions configures NewOpenAIClient.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	// Referer and Title are sent as HTTP-Referer / X-Title, which OpenRouter
	// uses for attribution. Both are optional.
	Referer string
	Title   string
	Timeout time.Duration
}

func NewOpenAIClient(opts ClientOptions) *OpenAIClient {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://openrouter.ai/api/v1/chat/completions"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	return &OpenAIClient{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		referer: opts.Referer,
		title:   opts.Title,
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

func (c *OpenAIClient) Chat(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(respBody)),
			RetryAfter: parseRetryAfter(resp.Header),
		}
	}

	var chatResp Response
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &chatResp, nil
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}

	// delta-seconds
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}

	// HTTP-date
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}

	return 0
}
