// Package llm talks to an OpenAI-compatible API: chat completions for reply
// generation and memory extraction, embeddings for retrieval. One Client is
// shared by every consumer and is safe for concurrent use.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	defaultTimeout        = 30 * time.Second
)

// Sentinel errors for the provider failure modes callers care about.
// ErrUnavailable covers transport failures and 5xx responses; callers may
// retry those. ErrRateLimit is HTTP 429. ErrMalformedOutput means the model
// answered but the content was not usable.
var (
	ErrRateLimit       = errors.New("llm: rate limited")
	ErrUnavailable     = errors.New("llm: provider unavailable")
	ErrMalformedOutput = errors.New("llm: malformed model output")
)

// Config configures the OpenAI-compatible client.
type Config struct {
	// APIKey is the bearer token used to authenticate against the API.
	APIKey string

	// BaseURL overrides the API endpoint. Useful for local models (Ollama),
	// Azure OpenAI, or any other OpenAI-compatible endpoint.
	// Defaults to https://api.openai.com/v1 when empty.
	BaseURL string

	// ChatModel is the chat model for reply generation and extraction.
	// Defaults to gpt-4o-mini when empty.
	ChatModel string

	// EmbeddingModel is the model for vector embeddings.
	// Defaults to text-embedding-3-small (1536-dim) when empty.
	EmbeddingModel string

	// Timeout is the HTTP request timeout. Defaults to 30 s.
	Timeout time.Duration
}

// Client is the shared transport for all provider calls.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a Client with defaults applied.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = defaultChatModel
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = defaultEmbeddingModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- minimal OpenAI wire types ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
	ResponseFormat *chatFormat   `json:"response_format,omitempty"`
}

type chatFormat struct {
	Type string `json:"type"` // "json_object"
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// chat runs one chat-completions call and returns the first choice's content.
func (c *Client) chat(ctx context.Context, req chatRequest) (string, error) {
	if req.Model == "" {
		req.Model = c.cfg.ChatModel
	}

	var resp chatResponse
	status, err := c.post(ctx, "/chat/completions", req, &resp)
	if err != nil {
		return "", err
	}
	if err := mapAPIError(status, resp.Error); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned (HTTP %d)", ErrMalformedOutput, status)
	}
	return resp.Choices[0].Message.Content, nil
}

type embeddingRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// embed runs one embeddings call.
func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	req := embeddingRequest{Input: text, Model: c.cfg.EmbeddingModel}

	var resp embeddingResponse
	status, err := c.post(ctx, "/embeddings", req, &resp)
	if err != nil {
		return nil, err
	}
	if err := mapAPIError(status, resp.Error); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding data returned", ErrMalformedOutput)
	}
	return resp.Data[0].Embedding, nil
}

// post sends one JSON request and decodes the JSON response into out.
// Transport failures map to ErrUnavailable.
func (c *Client) post(ctx context.Context, path string, body, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+path,
		bytes.NewReader(data),
	)
	if err != nil {
		return 0, fmt.Errorf("llm: create http request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("%w: read response body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return resp.StatusCode, fmt.Errorf("llm: decode API response (HTTP %d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}

// mapAPIError turns an HTTP status plus API error payload into a sentinel.
func mapAPIError(status int, apiErr *apiError) error {
	switch {
	case status == http.StatusTooManyRequests:
		msg := "rate limit"
		if apiErr != nil {
			msg = apiErr.Message
		}
		return fmt.Errorf("%w: %s", ErrRateLimit, msg)
	case status >= 500:
		msg := "server error"
		if apiErr != nil {
			msg = apiErr.Message
		}
		return fmt.Errorf("%w: HTTP %d: %s", ErrUnavailable, status, msg)
	case apiErr != nil:
		return fmt.Errorf("llm: API error (%s): %s", apiErr.Type, apiErr.Message)
	case status >= 400:
		return fmt.Errorf("llm: unexpected HTTP status %d", status)
	}
	return nil
}
