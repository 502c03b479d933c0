package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"occam/internal/config"
)

// Provider is the interface for chat-completion backends.
type Provider interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// transportError marks a provider failure that may succeed on retry
// (network trouble, rate limit, server error).
type transportError struct {
	status int
	err    error
}

func (e *transportError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("model API returned %d: %v", e.status, e.err)
	}
	return fmt.Sprintf("model API unreachable: %v", e.err)
}

func (e *transportError) Unwrap() error { return e.err }

func retryableTransport(err error) bool {
	var te *transportError
	if !errors.As(err, &te) {
		return false
	}
	if te.status == 0 || te.status == http.StatusRequestTimeout || te.status == http.StatusTooManyRequests {
		return true
	}
	return te.status >= 500
}

// ChatClient talks to an OpenAI-compatible chat-completion endpoint.
type ChatClient struct {
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      *http.Client
}

// NewChatClient creates a chat-completion client from config. The base URL
// is expected to already carry its /v1 suffix.
func NewChatClient(cfg config.LLM) *ChatClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &ChatClient{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		client:      &http.Client{Timeout: timeout},
	}
}

// Complete sends a system/user prompt pair and returns the assistant text.
func (c *ChatClient) Complete(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
		"temperature":     c.temperature,
		"max_tokens":      c.maxTokens,
		"response_format": map[string]string{"type": "json_object"},
	}

	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", &transportError{
			status: resp.StatusCode,
			err:    errors.New(strings.TrimSpace(string(respBody))),
		}
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in model response")
	}

	return result.Choices[0].Message.Content, nil
}
