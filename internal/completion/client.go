// Package completion calls an OpenAI-compatible chat completion endpoint.
package completion

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

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/config"
	"gitlab.com/timkado/api/daisi-im-bridge/internal/model"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
)

const chatPath = "/chat/completions"

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// HTTPError is a non-200 answer from the endpoint.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.Status, e.Body)
}

// Client is safe for concurrent use.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	systemPrompt string
	httpClient   *http.Client
	maxElapsed   time.Duration
}

func NewClient(cfg config.CompletionConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		httpClient:   &http.Client{Timeout: timeout},
		maxElapsed:   2 * timeout,
	}
}

// Complete sends the conversation history followed by prompt and returns the assistant text.
func (c *Client) Complete(ctx context.Context, history []model.HistoryEntry, prompt string) (string, error) {
	req := chatRequest{Model: c.model}
	if c.systemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: c.systemPrompt})
	}
	for _, h := range history {
		role := "user"
		if h.Direction == model.MessageFlowOutgoing {
			role = "assistant"
		}
		req.Messages = append(req.Messages, chatMessage{Role: role, Content: h.Content})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = c.maxElapsed
	policy := backoff.WithContext(b, ctx)
	text, err := backoff.RetryNotifyWithData(func() (string, error) {
		return c.do(ctx, body)
	}, policy, func(err error, next time.Duration) {
		logger.FromContext(ctx).Warn("Completion request failed, retrying", zap.Duration("next_retry_in", next), zap.Error(err))
	})
	if err != nil {
		return "", err
	}
	return text, nil
}

func (c *Client) do(ctx context.Context, body []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("create completion request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		httpErr := &HTTPError{Status: resp.StatusCode, Body: string(respBody)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", httpErr
		}
		return "", backoff.Permanent(httpErr)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", backoff.Permanent(fmt.Errorf("decode completion response: %w", err))
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", backoff.Permanent(errors.New("completion response has no content"))
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
