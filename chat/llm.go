// Package chat implements the grounded QA facade: a bounded tool loop
// over a chat-completions model, with citation and numeric grounding
// checks enforced on every answer before it reaches the caller.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"feedbackcore.org/common"
	"feedbackcore.org/config"
)

// Message is one turn in the model conversation.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// LLMClient is the model dependency of the facade. The HTTP client and
// the test stub both satisfy it.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// HTTPLLMClient calls an OpenAI-compatible chat-completions endpoint.
type HTTPLLMClient struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPLLMClient creates a client from the chat configuration.
func NewHTTPLLMClient(cfg config.ChatConfig) *HTTPLLMClient {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPLLMClient{
		endpoint: cfg.LLMEndpoint,
		apiKey:   cfg.LLMAPIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Complete sends the conversation and returns the assistant reply.
func (c *HTTPLLMClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.endpoint == "" {
		return "", common.E(common.KindUnavailable, "no model endpoint configured")
	}
	body, err := json.Marshal(completionRequest{Model: c.model, Messages: messages})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", common.E(common.KindUnavailable, "model endpoint unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", common.Ef(common.KindUnavailable, "model endpoint returned %d", resp.StatusCode)
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", common.E(common.KindUnavailable, "model returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

// StubLLMClient returns scripted replies in order. Used by tests.
type StubLLMClient struct {
	Replies []string
	Calls   [][]Message
	idx     int
}

// Complete returns the next scripted reply.
func (s *StubLLMClient) Complete(_ context.Context, messages []Message) (string, error) {
	s.Calls = append(s.Calls, messages)
	if s.idx >= len(s.Replies) {
		return "", common.E(common.KindUnavailable, "stub exhausted")
	}
	reply := s.Replies[s.idx]
	s.idx++
	return reply, nil
}
