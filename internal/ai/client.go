// Package ai implements the model provider client used by the nightly
// orchestrator: the Anthropic messages protocol with transient-error
// retry, per-call token accounting against a daily budget, and tolerant
// JSON extraction for free-form model output.
package ai

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

	"github.com/rs/zerolog"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 8192
	maxRetries       = 3
)

// CompletionRequest is a single prompt for one model tier.
type CompletionRequest struct {
	Model     string
	System    string
	Prompt    string
	MaxTokens int
	Purpose   string // token_usage label, e.g. "nightly_analysis"
}

// Completion is the model's reply plus its accounting.
type Completion struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// Client calls the provider's messages endpoint. Every successful
// completion is metered through the Ledger before it returns, and no
// request leaves once the daily budget is spent.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	ledger     *Ledger
	log        zerolog.Logger
}

// NewClient creates a model provider client. An empty baseURL selects
// the public endpoint.
func NewClient(baseURL, apiKey string, ledger *Ledger, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		ledger:     ledger,
		log:        log.With().Str("component", "ai").Logger(),
	}
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends one prompt and returns the text reply. Transient
// failures (timeouts, rate limits, overload, 5xx, connection errors)
// are retried with 1/2/4 s backoff; permanent errors and context
// cancellation return immediately.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if c.apiKey == "" {
		return nil, &APIError{Status: 401, Type: "authentication_error", Message: "missing API key"}
	}

	remaining, err := c.ledger.Remaining()
	if err != nil {
		return nil, fmt.Errorf("token budget check failed: %w", err)
	}
	if remaining <= 0 {
		return nil, ErrBudgetExhausted
	}

	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			c.log.Warn().
				Str("model", req.Model).
				Str("purpose", req.Purpose).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Err(lastErr).
				Msg("retrying model call")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		comp, err := c.do(ctx, req)
		if err == nil {
			cost, recErr := c.ledger.Record(comp.Model, comp.InputTokens, comp.OutputTokens, req.Purpose)
			if recErr != nil {
				c.log.Error().Err(recErr).Str("model", comp.Model).Msg("failed to record token usage")
			}
			comp.CostUSD = cost
			c.log.Debug().
				Str("model", comp.Model).
				Str("purpose", req.Purpose).
				Int64("input_tokens", comp.InputTokens).
				Int64("output_tokens", comp.OutputTokens).
				Float64("cost_usd", cost).
				Msg("model call complete")
			return comp, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.Transient {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req CompletionRequest) (*Completion, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &APIError{Type: "connection_error", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{Type: "connection_error", Message: err.Error(), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyHTTP(resp.StatusCode, respBody)
	}

	var mr messagesResponse
	if err := json.Unmarshal(respBody, &mr); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if mr.Error != nil {
		return nil, &APIError{Type: mr.Error.Type, Message: mr.Error.Message, Transient: transientType(mr.Error.Type)}
	}

	var text strings.Builder
	for _, block := range mr.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, &APIError{Type: "empty_response", Message: "no text content in response", Transient: true}
	}

	model := mr.Model
	if model == "" {
		model = req.Model
	}
	return &Completion{
		Text:         text.String(),
		Model:        model,
		StopReason:   mr.StopReason,
		InputTokens:  mr.Usage.InputTokens,
		OutputTokens: mr.Usage.OutputTokens,
	}, nil
}
