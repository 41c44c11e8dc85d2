package ai

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBudgetExhausted is returned when the daily token budget has been
// spent. Callers treat it as a hard stop, not a retryable failure.
var ErrBudgetExhausted = errors.New("daily token budget exhausted")

// APIError is an error returned by the model provider. Transient errors
// are retried inside the client; permanent ones surface to the caller.
type APIError struct {
	Status    int
	Type      string
	Message   string
	Transient bool
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("model provider error %s (http %d): %s", e.Type, e.Status, e.Message)
	}
	return fmt.Sprintf("model provider error %s: %s", e.Type, e.Message)
}

// classifyHTTP maps a non-200 provider response to an APIError. Rate
// limits, overload and server errors are transient; auth and request
// errors are permanent.
func classifyHTTP(status int, body []byte) *APIError {
	var envelope struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	msg := envelope.Error.Message
	if msg == "" {
		msg = truncate(string(body), 200)
	}
	return &APIError{
		Status:    status,
		Type:      envelope.Error.Type,
		Message:   msg,
		Transient: status == 429 || status >= 500 || transientType(envelope.Error.Type),
	}
}

func transientType(errType string) bool {
	switch errType {
	case "overloaded_error", "rate_limit_error", "api_error", "timeout_error":
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
