package exchange

import (
	"fmt"
	"strings"
)

// APIError is an error returned by the exchange. Transient errors are
// retried inside the client; permanent ones surface to the caller.
type APIError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *APIError) Error() string {
	if e.Message != "" && e.Message != e.Code {
		return fmt.Sprintf("exchange error %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("exchange error %s", e.Code)
}

// classifyError maps a Kraken error code to an APIError. Rate limits,
// service outages and lock timeouts are transient; everything else
// (invalid arguments, auth failures, insufficient funds) is permanent.
func classifyError(code string) *APIError {
	transient := strings.HasPrefix(code, "EService:") ||
		strings.HasPrefix(code, "EAPI:Rate limit") ||
		strings.Contains(code, "Temporary") ||
		strings.Contains(code, "lockout") ||
		strings.Contains(code, "Throttled")
	return &APIError{Code: code, Message: code, Transient: transient}
}

// transientHTTP reports whether an HTTP status should be retried
func transientHTTP(status int) bool {
	return status == 429 || status >= 500
}
