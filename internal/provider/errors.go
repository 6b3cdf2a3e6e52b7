package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// maxErrorBody caps how much of a provider error response is carried in the
// error message.
const maxErrorBody = 500

// APIError is a non-2xx response from a provider HTTP API.
type APIError struct {
	Provider string
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: HTTP %d", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.Status, e.Message)
}

// Retryable reports whether the request can be safely reissued: rate limits
// and server-side failures can, client errors cannot.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsRateLimit reports whether err is a provider rate-limit rejection.
func IsRateLimit(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusTooManyRequests
}

func newAPIError(provider string, status int, body []byte) *APIError {
	msg := string(body)
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	return &APIError{Provider: provider, Status: status, Message: msg}
}
