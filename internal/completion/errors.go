package completion

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// NetworkError marks a transport-level failure: the request may never
// have reached the endpoint. Always retryable.
type NetworkError struct {
	Backend string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s network error: %v", e.Backend, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProviderError marks a failure reported by the endpoint itself. Whether
// it is retryable depends on the status: rate limits and server errors
// are transient, auth and validation failures are not.
type ProviderError struct {
	Backend    string
	StatusCode int
	Code       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s error (status %d, code %s): %v", e.Backend, e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("%s error (status %d): %v", e.Backend, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is worth another attempt.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// isTransient classifies an error for the retry loop. Cancellation is
// never transient: it must surface immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{
		"rate limit",
		"429",
		"500", "502", "503", "504",
		"timeout",
		"connection reset",
		"connection refused",
		"broken pipe",
		"eof",
	} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
