package remote

import (
	"fmt"
	"net/http"
	"time"

	"github.com/policyengine/calcd/internal/calc"
)

// HTTPStatusError indicates the server responded, but with a non-2xx status.
type HTTPStatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("remote: unexpected status %q from %s", e.Status, e.URL)
}

// CalcError classifies the failure. 4xx responses mean the request itself is
// malformed and retrying it cannot help, except for 408 and 429.
func (e *HTTPStatusError) CalcError() *calc.CalcError {
	retryable := true
	if e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests {
		retryable = false
	}
	return &calc.CalcError{Code: calc.ErrCodeHTTP, Message: e.Status, Retryable: retryable}
}

// APIError is a 2xx response whose body reports a logical failure, or
// cannot be understood. It is retryable only when the server says so.
type APIError struct {
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return "remote: api error: " + e.Message
}

func (e *APIError) CalcError() *calc.CalcError {
	return &calc.CalcError{Code: calc.ErrCodeAPI, Message: e.Message, Retryable: e.Retryable}
}

// TimeoutError is returned when the client-side deadline of a call expires.
// The in-flight request has been aborted when this error is returned.
type TimeoutError struct {
	Timeout time.Duration
	URL     string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote: request to %s timed out after %s", e.URL, e.Timeout)
}

func (e *TimeoutError) CalcError() *calc.CalcError {
	return &calc.CalcError{
		Code:      calc.ErrCodeTimeout,
		Message:   fmt.Sprintf("calculation timed out after %s", e.Timeout),
		Retryable: true,
	}
}

// NetworkError wraps a connection-level failure.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("remote: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

func (e *NetworkError) CalcError() *calc.CalcError {
	return &calc.CalcError{Code: calc.ErrCodeNetwork, Message: e.Err.Error(), Retryable: true}
}

// NonRetryableError indicates request setup failed before any transport
// attempt was made (for example, a malformed URL).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("remote: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

func (e *NonRetryableError) CalcError() *calc.CalcError {
	return &calc.CalcError{Code: calc.ErrCodeInvalidRequest, Message: e.Err.Error(), Retryable: false}
}
