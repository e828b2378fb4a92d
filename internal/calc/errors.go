package calc

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the symbolic failure class carried by CalcError.
type ErrorCode string

const (
	// ErrCodeTimeout is a client-side deadline expiry.
	ErrCodeTimeout ErrorCode = "Timeout"
	// ErrCodeHTTP is a non-2xx transport response.
	ErrCodeHTTP ErrorCode = "Http"
	// ErrCodeAPI is a 2xx response reporting a logical failure.
	ErrCodeAPI ErrorCode = "ApiError"
	// ErrCodeNetwork is a connection-level failure.
	ErrCodeNetwork ErrorCode = "Network"
	// ErrCodeCacheWriteFailure is an incomplete metadata cache write.
	ErrCodeCacheWriteFailure ErrorCode = "CacheWriteFailure"
	// ErrCodeInvalidRequest is a malformed request descriptor.
	ErrCodeInvalidRequest ErrorCode = "InvalidRequest"
	// ErrCodeInternal covers unclassified step failures.
	ErrCodeInternal ErrorCode = "Internal"
)

// CalcError is the error payload stored on a Status in the error state.
type CalcError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *CalcError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Classifier is implemented by errors that know their own CalcError.
// Errors produced by the remote client implement it so the classification
// happens once, where the error is created.
type Classifier interface {
	CalcError() *CalcError
}

// NewError builds a CalcError.
func NewError(code ErrorCode, retryable bool, format string, args ...any) *CalcError {
	return &CalcError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// ClassifyError converts an arbitrary step error into a CalcError.
// Already-classified errors keep their classification; everything else is
// treated as retryable.
func ClassifyError(err error) *CalcError {
	if err == nil {
		return nil
	}
	var ce *CalcError
	if errors.As(err, &ce) {
		out := *ce
		return &out
	}
	var cl Classifier
	if errors.As(err, &cl) {
		if c := cl.CalcError(); c != nil {
			return c
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &CalcError{Code: ErrCodeTimeout, Message: err.Error(), Retryable: true}
	}
	return &CalcError{Code: ErrCodeInternal, Message: err.Error(), Retryable: true}
}
