package usecase

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorNotFound      ErrorCode = "NOT_FOUND"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorUpstream      ErrorCode = "UPSTREAM_ERROR"
	ErrorNotConfigured ErrorCode = "NOT_CONFIGURED"
	ErrorAborted       ErrorCode = "ABORTED"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// UpstreamStatus returns the provider HTTP status carried by the wrapped
// error, if any.
func (e *Error) UpstreamStatus() (int, bool) {
	if e == nil {
		return 0, false
	}
	return upstreamStatusCode(e.Err)
}

// UpstreamMessage returns the provider's own error message, if any.
func (e *Error) UpstreamMessage() string {
	var pm providerMessager
	if e != nil && errors.As(e.Err, &pm) {
		return pm.ProviderMessage()
	}
	return ""
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type providerMessager interface {
	ProviderMessage() string
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	if statusErr.HTTPStatusCode() == 0 {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// upstreamError classifies a gateway failure. Quota and rate limits get
// their own code so clients can show a distinct message.
func upstreamError(stage string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, stage+"_rate_limited", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstream, stage+"_timeout", err)
	}
	return newError(ErrorUpstream, stage+"_error", err)
}
