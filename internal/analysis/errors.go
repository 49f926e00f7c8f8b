package analysis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// ErrorKind classifies analysis failures
type ErrorKind string

const (
	KindRateLimited          ErrorKind = "rate_limited"
	KindAuth                 ErrorKind = "auth_error"
	KindInvalidRequest       ErrorKind = "invalid_request"
	KindServer               ErrorKind = "server_error"
	KindNetwork              ErrorKind = "network_error"
	KindTimeout              ErrorKind = "timeout"
	KindInvalidResponse      ErrorKind = "invalid_response"
	KindRetryBudgetExhausted ErrorKind = "retry_budget_exhausted"
)

// Retryable reports whether another attempt may succeed
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindRateLimited, KindServer, KindNetwork, KindTimeout, KindInvalidResponse:
		return true
	}
	return false
}

// Error is returned by the analysis client. For KindRetryBudgetExhausted,
// Err holds the last attempt's error.
type Error struct {
	Kind       ErrorKind
	Attempts   int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindRetryBudgetExhausted {
		return fmt.Sprintf("analysis failed after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("analysis %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the caller may retry the whole analysis later.
// An exhausted budget is terminal for this call but may be re-driven.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// IsKind reports whether err is an analysis *Error of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// classify maps completer errors onto the taxonomy. attemptCtx is the
// per-attempt context so its deadline can be told apart from the caller's.
func classify(err error, attemptCtx context.Context, hint time.Duration) *Error {
	var typed *Error
	if errors.As(err, &typed) {
		e := *typed
		if e.RetryAfter == 0 {
			e.RetryAfter = hint
		}
		return &e
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{Kind: kindForStatus(apiErr.HTTPStatusCode), RetryAfter: hint, Err: err}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return &Error{Kind: kindForStatus(reqErr.HTTPStatusCode), RetryAfter: hint, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	return &Error{Kind: KindNetwork, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusRequestTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindInvalidRequest
	}
	return KindServer
}
