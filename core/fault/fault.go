// Package fault defines the stable failure codes shared by the signal
// router, workflow engine, quota governor and AI executor, plus the
// retryable-error marker used by retry loops.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Code is a stable machine-readable failure code. Boundary layers and
// tests assert on codes, not on message text.
type Code string

const (
	CodeValidationFailed          Code = "validation_failed"
	CodeAccessDenied              Code = "access_denied"
	CodeNotFound                  Code = "not_found"
	CodeAIQuotaRequestsExceeded   Code = "ai_quota_requests_exceeded"
	CodeAIQuotaTokensExceeded     Code = "ai_quota_tokens_exceeded"
	CodeEmbQuotaRequestsExceeded  Code = "embedding_quota_requests_exceeded"
	CodeEmbQuotaTokensExceeded    Code = "embedding_quota_tokens_exceeded"
	CodeEmbeddingInputTooLarge    Code = "embedding_input_too_large"
	CodeSchemaViolation           Code = "schema_violation"
	CodeUpstreamFailure           Code = "upstream_failure"
	CodeInfrastructureFailure     Code = "infrastructure_failure"
)

// Failure is an error with a stable code. Retryable marks transient
// upstream/storage failures that retry loops may re-attempt; quota,
// schema and validation failures are always terminal for the call.
type Failure struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// New constructs a terminal failure with the given code.
func New(code Code, format string, args ...any) *Failure {
	return &Failure{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error.
func Wrap(code Code, err error, msg string) *Failure {
	return &Failure{Code: code, Message: msg, Err: err}
}

// Upstream builds a provider/storage failure with explicit retryability.
func Upstream(err error, retryable bool) *Failure {
	return &Failure{Code: CodeUpstreamFailure, Message: "upstream call failed", Retryable: retryable, Err: err}
}

// Infrastructure marks a storage-layer fault. Infrastructure faults are
// retryable from the caller's perspective but are surfaced, never
// silently treated as a benign outcome.
func Infrastructure(err error, msg string) *Failure {
	return &Failure{Code: CodeInfrastructureFailure, Message: msg, Retryable: true, Err: err}
}

// CodeOf extracts the failure code from err, or empty when err carries none.
func CodeOf(err error) Code {
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f.Code
	}
	return ""
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var f *Failure
	if errors.As(err, &f) && f != nil {
		return f.Retryable
	}
	var rd retryDelayProvider
	return errors.As(err, &rd)
}

type retryDelayProvider interface {
	RetryDelay() time.Duration
}

// RetryableError marks a handler error as retryable for buses that
// support explicit ack/nak semantics.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e == nil {
		return ""
	}
	if e.Delay > 0 {
		return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("retry: %v", e.Err)
}

func (e *RetryableError) RetryDelay() time.Duration {
	if e == nil {
		return 0
	}
	return e.Delay
}

func (e *RetryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// RetryAfter wraps err with a retry delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	if delay < 0 {
		delay = 0
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay extracts a retry delay from err when it is retryable.
func RetryDelay(err error) (time.Duration, bool) {
	var rd retryDelayProvider
	if errors.As(err, &rd) {
		delay := rd.RetryDelay()
		if delay < 0 {
			delay = 0
		}
		return delay, true
	}
	return 0, false
}
