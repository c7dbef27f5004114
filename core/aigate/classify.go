package aigate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ProviderError carries the provider's HTTP-ish status so failures can
// be classified without string matching at call sites.
type ProviderError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("provider error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether a provider failure is transient. Connection
// and capacity errors are; authentication and validation errors are not.
// The workflow engine uses the same classification for action failures.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) && pe != nil {
		switch {
		case pe.StatusCode == 408, pe.StatusCode == 429:
			return true
		case pe.StatusCode >= 500:
			return true
		case pe.StatusCode >= 400:
			return false
		}
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "i/o timeout", "eof"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
