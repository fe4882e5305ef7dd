package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrTransient matches provider errors worth retrying: network failures, 5xx and 429.
	ErrTransient = errors.New("transient provider error")

	// ErrTerminal matches provider errors that must not be retried.
	ErrTerminal = errors.New("terminal provider error")

	ErrUnknownJob = errors.New("unknown job")
)

// Error is a classified provider failure.
type Error struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s: status %d: %s", e.Op, e.StatusCode, msg)
	}

	return fmt.Sprintf("provider %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Transient()
	case ErrTerminal:
		return !e.Transient()
	default:
		return false
	}
}

// Transient reports whether the failure is a network error, a 5xx or a 429.
func (e *Error) Transient() bool {
	if e.StatusCode == 0 {
		return e.Err != nil && !errors.Is(e.Err, context.Canceled)
	}

	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// RawCode is the code surfaced in failure summaries.
func (e *Error) RawCode() string {
	if e.Code != "" {
		return e.Code
	}

	if e.StatusCode != 0 {
		return strconv.Itoa(e.StatusCode)
	}

	return "network"
}

// IsTransient classifies any error returned by a provider. Unclassified
// errors are treated as network failures.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var providerErr *Error
	if errors.As(err, &providerErr) {
		return providerErr.Transient()
	}

	return true
}

// RetryAfterOf returns the provider's Retry-After hint carried by err.
func RetryAfterOf(err error) (time.Duration, bool) {
	var providerErr *Error
	if errors.As(err, &providerErr) && providerErr.RetryAfter > 0 {
		return providerErr.RetryAfter, true
	}

	return 0, false
}

// ParseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func ParseRetryAfter(header string, now time.Time) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0, false
		}

		return time.Duration(seconds) * time.Second, true
	}

	at, err := http.ParseTime(header)
	if err != nil {
		return 0, false
	}

	wait := at.Sub(now)
	if wait < 0 {
		wait = 0
	}

	return wait, true
}
