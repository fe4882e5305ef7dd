package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		code      string
	}{
		{name: "503", err: &Error{Op: "Submit", StatusCode: 503}, transient: true, code: "503"},
		{name: "500", err: &Error{Op: "Status", StatusCode: 500}, transient: true, code: "500"},
		{name: "429", err: &Error{Op: "Submit", StatusCode: 429}, transient: true, code: "429"},
		{name: "400", err: &Error{Op: "Submit", StatusCode: 400, Code: "bad_params"}, transient: false, code: "bad_params"},
		{name: "404", err: &Error{Op: "Status", StatusCode: 404}, transient: false, code: "404"},
		{name: "network", err: &Error{Op: "Submit", Err: errors.New("connection reset")}, transient: true, code: "network"},
		{name: "cancelled", err: &Error{Op: "Submit", Err: context.Canceled}, transient: false, code: "network"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.transient, errors.Is(tt.err, ErrTransient))
			assert.Equal(t, !tt.transient, errors.Is(tt.err, ErrTerminal))

			var providerErr *Error
			if assert.ErrorAs(t, tt.err, &providerErr) {
				assert.Equal(t, tt.code, providerErr.RawCode())
			}
		})
	}

	assert.True(t, IsTransient(fmt.Errorf("dial: %w", errors.New("timeout"))))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(nil))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	wait, ok := ParseRetryAfter("45", now)
	assert.True(t, ok)
	assert.Equal(t, 45*time.Second, wait)

	wait, ok = ParseRetryAfter(now.Add(2*time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, wait)

	wait, ok = ParseRetryAfter(now.Add(-time.Minute).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Zero(t, wait)

	for _, header := range []string{"", "-3", "soon"} {
		_, ok = ParseRetryAfter(header, now)
		assert.False(t, ok, header)
	}

	wrapped := fmt.Errorf("submit: %w", &Error{StatusCode: 503, RetryAfter: 7 * time.Second})
	wait, ok = RetryAfterOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, wait)
}
