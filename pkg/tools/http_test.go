package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRequest_Run(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		switch r.URL.Path {
		case "/flaky":
			if n == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)

				return
			}

			_, _ = io.WriteString(w, "recovered")
		case "/echo":
			body, _ := io.ReadAll(r.Body)
			_, _ = io.WriteString(w, r.Method+" "+r.Header.Get("X-Node")+" "+string(body))
		case "/missing":
			http.Error(w, "no such thing", http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	tests := []struct {
		name      string
		params    map[string]any
		expected  string
		errorPart string
		calls     int32
	}{
		{
			name: "templated request",
			params: map[string]any{
				"url":     server.URL + "/echo",
				"method":  "post",
				"headers": map[string]any{"X-Node": "{{ .run.node_id }}"},
				"body":    "hello {{ .params.who }}",
				"who":     "world",
			},
			expected: "POST fetch hello world",
			calls:    1,
		},
		{
			name:     "server error is retried",
			params:   map[string]any{"url": server.URL + "/flaky", "retry": map[string]any{"attempts": 3, "delay": 0.001}},
			expected: "recovered",
			calls:    2,
		},
		{
			name:      "client error is not retried",
			params:    map[string]any{"url": server.URL + "/missing", "retry": map[string]any{"attempts": float64(3)}},
			errorPart: "status 404",
			calls:     1,
		},
		{
			name:      "retries run out",
			params:    map[string]any{"url": server.URL + "/broken", "retry": map[string]any{"attempts": 2}},
			errorPart: "server error",
			calls:     2,
		},
		{
			name:      "missing url",
			params:    map[string]any{},
			errorPart: "url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)

			outputs, err := NewHTTPRequest(log.Discard()).Run(context.Background(), provider.LocalTask{
				SubmitRequest: provider.SubmitRequest{WorkflowID: "wf-1", NodeID: "fetch", RunID: "run-1", Params: tt.params},
			})

			assert.Equal(t, tt.calls, calls.Load())

			if tt.errorPart != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorPart)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.expected, textOf(t, outputs[OutputPortText]))
		})
	}
}
