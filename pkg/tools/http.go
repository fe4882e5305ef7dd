package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/provider"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

var (
	ErrHTTPURLMissing  = errors.New("missing required param 'url'")
	ErrHTTPServerError = errors.New("server error during HTTP request")
)

// HTTPRequest calls params["url"] and emits the response body on the text
// port. The url, body and header values are templates rendered like
// text.render. Server errors and transport failures are retried
// params["retry"]["attempts"] times, params["retry"]["delay"] seconds apart.
type HTTPRequest struct {
	logger *slog.Logger
	client *http.Client
	render *TextRender
}

func NewHTTPRequest(logger *slog.Logger) *HTTPRequest {
	return &HTTPRequest{
		logger: logger.With("module", "tools", "tool", KindHTTPRequest),
		client: &http.Client{Timeout: defaultHTTPTimeout},
		render: NewTextRender(),
	}
}

type retryConfig struct {
	attempts uint
	delay    time.Duration
}

func parseRetry(params map[string]any) retryConfig {
	retry := retryConfig{attempts: 1}

	raw, ok := params["retry"].(map[string]any)
	if !ok {
		return retry
	}

	if attempts, ok := number(raw["attempts"]); ok && attempts >= 1 {
		retry.attempts = uint(attempts)
	}

	if delay, ok := number(raw["delay"]); ok && delay > 0 {
		retry.delay = time.Duration(delay * float64(time.Second))
	}

	return retry
}

// number accepts the numeric types JSON and YAML decoding produce.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func (h *HTTPRequest) Run(ctx context.Context, task provider.LocalTask) (map[string]models.OutputAsset, error) {
	rawURL, ok := task.Params["url"].(string)
	if !ok || rawURL == "" {
		return nil, ErrHTTPURLMissing
	}

	method, _ := task.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	data := renderData(task)

	url, err := h.render.Render(rawURL, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render url: %w", err)
	}

	var body string
	if rawBody, ok := task.Params["body"].(string); ok && rawBody != "" {
		body, err = h.render.Render(rawBody, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render body: %w", err)
		}
	}

	headers := make(map[string]string)
	if rawHeaders, ok := task.Params["headers"].(map[string]any); ok {
		for key, value := range rawHeaders {
			text, ok := value.(string)
			if !ok {
				continue
			}

			headers[key], err = h.render.Render(text, data)
			if err != nil {
				return nil, fmt.Errorf("failed to render header %q: %w", key, err)
			}
		}
	}

	retry := parseRetry(task.Params)
	logger := h.logger.With("workflow_id", task.WorkflowID, "node_id", task.NodeID, "run_id", task.RunID)

	attempt := 0
	operation := func() (string, error) {
		attempt++
		if attempt > 1 {
			logger.InfoContext(ctx, "retrying HTTP request", "attempt", attempt, "max_attempts", retry.attempts)
		}

		return h.do(ctx, strings.ToUpper(method), url, body, headers)
	}

	text, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(retry.delay)),
		backoff.WithMaxTries(retry.attempts),
	)
	if err != nil {
		return nil, err
	}

	if task.Log != nil {
		task.Log(fmt.Sprintf("%s %s: %d bytes", strings.ToUpper(method), url, len(text)))
	}

	asset, err := inlineText(text)
	if err != nil {
		return nil, err
	}

	return map[string]models.OutputAsset{OutputPortText: asset}, nil
}

func (h *HTTPRequest) do(ctx context.Context, method, url, body string, headers map[string]string) (string, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("failed to create http request: %w", err))
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", backoff.Permanent(ctx.Err())
		}

		return "", fmt.Errorf("http request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return "", fmt.Errorf("status %d: %w", resp.StatusCode, ErrHTTPServerError)
	case resp.StatusCode >= http.StatusBadRequest:
		return "", backoff.Permanent(fmt.Errorf("request rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}

	return string(payload), nil
}
