// Package httpprovider implements the provider contract over a REST API:
// POST /jobs, GET /jobs/{id}, POST /jobs/{id}/cancel and GET /jobs/{id}/outputs.
package httpprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 64 << 10
)

type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *Client) {
		c.clock = clock
	}
}

// Client is a provider.Provider and provider.Fetcher backed by HTTP.
type Client struct {
	logger  *slog.Logger
	base    *url.URL
	token   string
	http    *http.Client
	limiter *rate.Limiter
	clock   clockwork.Clock
}

func New(logger *slog.Logger, cfg Config, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid provider url: %w", err)
	}

	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid provider url %q: scheme must be http or https", cfg.BaseURL)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}

	c := &Client{
		logger:  logger.With("module", "httpprovider", "base_url", base.String()),
		base:    base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		clock:   clockwork.NewRealClock(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

type submitResponse struct {
	ID string `json:"id"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (c *Client) Submit(ctx context.Context, req provider.SubmitRequest) (string, error) {
	var resp submitResponse
	if err := c.do(ctx, "Submit", http.MethodPost, "/jobs", req, req.IdempotencyKey, &resp); err != nil {
		return "", err
	}

	if resp.ID == "" {
		return "", &provider.Error{Op: "Submit", Message: "provider returned no job id", Code: "empty_job_id"}
	}

	return resp.ID, nil
}

func (c *Client) Status(ctx context.Context, jobID string) (provider.Status, error) {
	var status provider.Status
	if err := c.do(ctx, "Status", http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil, "", &status); err != nil {
		return provider.Status{}, err
	}

	if status.State == models.JobStatusRunning && status.Progress != nil {
		progress := min(max(*status.Progress, 0), 1)
		status.Progress = &progress
	}

	return status, nil
}

func (c *Client) Cancel(ctx context.Context, jobID string) error {
	return c.do(ctx, "Cancel", http.MethodPost, "/jobs/"+url.PathEscape(jobID)+"/cancel", nil, "", nil)
}

func (c *Client) Fetch(ctx context.Context, jobID string) (map[string]models.OutputAsset, error) {
	var outputs map[string]models.OutputAsset
	if err := c.do(ctx, "Fetch", http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/outputs", nil, "", &outputs); err != nil {
		return nil, err
	}

	return outputs, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, idempotencyKey string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &provider.Error{Op: op, Err: err}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &provider.Error{Op: op, Message: "encode request", Code: "encode", Err: err}
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return &provider.Error{Op: op, Code: "request", Err: err}
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &provider.Error{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.statusError(op, resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &provider.Error{Op: op, Code: "decode", Message: "malformed provider response", Err: err}
	}

	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	providerErr := &provider.Error{Op: op, StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var parsed errorBody
	if json.Unmarshal(raw, &parsed) == nil {
		if parsed.Message != "" {
			providerErr.Message = parsed.Message
		}

		providerErr.Code = parsed.Code
	}

	if wait, ok := provider.ParseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()); ok {
		providerErr.RetryAfter = wait
	}

	c.logger.Debug("provider request failed",
		"op", op, "status", resp.StatusCode, "code", providerErr.Code, "retry_after", providerErr.RetryAfter)

	return providerErr
}
