// Package jobs executes admitted runs: it submits and polls remote jobs with
// backoff and runs local tools on a bounded worker set. Every change is
// reported to the runtime through a Sink; the manager never touches workflow
// state.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dukex/nodeflow/pkg/metrics"
	"github.com/dukex/nodeflow/pkg/models"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

var ErrClosed = errors.New("job manager closed")

// RemoteJob is a run dispatched to a provider.
type RemoteJob struct {
	ProviderID string
	Provider   provider.Provider
	Request    provider.SubmitRequest
}

// LocalJob is a run executed in process.
type LocalJob struct {
	Tool    provider.LocalTool
	Request provider.SubmitRequest
}

type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) {
		m.cfg = cfg
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithSleeper(sleep Sleeper) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

type task struct {
	runID     string
	cancel    context.CancelFunc
	cancelled atomic.Bool
	wake      chan struct{}

	mu    sync.Mutex
	jobID string
}

func (t *task) setJobID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobID = id
}

func (t *task) currentJobID() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.jobID
}

// Manager runs every active job on its own goroutine.
type Manager struct {
	logger  *slog.Logger
	records persistence.JobRepository
	sink    Sink
	cfg     Config
	clock   clockwork.Clock
	sleep   Sleeper
	tracer  trace.Tracer
	metrics *metrics.Collector
	local   *semaphore.Weighted

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	tasks   map[string]*task
	resumed chan struct{}
}

func NewManager(logger *slog.Logger, records persistence.JobRepository, sink Sink, opts ...Option) *Manager {
	m := &Manager{
		logger:  logger.With("module", "jobs"),
		records: records,
		sink:    sink,
		cfg:     DefaultConfig(),
		tasks:   make(map[string]*task),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}

	if m.sleep == nil {
		m.sleep = ClockSleeper(m.clock)
	}

	if m.tracer == nil {
		m.tracer = otelhelper.NoopTracer()
	}

	if m.cfg.LocalWorkers <= 0 {
		m.cfg.LocalWorkers = DefaultConfig().LocalWorkers
	}

	m.local = semaphore.NewWeighted(m.cfg.LocalWorkers)
	m.ctx, m.stop = context.WithCancel(context.Background())

	return m
}

// StartRemote submits the run, or resumes polling when a job record already
// exists for its run id. Starting an active run is a no-op.
func (m *Manager) StartRemote(job RemoteJob) error {
	if job.Provider == nil {
		return fmt.Errorf("run %s: no provider", job.Request.RunID)
	}

	t, ctx, started, err := m.track(job.Request.RunID)
	if err != nil || !started {
		return err
	}

	go m.runRemote(ctx, t, job)

	return nil
}

// StartLocal runs the tool once a local worker is free.
func (m *Manager) StartLocal(job LocalJob) error {
	if job.Tool == nil {
		return fmt.Errorf("run %s: no local tool", job.Request.RunID)
	}

	t, ctx, started, err := m.track(job.Request.RunID)
	if err != nil || !started {
		return err
	}

	go m.runLocal(ctx, t, job)

	return nil
}

func (m *Manager) track(runID string) (*task, context.Context, bool, error) {
	if runID == "" {
		return nil, nil, false, errors.New("run id is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx.Err() != nil {
		return nil, nil, false, ErrClosed
	}

	if _, ok := m.tasks[runID]; ok {
		return nil, nil, false, nil
	}

	ctx, cancel := context.WithCancel(m.ctx)
	t := &task{runID: runID, cancel: cancel, wake: make(chan struct{}, 1)}
	m.tasks[runID] = t
	m.wg.Add(1)

	return t, ctx, true, nil
}

func (m *Manager) untrack(t *task) {
	m.mu.Lock()
	delete(m.tasks, t.runID)
	m.mu.Unlock()

	t.cancel()
	m.wg.Done()
}

// Active reports whether the run has a live goroutine.
func (m *Manager) Active(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tasks[runID]

	return ok
}

// Cancel stops the run. Remote jobs get a best-effort provider cancel.
// Nothing is reported for a cancelled run.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	t, ok := m.tasks[runID]
	m.mu.Unlock()

	if !ok {
		return false
	}

	t.cancelled.Store(true)
	t.cancel()

	return true
}

// EnsureLocalWorkers raises the number of local runs that may execute at once
// to at least n. Runs already holding a worker keep it.
func (m *Manager) EnsureLocalWorkers(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= m.cfg.LocalWorkers {
		return
	}

	m.cfg.LocalWorkers = n
	m.local = semaphore.NewWeighted(n)
	m.logger.Info("local workers raised", "workers", n)
}

// LocalWorkers returns the current local worker bound.
func (m *Manager) LocalWorkers() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cfg.LocalWorkers
}

func (m *Manager) localWorkers() *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.local
}

// PausePolling suspends every poll loop. Remote jobs keep running.
func (m *Manager) PausePolling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resumed == nil {
		m.resumed = make(chan struct{})
		m.logger.Info("polling paused")
	}
}

// ResumePolling restarts the poll loops with an immediate status reconcile.
func (m *Manager) ResumePolling() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.resumed != nil {
		close(m.resumed)
		m.resumed = nil
		m.logger.Info("polling resumed")
	}

	for _, t := range m.tasks {
		select {
		case t.wake <- struct{}{}:
		default:
		}
	}
}

func (m *Manager) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.resumed != nil
}

func (m *Manager) waitResumed(ctx context.Context) error {
	m.mu.Lock()
	resumed := m.resumed
	m.mu.Unlock()

	if resumed == nil {
		return nil
	}

	select {
	case <-resumed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops every goroutine and waits for them until ctx is done.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.stop()
	m.mu.Unlock()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) emit(ctx context.Context, event Event) {
	if ctx.Err() != nil {
		return
	}

	m.sink(ctx, event)
}

func eventFor(req provider.SubmitRequest, kind EventKind) Event {
	return Event{Kind: kind, WorkflowID: req.WorkflowID, NodeID: req.NodeID, RunID: req.RunID}
}

func spanAttrs(req provider.SubmitRequest, extra ...attribute.KeyValue) []attribute.KeyValue {
	return append([]attribute.KeyValue{
		attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID),
		attribute.String(otelhelper.NodeIDKey, req.NodeID),
		attribute.String(otelhelper.RunIDKey, req.RunID),
		attribute.String(otelhelper.ToolKindKey, req.Kind),
	}, extra...)
}

// retryWait returns the wait before the next attempt after err, or the
// failure ending the run.
func (m *Manager) retryWait(b interface{ NextBackOff() time.Duration }, retries int, err error) (time.Duration, *models.FailureSummary) {
	if !provider.IsTransient(err) {
		return 0, failureOf(err)
	}

	if retries >= m.cfg.MaxRetries {
		return 0, cooldownFailure(err, m.cfg.MaxRetries)
	}

	wait := b.NextBackOff()

	if retries == 0 {
		if after, ok := provider.RetryAfterOf(err); ok {
			wait = after
		}
	}

	return wait, nil
}

func failureOf(err error) *models.FailureSummary {
	var providerErr *provider.Error
	if errors.As(err, &providerErr) {
		return models.NewFailure(providerErr.Error(), providerErr.RawCode(), hintFor(providerErr))
	}

	return models.NewFailure(err.Error(), "", "")
}

func hintFor(err *provider.Error) string {
	switch {
	case err.StatusCode == 401 || err.StatusCode == 403:
		return "check the provider credentials"
	case err.StatusCode >= 400 && err.StatusCode < 500:
		return "check the node parameters and inputs"
	default:
		return ""
	}
}

func cooldownFailure(err error, retries int) *models.FailureSummary {
	code := "network"

	var providerErr *provider.Error
	if errors.As(err, &providerErr) {
		code = providerErr.RawCode()
	}

	return models.NewFailure(
		fmt.Sprintf("provider unavailable after %d retries: %v", retries, err),
		code,
		"the provider is cooling down; retry in a few minutes",
	)
}
