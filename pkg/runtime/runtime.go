// Package runtime owns every workflow instance. A single goroutine applies
// commands and job events from an inbox in arrival order, persists each
// change and only then starts jobs and publishes events.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dukex/nodeflow/pkg/assets"
	"github.com/dukex/nodeflow/pkg/awaits"
	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/graph"
	"github.com/dukex/nodeflow/pkg/jobs"
	"github.com/dukex/nodeflow/pkg/metrics"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/persistence"
	"github.com/dukex/nodeflow/pkg/provider"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const inboxSize = 256

// Tools resolves tool kinds to the way they execute.
type Tools interface {
	graph.Catalog
	Human(kind string) bool
	Local(kind string) (provider.LocalTool, bool)
	Remote(kind string) (string, provider.Provider, bool)
}

type Option func(*Runtime)

func WithClock(clock clockwork.Clock) Option {
	return func(r *Runtime) {
		r.clock = clock
	}
}

// WithPublisher sets where events go after each persisted change.
func WithPublisher(publisher eventbus.EventPublisher) Option {
	return func(r *Runtime) {
		r.publisher = publisher
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Runtime) {
		r.metrics = collector
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *Runtime) {
		r.tracer = tracer
	}
}

// WithLimits sets the global queue caps.
func WithLimits(limits scheduler.Limits) Option {
	return func(r *Runtime) {
		r.limits = limits
	}
}

func WithLeaseStore(leases awaits.LeaseStore) Option {
	return func(r *Runtime) {
		r.leases = leases
	}
}

// WithJobOptions configures the job manager. They apply after the runtime's
// own clock, tracer and metrics.
func WithJobOptions(opts ...jobs.Option) Option {
	return func(r *Runtime) {
		r.jobOpts = append(r.jobOpts, opts...)
	}
}

type message struct {
	name  string
	ctx   context.Context
	fn    func(ctx context.Context) error
	reply chan error
	event *jobs.Event
}

type Runtime struct {
	logger    *slog.Logger
	store     persistence.Persistence
	tools     Tools
	clock     clockwork.Clock
	publisher eventbus.EventPublisher
	metrics   *metrics.Collector
	tracer    trace.Tracer
	limits    scheduler.Limits
	leases    awaits.LeaseStore
	jobOpts   []jobs.Option

	loader    *graph.Loader
	assets    *assets.Store
	awaits    *awaits.Service
	scheduler *scheduler.Scheduler
	jobs      *jobs.Manager

	inbox   chan message
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once

	// Owned by the loop goroutine once started.
	instances map[string]*workflow
	order     []string
}

func New(logger *slog.Logger, store persistence.Persistence, tools Tools, opts ...Option) *Runtime {
	r := &Runtime{
		logger:    logger.With("module", "runtime"),
		store:     store,
		tools:     tools,
		inbox:     make(chan message, inboxSize),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		instances: make(map[string]*workflow),
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}

	if r.tracer == nil {
		r.tracer = otelhelper.NoopTracer()
	}

	if r.leases == nil {
		r.leases = awaits.NewMemoryLeaseStore(r.clock)
	}

	r.scheduler = scheduler.New(r.limits)
	r.loader = graph.NewLoader(logger, tools)
	r.assets = assets.NewStore(logger, store.Assets(), r.clock)
	r.awaits = awaits.NewService(logger, store.Awaits(), r.leases, r.clock)

	cfg := jobs.DefaultConfig()
	cfg.LocalWorkers = int64(r.scheduler.Global().Local)

	jobOpts := append([]jobs.Option{
		jobs.WithConfig(cfg),
		jobs.WithClock(r.clock),
		jobs.WithTracer(r.tracer),
		jobs.WithMetrics(r.metrics),
	}, r.jobOpts...)

	r.jobs = jobs.NewManager(logger, store.Jobs(), r.sink, jobOpts...)

	return r
}

// Loader returns the template loader, which checks kinds against the runtime's tools.
func (r *Runtime) Loader() *graph.Loader {
	return r.loader
}

// Start rehydrates every persisted instance and starts the owner loop.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started.Load() {
		return errors.New("runtime already started")
	}

	if err := r.rehydrate(ctx); err != nil {
		return err
	}

	r.started.Store(true)

	go r.loop()

	r.logger.InfoContext(ctx, "runtime started", "workflows", len(r.instances))

	return nil
}

// Close stops the owner loop and every job goroutine.
func (r *Runtime) Close(ctx context.Context) error {
	r.once.Do(func() {
		close(r.stop)
	})

	if r.started.Load() {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return r.jobs.Close(ctx)
}

func (r *Runtime) loop() {
	defer close(r.done)

	ctx := context.Background()

	for {
		select {
		case <-r.stop:
			return
		case msg := <-r.inbox:
			if msg.event != nil {
				r.onJobEvent(ctx, *msg.event)
				r.tick(ctx)
				_ = r.flush(ctx)

				continue
			}

			r.handle(msg)
		}
	}
}

func (r *Runtime) handle(msg message) {
	ctx := context.WithoutCancel(msg.ctx)

	spanCtx, span := otelhelper.StartSpan(ctx, r.tracer, "runtime.command",
		attribute.String(otelhelper.CommandKey, msg.name))
	defer span.End()

	err := msg.fn(spanCtx)

	r.tick(spanCtx)

	if flushErr := r.flush(spanCtx); err == nil {
		err = flushErr
	}

	if err != nil {
		otelhelper.SetError(span, err)
	}

	r.metrics.Command(msg.name, err)
	msg.reply <- err
}

// do runs fn on the owner loop and waits for its result.
func (r *Runtime) do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if !r.started.Load() {
		return ErrNotRunning
	}

	msg := message{name: name, ctx: ctx, fn: fn, reply: make(chan error, 1)}

	select {
	case r.inbox <- msg:
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.reply:
		return err
	case <-r.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sink hands job events to the owner loop.
func (r *Runtime) sink(ctx context.Context, event jobs.Event) {
	select {
	case r.inbox <- message{name: "job." + string(event.Kind), event: &event}:
	case <-ctx.Done():
	case <-r.done:
	}
}
