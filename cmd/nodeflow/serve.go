package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dukex/nodeflow/pkg/cmd"
	"github.com/dukex/nodeflow/pkg/eventbus"
	"github.com/dukex/nodeflow/pkg/events"
	"github.com/dukex/nodeflow/pkg/log"
	"github.com/dukex/nodeflow/pkg/metrics"
	"github.com/dukex/nodeflow/pkg/otelhelper"
	"github.com/dukex/nodeflow/pkg/runtime"
	"github.com/dukex/nodeflow/pkg/scheduler"
	"github.com/jonboulle/clockwork"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPort     = 9091
	shutdownTimeout = 15 * time.Second
)

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Run the workflow runtime and its HTTP API",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Store URL (file:///path or postgres://...)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "lease-store-url",
				Usage:   "Await lease store (memory or redis://...)",
				Value:   "memory",
				Sources: cli.EnvVars("LEASE_STORE_URL"),
			},
			&cli.IntFlag{
				Name:    "remote-concurrency",
				Usage:   "Maximum remote jobs running at once",
				Value:   scheduler.DefaultRemote,
				Sources: cli.EnvVars("REMOTE_CONCURRENCY"),
			},
			&cli.IntFlag{
				Name:    "local-concurrency",
				Usage:   "Maximum local tools running at once",
				Value:   scheduler.DefaultLocal,
				Sources: cli.EnvVars("LOCAL_CONCURRENCY"),
			},
			&cli.StringFlag{
				Name:    "provider-url",
				Usage:   "Base URL of the remote job provider",
				Sources: cli.EnvVars("PROVIDER_URL"),
			},
			&cli.StringFlag{
				Name:    "remote-kinds",
				Usage:   "Comma separated tool kinds run by the remote provider",
				Sources: cli.EnvVars("REMOTE_KINDS"),
			},
			&cli.FloatFlag{
				Name:    "provider-rps",
				Usage:   "Requests per second allowed to the remote provider (0 for no limit)",
				Value:   5,
				Sources: cli.EnvVars("PROVIDER_RPS"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing tool plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "await-sweep",
				Usage:   "Cron schedule of the await expiry sweep",
				Value:   "@every 30s",
				Sources: cli.EnvVars("AWAIT_SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "asset-gc",
				Usage:   "Cron schedule of unreferenced asset collection",
				Value:   "@hourly",
				Sources: cli.EnvVars("ASSET_GC_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: serve,
	}
}

func serve(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	logger := log.WithModule("nodeflow")

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.InfoContext(ctx, "Initializing nodeflow")

	opts := []runtime.Option{
		runtime.WithLimits(scheduler.Limits{
			Remote: command.Int("remote-concurrency"),
			Local:  command.Int("local-concurrency"),
		}),
	}

	if command.Bool("otel-enabled") {
		tracer, shutdown, err := otelhelper.NewTracer(ctx, "nodeflow")
		if err != nil {
			return fmt.Errorf("failed to set up tracing: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.ErrorContext(ctx, "Failed to flush traces", "error", err)
			}
		}()

		opts = append(opts, runtime.WithTracer(tracer))
	}

	store, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := store.Close(context.WithoutCancel(ctx)); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	registry, err := cmd.NewRegistry(logger, cmd.RegistryConfig{
		PluginsPath:       command.String("plugins-path"),
		ProviderURL:       command.String("provider-url"),
		RemoteKinds:       strings.Split(command.String("remote-kinds"), ","),
		RequestsPerSecond: command.Float("provider-rps"),
	})
	if err != nil {
		return err
	}

	eventBus, err := cmd.NewEventBus(command.String("event-bus"), logger, command.String("kafka-brokers"), command.Bool("otel-enabled"))
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}()

	leases, leaseCloser, err := cmd.NewLeaseStore(command.String("lease-store-url"), clockwork.NewRealClock())
	if err != nil {
		return err
	}

	defer func() {
		if err := leaseCloser.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close lease store", "error", err)
		}
	}()

	collector := metrics.New()

	opts = append(opts,
		runtime.WithPublisher(eventBus),
		runtime.WithMetrics(collector),
		runtime.WithLeaseStore(leases),
	)

	rt := runtime.New(logger, store, registry, opts...)
	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()

		if err := rt.Close(closeCtx); err != nil {
			logger.ErrorContext(ctx, "Failed to stop runtime", "error", err)
		}
	}()

	if err := logLifecycle(ctx, logger, eventBus); err != nil {
		return err
	}

	sweeper, err := NewSweeper(logger, rt, command.String("await-sweep"), command.String("asset-gc"))
	if err != nil {
		return err
	}

	app := NewAPI(rt, collector).App()
	addr := ":" + strconv.Itoa(command.Int("port"))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	g.Go(func() error {
		logger.InfoContext(gctx, "API listening", "addr", addr)

		return app.Listen(addr)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()

		return app.ShutdownWithContext(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	logger.InfoContext(ctx, "nodeflow stopped")

	return nil
}

// logLifecycle subscribes to workflow completions and logs them.
func logLifecycle(ctx context.Context, logger *slog.Logger, bus eventbus.EventSubscriber) error {
	err := bus.Handle(events.WorkflowCompletedEvent, func(ctx context.Context, event any) error {
		completed, ok := event.(*events.WorkflowCompleted)
		if !ok {
			return nil
		}

		logger.InfoContext(ctx, "workflow finished", "workflow_id", completed.WorkflowID, "status", completed.Status)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to register event handler: %w", err)
	}

	if err := bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to events: %w", err)
	}

	return nil
}
