// Package metrics exposes runtime counters and gauges to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nodeflow"

// Collector records runtime metrics. A nil *Collector records nothing.
type Collector struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	admissions       *prometheus.CounterVec
	running          *prometheus.GaugeVec
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	retries          *prometheus.CounterVec
	awaitsOpen       prometheus.Gauge
	awaitsResolved   *prometheus.CounterVec
	invalidations    prometheus.Counter
	commands         *prometheus.CounterVec
}

// New registers every metric on a fresh registry.
func New() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "node_transitions_total",
				Help:      "Node state transitions applied by the runtime",
			},
			[]string{"from", "to"},
		),
		admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queue_admissions_total",
				Help:      "Nodes admitted by the scheduler",
			},
			[]string{"class"},
		),
		running: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_running",
				Help:      "Slots currently occupied per queue",
			},
			[]string{"class"},
		),
		providerCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Provider calls by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		providerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Provider call latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_retries_total",
				Help:      "Automatic retries after transient provider failures",
			},
			[]string{"op"},
		),
		awaitsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "awaits_open",
				Help:      "Await requests waiting for a resolution",
			},
		),
		awaitsResolved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "awaits_resolved_total",
				Help:      "Await requests resolved by outcome",
			},
			[]string{"status"},
		),
		invalidations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "asset_invalidations_total",
				Help:      "Assets invalidated by re-runs or deletion",
			},
		),
		commands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Runtime commands by name and result",
			},
			[]string{"command", "result"},
		),
	}
}

// Registry returns the registry holding the collector's metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}

	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) Admitted(class string) {
	if c == nil {
		return
	}

	c.admissions.WithLabelValues(class).Inc()
}

func (c *Collector) SetRunning(class string, n int) {
	if c == nil {
		return
	}

	c.running.WithLabelValues(class).Set(float64(n))
}

// ProviderCall records one provider round trip.
func (c *Collector) ProviderCall(op string, err error, elapsed time.Duration) {
	if c == nil {
		return
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}

	c.providerCalls.WithLabelValues(op, outcome).Inc()
	c.providerDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (c *Collector) Retry(op string) {
	if c == nil {
		return
	}

	c.retries.WithLabelValues(op).Inc()
}

func (c *Collector) SetAwaitsOpen(n int) {
	if c == nil {
		return
	}

	c.awaitsOpen.Set(float64(n))
}

func (c *Collector) AwaitResolved(status string) {
	if c == nil {
		return
	}

	c.awaitsResolved.WithLabelValues(status).Inc()
}

func (c *Collector) Invalidated(n int) {
	if c == nil || n == 0 {
		return
	}

	c.invalidations.Add(float64(n))
}

func (c *Collector) Command(name string, err error) {
	if c == nil {
		return
	}

	result := "ok"
	if err != nil {
		result = "error"
	}

	c.commands.WithLabelValues(name, result).Inc()
}
