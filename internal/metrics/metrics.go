// Package metrics exposes hub metrics in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/mmate-hub/bridge"
	"github.com/glimte/mmate-hub/internal/reliability"
)

const namespace = "hub"

// Collector holds every hub metric on its own registry
type Collector struct {
	registry *prometheus.Registry

	eventsTotal     *prometheus.CounterVec
	eventDuration   *prometheus.HistogramVec
	publishedTotal  *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	awaitDuration   *prometheus.HistogramVec
	droppedTotal    *prometheus.CounterVec
	pendingRequests prometheus.Gauge
	circuitState    *prometheus.GaugeVec
}

// NewCollector creates a collector with a fresh registry. Go runtime and
// process collectors are registered alongside the hub metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "events_total",
				Help:      "Events received on POST /event by type and result",
			},
			[]string{"type", "result"},
		),

		eventDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "gateway",
				Name:      "event_duration_seconds",
				Help:      "Time spent handling POST /event",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),

		publishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "published_total",
				Help:      "Notification publishes by topic and status",
			},
			[]string{"topic", "status"},
		),

		outcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "requests_total",
				Help:      "Correlated requests by outcome",
			},
			[]string{"outcome"},
		),

		awaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "await_duration_seconds",
				Help:      "Time from registration to resolution",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 2.5, 5},
			},
			[]string{"outcome"},
		),

		droppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "dropped_total",
				Help:      "Inbound messages that resolved no request",
			},
			[]string{"reason"},
		),

		pendingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "bridge",
				Name:      "pending_requests",
				Help:      "Requests currently awaiting a reply",
			},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
	}

	c.registry.MustRegister(
		c.eventsTotal,
		c.eventDuration,
		c.publishedTotal,
		c.outcomesTotal,
		c.awaitDuration,
		c.droppedTotal,
		c.pendingRequests,
		c.circuitState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// Registry returns the underlying Prometheus registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordEvent records one handled POST /event. eventType is empty for
// payloads rejected before classification.
func (c *Collector) RecordEvent(eventType, result string, duration time.Duration) {
	if eventType == "" {
		eventType = "invalid"
	}
	c.eventsTotal.WithLabelValues(eventType, result).Inc()
	c.eventDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

// RecordPublish records a notification publish
func (c *Collector) RecordPublish(topic string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.publishedTotal.WithLabelValues(topic, status).Inc()
}

// RecordOutcome implements bridge.MetricsCollector
func (c *Collector) RecordOutcome(outcome bridge.Outcome, latency time.Duration) {
	c.outcomesTotal.WithLabelValues(string(outcome)).Inc()
	c.awaitDuration.WithLabelValues(string(outcome)).Observe(latency.Seconds())
}

// RecordDropped implements bridge.MetricsCollector
func (c *Collector) RecordDropped(reason string) {
	c.droppedTotal.WithLabelValues(reason).Inc()
}

// SetPending implements bridge.MetricsCollector
func (c *Collector) SetPending(count int) {
	c.pendingRequests.Set(float64(count))
}

// OnStateChange implements reliability.StateChangeListener
func (c *Collector) OnStateChange(name string, _, to reliability.State, _ string) {
	c.circuitState.WithLabelValues(name).Set(float64(to))
}

var (
	_ bridge.MetricsCollector         = (*Collector)(nil)
	_ reliability.StateChangeListener = (*Collector)(nil)
)
