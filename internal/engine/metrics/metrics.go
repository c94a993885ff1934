// Package metrics provides runtime metrics collection.
// It wraps Prometheus collectors to provide structured telemetry for
// component lifecycle, the change event bus, action dispatch and sync.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface consumed by runtime components.
type Recorder interface {
	RecordLifecycleStatus(component string, status int)
	RecordInitialize(component string, duration time.Duration, err error)
	RecordEnd(component string, duration time.Duration, err error)
	RecordEmit(category string)
	RecordDelivery(category string, duration time.Duration, err error)
	RecordActionExecution(category, action string, duration time.Duration, err error)
	RecordDeferred(category, reason string)
	RecordSyncOperation(op, collection string, duration time.Duration, err error)
	RecordUpsertFallback(collection string)
}

// Collector provides runtime metrics collection.
type Collector struct {
	registry *prometheus.Registry

	componentStatus    *prometheus.GaugeVec
	initializeLatency  *prometheus.HistogramVec
	endLatency         *prometheus.HistogramVec
	componentFailures  *prometheus.CounterVec

	eventsEmitted      *prometheus.CounterVec
	deliveriesTotal    *prometheus.CounterVec
	deliveryLatency    *prometheus.HistogramVec

	actionExecutions   *prometheus.CounterVec
	actionLatency      *prometheus.HistogramVec
	eventsDeferred     *prometheus.CounterVec

	syncOperations     *prometheus.CounterVec
	syncLatency        *prometheus.HistogramVec
	upsertFallbacks    *prometheus.CounterVec
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a new metrics collector.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "insight_runtime"
	}

	c := &Collector{
		registry: prometheus.NewRegistry(),
	}

	c.componentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "status",
			Help:      "Current lifecycle status of component (0=uninitialized, 1=initializing, 2=initialized, 3=ending, 4=ended)",
		},
		[]string{"component"},
	)

	c.initializeLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "initialize_duration_seconds",
			Help:      "Time taken to initialize a component",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"component", "result"},
	)

	c.endLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "end_duration_seconds",
			Help:      "Time taken to end a component",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"component", "result"},
	)

	c.componentFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "component",
			Name:      "failures_total",
			Help:      "Total number of lifecycle failures by phase",
		},
		[]string{"component", "phase"},
	)

	c.eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of change events emitted",
		},
		[]string{"category"},
	)

	c.deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "deliveries_total",
			Help:      "Total number of listener invocations",
		},
		[]string{"category", "result"},
	)

	c.deliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "delivery_duration_seconds",
			Help:      "Time spent in a single listener",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"category"},
	)

	c.actionExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "executions_total",
			Help:      "Total number of action executions",
		},
		[]string{"category", "action", "result"},
	)

	c.actionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "execution_duration_seconds",
			Help:      "Duration of action executions",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		},
		[]string{"category", "action"},
	)

	c.eventsDeferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "actions",
			Name:      "deferred_total",
			Help:      "Events recorded but not executed, by reason",
		},
		[]string{"category", "reason"},
	)

	c.syncOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operations_total",
			Help:      "Total number of data provider operations",
		},
		[]string{"op", "collection", "result"},
	)

	c.syncLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "operation_duration_seconds",
			Help:      "Duration of data provider operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"op", "collection"},
	)

	c.upsertFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "upsert_fallbacks_total",
			Help:      "Upserts retried on the minimal write path after permission denial",
		},
		[]string{"collection"},
	)

	c.registry.MustRegister(
		c.componentStatus,
		c.initializeLatency,
		c.endLatency,
		c.componentFailures,
		c.eventsEmitted,
		c.deliveriesTotal,
		c.deliveryLatency,
		c.actionExecutions,
		c.actionLatency,
		c.eventsDeferred,
		c.syncOperations,
		c.syncLatency,
		c.upsertFallbacks,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler exposing the registered collectors.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordLifecycleStatus records the current lifecycle status of a component.
func (c *Collector) RecordLifecycleStatus(component string, status int) {
	c.componentStatus.WithLabelValues(component).Set(float64(status))
}

// RecordInitialize records initialize latency.
func (c *Collector) RecordInitialize(component string, duration time.Duration, err error) {
	c.initializeLatency.WithLabelValues(component, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.componentFailures.WithLabelValues(component, "initialize").Inc()
	}
}

// RecordEnd records end latency.
func (c *Collector) RecordEnd(component string, duration time.Duration, err error) {
	c.endLatency.WithLabelValues(component, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.componentFailures.WithLabelValues(component, "end").Inc()
	}
}

// RecordEmit counts an emitted change event.
func (c *Collector) RecordEmit(category string) {
	c.eventsEmitted.WithLabelValues(category).Inc()
}

// RecordDelivery records one listener invocation.
func (c *Collector) RecordDelivery(category string, duration time.Duration, err error) {
	c.deliveriesTotal.WithLabelValues(category, result(err)).Inc()
	c.deliveryLatency.WithLabelValues(category).Observe(duration.Seconds())
}

// RecordActionExecution records one action execution.
func (c *Collector) RecordActionExecution(category, action string, duration time.Duration, err error) {
	c.actionExecutions.WithLabelValues(category, action, result(err)).Inc()
	c.actionLatency.WithLabelValues(category, action).Observe(duration.Seconds())
}

// RecordDeferred counts an event that was recorded but not executed.
func (c *Collector) RecordDeferred(category, reason string) {
	c.eventsDeferred.WithLabelValues(category, reason).Inc()
}

// RecordSyncOperation records a data provider call.
func (c *Collector) RecordSyncOperation(op, collection string, duration time.Duration, err error) {
	c.syncOperations.WithLabelValues(op, collection, result(err)).Inc()
	c.syncLatency.WithLabelValues(op, collection).Observe(duration.Seconds())
}

// RecordUpsertFallback counts a minimal-path upsert retry.
func (c *Collector) RecordUpsertFallback(collection string) {
	c.upsertFallbacks.WithLabelValues(collection).Inc()
}

// Reset resets gauge metrics.
func (c *Collector) Reset() {
	c.componentStatus.Reset()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NoOpCollector is a metrics recorder that discards everything.
type NoOpCollector struct{}

var _ Recorder = NoOpCollector{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() NoOpCollector {
	return NoOpCollector{}
}

func (NoOpCollector) RecordLifecycleStatus(string, int)                              {}
func (NoOpCollector) RecordInitialize(string, time.Duration, error)                   {}
func (NoOpCollector) RecordEnd(string, time.Duration, error)                          {}
func (NoOpCollector) RecordEmit(string)                                               {}
func (NoOpCollector) RecordDelivery(string, time.Duration, error)                     {}
func (NoOpCollector) RecordActionExecution(string, string, time.Duration, error)      {}
func (NoOpCollector) RecordDeferred(string, string)                                   {}
func (NoOpCollector) RecordSyncOperation(string, string, time.Duration, error)        {}
func (NoOpCollector) RecordUpsertFallback(string)                                     {}

// OrNoOp returns r, or a no-op recorder when r is nil.
func OrNoOp(r Recorder) Recorder {
	if r == nil {
		return NoOpCollector{}
	}
	return r
}
