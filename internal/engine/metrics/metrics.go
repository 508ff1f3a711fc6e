// Package metrics provides Prometheus telemetry for plugin lifecycle passes,
// individual hook executions, dependency resolution and the HTTP surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private Prometheus registry with the platform metrics.
type Collector struct {
	registry *prometheus.Registry

	pluginStatus     *prometheus.GaugeVec
	pluginsTotal     prometheus.Gauge
	hookDuration     *prometheus.HistogramVec
	hookFailures     *prometheus.CounterVec
	passDuration     *prometheus.HistogramVec
	dependencyCycles prometheus.Counter
	dependencyMissed prometheus.Counter

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewCollector creates a collector. An empty namespace defaults to "oksai".
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "oksai"
	}

	c := &Collector{registry: prometheus.NewRegistry()}

	c.pluginStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "status",
			Help:      "Current status of a plugin (see state.Status ordinal values)",
		},
		[]string{"plugin"},
	)

	c.pluginsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "registered",
			Help:      "Number of registered plugins",
		},
	)

	c.hookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "hook_duration_seconds",
			Help:      "Time taken by a plugin lifecycle hook",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"plugin", "hook", "result"},
	)

	c.hookFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "plugin",
			Name:      "hook_failures_total",
			Help:      "Total number of failed plugin lifecycle hooks",
		},
		[]string{"plugin", "hook"},
	)

	c.passDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "pass_duration_seconds",
			Help:      "Time taken by a full lifecycle pass",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"pass", "result"},
	)

	c.dependencyCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "cycles_detected_total",
			Help:      "Total number of dependency cycles detected",
		},
	)

	c.dependencyMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dependency",
			Name:      "missing_total",
			Help:      "Total number of missing dependencies",
		},
	)

	c.httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	c.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	c.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	c.registry.MustRegister(
		c.pluginStatus,
		c.pluginsTotal,
		c.hookDuration,
		c.hookFailures,
		c.passDuration,
		c.dependencyCycles,
		c.dependencyMissed,
		c.httpInFlight,
		c.httpRequests,
		c.httpDuration,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler exposes the collector's registry for scraping.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordPluginStatus records the current status ordinal of a plugin.
func (c *Collector) RecordPluginStatus(plugin string, status int) {
	c.pluginStatus.WithLabelValues(plugin).Set(float64(status))
}

// RecordRegisteredPlugins records the registry size.
func (c *Collector) RecordRegisteredPlugins(count int) {
	c.pluginsTotal.Set(float64(count))
}

// RecordHook records the latency and outcome of one hook invocation.
func (c *Collector) RecordHook(plugin, hook string, duration time.Duration, err error) {
	c.hookDuration.WithLabelValues(plugin, hook, result(err)).Observe(duration.Seconds())
	if err != nil {
		c.hookFailures.WithLabelValues(plugin, hook).Inc()
	}
}

// RecordPass records the latency and outcome of a lifecycle pass.
func (c *Collector) RecordPass(pass string, duration time.Duration, err error) {
	c.passDuration.WithLabelValues(pass, result(err)).Observe(duration.Seconds())
}

// RecordDependencyCycle records a detected dependency cycle.
func (c *Collector) RecordDependencyCycle() {
	c.dependencyCycles.Inc()
}

// RecordDependencyMissing records a missing dependency.
func (c *Collector) RecordDependencyMissing() {
	c.dependencyMissed.Inc()
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, path, status).Inc()
	c.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncInFlight increments the in-flight request gauge.
func (c *Collector) IncInFlight() { c.httpInFlight.Inc() }

// DecInFlight decrements the in-flight request gauge.
func (c *Collector) DecInFlight() { c.httpInFlight.Dec() }

// Reset resets gauges that describe current state.
func (c *Collector) Reset() {
	c.pluginStatus.Reset()
	c.pluginsTotal.Set(0)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// NoOpCollector is a metrics collector that discards all metrics.
type NoOpCollector struct{}

// NewNoOpCollector creates a no-op metrics collector.
func NewNoOpCollector() *NoOpCollector {
	return &NoOpCollector{}
}

func (*NoOpCollector) RecordPluginStatus(string, int)                          {}
func (*NoOpCollector) RecordRegisteredPlugins(int)                             {}
func (*NoOpCollector) RecordHook(string, string, time.Duration, error)         {}
func (*NoOpCollector) RecordPass(string, time.Duration, error)                 {}
func (*NoOpCollector) RecordDependencyCycle()                                  {}
func (*NoOpCollector) RecordDependencyMissing()                                {}
func (*NoOpCollector) RecordHTTPRequest(string, string, string, time.Duration) {}
func (*NoOpCollector) IncInFlight()                                            {}
func (*NoOpCollector) DecInFlight()                                            {}
func (*NoOpCollector) Reset()                                                  {}

// LifecycleRecorder is the subset used by the plugin core.
type LifecycleRecorder interface {
	RecordPluginStatus(plugin string, status int)
	RecordRegisteredPlugins(count int)
	RecordHook(plugin, hook string, duration time.Duration, err error)
	RecordPass(pass string, duration time.Duration, err error)
	RecordDependencyCycle()
	RecordDependencyMissing()
}

// HTTPRecorder is the subset used by the HTTP middleware.
type HTTPRecorder interface {
	RecordHTTPRequest(method, path, status string, duration time.Duration)
	IncInFlight()
	DecInFlight()
}

var (
	_ LifecycleRecorder = (*Collector)(nil)
	_ LifecycleRecorder = (*NoOpCollector)(nil)
	_ HTTPRecorder      = (*Collector)(nil)
	_ HTTPRecorder      = (*NoOpCollector)(nil)
)
