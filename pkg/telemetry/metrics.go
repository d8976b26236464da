package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for proxy readiness and state sync.
// All methods are safe to call on a nil or disabled instance.
type Metrics struct {
	config MetricsConfig

	// Feature metrics
	featureIntrospections *prometheus.CounterVec
	featureDuration       *prometheus.HistogramVec

	// Readiness request metrics
	readinessRequests *prometheus.CounterVec

	// Property metrics
	propertyChanges *prometheus.CounterVec

	// Handoff metrics
	handoffBuilds     *prometheus.CounterVec
	handoffQueueDepth prometheus.Gauge

	// Capability metrics
	capabilityRecomputes prometheus.Counter

	// Auxiliary operations such as profile loads
	operationDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	// System metrics
	liveProxies prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		featureIntrospections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feature_introspections_total",
				Help:      "Total number of feature introspections by outcome",
			},
			[]string{"feature", "result"},
		),
		featureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "feature_introspection_duration_seconds",
				Help:      "Duration of feature introspection in seconds",
				Buckets:   buckets,
			},
			[]string{"feature"},
		),

		readinessRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_requests_total",
				Help:      "Total number of resolved readiness requests",
			},
			[]string{"result"},
		),

		propertyChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "property_changes_total",
				Help:      "Total number of property change events by kind",
			},
			[]string{"kind"},
		),

		handoffBuilds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoff_builds_total",
				Help:      "Total number of connection builds by outcome",
			},
			[]string{"result"},
		),
		handoffQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "handoff_queue_depth",
				Help:      "Number of connection targets waiting to be processed",
			},
		),

		capabilityRecomputes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "capability_recomputes_total",
				Help:      "Total number of effective capability recomputations",
			},
		),

		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of auxiliary operations by name and outcome",
				Buckets:   buckets,
			},
			[]string{"operation", "result"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),

		liveProxies: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "live_proxies",
				Help:      "Current number of live account proxies",
			},
		),
	}

	registry.MustRegister(
		m.featureIntrospections,
		m.featureDuration,
		m.readinessRequests,
		m.propertyChanges,
		m.handoffBuilds,
		m.handoffQueueDepth,
		m.capabilityRecomputes,
		m.operationDuration,
		m.errorsByClass,
		m.errorsByCode,
		m.liveProxies,
	)

	return m, nil
}

// RecordOperation records one operation started with StartOperation.
func (m *Metrics) RecordOperation(operation, result string, duration time.Duration) {
	if m == nil || m.operationDuration == nil {
		return
	}
	m.operationDuration.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// Feature Metrics

// RecordFeatureIntrospection records a finished feature introspection.
func (m *Metrics) RecordFeatureIntrospection(feature, result string, duration time.Duration) {
	if m == nil || m.featureIntrospections == nil {
		return
	}
	m.featureIntrospections.WithLabelValues(feature, result).Inc()
	m.featureDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

// RecordReadinessRequest records a resolved readiness request.
func (m *Metrics) RecordReadinessRequest(result string) {
	if m == nil || m.readinessRequests == nil {
		return
	}
	m.readinessRequests.WithLabelValues(result).Inc()
}

// Property Metrics

// RecordPropertyChanges adds n change events of the given kind (raw, derived, sticky).
func (m *Metrics) RecordPropertyChanges(kind string, n int) {
	if m == nil || m.propertyChanges == nil || n == 0 {
		return
	}
	m.propertyChanges.WithLabelValues(kind).Add(float64(n))
}

// Handoff Metrics

// RecordHandoffBuild records a finished connection build.
func (m *Metrics) RecordHandoffBuild(result string) {
	if m == nil || m.handoffBuilds == nil {
		return
	}
	m.handoffBuilds.WithLabelValues(result).Inc()
}

// SetHandoffQueueDepth sets the number of waiting handoff targets.
func (m *Metrics) SetHandoffQueueDepth(depth int) {
	if m == nil || m.handoffQueueDepth == nil {
		return
	}
	m.handoffQueueDepth.Set(float64(depth))
}

// RecordCapabilityRecompute counts a recomputation of effective capabilities.
func (m *Metrics) RecordCapabilityRecompute() {
	if m == nil || m.capabilityRecomputes == nil {
		return
	}
	m.capabilityRecomputes.Inc()
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// System Metrics

// ProxyOpened increments the live proxy gauge.
func (m *Metrics) ProxyOpened() {
	if m == nil || m.liveProxies == nil {
		return
	}
	m.liveProxies.Inc()
}

// ProxyClosed decrements the live proxy gauge.
func (m *Metrics) ProxyClosed() {
	if m == nil || m.liveProxies == nil {
		return
	}
	m.liveProxies.Dec()
}

// Registry returns the underlying registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Log error but don't fail the application
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
