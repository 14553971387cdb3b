package telemetry

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects install outcomes for one run. It implements
// engine.Observer and is safe for concurrent host passes.
type Metrics struct {
	registry *prometheus.Registry
	config   MetricsConfig

	resourceInstalls *prometheus.CounterVec
	resourceDuration *prometheus.HistogramVec
	hostPasses       *prometheus.CounterVec
	hostDuration     *prometheus.HistogramVec
	hostChanged      *prometheus.GaugeVec
	lastRun          prometheus.Gauge
}

// NewMetrics creates a Metrics with its own registry. A disabled config
// yields a Metrics whose methods do nothing.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		config:   cfg,

		resourceInstalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "resource",
				Name:      "installs_total",
				Help:      "Resource install attempts by host, kind and result",
			},
			[]string{"host", "kind", "result"},
		),
		resourceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "resource",
				Name:      "install_duration_seconds",
				Help:      "Duration of a resource install including its dependencies",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		hostPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "host",
				Name:      "passes_total",
				Help:      "Host convergence passes by result",
			},
			[]string{"host", "result"},
		),
		hostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "host",
				Name:      "pass_duration_seconds",
				Help:      "Duration of a host convergence pass",
				Buckets:   buckets,
			},
			[]string{"host"},
		),
		hostChanged: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "host",
				Name:      "changed_resources",
				Help:      "Resources changed by the last pass on a host",
			},
			[]string{"host"},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last run finished",
			},
		),
	}

	m.registry.MustRegister(
		m.resourceInstalls,
		m.resourceDuration,
		m.hostPasses,
		m.hostDuration,
		m.hostChanged,
		m.lastRun,
	)

	return m, nil
}

// ResourceInstalled implements engine.Observer.
func (m *Metrics) ResourceInstalled(host, name, kind string, changed bool, duration time.Duration, err error) {
	if m.registry == nil {
		return
	}
	m.resourceInstalls.WithLabelValues(host, kind, result(changed, err)).Inc()
	m.resourceDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordHostPass records one finished host pass.
func (m *Metrics) RecordHostPass(host string, changed int, duration time.Duration, err error) {
	if m.registry == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.hostPasses.WithLabelValues(host, status).Inc()
	m.hostDuration.WithLabelValues(host).Observe(duration.Seconds())
	m.hostChanged.WithLabelValues(host).Set(float64(changed))
}

// RecordRunFinished stamps the end of the run.
func (m *Metrics) RecordRunFinished(at time.Time) {
	if m.registry == nil {
		return
	}
	m.lastRun.Set(float64(at.Unix()))
}

// Gatherer exposes the registry, nil when metrics are disabled.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m.registry == nil {
		return nil
	}
	return m.registry
}

// WriteTextfile writes the registry to path in text exposition format. The
// file is replaced atomically. An empty path falls back to the configured
// textfile, and no path at all is a no-op.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil {
		return nil
	}
	if path == "" {
		path = m.config.Textfile
	}
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

func result(changed bool, err error) string {
	switch {
	case err != nil:
		return "failed"
	case changed:
		return "changed"
	default:
		return "unchanged"
	}
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

// String implements fmt.Stringer with millisecond precision.
func (t *Timer) String() string {
	return strconv.FormatInt(t.Duration().Milliseconds(), 10) + "ms"
}
