package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for pipeline runs. All methods are
// safe on a disabled instance.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Stage metrics
	stagesExecuted *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec

	// Error metrics
	errorsByKind *prometheus.CounterVec

	// Domain metrics
	bytesDownloaded    prometheus.Counter
	epochsCompleted    prometheus.Counter
	checkpointsSaved   prometheus.Counter
	evaluationAccuracy prometheus.Gauge
	evaluationLoss     prometheus.Gauge
	verdicts           *prometheus.CounterVec
	trackingCalls      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.StageDurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of pipeline runs started",
		}),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of pipeline runs completed by final state",
			},
			[]string{"state"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of pipeline runs in seconds",
				Buckets:   buckets,
			},
			[]string{"state"},
		),

		stagesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_executed_total",
				Help:      "Total number of stage executions by outcome",
			},
			[]string{"stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage executions in seconds",
				Buckets:   buckets,
			},
			[]string{"stage"},
		),

		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of pipeline errors by kind",
			},
			[]string{"kind"},
		),

		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingestion_bytes_downloaded_total",
			Help:      "Bytes downloaded by the ingestion stage",
		}),
		epochsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_epochs_completed_total",
			Help:      "Training epochs completed",
		}),
		checkpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_checkpoints_saved_total",
			Help:      "Best-only checkpoints written",
		}),
		evaluationAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_accuracy",
			Help:      "Validation accuracy of the last evaluation",
		}),
		evaluationLoss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "evaluation_loss",
			Help:      "Validation loss of the last evaluation",
		}),
		verdicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluation_verdicts_total",
				Help:      "Evaluation verdicts by outcome",
			},
			[]string{"verdict"},
		),
		trackingCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tracking_calls_total",
				Help:      "Experiment tracking calls by backend and outcome",
			},
			[]string{"backend", "status"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted, m.runsCompleted, m.runDuration,
		m.stagesExecuted, m.stageDuration,
		m.errorsByKind,
		m.bytesDownloaded, m.epochsCompleted, m.checkpointsSaved,
		m.evaluationAccuracy, m.evaluationLoss, m.verdicts, m.trackingCalls,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted() {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
}

// RecordRunCompleted records a completed run with its final state and duration.
func (m *Metrics) RecordRunCompleted(state string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(state).Inc()
	m.runDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// Stage Metrics

// RecordStage records one stage execution.
func (m *Metrics) RecordStage(stage, status string, duration time.Duration) {
	if m.stagesExecuted == nil {
		return
	}
	m.stagesExecuted.WithLabelValues(stage, status).Inc()
	m.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordError records an error by kind.
func (m *Metrics) RecordError(kind string) {
	if m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// Domain Metrics

// AddBytesDownloaded adds to the downloaded byte counter.
func (m *Metrics) AddBytesDownloaded(n int64) {
	if m.bytesDownloaded == nil || n <= 0 {
		return
	}
	m.bytesDownloaded.Add(float64(n))
}

// RecordEpoch records one completed training epoch.
func (m *Metrics) RecordEpoch() {
	if m.epochsCompleted == nil {
		return
	}
	m.epochsCompleted.Inc()
}

// RecordCheckpoint records one checkpoint write.
func (m *Metrics) RecordCheckpoint() {
	if m.checkpointsSaved == nil {
		return
	}
	m.checkpointsSaved.Inc()
}

// RecordEvaluation records the latest evaluation score and verdict.
func (m *Metrics) RecordEvaluation(loss, accuracy float64, passed bool) {
	if m.evaluationAccuracy == nil {
		return
	}
	m.evaluationLoss.Set(loss)
	m.evaluationAccuracy.Set(accuracy)
	verdict := "fail"
	if passed {
		verdict = "pass"
	}
	m.verdicts.WithLabelValues(verdict).Inc()
}

// RecordTrackingCall records one call to an experiment tracking backend.
func (m *Metrics) RecordTrackingCall(backend string, err error) {
	if m.trackingCalls == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.trackingCalls.WithLabelValues(backend, status).Inc()
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
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics while a long
// run is in progress. It is a no-op without a listen address.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Warn("metrics server stopped")
		}
	}()

	return server
}

// WriteTextfile writes the registry in Prometheus text format to path, for
// node_exporter's textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m.registry == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
