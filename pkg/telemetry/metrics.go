package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for provider activity. A Metrics
// built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsByCode      *prometheus.CounterVec
	drift             *prometheus.CounterVec
	flagConflicts     prometheus.Counter
	eixWarnings       prometheus.Counter
	flagFiles         *prometheus.CounterVec
	policyDenials     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "operations_total",
				Help:      "Provider operations by resource type, operation and outcome",
			},
			[]string{"resource_type", "operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "operation_duration_seconds",
				Help:      "Duration of provider operations in seconds",
				Buckets:   buckets,
			},
			[]string{"resource_type", "operation"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "errors_total",
				Help:      "Errors by engine error code",
			},
			[]string{"code"},
		),
		drift: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "drift_detected_total",
				Help:      "Out of sync packages by the attribute that drifted",
			},
			[]string{"resource_type", "field"},
		),
		flagConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "use_flag_conflicts_total",
				Help:      "Evaluations where a use flag was requested both on and off",
			},
		),
		eixWarnings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "eix_format_warnings_total",
				Help:      "eix documents with an unknown eixdump version",
			},
		),
		flagFiles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "flag_file_changes_total",
				Help:      "Files written or removed under package.use and package.keywords",
			},
			[]string{"kind", "action"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "policy_denials_total",
				Help:      "Operations refused by a guard policy",
			},
			[]string{"operation"},
		),
	}

	m.registry.MustRegister(
		m.operations,
		m.operationDuration,
		m.errorsByCode,
		m.drift,
		m.flagConflicts,
		m.eixWarnings,
		m.flagFiles,
		m.policyDenials,
	)

	return m, nil
}

// RecordOperation records one provider operation.
func (m *Metrics) RecordOperation(resourceType, operation string, duration time.Duration, err error) {
	if m == nil || m.operations == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operations.WithLabelValues(resourceType, operation, status).Inc()
	m.operationDuration.WithLabelValues(resourceType, operation).Observe(duration.Seconds())
}

// RecordError counts an error under its code.
func (m *Metrics) RecordError(code string) {
	if m == nil || m.errorsByCode == nil || code == "" {
		return
	}
	m.errorsByCode.WithLabelValues(code).Inc()
}

// RecordDrift counts an out of sync attribute.
func (m *Metrics) RecordDrift(resourceType, field string) {
	if m == nil || m.drift == nil {
		return
	}
	m.drift.WithLabelValues(resourceType, field).Inc()
}

// RecordFlagConflict counts a conflicting use flag evaluation.
func (m *Metrics) RecordFlagConflict() {
	if m == nil || m.flagConflicts == nil {
		return
	}
	m.flagConflicts.Inc()
}

// RecordEixWarning counts an unknown eixdump version.
func (m *Metrics) RecordEixWarning() {
	if m == nil || m.eixWarnings == nil {
		return
	}
	m.eixWarnings.Inc()
}

// RecordFlagFile counts a flag file change. action is "write" or "remove".
func (m *Metrics) RecordFlagFile(kind, action string) {
	if m == nil || m.flagFiles == nil {
		return
	}
	m.flagFiles.WithLabelValues(kind, action).Inc()
}

// RecordPolicyDenial counts a refused operation.
func (m *Metrics) RecordPolicyDenial(operation string) {
	if m == nil || m.policyDenials == nil {
		return
	}
	m.policyDenials.WithLabelValues(operation).Inc()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures an operation.
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

// Serve exposes the metrics endpoint until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
