package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagecraft/pkg/engine"
)

// Metrics provides Prometheus metrics for stagecraft.
type Metrics struct {
	config MetricsConfig

	// Service metrics
	serviceStarts     *prometheus.CounterVec
	serviceStartTime  *prometheus.HistogramVec
	readinessProbes   *prometheus.CounterVec
	readinessAttempts prometheus.Histogram

	// Resource action metrics
	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec

	// Provider metrics
	providerCalls    *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec

	// Store metrics
	lockWait *prometheus.HistogramVec

	// Run metrics
	runsCompleted *prometheus.CounterVec
	activeRuns    prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
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

		serviceStarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_starts_total",
				Help:      "Total number of service starts by outcome",
			},
			[]string{"outcome"},
		),
		serviceStartTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "service_start_duration_seconds",
				Help:      "Time from dispatch to ready or failed",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		readinessProbes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "readiness_probes_failed_total",
				Help:      "Total number of failed readiness probes",
			},
			[]string{"service"},
		),
		readinessAttempts: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "readiness_attempts",
				Help:      "Probe attempts needed before a service became ready",
				Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),

		actions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total number of resource actions by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of resource actions in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "kind"},
		),

		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_calls_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "operation", "outcome"},
		),
		providerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_call_duration_seconds",
				Help:      "Duration of provider calls in seconds",
				Buckets:   buckets,
			},
			[]string{"provider", "operation"},
		),

		lockWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "state_lock_wait_seconds",
				Help:      "Time spent waiting for the state lock",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"operation", "status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.serviceStarts,
		m.serviceStartTime,
		m.readinessProbes,
		m.readinessAttempts,
		m.actions,
		m.actionDuration,
		m.providerCalls,
		m.providerDuration,
		m.lockWait,
		m.runsCompleted,
		m.activeRuns,
	)

	return m, nil
}

// ObserveProgress derives metrics from an engine progress event. It is
// registered as an event subscriber.
func (m *Metrics) ObserveProgress(ev engine.ProgressEvent) {
	if m.registry == nil {
		return
	}

	switch ev.Kind {
	case engine.SubjectService:
		m.observeService(ev)
	case engine.SubjectResource:
		m.observeResource(ev)
	}
}

func (m *Metrics) observeService(ev engine.ProgressEvent) {
	switch {
	case ev.Phase == engine.PhaseProbe && ev.Outcome == engine.OutcomeRetrying:
		m.readinessProbes.WithLabelValues(ev.Subject).Inc()
	case ev.Phase == engine.PhaseReady && ev.Outcome == engine.OutcomeSucceeded:
		m.serviceStarts.WithLabelValues("ready").Inc()
		m.serviceStartTime.WithLabelValues("ready").Observe(ev.Duration.Seconds())
		if ev.Attempt > 0 {
			m.readinessAttempts.Observe(float64(ev.Attempt))
		}
	case ev.Outcome == engine.OutcomeFailed && isStartPhase(ev.Phase):
		m.serviceStarts.WithLabelValues("failed").Inc()
		m.serviceStartTime.WithLabelValues("failed").Observe(ev.Duration.Seconds())
	case ev.Phase == engine.PhaseDispatch && ev.Outcome == engine.OutcomeSkipped:
		m.serviceStarts.WithLabelValues("skipped").Inc()
	}
}

func (m *Metrics) observeResource(ev engine.ProgressEvent) {
	switch {
	case ev.Phase == engine.PhaseCompleted:
		kind := ev.Message
		if kind == "" {
			kind = "unknown"
		}
		m.actions.WithLabelValues(kind, string(ev.Outcome)).Inc()
		m.actionDuration.WithLabelValues(providerOf(ev.Subject), kind).Observe(ev.Duration.Seconds())
	case ev.Phase == engine.PhaseAction && ev.Outcome == engine.OutcomeSkipped:
		m.actions.WithLabelValues("unknown", string(engine.OutcomeSkipped)).Inc()
	}
}

func isStartPhase(p engine.Phase) bool {
	switch p {
	case engine.PhaseDispatch, engine.PhaseCreate, engine.PhaseStart, engine.PhaseProbe, engine.PhaseReady:
		return true
	default:
		return false
	}
}

func providerOf(subject string) string {
	if i := strings.IndexByte(subject, '/'); i > 0 {
		return subject[:i]
	}
	return subject
}

// ObserveProviderCall records one provider call.
func (m *Metrics) ObserveProviderCall(provider, operation string, d time.Duration, err error) {
	if m.registry == nil {
		return
	}
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
	}
	m.providerCalls.WithLabelValues(provider, operation, outcome).Inc()
	m.providerDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// ObserveLockWait records the time spent acquiring a state lock. Its
// signature matches the store's lock wait hook.
func (m *Metrics) ObserveLockWait(_ string, waited time.Duration, err error) {
	if m.registry == nil {
		return
	}
	outcome := "acquired"
	switch {
	case engine.HasCode(err, engine.ErrCodeLockTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	m.lockWait.WithLabelValues(outcome).Observe(waited.Seconds())
}

// RunStarted increments the active run gauge.
func (m *Metrics) RunStarted() {
	if m.registry == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunCompleted records a finished run.
func (m *Metrics) RunCompleted(operation string, status engine.RunStatus) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(operation, string(status)).Inc()
	m.activeRuns.Dec()
}

// Registry exposes the underlying registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
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

// Serve exposes metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Str("path", path).Msg("Serving metrics")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
