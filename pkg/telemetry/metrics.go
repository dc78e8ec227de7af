package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sdmkit/sdm/pkg/engine"
)

// Metrics exposes machine activity to Prometheus. It implements
// engine.MetricsRecorder. A disabled Metrics records nothing.
type Metrics struct {
	config MetricsConfig

	pushes        *prometheus.CounterVec
	pushDuration  *prometheus.HistogramVec
	goalSetSize   prometheus.Histogram
	goals         *prometheus.CounterVec
	goalDuration  *prometheus.HistogramVec
	verifications *prometheus.CounterVec
	verifyTime    *prometheus.HistogramVec
	scans         *prometheus.CounterVec
	freezeToggles *prometheus.CounterVec
	frozen        *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),

		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "pushes_total",
			Help:      "Pushes handled, by outcome",
		}, []string{"outcome"}),
		pushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "push_duration_seconds",
			Help:      "Time from push receipt to run completion",
			Buckets:   buckets,
		}, []string{"outcome"}),
		goalSetSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "goal_set_size",
			Help:      "Number of goals in resolved goal sets",
			Buckets:   prometheus.LinearBuckets(0, 2, 10),
		}),
		goals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "goals_total",
			Help:      "Goal executions, by goal and final status",
		}, []string{"goal", "status"}),
		goalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "goal_duration_seconds",
			Help:      "Goal execution time including retries",
			Buckets:   buckets,
		}, []string{"goal"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deploy_verifications_total",
			Help:      "Endpoint verifications, by environment and result",
		}, []string{"environment", "healthy"}),
		verifyTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "deploy_verification_seconds",
			Help:      "Time spent polling deployment endpoints",
			Buckets:   buckets,
		}, []string{"environment"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "artifact_scans_total",
			Help:      "Artifact scans, by tool and result",
		}, []string{"tool", "success"}),
		freezeToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "deploy_freeze_toggles_total",
			Help:      "Deploy freeze changes, by scope",
		}, []string{"scope", "frozen"}),
		frozen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "deploy_frozen",
			Help:      "1 while deployment is frozen for the scope",
		}, []string{"scope"}),
	}

	m.registry.MustRegister(
		m.pushes, m.pushDuration, m.goalSetSize, m.goals, m.goalDuration,
		m.verifications, m.verifyTime, m.scans, m.freezeToggles, m.frozen,
	)
	return m, nil
}

func (m *Metrics) enabled() bool { return m != nil && m.registry != nil }

// RecordPush implements engine.MetricsRecorder.
func (m *Metrics) RecordPush(outcome string, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.pushes.WithLabelValues(outcome).Inc()
	m.pushDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordGoalSet implements engine.MetricsRecorder.
func (m *Metrics) RecordGoalSet(goals int) {
	if !m.enabled() {
		return
	}
	m.goalSetSize.Observe(float64(goals))
}

// RecordGoal implements engine.MetricsRecorder.
func (m *Metrics) RecordGoal(goal string, status engine.GoalStatus, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.goals.WithLabelValues(goal, string(status)).Inc()
	if status != engine.GoalStatusSkipped {
		m.goalDuration.WithLabelValues(goal).Observe(d.Seconds())
	}
}

// RecordVerification implements engine.MetricsRecorder.
func (m *Metrics) RecordVerification(environment string, healthy bool, d time.Duration) {
	if !m.enabled() {
		return
	}
	m.verifications.WithLabelValues(environment, strconv.FormatBool(healthy)).Inc()
	m.verifyTime.WithLabelValues(environment).Observe(d.Seconds())
}

// RecordFreezeToggle implements engine.MetricsRecorder.
func (m *Metrics) RecordFreezeToggle(scope string, frozen bool) {
	if !m.enabled() {
		return
	}
	m.freezeToggles.WithLabelValues(scope, strconv.FormatBool(frozen)).Inc()
	value := 0.0
	if frozen {
		value = 1
	}
	m.frozen.WithLabelValues(scope).Set(value)
}

// RecordScan records an artifact scan.
func (m *Metrics) RecordScan(tool string, success bool, _ time.Duration) {
	if !m.enabled() {
		return
	}
	m.scans.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
}

// Registry returns the Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Serve exposes metrics on the configured address until ctx is done.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.enabled() {
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

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

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
