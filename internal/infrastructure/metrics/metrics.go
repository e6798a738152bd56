// Package metrics exposes powerd's Prometheus metrics.
//
// A *Metrics value is passed to the actuator dispatcher and the reconcile
// engine as their Recorder. When metrics are disabled every method is a
// no-op and Handler serves 404.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
)

// DefaultNamespace prefixes every metric name when the config leaves it empty.
const DefaultNamespace = "powerd"

// Path is where Serve exposes the metrics.
const Path = "/metrics"

const shutdownTimeout = 5 * time.Second

// Metrics holds powerd's collectors.
//
// Thread Safety: all methods are safe for concurrent use.
type Metrics struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry

	actuatorCalls    *prometheus.CounterVec
	actuatorDuration *prometheus.HistogramVec
	actuatorRetries  *prometheus.CounterVec
	reads            *prometheus.CounterVec
	pendingCommits   *prometheus.CounterVec
	commandFailures  *prometheus.CounterVec
}

// New builds the collectors on a private registry. A disabled config yields
// a no-op instance.
func New(cfg config.MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{cfg: cfg}
	}

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}

	m := &Metrics{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),

		actuatorCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "actuator_calls_total",
				Help:      "Actuator calls by backend, operation and result.",
			},
			[]string{"backend", "op", "result"},
		),
		actuatorDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "actuator_call_duration_seconds",
				Help:      "Duration of actuator calls including retries.",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"backend", "op"},
		),
		actuatorRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "actuator_retries_total",
				Help:      "Retried actuator attempts.",
			},
			[]string{"backend", "op"},
		),
		reads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "power_reads_total",
				Help:      "Power state reads, served from the record or probed.",
			},
			[]string{"source"},
		),
		pendingCommits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "pending_commits_total",
				Help:      "Pending transitions committed as the believed state.",
			},
			[]string{"target"},
		),
		commandFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "command_failures_total",
				Help:      "Power commands that failed and invalidated the record.",
			},
			[]string{"backend"},
		),
	}

	m.registry.MustRegister(
		m.actuatorCalls,
		m.actuatorDuration,
		m.actuatorRetries,
		m.reads,
		m.pendingCommits,
		m.commandFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Enabled reports whether collectors are registered.
func (m *Metrics) Enabled() bool {
	return m.registry != nil
}

// ObserveCall records one actuator call.
func (m *Metrics) ObserveCall(backend device.Backend, op string, took time.Duration, err error) {
	if !m.Enabled() {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.actuatorCalls.WithLabelValues(string(backend), op, result).Inc()
	m.actuatorDuration.WithLabelValues(string(backend), op).Observe(took.Seconds())
}

// ObserveRetry records one retried attempt.
func (m *Metrics) ObserveRetry(backend device.Backend, op string) {
	if !m.Enabled() {
		return
	}
	m.actuatorRetries.WithLabelValues(string(backend), op).Inc()
}

// ObserveRead records whether a read hit the hardware.
func (m *Metrics) ObserveRead(probed bool) {
	if !m.Enabled() {
		return
	}
	source := "cache"
	if probed {
		source = "probe"
	}
	m.reads.WithLabelValues(source).Inc()
}

// ObservePendingCommit records a due pending transition being committed.
func (m *Metrics) ObservePendingCommit(target device.PowerState) {
	if !m.Enabled() {
		return
	}
	m.pendingCommits.WithLabelValues(string(target)).Inc()
}

// ObserveCommandFailure records a failed power command.
func (m *Metrics) ObserveCommandFailure(backend device.Backend) {
	if !m.Enabled() {
		return
	}
	m.commandFailures.WithLabelValues(string(backend)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes Handler on the configured listen address until ctx is
// cancelled. It returns nil immediately when metrics are disabled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.Enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(Path, m.Handler())

	server := &http.Server{
		Addr:              m.cfg.Listen,
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
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}
