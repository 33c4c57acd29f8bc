// Package metrics exposes visionforge's Prometheus metrics and health
// endpoint (spec §6: "the metrics/health HTTP endpoints" are an external
// collaborator interface; this package is the concrete implementation
// driving that surface).
//
// All metrics are registered on a dedicated prometheus.Registry rather
// than the global default, so embedding visionforge into another process
// never collides with that process's own metric names.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus descriptor visionforge records against.
// Naming convention: visionforge_<subsystem>_<name>_<unit>, matching the
// teacher's octoreflex_<subsystem>_<name>_<unit> convention.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Orchestrator / process lifecycle ──────────────────────────────

	ProcessesAcquiredTotal prometheus.Counter
	ProcessesCompletedTotal prometheus.Counter
	ProcessTasksTotal      *prometheus.GaugeVec // labels: process_id-free aggregate by status
	CircuitBreakerTripsTotal prometheus.Counter

	// ─── Task queue ─────────────────────────────────────────────────────

	QueueDepth      *prometheus.GaugeVec // labels: queue_key
	EnqueueTotal    *prometheus.CounterVec
	DequeueTotal    *prometheus.CounterVec
	RequeuedTotal   prometheus.Counter

	// ─── Analysis worker ────────────────────────────────────────────────

	TasksProcessedTotal   *prometheus.CounterVec // labels: analysis_type, outcome
	ModelCallLatency      *prometheus.HistogramVec // labels: call_kind (analysis, qa)
	ModelCallRetriesTotal prometheus.Counter
	ModelCallTimeoutsTotal prometheus.Counter

	// ─── QA pipeline ────────────────────────────────────────────────────

	QAAttemptsTotal    *prometheus.CounterVec // labels: tier, outcome
	QACorrectiveTotal  *prometheus.CounterVec // labels: tier
	ManualReviewTotal  prometheus.Counter

	// ─── State store ────────────────────────────────────────────────────

	StoreOpLatency   *prometheus.HistogramVec // labels: op
	LeaseReclaimsTotal prometheus.Counter

	// ─── Configuration registry ─────────────────────────────────────────

	ConfigReloadsTotal   *prometheus.CounterVec // labels: outcome (applied, noop, failed)
	ConfigGeneration     prometheus.Gauge

	// ─── Process uptime ─────────────────────────────────────────────────

	UptimeSeconds prometheus.Gauge

	startTime time.Time
}

// New creates and registers every visionforge Prometheus metric on a
// fresh registry.
func New() *Metrics {
	m := build()
	m.registry.MustRegister(
		m.ProcessesAcquiredTotal, m.ProcessesCompletedTotal, m.ProcessTasksTotal, m.CircuitBreakerTripsTotal,
		m.QueueDepth, m.EnqueueTotal, m.DequeueTotal, m.RequeuedTotal,
		m.TasksProcessedTotal, m.ModelCallLatency, m.ModelCallRetriesTotal, m.ModelCallTimeoutsTotal,
		m.QAAttemptsTotal, m.QACorrectiveTotal, m.ManualReviewTotal,
		m.StoreOpLatency, m.LeaseReclaimsTotal,
		m.ConfigReloadsTotal, m.ConfigGeneration,
		m.UptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Nop returns a Metrics whose collectors exist but are registered
// nowhere — incrementing them is valid and costs almost nothing.
// Components default to it when constructed without an instrumentation
// surface (tests, the offline profile linter).
func Nop() *Metrics {
	return build()
}

func build() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		ProcessesAcquiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "orchestrator", Name: "processes_acquired_total",
			Help: "Total jobs acquired from the external registry.",
		}),
		ProcessesCompletedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "orchestrator", Name: "processes_completed_total",
			Help: "Total processes that reached a terminal state.",
		}),
		ProcessTasksTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "visionforge", Subsystem: "orchestrator", Name: "process_tasks",
			Help: "Current task counts by status, summed across in-flight processes.",
		}, []string{"status"}),
		CircuitBreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "orchestrator", Name: "circuit_breaker_trips_total",
			Help: "Total process-level circuit breaker trips.",
		}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "visionforge", Subsystem: "queue", Name: "depth",
			Help: "Current depth of a task queue.",
		}, []string{"queue_key"}),
		EnqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "queue", Name: "enqueue_total",
			Help: "Total enqueue calls, by queue key.",
		}, []string{"queue_key"}),
		DequeueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "queue", Name: "dequeue_total",
			Help: "Total dequeue calls, by queue key.",
		}, []string{"queue_key"}),
		RequeuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "queue", Name: "requeued_total",
			Help: "Total items requeued after an unacked deadline.",
		}),

		TasksProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "worker", Name: "tasks_processed_total",
			Help: "Total tasks processed, by analysis type and outcome.",
		}, []string{"analysis_type", "outcome"}),
		ModelCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visionforge", Subsystem: "worker", Name: "model_call_latency_seconds",
			Help:    "Vision-model call latency in seconds, by call kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"call_kind"}),
		ModelCallRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "worker", Name: "model_call_retries_total",
			Help: "Total transport-level retries around vision-model calls.",
		}),
		ModelCallTimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "worker", Name: "model_call_timeouts_total",
			Help: "Total vision-model calls that breached their wall-clock deadline.",
		}),

		QAAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "qa", Name: "attempts_total",
			Help: "Total QA attempts, by tier and outcome.",
		}, []string{"tier", "outcome"}),
		QACorrectiveTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "qa", Name: "corrective_calls_total",
			Help: "Total corrective-agent invocations, by tier.",
		}, []string{"tier"}),
		ManualReviewTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "qa", Name: "manual_review_total",
			Help: "Total tasks that exhausted retries into manual_review.",
		}),

		StoreOpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "visionforge", Subsystem: "store", Name: "op_latency_seconds",
			Help:    "State store operation latency in seconds, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		LeaseReclaimsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "store", Name: "lease_reclaims_total",
			Help: "Total tasks reclaimed by the lease-expiry reaper.",
		}),

		ConfigReloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "visionforge", Subsystem: "config", Name: "reloads_total",
			Help: "Total profile reload attempts, by outcome.",
		}, []string{"outcome"}),
		ConfigGeneration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionforge", Subsystem: "config", Name: "generation",
			Help: "Current active profile set generation.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "visionforge", Subsystem: "process", Name: "uptime_seconds",
			Help: "Seconds since visionforge started.",
		}),
	}

	return m
}

// Serve starts the metrics/health HTTP server on addr. Blocks until ctx is
// cancelled or the server fails.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		}
	}
}
