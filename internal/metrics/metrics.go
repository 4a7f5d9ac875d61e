// Package metrics exposes the daemon's Prometheus collectors: proxy
// request/latency counters, upstream dial outcomes, rollout step
// transitions, and supervisor restart/health counts. It generalizes the
// teacher's infrastructure/metrics.Metrics (HTTP + blockchain-tx +
// database collector groups registered once per process) from a
// gateway's business metrics to the orchestrator's own domain: proxy
// traffic, rollout state, and service health replace blockchain
// transactions and database queries as the "business" metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the daemon registers, mirroring the
// teacher's single struct-of-collectors shape (infrastructure/metrics.Metrics)
// so every component takes one *Metrics rather than reaching for
// prometheus.DefaultRegisterer directly.
type Metrics struct {
	ProxyRequestsTotal    *prometheus.CounterVec
	ProxyRequestDuration  *prometheus.HistogramVec
	ProxyRequestsInFlight prometheus.Gauge
	ProxyUpstreamErrors   *prometheus.CounterVec

	RolloutStepsTotal    *prometheus.CounterVec
	RolloutFailuresTotal *prometheus.CounterVec
	RolloutDuration      *prometheus.HistogramVec

	SupervisorRestartsTotal   *prometheus.CounterVec
	SupervisorCrashLoopsTotal *prometheus.CounterVec
	HealthCheckFailuresTotal  *prometheus.CounterVec

	ServiceStateInfo *prometheus.GaugeVec
}

// New builds a Metrics registered against the default Prometheus
// registerer, matching the teacher's metrics.New(serviceName) entry
// point (here there is exactly one "service": the daemon itself).
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry builds a Metrics registered against registerer,
// mirroring infrastructure/metrics.NewWithRegistry for test isolation
// (a fresh prometheus.NewRegistry() per test, as the teacher's own
// tests do).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProxyRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_proxy_requests_total",
				Help: "Total number of reverse-proxy requests.",
			},
			[]string{"fqn", "status"},
		),
		ProxyRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hive_proxy_request_duration_seconds",
				Help:    "Reverse-proxy request duration in seconds.",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"fqn"},
		),
		ProxyRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hive_proxy_requests_in_flight",
			Help: "Reverse-proxy requests currently being served.",
		}),
		ProxyUpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_proxy_upstream_errors_total",
				Help: "Total upstream dial/timeout errors by kind.",
			},
			[]string{"fqn", "kind"},
		),
		RolloutStepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_rollout_steps_total",
				Help: "Total rollout FSM steps executed.",
			},
			[]string{"fqn", "strategy", "step"},
		),
		RolloutFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_rollout_failures_total",
				Help: "Total rollout failures by reason.",
			},
			[]string{"fqn", "strategy", "reason"},
		),
		RolloutDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hive_rollout_duration_seconds",
				Help:    "Total wall-clock duration of a completed rollout.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"fqn", "strategy"},
		),
		SupervisorRestartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_supervisor_restarts_total",
				Help: "Total service restarts performed by the supervisor.",
			},
			[]string{"fqn"},
		),
		SupervisorCrashLoopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_supervisor_crash_loops_total",
				Help: "Total transitions into the CrashLooping state.",
			},
			[]string{"fqn"},
		),
		HealthCheckFailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hive_health_check_failures_total",
				Help: "Total transitions into Degraded caused by failing health checks, by service.",
			},
			[]string{"fqn"},
		),
		ServiceStateInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hive_service_state_info",
				Help: "1 for the service's current lifecycle state, 0 otherwise.",
			},
			[]string{"fqn", "state"},
		),
	}

	collectors := []prometheus.Collector{
		m.ProxyRequestsTotal, m.ProxyRequestDuration, m.ProxyRequestsInFlight, m.ProxyUpstreamErrors,
		m.RolloutStepsTotal, m.RolloutFailuresTotal, m.RolloutDuration,
		m.SupervisorRestartsTotal, m.SupervisorCrashLoopsTotal, m.HealthCheckFailuresTotal,
		m.ServiceStateInfo,
	}
	for _, c := range collectors {
		registerer.MustRegister(c)
	}
	return m
}

// ObserveServiceState records fqn's current state, zeroing every other
// known state so the gauge reflects exactly one "1" per service.
func (m *Metrics) ObserveServiceState(fqn string, current string, allStates []string) {
	for _, st := range allStates {
		v := 0.0
		if st == current {
			v = 1.0
		}
		m.ServiceStateInfo.WithLabelValues(fqn, st).Set(v)
	}
}
