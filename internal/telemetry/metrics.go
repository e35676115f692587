// Package telemetry exposes fleet metrics to Prometheus, traces run phases
// with OpenTelemetry and serves both over a small monitoring HTTP server.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/3cpo-dev/benchfleet/pkg/api"
)

// MetricsCollector receives orchestration events.
type MetricsCollector interface {
	// InstancesLaunched records a successful fleet launch of n instances.
	InstancesLaunched(benchmark string, n int)
	// Failure counts one structured failure by type.
	Failure(benchmark, errorType string)
	// SupervisorState counts entries into a supervisor state.
	SupervisorState(state string)
	// PollTicks records how many stability checks a run took.
	PollTicks(ticks int)
	// PhaseDuration records how long a run phase took.
	PhaseDuration(phase string, d time.Duration)
	// Summary publishes the latest fleet summary.
	Summary(benchmark string, s *api.FleetSummary)
	// RunFinished counts completed runs by status.
	RunFinished(benchmark string, status api.RunStatus)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) InstancesLaunched(string, int)       {}
func (noopMetricsCollector) Failure(string, string)              {}
func (noopMetricsCollector) SupervisorState(string)              {}
func (noopMetricsCollector) PollTicks(int)                       {}
func (noopMetricsCollector) PhaseDuration(string, time.Duration) {}
func (noopMetricsCollector) Summary(string, *api.FleetSummary)   {}
func (noopMetricsCollector) RunFinished(string, api.RunStatus)   {}

// NewNoopMetricsCollector returns a collector that drops everything.
func NewNoopMetricsCollector() MetricsCollector { return noopMetricsCollector{} }

// PrometheusMetricsCollector implements MetricsCollector on its own registry.
type PrometheusMetricsCollector struct {
	instances     *prometheus.CounterVec
	failures      *prometheus.CounterVec
	states        *prometheus.CounterVec
	pollTicks     prometheus.Histogram
	phaseDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec

	spawned    *prometheus.GaugeVec
	successful *prometheus.GaugeVec
	qps        *prometheus.GaugeVec
	hitRatio   *prometheus.GaugeVec
	dataPoints *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewPrometheusMetricsCollector creates a collector under namespace,
// "benchfleet" when empty.
func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "benchfleet"
	}
	pmc := &PrometheusMetricsCollector{registry: prometheus.NewRegistry()}

	pmc.instances = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "instances_launched_total",
		Help:      "Total number of server instances launched",
	}, []string{"benchmark"})
	pmc.failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "failures_total",
		Help:      "Structured failures recorded, by type",
	}, []string{"benchmark", "error_type"})
	pmc.states = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_state_transitions_total",
		Help:      "Supervisor state entries",
	}, []string{"state"})
	pmc.pollTicks = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "stability_poll_ticks",
		Help:      "Stability checks performed before the fleet settled or timed out",
		Buckets:   []float64{1, 3, 5, 10, 20, 50, 100, 300},
	})
	pmc.phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "phase_duration_seconds",
		Help:      "Duration of run phases",
		Buckets:   []float64{0.1, 1, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"phase"})
	pmc.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Completed runs by status",
	}, []string{"benchmark", "status"})

	pmc.spawned = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fleet_spawned_instances",
		Help:      "Instances spawned in the latest run",
	}, []string{"benchmark"})
	pmc.successful = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fleet_successful_instances",
		Help:      "Instances with a valid result in the latest run",
	}, []string{"benchmark"})
	pmc.qps = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fleet_qps",
		Help:      "Aggregated queries per second in the latest run",
	}, []string{"benchmark", "kind"})
	pmc.hitRatio = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fleet_hit_ratio",
		Help:      "Mean hit ratio across successful instances in the latest run",
	}, []string{"benchmark"})
	pmc.dataPoints = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fleet_data_points",
		Help:      "Data points aggregated in the latest run",
	}, []string{"benchmark"})

	pmc.registry.MustRegister(
		pmc.instances,
		pmc.failures,
		pmc.states,
		pmc.pollTicks,
		pmc.phaseDuration,
		pmc.runs,
		pmc.spawned,
		pmc.successful,
		pmc.qps,
		pmc.hitRatio,
		pmc.dataPoints,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return pmc
}

// Registry returns the registry the collector's metrics live in.
func (pmc *PrometheusMetricsCollector) Registry() *prometheus.Registry { return pmc.registry }

func (pmc *PrometheusMetricsCollector) InstancesLaunched(benchmark string, n int) {
	pmc.instances.WithLabelValues(benchmark).Add(float64(n))
}

func (pmc *PrometheusMetricsCollector) Failure(benchmark, errorType string) {
	pmc.failures.WithLabelValues(benchmark, errorType).Inc()
}

func (pmc *PrometheusMetricsCollector) SupervisorState(state string) {
	pmc.states.WithLabelValues(state).Inc()
}

func (pmc *PrometheusMetricsCollector) PollTicks(ticks int) {
	pmc.pollTicks.Observe(float64(ticks))
}

func (pmc *PrometheusMetricsCollector) PhaseDuration(phase string, d time.Duration) {
	pmc.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (pmc *PrometheusMetricsCollector) Summary(benchmark string, s *api.FleetSummary) {
	if s == nil {
		return
	}
	pmc.spawned.WithLabelValues(benchmark).Set(float64(s.SpawnedInstances))
	pmc.successful.WithLabelValues(benchmark).Set(float64(s.SuccessfulInstances))
	pmc.qps.WithLabelValues(benchmark, "fast").Set(s.FastQPS)
	pmc.qps.WithLabelValues(benchmark, "slow").Set(s.SlowQPS)
	pmc.qps.WithLabelValues(benchmark, "total").Set(s.TotalQPS)
	pmc.hitRatio.WithLabelValues(benchmark).Set(s.HitRatio)
	pmc.dataPoints.WithLabelValues(benchmark).Set(float64(s.NumDataPoints))
}

func (pmc *PrometheusMetricsCollector) RunFinished(benchmark string, status api.RunStatus) {
	pmc.runs.WithLabelValues(benchmark, string(status)).Inc()
}
