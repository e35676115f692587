package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/benchfleet/pkg/api"
)

func TestPrometheusMetricsCollector_Failures(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")
	pmc.Failure("tao_bench", api.ErrEmptyLogFile)
	pmc.Failure("tao_bench", api.ErrEmptyLogFile)
	pmc.Failure("tao_bench", api.ErrIncorrectRole)

	expected := `
# HELP test_failures_total Structured failures recorded, by type
# TYPE test_failures_total counter
test_failures_total{benchmark="tao_bench",error_type="empty_log_file"} 2
test_failures_total{benchmark="tao_bench",error_type="incorrect_role"} 1
`
	err := testutil.GatherAndCompare(pmc.Registry(), strings.NewReader(expected), "test_failures_total")
	assert.NoError(t, err)
}

func TestPrometheusMetricsCollector_Summary(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("test")
	pmc.InstancesLaunched("tao_bench", 4)
	pmc.Summary("tao_bench", &api.FleetSummary{
		SpawnedInstances:    4,
		SuccessfulInstances: 3,
		FastQPS:             100,
		SlowQPS:             20,
		TotalQPS:            120,
		HitRatio:            0.7,
		NumDataPoints:       9,
	})
	pmc.Summary("tao_bench", nil)

	assert.Equal(t, 4.0, testutil.ToFloat64(pmc.instances.WithLabelValues("tao_bench")))
	assert.Equal(t, 3.0, testutil.ToFloat64(pmc.successful.WithLabelValues("tao_bench")))
	assert.Equal(t, 120.0, testutil.ToFloat64(pmc.qps.WithLabelValues("tao_bench", "total")))
	assert.Equal(t, 0.7, testutil.ToFloat64(pmc.hitRatio.WithLabelValues("tao_bench")))
	assert.Equal(t, 9.0, testutil.ToFloat64(pmc.dataPoints.WithLabelValues("tao_bench")))
}

func TestPrometheusMetricsCollector_Supervision(t *testing.T) {
	pmc := NewPrometheusMetricsCollector("")
	pmc.SupervisorState("warmup_sleep")
	pmc.SupervisorState("stability_poll")
	pmc.PollTicks(3)
	pmc.PhaseDuration("main_benchmark", 2*time.Second)
	pmc.RunFinished("tao_bench", api.RunSuccess)

	count, err := testutil.GatherAndCount(pmc.Registry(), "benchfleet_supervisor_state_transitions_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(pmc.Registry(), "benchfleet_phase_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Equal(t, 1.0, testutil.ToFloat64(pmc.runs.WithLabelValues("tao_bench", "success")))
}

func TestNoopMetricsCollector(t *testing.T) {
	m := NewNoopMetricsCollector()
	m.InstancesLaunched("b", 1)
	m.Failure("b", "x")
	m.SupervisorState("s")
	m.PollTicks(1)
	m.PhaseDuration("p", time.Second)
	m.Summary("b", &api.FleetSummary{})
	m.RunFinished("b", api.RunTimedOut)
}
