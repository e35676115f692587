package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/benchfleet/pkg/api"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ping(ctx))

	start := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRun(ctx, "run-1", "tao_bench", start))
	for i, phase := range []string{PhasePreprocessing, PhaseMainBenchmark, PhasePostprocessing} {
		at := start.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.StartPhase(ctx, "run-1", phase, 4242, at))
		require.NoError(t, s.EndPhase(ctx, "run-1", phase, at.Add(30*time.Second)))
	}

	summary := &api.FleetSummary{SpawnedInstances: 2, SuccessfulInstances: 1, Role: "server", FastQPS: 10}
	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	require.NoError(t, s.FinishRun(ctx, "run-1", api.RunSuccess, start.Add(3*time.Minute), summary, string(raw)))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "tao_bench", run.Benchmark)
	assert.Equal(t, api.RunSuccess, run.Status)
	assert.True(t, start.Equal(run.StartedAt))
	assert.True(t, start.Add(3*time.Minute).Equal(run.FinishedAt))
	assert.Equal(t, 2, run.Spawned)
	assert.Equal(t, 1, run.Successful)
	assert.JSONEq(t, string(raw), run.SummaryJSON)

	require.Len(t, run.Phases, 3)
	assert.Equal(t, PhasePreprocessing, run.Phases[0].Phase)
	assert.Equal(t, PhasePostprocessing, run.Phases[2].Phase)
	assert.Equal(t, 4242, run.Phases[1].PID)
	assert.Equal(t, 30*time.Second, run.Phases[1].EndedAt.Sub(run.Phases[1].StartedAt))
}

func TestStoreListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC)
	// sub-second offsets check that timestamps sort correctly as text
	require.NoError(t, s.CreateRun(ctx, "a", "tao_bench", base))
	require.NoError(t, s.CreateRun(ctx, "b", "tao_bench", base.Add(500*time.Millisecond)))
	require.NoError(t, s.CreateRun(ctx, "c", "tao_bench", base.Add(time.Second)))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})
	assert.Empty(t, runs[0].Phases)

	runs, err = s.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "c", runs[0].ID)
}

func TestStoreUnknownRun(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetRun(ctx, "missing")
	assert.Error(t, err)

	err = s.FinishRun(ctx, "missing", api.RunTimedOut, time.Now(), nil, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStoreReopenKeepsHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewStore(path)
	require.NoError(t, err)
	require.NoError(t, s.CreateRun(ctx, "run-1", "tao_bench", time.Now()))
	require.NoError(t, s.Close())

	s, err = NewStore(path)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)
}
