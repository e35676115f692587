package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/benchfleet/internal/core"
	"github.com/3cpo-dev/benchfleet/internal/topology"
	"github.com/3cpo-dev/benchfleet/pkg/api"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "benchfleet "+version))
}

func TestInitWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	out, err := execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	cfg, err := core.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"./tao_bench_server"}, cfg.Server.Command)
	assert.NoError(t, cfg.Validate())

	out, err = execute(t, "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
}

func TestApplyRunFlagsOnlyChanged(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--num-servers", "3", "--poll-interval", "0", "--bind-mem=false", "--log-dir", "/tmp/x"}))

	cfg := core.DefaultConfig()
	applyRunFlags(cmd.Flags(), &cfg)
	assert.Equal(t, 3, cfg.NumServers)
	assert.Equal(t, 0.0, cfg.PollInterval)
	assert.False(t, cfg.BindMem)
	assert.True(t, cfg.BindCPU)
	assert.Equal(t, "/tmp/x", cfg.Paths.LogDir)
	assert.Equal(t, 720.0, cfg.TestTime)
	assert.Equal(t, 11211, cfg.PortNumberStart)
}

func TestPrintTopology(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sys/devices/system/node/node0/cpulist", []byte("0-1\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/sys/devices/system/node/node1/cpulist", []byte("2-3\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/sys/devices/system/cpu/smt/active", []byte("1\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/proc/meminfo", []byte("MemTotal: 16777216 kB\n"), 0o644))
	in := topology.NewInspectorWithFs(fs, func() (topology.CPUList, error) { return topology.NewCPUList(0, 1, 2, 3), nil })

	var out bytes.Buffer
	require.NoError(t, printTopology(&out, in))
	assert.Equal(t, "affinity: 0-3 (4 cpus)\nsmt: true\nmemory: 16.0 GB\nnode0: 0-1\nnode1: 2-3\n", out.String())
}

func TestRunPrintsSummaryAndRecordsHistory(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	store := filepath.Join(dir, "runs.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
benchmark: tao_bench
tools:
  pin: ""
  numa: ""
check_ports: false
`), 0o644))

	script := `echo '{"role":"server","fast_qps":12.5,"slow_qps":2.5,"hit_ratio":0.9,"total_qps":15,"num_data_points":4}'`
	out, err := execute(t, "run", "--config", cfgPath,
		"--num-servers", "1", "--memsize", "2",
		"--test-time", "0.1", "--timeout-buffer", "0", "--postprocessing-timeout-buffer", "5",
		"--poll-interval", "0.05",
		"--log-dir", filepath.Join(dir, "logs"),
		"--diagnosis-file", filepath.Join(dir, "diag.json"),
		"--store", store,
		"--", "sh", "-c", script, "server")
	require.NoError(t, err)
	assert.Contains(t, out, "\n    \"spawned_instances\": 1,")

	var summary api.FleetSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 1, summary.SuccessfulInstances)
	assert.Equal(t, 12.5, summary.FastQPS)
	assert.Equal(t, 0.9, summary.HitRatio)
	assert.EqualValues(t, 4, summary.NumDataPoints)

	out, err = execute(t, "history", "--store", store)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "tao_bench")
	assert.Contains(t, lines[0], "success")

	runID := strings.Fields(lines[0])[1]
	out, err = execute(t, "history", "--store", store, runID)
	require.NoError(t, err)
	assert.Contains(t, out, core.PhasePreprocessing)
	assert.Contains(t, out, core.PhaseMainBenchmark)
	assert.Contains(t, out, core.PhasePostprocessing)
}

func TestRunFailsOnParseError(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, "run", "--config", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.Empty(t, out)

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("tools: {pin: \"\", numa: \"\"}\ncheck_ports: false\n"), 0o644))
	out, err = execute(t, "run", "--config", cfgPath,
		"--num-servers", "1", "--memsize", "1",
		"--test-time", "0", "--timeout-buffer", "0", "--postprocessing-timeout-buffer", "2", "--poll-interval", "0",
		"--log-dir", dir, "--diagnosis-file", filepath.Join(dir, "diag.json"),
		"--", "sh", "-c", "echo not json", "server")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(api.RunParseError))

	var summary api.FleetSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 0, summary.SuccessfulInstances)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, api.ErrParseFailed, summary.Failures[0].ErrorType)
}

func TestHistoryRequiresStore(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	_, err := execute(t, "history")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run store")
}
