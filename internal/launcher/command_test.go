package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/3cpo-dev/benchfleet/internal/topology"
)

func twoNodes() topology.NumaTopology {
	return topology.NumaTopology{Nodes: map[int]topology.CPUList{
		0: topology.NewCPUList(0, 1, 2, 3),
		1: topology.NewCPUList(4, 5, 6, 7),
	}}
}

func TestBuildPinnedCommand(t *testing.T) {
	spec := CommandSpec{Entry: []string{"/opt/server", "server"}, PinTool: "taskset", NUMATool: "numactl"}
	got := spec.Build(topology.NewCPUList(0, 1, 2, 3), topology.SingleNode(topology.NewCPUList(0, 1, 2, 3)), 16, 11211, nil)
	assert.Equal(t, []string{
		"taskset", "--cpu-list", "0-3",
		"/opt/server", "server",
		"--memsize", "16",
		"--port-number", "11211",
	}, got)
}

func TestBuildNUMABindOnlyWhenMultiNode(t *testing.T) {
	spec := CommandSpec{Entry: []string{"srv"}, PinTool: "taskset", NUMATool: "numactl", BindCPU: true, BindMem: true}

	got := spec.Build(topology.NewCPUList(4, 5), twoNodes(), 8.5, 9000, nil)
	assert.Equal(t, []string{
		"numactl", "--cpunodebind", "1", "--membind", "1",
		"taskset", "--cpu-list", "4-5",
		"srv", "--memsize", "8.5", "--port-number", "9000",
	}, got)

	got = spec.Build(topology.NewCPUList(4, 5), topology.SingleNode(topology.NewCPUList(4, 5)), 8.5, 9000, nil)
	assert.Equal(t, "taskset", got[0])
}

func TestBuildMemOnlyBindSpanningNodes(t *testing.T) {
	spec := CommandSpec{Entry: []string{"srv"}, NUMATool: "numactl", BindMem: true}
	got := spec.Build(topology.NewCPUList(3, 4), twoNodes(), 1, 1, nil)
	assert.Equal(t, []string{"numactl", "--membind", "0,1", "srv", "--memsize", "1", "--port-number", "1"}, got)
}

func TestBuildFlags(t *testing.T) {
	spec := CommandSpec{Entry: []string{"srv"}, Real: true, FastThreads: 4}
	common := []Flag{
		{"--stats-interval", 5000},
		{"--disable-tls", true},
		{"--skip-me", false},
		{"--zero", 0},
		{"--empty", ""},
		{"--ratio", 0.25},
		{"--name", "bench"},
		{"--memsize", 99},
		{"--nil", nil},
	}
	got := spec.Build(topology.NewCPUList(0), topology.SingleNode(topology.NewCPUList(0)), 2, 80, common)
	assert.Equal(t, []string{
		"srv",
		"--stats-interval", "5000",
		"--disable-tls",
		"--ratio", "0.25",
		"--name", "bench",
		"--memsize", "2",
		"--port-number", "80",
		"--num-fast-threads", "4",
		"--real",
	}, got)
}

func TestMemoryShare(t *testing.T) {
	assert.InDelta(t, 16.0, MemoryShare(64, 4), 1e-9)
	assert.Zero(t, MemoryShare(64, 0))
}
