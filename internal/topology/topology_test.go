package topology

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedAffinity(ids ...int) func() (CPUList, error) {
	return func() (CPUList, error) { return NewCPUList(ids...), nil }
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func TestDiscoverTwoNodes(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/sys/devices/system/node/node0/cpulist", "0-3,8-11\n")
	writeFile(t, fs, "/sys/devices/system/node/node1/cpulist", "4-7,12-15\n")
	writeFile(t, fs, "/sys/devices/system/node/possible", "0-1\n")

	in := NewInspectorWithFs(fs, fixedAffinity(0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15))
	topo, err := in.Discover()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, topo.NodeIDs())
	assert.Equal(t, "0-3,8-11", topo.Nodes[0].String())
	assert.Equal(t, "4-7,12-15", topo.Nodes[1].String())
}

func TestDiscoverRestrictsToAffinity(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/sys/devices/system/node/node0/cpulist", "0-3")
	writeFile(t, fs, "/sys/devices/system/node/node1/cpulist", "4-7")
	writeFile(t, fs, "/sys/devices/system/node/node2/cpulist", "\n")

	topo, err := NewInspectorWithFs(fs, fixedAffinity(0, 1)).Discover()
	require.NoError(t, err)
	assert.Equal(t, 1, topo.NumNodes())
	assert.Equal(t, CPUList{0, 1}, topo.Nodes[0])
}

func TestDiscoverMultiDigitNode(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/sys/devices/system/node/node0/cpulist", "0")
	writeFile(t, fs, "/sys/devices/system/node/node12/cpulist", "1")

	topo, err := NewInspectorWithFs(fs, fixedAffinity(0, 1)).Discover()
	require.NoError(t, err)
	assert.Equal(t, []int{0, 12}, topo.NodeIDs())
}

func TestDiscoverFallsBackToSingleNode(t *testing.T) {
	topo, err := NewInspectorWithFs(afero.NewMemMapFs(), fixedAffinity(0, 1, 2, 3)).Discover()
	require.NoError(t, err)
	assert.Equal(t, 1, topo.NumNodes())
	assert.Equal(t, "0-3", topo.Nodes[0].String())
}

func TestDiscoverCorruptCpulistFallsBack(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/sys/devices/system/node/node0/cpulist", "garbage")

	topo, err := NewInspectorWithFs(fs, fixedAffinity(0, 1)).Discover()
	require.NoError(t, err)
	assert.Equal(t, CPUList{0, 1}, topo.Nodes[0])
}

func TestDiscoverUnownedCPUsJoinFirstNode(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeFile(t, fs, "/sys/devices/system/node/node1/cpulist", "0-1")

	topo, err := NewInspectorWithFs(fs, fixedAffinity(0, 1, 2)).Discover()
	require.NoError(t, err)
	assert.Equal(t, CPUList{0, 1, 2}, topo.Nodes[1])
	assert.Equal(t, CPUList{0, 1, 2}, topo.CPUs())
}

func TestSMTActive(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := NewInspectorWithFs(fs, fixedAffinity(0))
	assert.False(t, in.SMTActive())

	writeFile(t, fs, "/sys/devices/system/cpu/smt/active", "1\n")
	assert.True(t, in.SMTActive())

	writeFile(t, fs, "/sys/devices/system/cpu/smt/active", "0\n")
	assert.False(t, in.SMTActive())
}

func TestMemTotalGB(t *testing.T) {
	fs := afero.NewMemMapFs()
	in := NewInspectorWithFs(fs, fixedAffinity(0))
	_, err := in.MemTotalGB()
	require.Error(t, err)

	writeFile(t, fs, "/proc/meminfo", "MemTotal:       16777216 kB\nMemFree:         1024 kB\n")
	gb, err := in.MemTotalGB()
	require.NoError(t, err)
	assert.InDelta(t, 16.0, gb, 1e-9)
}
