// Package topology discovers the CPU and memory layout the orchestrator
// partitions: NUMA node cpu lists, the process affinity mask, SMT state and
// total system memory. Sysfs and procfs are read through an afero.Fs so the
// inspector can be pointed at an in-memory tree in tests.
package topology

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

const (
	nodeRoot   = "/sys/devices/system/node"
	smtActive  = "/sys/devices/system/cpu/smt/active"
	memInfo    = "/proc/meminfo"
	nodePrefix = "node"
)

// NumaTopology maps NUMA node ids to the cpus they own.
type NumaTopology struct {
	Nodes map[int]CPUList
}

// NodeIDs returns node ids in ascending order.
func (t NumaTopology) NodeIDs() []int {
	ids := make([]int, 0, len(t.Nodes))
	for id := range t.Nodes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// NumNodes returns the number of nodes that own at least one cpu.
func (t NumaTopology) NumNodes() int { return len(t.Nodes) }

// CPUs returns the union of all node cpu lists.
func (t NumaTopology) CPUs() CPUList {
	lists := make([]CPUList, 0, len(t.Nodes))
	for _, l := range t.Nodes {
		lists = append(lists, l)
	}
	return Union(lists...)
}

// SingleNode is the fallback topology used when NUMA data is unavailable.
func SingleNode(cpus CPUList) NumaTopology {
	return NumaTopology{Nodes: map[int]CPUList{0: NewCPUList(cpus...)}}
}

// Inspector reads topology data from a filesystem.
type Inspector struct {
	fs       afero.Fs
	affinity func() (CPUList, error)
}

// NewInspector returns an inspector over the host filesystem and the
// calling process's affinity mask.
func NewInspector() *Inspector {
	return &Inspector{fs: afero.NewOsFs(), affinity: Affinity}
}

// NewInspectorWithFs is used by tests and by callers that mount sysfs
// somewhere unusual.
func NewInspectorWithFs(fs afero.Fs, affinity func() (CPUList, error)) *Inspector {
	return &Inspector{fs: fs, affinity: affinity}
}

// Affinity returns the cpus this process may run on.
func (i *Inspector) Affinity() (CPUList, error) {
	return i.affinity()
}

// Discover builds the NUMA topology restricted to the affinity mask. Missing
// or unreadable node data is not fatal: the whole mask becomes node 0.
func (i *Inspector) Discover() (NumaTopology, error) {
	mask, err := i.affinity()
	if err != nil {
		return NumaTopology{}, fmt.Errorf("read affinity: %w", err)
	}
	topo, err := i.readNodes(mask)
	if err != nil || topo.NumNodes() == 0 {
		log.Warn().Err(err).Str("path", nodeRoot).Msg("NUMA topology unavailable, using a single node")
		return SingleNode(mask), nil
	}
	if covered := topo.CPUs(); len(covered) != len(mask) {
		// cpus the kernel did not attribute to any node still have to be
		// schedulable somewhere; park them on the lowest node.
		missing := CPUList{}
		for _, id := range mask {
			if !covered.Contains(id) {
				missing = append(missing, id)
			}
		}
		first := topo.NodeIDs()[0]
		topo.Nodes[first] = Union(topo.Nodes[first], missing)
		log.Warn().Str("cpus", missing.String()).Int("node", first).Msg("cpus without a NUMA node")
	}
	return topo, nil
}

func (i *Inspector) readNodes(mask CPUList) (NumaTopology, error) {
	entries, err := afero.ReadDir(i.fs, nodeRoot)
	if err != nil {
		return NumaTopology{}, err
	}
	topo := NumaTopology{Nodes: map[int]CPUList{}}
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, nodePrefix) {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, nodePrefix))
		if err != nil {
			continue
		}
		raw, err := afero.ReadFile(i.fs, filepath.Join(nodeRoot, name, "cpulist"))
		if err != nil {
			return NumaTopology{}, fmt.Errorf("read %s cpulist: %w", name, err)
		}
		cpus, err := ParseCPUList(string(raw))
		if err != nil {
			return NumaTopology{}, fmt.Errorf("parse %s cpulist: %w", name, err)
		}
		// memory-only nodes and cpus outside our mask are irrelevant here
		if owned := cpus.Intersect(mask); len(owned) > 0 {
			topo.Nodes[id] = owned
		}
	}
	return topo, nil
}

// SMTActive reports whether simultaneous multithreading is enabled. A kernel
// without the smt control file is treated as non-SMT.
func (i *Inspector) SMTActive() bool {
	raw, err := afero.ReadFile(i.fs, smtActive)
	if err != nil {
		log.Warn().Str("path", smtActive).Msg("SMT state not found, treating the system as no SMT/hyperthreading")
		return false
	}
	return strings.TrimSpace(string(raw)) == "1"
}

// MemTotalGB returns MemTotal from /proc/meminfo in GiB.
func (i *Inspector) MemTotalGB() (float64, error) {
	raw, err := afero.ReadFile(i.fs, memInfo)
	if err != nil {
		return 0, fmt.Errorf("read meminfo: %w", err)
	}
	s := bufio.NewScanner(bytes.NewReader(raw))
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 || fields[0] != "MemTotal:" {
			continue
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return 0, fmt.Errorf("parse MemTotal: %w", err)
		}
		return kb / (1024 * 1024), nil
	}
	return 0, fmt.Errorf("MemTotal not found in %s", memInfo)
}
