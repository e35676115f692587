package allocator

import (
	"strconv"
	"strings"

	"github.com/3cpo-dev/benchfleet/internal/topology"
)

// MapRangesToNUMANodes returns the sorted ids of every node whose cpu list
// overlaps cpus.
func MapRangesToNUMANodes(cpus topology.CPUList, topo topology.NumaTopology) []int {
	want := cpus.Intervals()
	var nodes []int
	for _, id := range topo.NodeIDs() {
		if overlapsAny(want, topo.Nodes[id].Intervals()) {
			nodes = append(nodes, id)
		}
	}
	return nodes
}

func overlapsAny(a, b []topology.Interval) bool {
	for _, x := range a {
		for _, y := range b {
			if x.Overlaps(y) {
				return true
			}
		}
	}
	return false
}

// NodeList formats node ids the way numactl expects them, e.g. "0,1".
func NodeList(nodes []int) string {
	parts := make([]string, len(nodes))
	for i, n := range nodes {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}
