package launcher

import (
	"fmt"
	"strconv"

	"github.com/3cpo-dev/benchfleet/internal/allocator"
	"github.com/3cpo-dev/benchfleet/internal/topology"
)

// Flag is one server option. Value may be a string, bool, integer or float.
type Flag struct {
	Name  string `yaml:"flag"`
	Value any    `yaml:"value"`
}

// CommandSpec describes how every instance's command line is built.
type CommandSpec struct {
	// Entry is the server entry point and any fixed leading arguments.
	Entry []string
	// PinTool pins to a cpu list ("taskset"). Empty disables pinning.
	PinTool string
	// NUMATool binds to NUMA nodes ("numactl"). Empty disables binding.
	NUMATool    string
	BindCPU     bool
	BindMem     bool
	Real        bool
	FastThreads int
	SlowThreads int
}

const (
	flagMemsize     = "--memsize"
	flagPort        = "--port-number"
	flagFastThreads = "--num-fast-threads"
	flagSlowThreads = "--num-slow-threads"
	flagReal        = "--real"
)

// Build composes the argv for one instance:
// [numa wrapper] [pin wrapper] entry common-args --memsize --port-number
// [thread counts] [--real].
func (s CommandSpec) Build(cpus topology.CPUList, topo topology.NumaTopology, memGB float64, port int, commonArgs []Flag) []string {
	var argv []string

	if s.NUMATool != "" && topo.NumNodes() > 1 && (s.BindCPU || s.BindMem) {
		nodes := allocator.NodeList(allocator.MapRangesToNUMANodes(cpus, topo))
		argv = append(argv, s.NUMATool)
		if s.BindCPU {
			argv = append(argv, "--cpunodebind", nodes)
		}
		if s.BindMem {
			argv = append(argv, "--membind", nodes)
		}
	}
	if s.PinTool != "" {
		argv = append(argv, s.PinTool, "--cpu-list", cpus.String())
	}
	argv = append(argv, s.Entry...)

	flags := make([]Flag, 0, len(commonArgs)+4)
	for _, f := range commonArgs {
		if reserved(f.Name) {
			continue
		}
		flags = append(flags, f)
	}
	flags = append(flags, Flag{flagMemsize, memGB}, Flag{flagPort, port})
	if s.FastThreads > 0 {
		flags = append(flags, Flag{flagFastThreads, s.FastThreads})
	}
	if s.SlowThreads > 0 {
		flags = append(flags, Flag{flagSlowThreads, s.SlowThreads})
	}
	for _, f := range flags {
		argv = appendFlag(argv, f)
	}

	if s.Real {
		argv = append(argv, flagReal)
	}
	return argv
}

func reserved(name string) bool {
	switch name {
	case flagMemsize, flagPort, flagFastThreads, flagSlowThreads, flagReal:
		return true
	}
	return false
}

// appendFlag emits name and value, skipping zero values. Booleans are
// presence-only.
func appendFlag(argv []string, f Flag) []string {
	switch v := f.Value.(type) {
	case nil:
		return argv
	case bool:
		if v {
			argv = append(argv, f.Name)
		}
		return argv
	case string:
		if v == "" {
			return argv
		}
		return append(argv, f.Name, v)
	case int:
		if v == 0 {
			return argv
		}
		return append(argv, f.Name, strconv.Itoa(v))
	case int64:
		if v == 0 {
			return argv
		}
		return append(argv, f.Name, strconv.FormatInt(v, 10))
	case float64:
		if v == 0 {
			return argv
		}
		return append(argv, f.Name, strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return append(argv, f.Name, fmt.Sprint(v))
	}
}

// MemoryShare splits total memory evenly across n instances.
func MemoryShare(totalGB float64, n int) float64 {
	if n <= 0 {
		return 0
	}
	return totalGB / float64(n)
}
