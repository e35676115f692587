//go:build !linux

package topology

import "runtime"

// Affinity falls back to every cpu the runtime reports on platforms without
// sched_getaffinity.
func Affinity() (CPUList, error) {
	ids := make(CPUList, runtime.NumCPU())
	for i := range ids {
		ids[i] = i
	}
	return ids, nil
}
