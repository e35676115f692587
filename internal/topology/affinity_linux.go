//go:build linux

package topology

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxCPUID bounds the scan of the affinity bitmap.
const maxCPUID = 1 << 14

// Affinity returns the calling process's cpu affinity mask in kernel order.
func Affinity() (CPUList, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	want := set.Count()
	ids := make(CPUList, 0, want)
	for id := 0; id < maxCPUID && len(ids) < want; id++ {
		if set.IsSet(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
