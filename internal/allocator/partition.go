// Package allocator splits the process affinity mask into per-instance core
// ranges and maps those ranges back onto NUMA nodes.
package allocator

import (
	"errors"
	"fmt"

	"github.com/3cpo-dev/benchfleet/internal/topology"
)

var (
	// ErrTooManyParts is returned when there are fewer physical cores than
	// requested partitions.
	ErrTooManyParts = errors.New("more partitions than physical cores")
	ErrEmptyMask    = errors.New("empty affinity mask")
)

// Partition divides affinity into nParts ranges. With SMT active the first
// half of the mask is taken as physical cores and the second half as their
// siblings, in the same order; a physical core and its sibling always land
// in the same partition. Each partition gets floor(physical/nParts) cores and
// the remainder is handed out one per partition starting at partition 0.
func Partition(nParts int, affinity topology.CPUList, smtActive bool) ([]topology.CPUList, error) {
	if nParts <= 0 {
		return nil, fmt.Errorf("partition count must be positive, got %d", nParts)
	}
	mask := topology.NewCPUList(affinity...)
	if len(mask) == 0 {
		return nil, ErrEmptyMask
	}

	physical, siblings := mask, topology.CPUList(nil)
	if smtActive && len(mask) > 1 {
		half := len(mask) / 2
		physical, siblings = mask[:half], mask[half:]
	}
	if nParts > len(physical) {
		return nil, fmt.Errorf("%w: %d partitions, %d physical cores", ErrTooManyParts, nParts, len(physical))
	}

	portion := len(physical) / nParts
	remainder := len(physical) % nParts

	parts := make([]topology.CPUList, nParts)
	offset := 0
	for p := 0; p < nParts; p++ {
		size := portion
		if p < remainder {
			size++
		}
		ids := make([]int, 0, size*2)
		ids = append(ids, physical[offset:offset+size]...)
		if siblings != nil {
			ids = append(ids, siblings[offset:offset+size]...)
		}
		parts[p] = topology.NewCPUList(ids...)
		offset += size
	}
	// odd mask under SMT: the unpaired sibling joins the last partition
	if extra := len(siblings) - len(physical); extra > 0 {
		last := nParts - 1
		parts[last] = topology.Union(parts[last], siblings[len(physical):])
	}
	return parts, nil
}
