package topology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// CPUList is a sorted set of logical cpu ids. Its String form is the kernel
// cpulist encoding, e.g. "0-3,8,10-11".
type CPUList []int

// Interval is an inclusive run of consecutive cpu ids.
type Interval struct {
	Start int
	End   int
}

// Overlaps reports whether two inclusive intervals share at least one id.
func (iv Interval) Overlaps(other Interval) bool {
	return iv.Start <= other.End && other.Start <= iv.End
}

// NewCPUList returns a sorted, de-duplicated copy of ids.
func NewCPUList(ids ...int) CPUList {
	if len(ids) == 0 {
		return CPUList{}
	}
	out := make(CPUList, len(ids))
	copy(out, ids)
	sort.Ints(out)
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return out[:n]
}

// ParseCPUList parses strings like "0-15,32-47" or "4". Whitespace and a
// trailing newline, as read from sysfs, are ignored. The empty string yields
// an empty list.
func ParseCPUList(s string) (CPUList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CPUList{}, nil
	}
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		bounds := strings.Split(part, "-")
		switch len(bounds) {
		case 1:
			id, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("parse cpu %q: %w", part, err)
			}
			ids = append(ids, id)
		case 2:
			start, err := strconv.Atoi(bounds[0])
			if err != nil {
				return nil, fmt.Errorf("parse cpu range %q: %w", part, err)
			}
			end, err := strconv.Atoi(bounds[1])
			if err != nil {
				return nil, fmt.Errorf("parse cpu range %q: %w", part, err)
			}
			if end < start {
				return nil, fmt.Errorf("invalid cpu range: %s", part)
			}
			for id := start; id <= end; id++ {
				ids = append(ids, id)
			}
		default:
			return nil, fmt.Errorf("invalid cpu range: %s", part)
		}
	}
	return NewCPUList(ids...), nil
}

// Intervals coalesces adjacent ids into inclusive runs.
func (l CPUList) Intervals() []Interval {
	if len(l) == 0 {
		return nil
	}
	var out []Interval
	cur := Interval{Start: l[0], End: l[0]}
	for _, id := range l[1:] {
		if id == cur.End+1 {
			cur.End = id
			continue
		}
		out = append(out, cur)
		cur = Interval{Start: id, End: id}
	}
	return append(out, cur)
}

func (l CPUList) String() string {
	ivs := l.Intervals()
	parts := make([]string, 0, len(ivs))
	for _, iv := range ivs {
		if iv.Start == iv.End {
			parts = append(parts, strconv.Itoa(iv.Start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", iv.Start, iv.End))
		}
	}
	return strings.Join(parts, ",")
}

// Contains reports whether id is in the list.
func (l CPUList) Contains(id int) bool {
	i := sort.SearchInts(l, id)
	return i < len(l) && l[i] == id
}

// Intersect returns the ids present in both lists.
func (l CPUList) Intersect(other CPUList) CPUList {
	out := CPUList{}
	for _, id := range l {
		if other.Contains(id) {
			out = append(out, id)
		}
	}
	return out
}

// Union returns the sorted union of lists.
func Union(lists ...CPUList) CPUList {
	var all []int
	for _, l := range lists {
		all = append(all, l...)
	}
	return NewCPUList(all...)
}
