// Package iova implements the host DMA window table: the per-container set
// of IOVA ranges a kernel IOMMU container is willing to map, and with what
// page-size mask.
//
// The original C implementation keeps this as an intrusive QLIST; here it's
// a slice kept sorted by Min so Lookup can binary-search it.
package iova

import (
	"fmt"
	"sort"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

// Window is a single host DMA window: an inclusive IOVA range plus the
// page sizes (a power-of-two bitmap) the kernel will accept within it.
type Window struct {
	Min, Max  uint64
	PageSizes uint64
}

func (w Window) contains(iova, end uint64) bool {
	return iova >= w.Min && end <= w.Max
}

func overlaps(a, b Window) bool {
	return a.Min <= b.Max && b.Min <= a.Max
}

// Table is a container's host window table: windows within one table are
// pairwise non-overlapping.
type Table struct {
	windows []Window
}

// Add inserts a new window. It is a fatal programmer error (returned here as
// kerr.OverlapWindow rather than a hard panic, so the caller may decide how
// to surface it) for the new window to overlap any existing window.
func (t *Table) Add(min, max, pgsizes uint64) error {
	w := Window{Min: min, Max: max, PageSizes: pgsizes}
	for _, existing := range t.windows {
		if overlaps(existing, w) {
			return kerr.Wrap(kerr.OverlapWindow, "iova.Table.Add",
				fmt.Errorf("window [%#x,%#x] overlaps existing [%#x,%#x]", min, max, existing.Min, existing.Max))
		}
	}
	i := sort.Search(len(t.windows), func(i int) bool { return t.windows[i].Min >= min })
	t.windows = append(t.windows, Window{})
	copy(t.windows[i+1:], t.windows[i:])
	t.windows[i] = w
	return nil
}

// Del removes the window matching [min,max] exactly.
func (t *Table) Del(min, max uint64) error {
	for i, w := range t.windows {
		if w.Min == min && w.Max == max {
			t.windows = append(t.windows[:i], t.windows[i+1:]...)
			return nil
		}
	}
	return kerr.New(kerr.NotFound, "iova.Table.Del")
}

// Lookup returns the first window fully containing [iova,end] (end is
// inclusive), or false if
// none does. Because windows in one table are pairwise non-overlapping, at
// most one window can contain iova: the one with the largest Min <= iova.
func (t *Table) Lookup(iova, end uint64) (Window, bool) {
	i := sort.Search(len(t.windows), func(i int) bool { return t.windows[i].Min > iova }) - 1
	if i < 0 || !t.windows[i].contains(iova, end) {
		return Window{}, false
	}
	return t.windows[i], true
}

// Windows returns a snapshot of the current window list, sorted by Min.
func (t *Table) Windows() []Window {
	out := make([]Window, len(t.windows))
	copy(out, t.windows)
	return out
}

// Len reports the number of windows currently held.
func (t *Table) Len() int { return len(t.windows) }
