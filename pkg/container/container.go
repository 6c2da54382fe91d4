// Package container implements the per-container state spec.md §3/§4
// describes: a host window table, guest-IOMMU notifier and RAM-discard
// listener registries, feature flags, and the init-error latch.
package container

import (
	"sync"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/iova"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

// Key identifies a registered notifier or listener by (region identity,
// start-offset-within-region), per spec.md §3's "no duplicates keyed by
// (memory-region identity, start-offset)" invariant.
type Key struct {
	RegionID string
	Start    uint64
}

// Notifier is the subset of pkg/notifier's GIN/RDL types a Container needs
// to hold and tear down without importing pkg/notifier (which itself
// depends on Container for backend access and window lookup).
type Notifier interface {
	Unregister()
}

// RDLSizer lets a Container gather per-RDL size/granularity data for the
// dma_max_mappings sanity estimate (spec.md §4.3.6) without importing
// pkg/notifier, which implements it.
type RDLSizer interface {
	Notifier
	SizeGranularity() (size, granularity uint64)
}

// Mapping records one active backend mapping, keyed by the section that
// produced it. Containers keep these to support the round-trip/idempotence
// test property in spec.md §8 (structural equality of the mapping set
// across a region_add/region_del pair).
type Mapping struct {
	Key      Key
	IOVA     uint64
	Size     uint64
	VAddr    uintptr
	ReadOnly bool
}

// Container owns one host window table, its backend, and the notifier/
// listener registries attached to it.
type Container struct {
	mu sync.Mutex

	Backend backend.Backend
	Windows iova.Table

	// BackendClass identifies which backend variant this container was
	// created for ("legacy" or "fd"), so the DAC can match a device against
	// an existing container before opening a new backend (spec.md §4.4).
	BackendClass string

	PageSizes           uint64
	DMAMaxMappings      int
	Nested              bool
	DirtyPagesSupported bool

	// MaxMemslots is the host memory-slot budget fed into the §4.3.6
	// mapping-pressure estimate alongside each RDL's size/granularity; zero
	// means unknown and contributes nothing to the estimate.
	MaxMemslots int

	initialized bool
	initErr     error

	gins     map[Key]Notifier
	rdls     map[Key]Notifier
	mappings map[Key]Mapping
}

// New constructs a Container bound to b. A single window covering the
// entire guest-IOVA space is pre-established here, matching the fixed
// backends this module implements (spec.md §8 scenario 1: a host window of
// [0, 2^64-1] exists once a device is attached). A genuine dynamic-window
// IOMMU backend would instead leave the table empty and rely on
// AddSectionWindow's extension path below.
func New(b backend.Backend, nested bool, pageSizes uint64, dmaMaxMappings int) *Container {
	c := &Container{
		Backend:             b,
		PageSizes:           pageSizes,
		DMAMaxMappings:      dmaMaxMappings,
		Nested:              nested,
		DirtyPagesSupported: b.CheckFeature(backend.FeatureDirtyTracking),
		gins:                make(map[Key]Notifier),
		rdls:                make(map[Key]Notifier),
		mappings:            make(map[Key]Mapping),
	}
	_ = c.Windows.Add(0, ^uint64(0), pageSizes)
	return c
}

// AddSectionWindow implements spec.md §4.1's ensure_window/add_section_window:
// it only extends the host window table when no existing window already
// covers [min,max]. For the fixed backends this module implements, New's
// pre-established window already covers every section and this is a no-op
// past the backend call; a dynamic-window IOMMU backend would reach the
// Windows.Add path below to admit the new range.
func (c *Container) AddSectionWindow(min, max, pgsizes uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.Backend.AddSectionWindow(min, max, pgsizes); err != nil {
		return err
	}
	if _, ok := c.Windows.Lookup(min, max); ok {
		return nil
	}
	return c.Windows.Add(min, max, pgsizes)
}

// DelSectionWindow is the inverse of AddSectionWindow; absence is not an
// error since not every section creates a fresh window.
func (c *Container) DelSectionWindow(min, max uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Windows.Del(min, max)
	_ = c.Backend.DelSectionWindow(min, max)
}

// LookupWindow returns the host window containing [iova,end] (end is
// inclusive), if any.
func (c *Container) LookupWindow(iovaStart, end uint64) (iova.Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Windows.Lookup(iovaStart, end)
}

// Initialized reports whether this container has finished its initial
// attach sequence; LatchInitError only has effect before this is true.
func (c *Container) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// MarkInitialized flips the container into steady-state: subsequent errors
// are no longer latched, they're handled per the runtime failure policy.
func (c *Container) MarkInitialized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = true
}

// LatchInitError records err as the container's init error if this is the
// first error seen before Initialized() and no error has been latched yet.
// Subsequent errors during initialization are discarded per spec.md §4.3.2.
func (c *Container) LatchInitError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized || c.initErr != nil {
		return
	}
	c.initErr = kerr.Wrap(kerr.InitLatched, "container.init", err)
}

// InitError returns the latched init error, or nil.
func (c *Container) InitError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initErr
}

// RegisterGIN adds a guest-IOMMU notifier under key, failing if one is
// already registered there (duplicate-key invariant).
func (c *Container) RegisterGIN(key Key, n Notifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.gins[key]; exists {
		return kerr.New(kerr.NotFound, "container.RegisterGIN: duplicate key")
	}
	c.gins[key] = n
	return nil
}

// RemoveGIN removes and returns the notifier at key, if present.
func (c *Container) RemoveGIN(key Key) (Notifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.gins[key]
	if ok {
		delete(c.gins, key)
	}
	return n, ok
}

// RegisterRDL adds a RAM-discard listener under key.
func (c *Container) RegisterRDL(key Key, n Notifier) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.rdls[key]; exists {
		return kerr.New(kerr.NotFound, "container.RegisterRDL: duplicate key")
	}
	c.rdls[key] = n
	return nil
}

// RemoveRDL removes and returns the listener at key, if present.
func (c *Container) RemoveRDL(key Key) (Notifier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.rdls[key]
	if ok {
		delete(c.rdls, key)
	}
	return n, ok
}

// RDLCount returns the number of registered RAM-discard listeners, used by
// the dma_max_mappings sanity estimate (spec.md §4.3.6).
func (c *Container) RDLCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rdls)
}

// RecordMapping stores a mapping produced for key, overwriting any prior
// record at the same key.
func (c *Container) RecordMapping(m Mapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mappings[m.Key] = m
}

// ForgetMapping removes the mapping recorded at key, if any.
func (c *Container) ForgetMapping(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.mappings, key)
}

// Mapping returns the mapping recorded at key, if any.
func (c *Container) Mapping(key Key) (Mapping, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.mappings[key]
	return m, ok
}

// Mappings returns a snapshot of every active mapping this container
// currently believes it holds, used by the round-trip test property.
func (c *Container) Mappings() []Mapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Mapping, 0, len(c.mappings))
	for _, m := range c.mappings {
		out = append(out, m)
	}
	return out
}

// EstimateMappingPressure computes the upper-bound sanity estimate on DMA
// mappings from spec.md §4.3.6: sum over RDLs of ceil(size/granularity),
// plus maxMemslots minus the RDL count. Returns true (and the estimate) when
// it exceeds DMAMaxMappings, which callers should log as
// kerr.DiscardIncompatible (a warning, not a hard failure).
func (c *Container) EstimateMappingPressure(rdlSizes []uint64, granularities []uint64, maxMemslots int) (estimate int, exceeds bool) {
	if len(rdlSizes) != len(granularities) {
		panic("container: EstimateMappingPressure: mismatched slice lengths")
	}
	sum := 0
	for i, size := range rdlSizes {
		g := granularities[i]
		if g == 0 {
			continue
		}
		sum += int((size + g - 1) / g)
	}
	estimate = sum + maxMemslots - c.RDLCount()
	if c.DMAMaxMappings == 0 {
		return estimate, false
	}
	return estimate, estimate > c.DMAMaxMappings
}

// CheckMappingPressure runs EstimateMappingPressure over every currently
// registered RDL that exposes RDLSizer, using MaxMemslots, and is the live
// post-registration sanity check spec.md §4.3.6 requires after RegisterRDL.
func (c *Container) CheckMappingPressure() (estimate int, exceeds bool) {
	c.mu.Lock()
	sizes := make([]uint64, 0, len(c.rdls))
	grans := make([]uint64, 0, len(c.rdls))
	for _, n := range c.rdls {
		s, ok := n.(RDLSizer)
		if !ok {
			continue
		}
		size, gran := s.SizeGranularity()
		sizes = append(sizes, size)
		grans = append(grans, gran)
	}
	maxMemslots := c.MaxMemslots
	c.mu.Unlock()
	return c.EstimateMappingPressure(sizes, grans, maxMemslots)
}
