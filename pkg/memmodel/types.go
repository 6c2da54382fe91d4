// Package memmodel defines the VMM memory-model collaborator types spec.md
// §6 names as external: the Section a memory listener event carries, the
// IOTLB entry a guest-IOMMU notifier receives, and the Translator/
// RAMDiscardManager/RegionRef interfaces the pipeline depends on without
// owning. It has no dependency on pkg/container, pkg/notifier or pkg/memory
// so both of the latter two can depend on it without an import cycle.
package memmodel

import "math/big"

// Perm describes the access an IOTLB entry grants.
type Perm int

const (
	PermNone Perm = iota
	PermRead
	PermWrite
	PermReadWrite
)

// Grants reports whether p grants any access at all.
func (p Perm) Grants() bool { return p != PermNone }

// RegionRef is a reference-counted handle on a memory region's backing
// storage. Taking a reference prevents the backing memory from being
// unmapped until the matching Unref (spec.md §3: "between any matched
// region_add and region_del, the region reference count is strictly
// positive").
type RegionRef interface {
	ID() string
	Ref()
	Unref()
	// OwnerType names the kind of object that owns this region (e.g. "ram",
	// "platform-bus-device"), used by the known-safe-misalignment allow-list.
	OwnerType() string
	// HostPtr is the host virtual address backing this region, valid for
	// offset_within_region in [0, length).
	HostPtr() uintptr
	// RAMAddr is the region's host RAM offset, used to attribute dirty pages.
	RAMAddr() uint64
}

// Section is one VMM memory-region section, the input to every memory
// listener entry point (spec.md §3).
type Section struct {
	Region                RegionRef
	OffsetWithinAddrSpace uint64
	OffsetWithinRegion    uint64
	Size                  *big.Int // 128-bit to permit exactly 2^64

	IsRAM                bool
	IsIOMMU              bool
	IsRAMDevice          bool
	IsProtected          bool
	ReadOnly             bool
	HasRAMDiscardManager bool

	// IOMMU is the IOMMU-capable region collaborator, populated when IsIOMMU.
	IOMMU IOMMURegion
	// Translator resolves guest IOTLB entries delivered through IOMMU,
	// populated when IsIOMMU.
	Translator Translator
	// DiscardManager is the coordinated-RAM-discard collaborator, populated
	// when HasRAMDiscardManager.
	DiscardManager RAMDiscardManager
}

// SizeUint64 returns Size as a uint64 when it fits, and whether it fits.
// A Size of exactly 2^64 does not fit and must be handled as the boundary
// case spec.md §8 describes (split into two half-span operations).
func (s Section) SizeUint64() (uint64, bool) {
	if s.Size == nil || !s.Size.IsUint64() {
		return 0, false
	}
	return s.Size.Uint64(), true
}

// IsFullSpan reports whether Size is exactly 2^64.
func (s Section) IsFullSpan() bool {
	if s.Size == nil {
		return false
	}
	return s.Size.Cmp(twoPow64) == 0
}

var twoPow64 = new(big.Int).Lsh(big.NewInt(1), 64)

// IOTLBEntry is a guest IOTLB invalidation/map entry delivered to a GIN.
type IOTLBEntry struct {
	IOVA     uint64
	AddrMask uint64 // mapped/invalidated size is AddrMask+1
	Perm     Perm
	TargetAS string
}

// Translator resolves an IOTLB entry to a host mapping (spec.md §6).
type Translator interface {
	// Translate returns the host vaddr, host RAM offset, and whether the
	// mapping is read-only. ok is false if resolution failed (the event is
	// then ignored per spec.md §4.3.4).
	Translate(entry IOTLBEntry) (vaddr uintptr, ramAddr uint64, readonly bool, hasDiscardManager bool, ok bool)
}

// DiscardListener is what a RAMDiscardManager drives populate/discard
// callbacks through (spec.md §4.3.6).
type DiscardListener interface {
	Populate(section Section) error
	Discard(section Section) error
}

// RAMDiscardManager is the coordinated-RAM-discard collaborator (spec.md
// §6): min_granularity, register/unregister, and replay of populated
// sub-ranges.
type RAMDiscardManager interface {
	MinGranularity() uint64
	RegisterListener(l DiscardListener) error
	UnregisterListener(l DiscardListener)
	ReplayPopulated(l DiscardListener) error
}

// NotifierFlags selects which IOTLB events a GIN receives.
type NotifierFlags int

const (
	// NotifyMapUnmap is used in non-nested mode: both map and unmap events
	// are delivered and resolved to backend Map/Unmap calls.
	NotifyMapUnmap NotifierFlags = iota
	// NotifyUnmapOnly is used in nested mode: only invalidations are
	// delivered and propagated as a cache-invalidate down-call.
	NotifyUnmapOnly
)

// IOMMURegion is an IOMMU-capable memory region (spec.md §6): it accepts a
// page-size mask, can have its cache invalidated, supports notifier
// registration, and can replay its current mapping set.
type IOMMURegion interface {
	ID() string
	SetPageSizeMask(mask uint64) error
	InvalidateCache(entry IOTLBEntry)
	// RegisterNotifier installs cb for events matching flags and returns an
	// unregister function. The [start,end] range is within the IOMMU region.
	RegisterNotifier(flags NotifierFlags, start, end uint64, cb func(IOTLBEntry)) (unregister func(), err error)
	// Replay synthetically drives every currently-mapped entry through cb,
	// so a newly-installed notifier observes current state.
	Replay(cb func(IOTLBEntry)) error
}
