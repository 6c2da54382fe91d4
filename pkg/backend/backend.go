// Package backend implements the abstract IOMMU backend operation table
// (spec.md §4.2, §6) and its two concrete variants: a legacy per-group
// container backend and an fd-based backend that supports cross-container
// DMA copy when both containers share the same underlying control fd.
package backend

// Feature is a capability a Backend may advertise via CheckFeature.
type Feature int

const (
	// FeatureDMACopy: Copy is supported between containers sharing a fd.
	FeatureDMACopy Feature = iota
	// FeatureDirtyTracking: SetDirtyTracking/GetDirtyBitmap are supported.
	FeatureDirtyTracking
)

func (f Feature) String() string {
	switch f {
	case FeatureDMACopy:
		return "dma_copy"
	case FeatureDirtyTracking:
		return "dirty_tracking"
	default:
		return "unknown_feature"
	}
}

// Backend is the stable operation table the translator core depends on
// (spec.md §6). All operations are synchronous kernel calls; errors use
// pkg/kerr so callers can branch on kind rather than message text.
type Backend interface {
	// Map installs iova -> vaddr for size bytes.
	Map(iova, size uint64, vaddr uintptr, readonly bool) error
	// Copy makes dst see the pinned pages this backend already maps at iova,
	// without re-pinning. Only valid
	// when src and dst share the same underlying fd; returns
	// kerr.FeatureUnsupported otherwise or if the backend lacks DMA copy.
	Copy(dst Backend, iova, size uint64, readonly bool) error
	// Unmap removes the mapping at iova. iotlbHint, if non-nil, carries an
	// opaque handle allowing a bitmap-bearing unmap for live migration.
	Unmap(iova, size uint64, iotlbHint *uint64) error
	// GetDirtyBitmap asks the backend to report dirty pages covering
	// [iova, iova+size) attributed to host RAM offset ramAddr.
	GetDirtyBitmap(iova, size, ramAddr uint64) error
	// SetDirtyTracking toggles dirty-page tracking for this container.
	SetDirtyTracking(enable bool) error
	// Reset resets every device bound to this container. It continues past
	// individual device failures and returns the last observed error.
	Reset() error
	// CheckFeature probes whether f is supported.
	CheckFeature(f Feature) bool
	// AttachDevice binds devFD to this backend's container.
	AttachDevice(devFD int) error
	// DetachDevice unbinds devFD.
	DetachDevice(devFD int) error
	// AddSectionWindow extends the backend's dynamic-window state, if any.
	AddSectionWindow(min, max, pgsizes uint64) error
	// DelSectionWindow is the inverse of AddSectionWindow.
	DelSectionWindow(min, max uint64) error
	// DevicesAllDirtyTracking reports whether every device currently bound
	// requires dirty tracking (used by the log_sync dispatch in pkg/memory).
	DevicesAllDirtyTracking() bool
	// FD returns the backend's underlying kernel control fd, used by Copy to
	// check the DMA-copy precondition (same fd on both sides).
	FD() int
	// MaxMappings returns the backend's advertised mapping limit, or 0 if
	// unknown/unbounded.
	MaxMappings() int
}
