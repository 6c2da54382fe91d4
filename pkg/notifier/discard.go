package notifier

import (
	"fmt"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
)

// RDL maps only currently-populated sub-ranges of a RAM-discard-managed
// region, at the manager's granularity, per spec.md §4.3.6.
type RDL struct {
	Owner       *container.Container
	Manager     memmodel.RAMDiscardManager
	Section     memmodel.Section
	Granularity uint64
}

// NewRDL constructs an RDL for section, querying manager's minimum
// granularity (spec.md §4.3.6: "a power of two >= smallest supported page
// size").
func NewRDL(owner *container.Container, manager memmodel.RAMDiscardManager, section memmodel.Section) *RDL {
	return &RDL{
		Owner:       owner,
		Manager:     manager,
		Section:     section,
		Granularity: manager.MinGranularity(),
	}
}

// Register installs this RDL as the region's discard listener.
func (r *RDL) Register() error {
	return r.Manager.RegisterListener(r)
}

// Unregister implements container.Notifier.
func (r *RDL) Unregister() {
	r.Manager.UnregisterListener(r)
}

// SizeGranularity implements container.RDLSizer.
func (r *RDL) SizeGranularity() (size, granularity uint64) {
	size, _ = r.Section.SizeUint64()
	return size, r.Granularity
}

type slice struct {
	start, size uint64
}

// slices breaks [section.OffsetWithinRegion, +size) into granularity-sized
// steps: start, min(round_up(start+1,granularity), end) (spec.md §4.3.6).
func (r *RDL) slices(section memmodel.Section) ([]slice, error) {
	size, ok := section.SizeUint64()
	if !ok {
		return nil, kerr.New(kerr.BackendMapFail, "RDL.slices: section too large")
	}
	if r.Granularity == 0 {
		return nil, kerr.New(kerr.DiscardIncompatible, "RDL.slices: zero granularity")
	}
	start := section.OffsetWithinRegion
	end := start + size
	var out []slice
	for start < end {
		next := roundUp(start+1, r.Granularity)
		if next > end {
			next = end
		}
		out = append(out, slice{start: start, size: next - start})
		start = next
	}
	return out, nil
}

// Populate maps every granularity-sized slice of section currently
// populated. On any slice failure it rolls back by discarding the whole
// section and propagates the error (spec.md §4.3.6).
func (r *RDL) Populate(section memmodel.Section) error {
	slices, err := r.slices(section)
	if err != nil {
		return err
	}
	vaddrBase := section.Region.HostPtr()
	readonly := section.ReadOnly

	for _, s := range slices {
		iova := section.OffsetWithinAddrSpace + (s.start - section.OffsetWithinRegion)
		vaddr := vaddrBase + uintptr(s.start)

		if err := r.Owner.Backend.Map(iova, s.size, vaddr, readonly); err != nil {
			if derr := r.Discard(section); derr != nil {
				return fmt.Errorf("populate failed (%w) and rollback discard also failed: %v", err, derr)
			}
			return kerr.Wrap(kerr.BackendMapFail, "RDL.Populate", err)
		}
		r.Owner.RecordMapping(container.Mapping{
			Key:      container.Key{RegionID: section.Region.ID(), Start: s.start},
			IOVA:     iova,
			Size:     s.size,
			VAddr:    vaddr,
			ReadOnly: readonly,
		})
	}
	return nil
}

// Discard unmaps the whole section in one call (spec.md §4.3.6).
func (r *RDL) Discard(section memmodel.Section) error {
	size, ok := section.SizeUint64()
	if !ok {
		return kerr.New(kerr.BackendUnmapFail, "RDL.Discard: section too large")
	}
	iova := section.OffsetWithinAddrSpace
	if err := r.Owner.Backend.Unmap(iova, size, nil); err != nil {
		return kerr.Wrap(kerr.BackendUnmapFail, "RDL.Discard", err)
	}
	slices, serr := r.slices(section)
	if serr == nil {
		for _, s := range slices {
			r.Owner.ForgetMapping(container.Key{RegionID: section.Region.ID(), Start: s.start})
		}
	}
	return nil
}

func roundUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
