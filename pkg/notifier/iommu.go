// Package notifier implements the guest-IOMMU notifier (GIN) and the
// RAM-discard listener (RDL), spec.md §4.3.4–§4.3.6.
package notifier

import (
	"log"

	"github.com/ChengyuZhu6/dmaspace-go/internal/oncelog"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
)

// GIN translates guest IOTLB events delivered on one IOMMU-capable region
// into backend Map/Unmap calls (non-nested) or cache-invalidate down-calls
// (nested), per spec.md §4.3.4/§4.3.5.
type GIN struct {
	Region      memmodel.IOMMURegion
	IOMMUOffset uint64
	Owner       *container.Container
	Flags       memmodel.NotifierFlags
	Start, End  uint64
	Translator  memmodel.Translator
	SystemAS    string
	AttrIndex   int

	unregister func()
	pinWarn    oncelog.Warning
}

// NewGIN constructs a GIN. iommuOffset is
// section.offset_within_address_space - section.offset_within_region, per
// spec.md §3.
func NewGIN(owner *container.Container, region memmodel.IOMMURegion, iommuOffset uint64, flags memmodel.NotifierFlags, start, end uint64, tr memmodel.Translator, systemAS string) *GIN {
	return &GIN{
		Region:      region,
		IOMMUOffset: iommuOffset,
		Owner:       owner,
		Flags:       flags,
		Start:       start,
		End:         end,
		Translator:  tr,
		SystemAS:    systemAS,
	}
}

// Register sets the region's supported page-size mask to the container's
// and installs the notifier callback.
func (g *GIN) Register() error {
	if err := g.Region.SetPageSizeMask(g.Owner.PageSizes); err != nil {
		return err
	}
	unreg, err := g.Region.RegisterNotifier(g.Flags, g.Start, g.End, g.dispatch)
	if err != nil {
		return err
	}
	g.unregister = unreg
	return nil
}

// Unregister implements container.Notifier.
func (g *GIN) Unregister() {
	if g.unregister != nil {
		g.unregister()
		g.unregister = nil
	}
}

// Replay synthetically drives every currently-mapped IOTLB entry through
// this GIN, so a newly-attached container observes current state. Only
// meaningful for MAP-capable (non-nested) GINs.
func (g *GIN) Replay() error {
	if g.Flags != memmodel.NotifyMapUnmap {
		return nil
	}
	return g.Region.Replay(g.dispatch)
}

func (g *GIN) dispatch(entry memmodel.IOTLBEntry) {
	if g.Flags == memmodel.NotifyUnmapOnly {
		g.dispatchNested(entry)
		return
	}
	g.dispatchNonNested(entry)
}

// dispatchNested propagates a guest IOTLB invalidation as a cache-invalidate
// down-call; the host IOMMU walks the guest page table itself in nested
// mode (spec.md §4.3.5).
func (g *GIN) dispatchNested(entry memmodel.IOTLBEntry) {
	g.Region.InvalidateCache(entry)
}

// dispatchNonNested resolves the entry and calls Map or Unmap (spec.md
// §4.3.4). Errors are logged and swallowed; the notifier never fails the
// enclosing event.
func (g *GIN) dispatchNonNested(entry memmodel.IOTLBEntry) {
	if entry.TargetAS != g.SystemAS {
		return
	}
	iova := entry.IOVA + g.IOMMUOffset
	size := entry.AddrMask + 1

	if !entry.Perm.Grants() {
		if err := g.Owner.Backend.Unmap(iova, size, nil); err != nil {
			log.Printf("notifier: unmap %#x/%#x: %v", iova, size, err)
		}
		return
	}

	vaddr, _, readonly, hasDiscard, ok := g.Translator.Translate(entry)
	if hasDiscard {
		g.pinWarn.Emit("dmaspace: IOMMU-mapped memory backed by a coordinated-discard manager; " +
			"malicious guests can pin more memory than expected via the IOMMU. " +
			"Consider adjusting RLIMIT_MEMLOCK.")
	}
	if !ok {
		return
	}
	if err := g.Owner.Backend.Map(iova, size, vaddr, readonly); err != nil {
		log.Printf("notifier: map %#x/%#x: %v", iova, size, err)
	}
}
