// Package memory implements the memory listener pipeline (spec.md §4.3): the
// five entry points (RegionAdd, RegionDel, LogGlobalStart, LogGlobalStop,
// LogSync) a VMM drives as its address-space layout changes, fanned
// out to every container attached to one address space in registration
// order.
package memory

import (
	"log"
	"math/big"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/notifier"
)

// Pipeline is the per-address-space memory listener. It holds no backend
// state of its own; each attached container owns its host window table and
// mapping bookkeeping (pkg/container.Container).
type Pipeline struct {
	SystemAS string
	PageSize uint64

	// SafeMisalignedOwnerTypes is the known-safe misalignment allow-list
	// (spec.md §4.3.1), keyed by memmodel.RegionRef.OwnerType().
	SafeMisalignedOwnerTypes map[string]bool

	containers []*container.Container
}

// NewPipeline constructs a Pipeline for one address space.
func NewPipeline(systemAS string, pageSize uint64, safeOwnerTypes ...string) *Pipeline {
	allow := make(map[string]bool, len(safeOwnerTypes))
	for _, t := range safeOwnerTypes {
		allow[t] = true
	}
	return &Pipeline{SystemAS: systemAS, PageSize: pageSize, SafeMisalignedOwnerTypes: allow}
}

// AttachContainer adds c to the fan-out list, at the end (registration
// order).
func (p *Pipeline) AttachContainer(c *container.Container) {
	p.containers = append(p.containers, c)
}

// DetachContainer removes c from the fan-out list.
func (p *Pipeline) DetachContainer(c *container.Container) {
	for i, e := range p.containers {
		if e == c {
			p.containers = append(p.containers[:i], p.containers[i+1:]...)
			return
		}
	}
}

// Containers returns the currently attached containers, in registration
// order. Callers must not mutate the returned slice.
func (p *Pipeline) Containers() []*container.Container { return p.containers }

func roundUp64(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func roundDownBig(v, align *big.Int) *big.Int {
	mod := new(big.Int).Mod(v, align)
	return new(big.Int).Sub(v, mod)
}

// skip implements spec.md §4.3.1's unconditional skip rule.
func (p *Pipeline) skip(section memmodel.Section) bool {
	if !section.IsRAM && !section.IsIOMMU {
		return true
	}
	if section.IsProtected {
		return true
	}
	// Bit 63 of offset_within_address_space is a known artefact of sizing
	// 64-bit BARs that never corresponds to real CPU access.
	if section.OffsetWithinAddrSpace&(1<<63) != 0 {
		return true
	}
	return false
}

// misaligned implements spec.md §4.3.1's alignment-rejection rule.
func (p *Pipeline) misaligned(section memmodel.Section) bool {
	if section.OffsetWithinAddrSpace%p.PageSize == section.OffsetWithinRegion%p.PageSize {
		return false
	}
	if section.Region != nil && p.SafeMisalignedOwnerTypes[section.Region.OwnerType()] {
		return false
	}
	return true
}

// ioRange is a contiguous IOVA extent, split as needed because some kernel
// interfaces cannot express a size of exactly 2^64 (spec.md §4.3.7).
type ioRange struct {
	start, size uint64
}

var half64 = new(big.Int).Lsh(big.NewInt(1), 63)

// chunk splits [start,end) into pieces no larger than 2^63, so the full
// 2^64 boundary case becomes exactly two equal chunks, matching the
// original kernel-interface split (spec.md §4.3.7/§8).
func chunk(start uint64, end *big.Int) []ioRange {
	s := new(big.Int).SetUint64(start)
	var out []ioRange
	for s.Cmp(end) < 0 {
		remaining := new(big.Int).Sub(end, s)
		step := new(big.Int).Set(half64)
		if remaining.Cmp(half64) <= 0 {
			step = remaining
		}
		out = append(out, ioRange{start: s.Uint64(), size: step.Uint64()})
		s.Add(s, step)
	}
	return out
}

// pageAlignedRange computes the page-aligned [iova, end) for a section:
// offset_within_address_space rounded up, offset_within_address_space+size
// rounded down (spec.md §4.3.2, confirmed against the original's
// REAL_HOST_PAGE_ALIGN/TARGET_PAGE_ALIGN use for both add and del).
func (p *Pipeline) pageAlignedRange(section memmodel.Section) (iova uint64, end *big.Int) {
	iova = roundUp64(section.OffsetWithinAddrSpace, p.PageSize)
	sum := new(big.Int).Add(big.NewInt(0).SetUint64(section.OffsetWithinAddrSpace), section.Size)
	end = roundDownBig(sum, new(big.Int).SetUint64(p.PageSize))
	return iova, end
}

// RegionAdd dispatches a region_add event to every attached container, in
// registration order (spec.md §4.3.2).
func (p *Pipeline) RegionAdd(section memmodel.Section) {
	if p.skip(section) {
		return
	}
	if p.misaligned(section) {
		log.Printf("memory: region_add: misaligned section region=%s oaddr=%#x oregion=%#x",
			regionID(section), section.OffsetWithinAddrSpace, section.OffsetWithinRegion)
		return
	}

	var source *container.Container
	for _, c := range p.containers {
		mappedDirectly, err := p.regionAddOne(c, section, source)
		if err != nil {
			p.handleAddFailure(c, section, err)
			continue
		}
		if mappedDirectly && source == nil {
			source = c
		}
	}
}

func regionID(s memmodel.Section) string {
	if s.Region == nil {
		return ""
	}
	return s.Region.ID()
}

func (p *Pipeline) handleAddFailure(c *container.Container, section memmodel.Section, err error) {
	if !c.Initialized() {
		c.LatchInitError(err)
		return
	}
	if section.IsRAMDevice {
		log.Printf("memory: region_add: ram-device region=%s: %v", regionID(section), err)
		return
	}
	if section.IsIOMMU {
		log.Printf("memory: region_add: iommu region=%s: %v", regionID(section), err)
		return
	}
	log.Printf("memory: region_add: fatal: region=%s: %v", regionID(section), err)
}

// regionAddOne runs one container through spec.md §4.3.2 steps 2-7.
// source, if non-nil, is a container that already holds a direct mapping of
// this section earlier in the same region_add fan-out, enabling the
// DMA-copy fast path (§4.3.3). It reports whether this container ended up
// with a direct `map` (as opposed to a copy, an RDL registration, skip, or
// IOMMU notifier install) so later containers can use it as a copy source.
func (p *Pipeline) regionAddOne(c *container.Container, section memmodel.Section, source *container.Container) (mappedDirectly bool, err error) {
	iova, endBig := p.pageAlignedRange(section)
	if new(big.Int).SetUint64(iova).Cmp(endBig) >= 0 {
		if section.IsRAMDevice {
			log.Printf("memory: region_add: empty range after alignment, region=%s", regionID(section))
		}
		return false, nil
	}

	pgsizes := c.PageSizes
	if err := c.AddSectionWindow(iova, subOne(endBig), pgsizes); err != nil {
		if kerr.Is(err, kerr.OverlapWindow) {
			return false, err
		}
		return false, kerr.Wrap(kerr.BackendMapFail, "memory.RegionAdd: ensure_window", err)
	}
	if _, ok := c.LookupWindow(iova, subOne(endBig)); !ok {
		return false, kerr.New(kerr.NoWindow, "memory.RegionAdd: no host window covers section")
	}

	if section.Region != nil {
		section.Region.Ref()
	}

	if section.IsIOMMU {
		return false, p.attachGIN(c, section)
	}

	return p.mapRAMSection(c, section, iova, endBig, source)
}

func subOne(v *big.Int) uint64 {
	return new(big.Int).Sub(v, big.NewInt(1)).Uint64()
}

// attachGIN implements spec.md §4.3.2 step 6.
func (p *Pipeline) attachGIN(c *container.Container, section memmodel.Section) error {
	flags := memmodel.NotifyMapUnmap
	if c.Nested {
		flags = memmodel.NotifyUnmapOnly
	}
	iommuOffset := section.OffsetWithinAddrSpace - section.OffsetWithinRegion
	end, _ := section.SizeUint64()
	if end == 0 {
		end = ^uint64(0)
	} else {
		end = section.OffsetWithinRegion + end - 1
	}

	gin := notifier.NewGIN(c, section.IOMMU, iommuOffset, flags, section.OffsetWithinRegion, end, section.Translator, p.SystemAS)
	if err := gin.Register(); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "memory.RegionAdd: GIN register", err)
	}
	key := container.Key{RegionID: regionID(section), Start: section.OffsetWithinRegion}
	if err := c.RegisterGIN(key, gin); err != nil {
		gin.Unregister()
		return err
	}
	if flags == memmodel.NotifyMapUnmap {
		if err := gin.Replay(); err != nil {
			log.Printf("memory: region_add: iommu replay failed, region=%s: %v", regionID(section), err)
		}
	}
	return nil
}

// mapRAMSection implements spec.md §4.3.3.
func (p *Pipeline) mapRAMSection(c *container.Container, section memmodel.Section, iova uint64, endBig *big.Int, source *container.Container) (mappedDirectly bool, err error) {
	llsize := new(big.Int).Sub(endBig, new(big.Int).SetUint64(iova)).Uint64()

	if section.HasRAMDiscardManager {
		rdl := notifier.NewRDL(c, section.DiscardManager, section)
		if err := rdl.Register(); err != nil {
			return false, kerr.Wrap(kerr.BackendMapFail, "memory.RegionAdd: RDL register", err)
		}
		key := container.Key{RegionID: regionID(section), Start: section.OffsetWithinRegion}
		if err := c.RegisterRDL(key, rdl); err != nil {
			rdl.Unregister()
			return false, err
		}
		if estimate, exceeds := c.CheckMappingPressure(); exceeds {
			log.Printf("memory: region_add: %s: rdl mapping estimate %d exceeds dma_max_mappings, region=%s",
				kerr.DiscardIncompatible, estimate, regionID(section))
		}
		return false, nil
	}

	if section.Region == nil {
		return false, kerr.New(kerr.NoWindow, "memory.RegionAdd: section has no region")
	}
	vaddr := section.Region.HostPtr() + uintptr(section.OffsetWithinRegion) + uintptr(iova-section.OffsetWithinAddrSpace)

	if section.IsRAMDevice {
		win, _ := c.LookupWindow(iova, subOne(endBig))
		pgmask := win.PageSizes - 1
		if win.PageSizes == 0 {
			pgmask = 0
		}
		if iova&pgmask != 0 || llsize&pgmask != 0 {
			log.Printf("memory: region_add: ram-device sub-page misaligned, region=%s", regionID(section))
			return false, nil
		}
	}

	if source != nil && c.Backend.CheckFeature(backend.FeatureDMACopy) {
		if cerr := source.Backend.Copy(c.Backend, iova, llsize, section.ReadOnly); cerr == nil {
			return false, nil
		}
		log.Printf("memory: region_add: dma copy failed, falling back to map, region=%s", regionID(section))
	}

	if err := c.Backend.Map(iova, llsize, vaddr, section.ReadOnly); err != nil {
		if section.IsRAMDevice {
			log.Printf("memory: region_add: ram-device map failed (non-fatal), region=%s: %v", regionID(section), err)
			return false, nil
		}
		return false, kerr.Wrap(kerr.BackendMapFail, "memory.RegionAdd: map", err)
	}
	c.RecordMapping(container.Mapping{
		Key:      container.Key{RegionID: regionID(section), Start: section.OffsetWithinRegion},
		IOVA:     iova,
		Size:     llsize,
		VAddr:    vaddr,
		ReadOnly: section.ReadOnly,
	})
	return true, nil
}

// RegionDel dispatches a region_del event to every attached container
// (spec.md §4.3.7).
func (p *Pipeline) RegionDel(section memmodel.Section) {
	if p.skip(section) {
		return
	}
	if p.misaligned(section) {
		return
	}
	for _, c := range p.containers {
		p.regionDelOne(c, section)
	}
}

func (p *Pipeline) regionDelOne(c *container.Container, section memmodel.Section) {
	key := container.Key{RegionID: regionID(section), Start: section.OffsetWithinRegion}

	// For an IOMMU region, dropping the GIN is followed by the same unmap
	// path as RAM below: one unmap covering the whole section.
	if section.IsIOMMU {
		if n, ok := c.RemoveGIN(key); ok {
			n.Unregister()
		}
	}

	if section.HasRAMDiscardManager {
		if n, ok := c.RemoveRDL(key); ok {
			n.Unregister() // unregistering triggers the unmap
		}
		if section.Region != nil {
			section.Region.Unref()
		}
		c.DelSectionWindow(p.pageAlignedRangeDel(section))
		return
	}

	iova, endBig := p.pageAlignedRange(section)
	if new(big.Int).SetUint64(iova).Cmp(endBig) >= 0 {
		if section.Region != nil {
			section.Region.Unref()
		}
		return
	}
	llsize := new(big.Int).Sub(endBig, new(big.Int).SetUint64(iova)).Uint64()

	if section.IsRAMDevice {
		win, ok := c.LookupWindow(iova, subOne(endBig))
		if ok {
			pgmask := uint64(0)
			if win.PageSizes != 0 {
				pgmask = win.PageSizes - 1
			}
			if iova&pgmask != 0 || llsize&pgmask != 0 {
				section.Region.Unref()
				c.DelSectionWindow(iova, subOne(endBig))
				return
			}
		}
	}

	for _, r := range chunk(iova, endBig) {
		if err := c.Backend.Unmap(r.start, r.size, nil); err != nil {
			log.Printf("memory: region_del: unmap %#x/%#x failed, region=%s: %v", r.start, r.size, regionID(section), err)
		}
		c.ForgetMapping(container.Key{RegionID: regionID(section), Start: section.OffsetWithinRegion})
	}

	if section.Region != nil {
		section.Region.Unref()
	}
	min, max := p.pageAlignedRangeDel(section)
	c.DelSectionWindow(min, max)
}

func (p *Pipeline) pageAlignedRangeDel(section memmodel.Section) (min, max uint64) {
	iova, endBig := p.pageAlignedRange(section)
	if new(big.Int).SetUint64(iova).Cmp(endBig) >= 0 {
		return iova, iova
	}
	return iova, subOne(endBig)
}

// LogGlobalStart implements spec.md §4.3.8: enable dirty tracking on every
// attached container.
func (p *Pipeline) LogGlobalStart() {
	for _, c := range p.containers {
		if err := c.Backend.SetDirtyTracking(true); err != nil {
			log.Printf("memory: log_global_start: %v", err)
		}
	}
}

// LogGlobalStop implements spec.md §4.3.8: disable dirty tracking on every
// attached container.
func (p *Pipeline) LogGlobalStop() {
	for _, c := range p.containers {
		if err := c.Backend.SetDirtyTracking(false); err != nil {
			log.Printf("memory: log_global_stop: %v", err)
		}
	}
}

// LogSync implements spec.md §4.3.8's dirty-bitmap sync for one section,
// across every attached container.
func (p *Pipeline) LogSync(section memmodel.Section) {
	if p.skip(section) || p.misaligned(section) {
		return
	}
	for _, c := range p.containers {
		p.logSyncOne(c, section)
	}
}

func (p *Pipeline) logSyncOne(c *container.Container, section memmodel.Section) {
	if !c.DirtyPagesSupported {
		return
	}
	if !c.Backend.DevicesAllDirtyTracking() {
		return
	}

	iova, endBig := p.pageAlignedRange(section)
	if new(big.Int).SetUint64(iova).Cmp(endBig) >= 0 {
		return
	}

	if section.IsIOMMU {
		p.logSyncIOMMU(c, section)
		return
	}
	if section.HasRAMDiscardManager {
		p.logSyncDiscard(c, section)
		return
	}

	llsize := new(big.Int).Sub(endBig, new(big.Int).SetUint64(iova)).Uint64()
	ramAddr := uint64(0)
	if section.Region != nil {
		ramAddr = section.Region.RAMAddr() + section.OffsetWithinRegion
	}
	if err := c.Backend.GetDirtyBitmap(iova, llsize, ramAddr); err != nil {
		log.Printf("memory: log_sync: %v", err)
	}
}

// logSyncIOMMU installs a transient notifier (NotifyMapUnmap flags) for the
// duration of the sync, replays populated mappings, and fetches the dirty
// bitmap for each resolved entry that grants access (spec.md §4.3.8). The transient notifier's lifetime
// ends strictly inside this call (spec.md §9 design note).
func (p *Pipeline) logSyncIOMMU(c *container.Container, section memmodel.Section) {
	iommuOffset := section.OffsetWithinAddrSpace - section.OffsetWithinRegion

	var entries []memmodel.IOTLBEntry
	unreg, err := section.IOMMU.RegisterNotifier(memmodel.NotifyMapUnmap, 0, ^uint64(0), func(e memmodel.IOTLBEntry) {
		entries = append(entries, e)
	})
	if err != nil {
		log.Printf("memory: log_sync: transient notifier install failed: %v", err)
		return
	}
	defer unreg()

	if err := section.IOMMU.Replay(func(e memmodel.IOTLBEntry) { entries = append(entries, e) }); err != nil {
		log.Printf("memory: log_sync: replay failed: %v", err)
		return
	}

	for _, e := range entries {
		if !e.Perm.Grants() {
			continue
		}
		_, ramAddr, _, _, ok := section.Translator.Translate(e)
		if !ok {
			continue
		}
		if err := c.Backend.GetDirtyBitmap(e.IOVA+iommuOffset, e.AddrMask+1, ramAddr); err != nil {
			log.Printf("memory: log_sync: get_dirty_bitmap: %v", err)
		}
	}
}

// logSyncDiscard fetches the dirty bitmap once per populated sub-range via
// the discard manager's replay (spec.md §4.3.8).
func (p *Pipeline) logSyncDiscard(c *container.Container, section memmodel.Section) {
	l := &dirtySyncListener{c: c, ramBase: 0}
	if section.Region != nil {
		l.ramBase = section.Region.RAMAddr()
	}
	if err := section.DiscardManager.ReplayPopulated(l); err != nil {
		log.Printf("memory: log_sync: discard replay failed: %v", err)
	}
}

// dirtySyncListener adapts memmodel.DiscardListener's Populate hook to drive
// get_dirty_bitmap per populated sub-range; it never actually maps.
type dirtySyncListener struct {
	c       *container.Container
	ramBase uint64
}

func (d *dirtySyncListener) Populate(section memmodel.Section) error {
	size, ok := section.SizeUint64()
	if !ok {
		return kerr.New(kerr.BackendMapFail, "memory.logSyncDiscard: section too large")
	}
	ramAddr := d.ramBase + section.OffsetWithinRegion
	return d.c.Backend.GetDirtyBitmap(section.OffsetWithinAddrSpace, size, ramAddr)
}

func (d *dirtySyncListener) Discard(section memmodel.Section) error { return nil }
