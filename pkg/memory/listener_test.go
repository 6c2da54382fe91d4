package memory

import (
	"errors"
	"math/big"
	"testing"

	"github.com/kylelemons/godebug/pretty"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
)

type fakeRegionRef struct {
	id      string
	owner   string
	hostPtr uintptr
	ramAddr uint64
}

func (f *fakeRegionRef) ID() string        { return f.id }
func (f *fakeRegionRef) Ref()              {}
func (f *fakeRegionRef) Unref()            {}
func (f *fakeRegionRef) OwnerType() string { return f.owner }
func (f *fakeRegionRef) HostPtr() uintptr  { return f.hostPtr }
func (f *fakeRegionRef) RAMAddr() uint64   { return f.ramAddr }

func ramSection(id string, oaddr, size uint64, hostPtr uintptr) memmodel.Section {
	return memmodel.Section{
		Region:                &fakeRegionRef{id: id, owner: "ram", hostPtr: hostPtr},
		OffsetWithinAddrSpace: oaddr,
		OffsetWithinRegion:    0,
		Size:                  new(big.Int).SetUint64(size),
		IsRAM:                 true,
	}
}

func newTestPipeline() *Pipeline {
	return NewPipeline("system", 1<<12)
}

// Scenario 1 (spec.md §8): single RAM section maps once with the right
// iova/size/vaddr/readonly.
func TestRegionAddSingleRAMMap(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	section := ramSection("ram0", 0, 1<<30, 0x7f0000000000)
	p.RegionAdd(section)

	if len(be.Maps) != 1 {
		t.Fatalf("expected 1 map call, got %d: %+v", len(be.Maps), be.Maps)
	}
	m := be.Maps[0]
	if m.IOVA != 0 || m.Size != 1<<30 || m.VAddr != 0x7f0000000000 || m.ReadOnly {
		t.Fatalf("unexpected map call: %+v", m)
	}
}

// Scenario 2: a second container sharing the backend fd with DMA-COPY
// support copies instead of mapping.
func TestRegionAddDMACopyFastPath(t *testing.T) {
	beA := backend.NewFake(1)
	beB := backend.NewFake(1)
	beB.Features[backend.FeatureDMACopy] = true

	c0 := container.New(beA, false, 1<<12, 0)
	c1 := container.New(beB, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c0)
	p.AttachContainer(c1)

	section := ramSection("ram0", 0, 1<<30, 0x7f0000000000)
	p.RegionAdd(section)

	if len(beA.Maps) != 1 {
		t.Fatalf("expected source container to map once, got %d", len(beA.Maps))
	}
	if len(beB.Maps) != 0 {
		t.Fatalf("expected no direct map on copy destination, got %d", len(beB.Maps))
	}
	if len(beA.Copies) != 1 {
		t.Fatalf("expected 1 copy call issued by source backend, got %d", len(beA.Copies))
	}
	if beA.Copies[0].DstFD != beB.FD() {
		t.Fatalf("unexpected copy destination fd: %+v", beA.Copies[0])
	}
}

type fakeIOMMURegion struct {
	id            string
	cb            func(memmodel.IOTLBEntry)
	flags         memmodel.NotifierFlags
	invalidations []memmodel.IOTLBEntry
}

func (f *fakeIOMMURegion) ID() string                    { return f.id }
func (f *fakeIOMMURegion) SetPageSizeMask(mask uint64) error { return nil }
func (f *fakeIOMMURegion) InvalidateCache(e memmodel.IOTLBEntry) {
	f.invalidations = append(f.invalidations, e)
}
func (f *fakeIOMMURegion) RegisterNotifier(flags memmodel.NotifierFlags, start, end uint64, cb func(memmodel.IOTLBEntry)) (func(), error) {
	f.flags = flags
	f.cb = cb
	return func() {}, nil
}
func (f *fakeIOMMURegion) Replay(cb func(memmodel.IOTLBEntry)) error { return nil }

// Scenario 3: nested container, IOMMU region, only invalidate_cache fires.
func TestRegionAddNestedIOMMUInvalidateOnly(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, true, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	region := &fakeIOMMURegion{id: "iommu0"}
	section := memmodel.Section{
		Region:                &fakeRegionRef{id: "iommu0", owner: "iommu"},
		OffsetWithinAddrSpace: 0,
		OffsetWithinRegion:    0,
		Size:                  new(big.Int).SetUint64(1 << 32),
		IsIOMMU:               true,
		IOMMU:                 region,
	}
	p.RegionAdd(section)
	if region.flags != memmodel.NotifyUnmapOnly {
		t.Fatalf("expected UNMAP-only flags for nested container, got %v", region.flags)
	}

	region.cb(memmodel.IOTLBEntry{IOVA: 0x1000, AddrMask: 0xfff, Perm: memmodel.PermRead, TargetAS: "system"})
	if len(region.invalidations) != 1 {
		t.Fatalf("expected 1 invalidate_cache, got %d", len(region.invalidations))
	}
	if len(be.Unmaps) != 0 || len(be.Maps) != 0 {
		t.Fatalf("expected no direct backend calls in nested mode, got maps=%d unmaps=%d", len(be.Maps), len(be.Unmaps))
	}
}

// Scenario 4: misaligned RAM section is rejected with zero backend calls.
func TestRegionAddMisalignedRejected(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	section := memmodel.Section{
		Region:                &fakeRegionRef{id: "ram0", owner: "ram"},
		OffsetWithinAddrSpace: 0x1001,
		OffsetWithinRegion:    0x2001,
		Size:                  new(big.Int).SetUint64(0x1000),
		IsRAM:                 true,
	}
	p.RegionAdd(section)
	if len(be.Maps) != 0 || len(be.Unmaps) != 0 {
		t.Fatalf("expected zero backend calls for misaligned section, got maps=%d unmaps=%d", len(be.Maps), len(be.Unmaps))
	}
}

// Scenario 5: a map failure before the container is initialized latches
// the first error into container.init_error and does not fail the caller.
func TestRegionAddLatchesInitError(t *testing.T) {
	be := backend.NewFake(1)
	be.FailMapAt[0] = errors.New("injected map failure")
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	section := ramSection("ram0", 0, 1<<20, 0x7f0000000000)
	p.RegionAdd(section)

	if c.InitError() == nil {
		t.Fatalf("expected init error to be latched")
	}
	if !kerr.Is(c.InitError(), kerr.InitLatched) {
		t.Fatalf("expected InitLatched kind, got %v", c.InitError())
	}

	// A second failure during initialization must not overwrite the first.
	first := c.InitError()
	be.FailMapAt[0x1000] = errors.New("second failure")
	section2 := ramSection("ram1", 0x1000, 0x1000, 0x7f0000001000)
	p.RegionAdd(section2)
	if got := c.InitError(); got.Error() != first.Error() {
		t.Fatalf("init error should remain latched to the first failure, got %v", got)
	}
}

type fakeDiscardManager struct {
	granularity uint64
	registered  memmodel.DiscardListener
}

func (m *fakeDiscardManager) MinGranularity() uint64 { return m.granularity }
func (m *fakeDiscardManager) RegisterListener(l memmodel.DiscardListener) error {
	m.registered = l
	return nil
}
func (m *fakeDiscardManager) UnregisterListener(l memmodel.DiscardListener) { m.registered = nil }
func (m *fakeDiscardManager) ReplayPopulated(l memmodel.DiscardListener) error {
	return nil
}

// Scenario 6: a RAM-discard-managed section registers an RDL instead of
// mapping directly; RDL-level slicing is covered in pkg/notifier.
func TestRegionAddDiscardManagedRegistersRDL(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	manager := &fakeDiscardManager{granularity: 0x200000}
	section := memmodel.Section{
		Region:                &fakeRegionRef{id: "ram0", owner: "ram", hostPtr: 0x7f0000000000},
		OffsetWithinAddrSpace: 0,
		OffsetWithinRegion:    0,
		Size:                  new(big.Int).SetUint64(0x400000),
		IsRAM:                 true,
		HasRAMDiscardManager:  true,
		DiscardManager:        manager,
	}
	p.RegionAdd(section)

	if len(be.Maps) != 0 {
		t.Fatalf("expected no direct map for discard-managed section, got %d", len(be.Maps))
	}
	if c.RDLCount() != 1 {
		t.Fatalf("expected 1 registered RDL, got %d", c.RDLCount())
	}
	if manager.registered == nil {
		t.Fatalf("expected the RDL to be registered with the discard manager")
	}
}

// Boundary: offset_within_address_space with bit 63 set is skipped.
func TestRegionAddBit63Skipped(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	section := ramSection("ram0", 1<<63, 1<<20, 0x7f0000000000)
	p.RegionAdd(section)
	if len(be.Maps) != 0 {
		t.Fatalf("expected section with bit 63 set to be skipped, got %d maps", len(be.Maps))
	}
}

// Boundary: a section smaller than one host page after alignment issues no map.
func TestRegionAddSubPageNoMap(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	section := ramSection("ram0", 0x100, 0x10, 0x7f0000000000)
	section.OffsetWithinRegion = 0x100 // same page offset, so the alignment check passes
	p.RegionAdd(section)
	if len(be.Maps) != 0 {
		t.Fatalf("expected sub-page section to produce no map, got %d", len(be.Maps))
	}
}

// Round-trip: region_add followed by region_del returns the container to
// its prior mapping state.
func TestRegionAddDelRoundTrip(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	section := ramSection("ram0", 0, 1<<20, 0x7f0000000000)
	before := c.Mappings()

	p.RegionAdd(section)
	if len(c.Mappings()) != 1 {
		t.Fatalf("expected 1 mapping after add, got %d", len(c.Mappings()))
	}

	p.RegionDel(section)
	after := c.Mappings()
	if diff := pretty.Compare(before, after); diff != "" {
		t.Fatalf("expected mapping set to return to its exact prior state, diff:\n%s", diff)
	}
	if len(be.Unmaps) != 1 || be.Unmaps[0].Size != 1<<20 {
		t.Fatalf("expected 1 unmap covering the mapped size, got %+v", be.Unmaps)
	}
}

// Boundary: a section of exactly 2^64 splits region_del into two unmaps
// whose sizes sum to 2^64.
func TestRegionDelFullSpanSplitsInTwo(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	twoPow64 := new(big.Int).Lsh(big.NewInt(1), 64)
	section := memmodel.Section{
		Region:                &fakeRegionRef{id: "ram0", owner: "ram", hostPtr: 0x7f0000000000},
		OffsetWithinAddrSpace: 0,
		OffsetWithinRegion:    0,
		Size:                  twoPow64,
		IsRAM:                 true,
	}
	// Directly exercise region_del's unmap splitting; region_add on a true
	// 2^64 RAM span is not a realistic VMM event (its map path passes a
	// uint64 size, which cannot express 2^64), so only del's boundary
	// handling is asserted here.
	p.regionDelOne(c, section)

	if len(be.Unmaps) != 2 {
		t.Fatalf("expected exactly 2 unmap calls for a full 2^64 span, got %d: %+v", len(be.Unmaps), be.Unmaps)
	}
	total := be.Unmaps[0].Size + be.Unmaps[1].Size
	if total != 0 {
		t.Fatalf("expected the two unmap sizes to sum to 2^64 (wraps to 0 in uint64), got %#x", total)
	}
	if be.Unmaps[0].Size != 1<<63 || be.Unmaps[1].Size != 1<<63 {
		t.Fatalf("expected two equal half-span unmaps, got %+v", be.Unmaps)
	}
}

// A section outside every host window the container has established is
// rejected with kerr.NoWindow (spec.md §4.3.2 step 4), rather than always
// succeeding because region_add self-provisions a matching window.
func TestRegionAddRejectsSectionOutsideWindow(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	c.DelSectionWindow(0, ^uint64(0))
	if err := c.AddSectionWindow(0, 0xffff, 1<<12); err != nil {
		t.Fatalf("AddSectionWindow: %v", err)
	}
	p := newTestPipeline()
	p.AttachContainer(c)

	section := ramSection("ram0", 0x10000, 0x1000, 0x7f0000000000)
	_, err := p.regionAddOne(c, section, nil)
	if !kerr.Is(err, kerr.NoWindow) {
		t.Fatalf("expected kerr.NoWindow, got %v", err)
	}
	if len(be.Maps) != 0 {
		t.Fatalf("expected no backend map for a section outside every window, got %d", len(be.Maps))
	}
}

func TestLogGlobalStartStopRoundTrip(t *testing.T) {
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p := newTestPipeline()
	p.AttachContainer(c)

	p.LogGlobalStart()
	if !be.DirtyTrack {
		t.Fatalf("expected dirty tracking enabled after log_global_start")
	}
	p.LogGlobalStop()
	if be.DirtyTrack {
		t.Fatalf("expected dirty tracking disabled after log_global_stop")
	}
}
