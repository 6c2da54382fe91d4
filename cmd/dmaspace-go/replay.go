//go:build linux

package main

import (
	"fmt"
	"log"
	"sort"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memory"
)

// scenarios mirrors spec.md §8's worked examples: each builds a Pipeline
// with one or more fake-backed containers, drives a sequence of memory
// listener events through it, and returns the fakes so runReplay can print
// what the backend actually saw.
var scenarios = map[string]func() (*memory.Pipeline, []*backend.Fake){
	"single-map":      scenarioSingleMap,
	"dma-copy":        scenarioDMACopy,
	"nested-iommu":    scenarioNestedIOMMU,
	"ram-discard":     scenarioRAMDiscard,
	"full-span-unmap": scenarioFullSpanUnmap,
}

func scenarioNames() []string {
	names := make([]string, 0, len(scenarios))
	for n := range scenarios {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func newPipeline() *memory.Pipeline {
	return memory.NewPipeline("system", 1<<12, "ram-device")
}

func scenarioSingleMap() (*memory.Pipeline, []*backend.Fake) {
	p := newPipeline()
	be := backend.NewFake(1)
	p.AttachContainer(container.New(be, false, 1<<12, 0))
	p.RegionAdd(ramSection("ram0", 0, 1<<20, 0x7f0000000000))
	return p, []*backend.Fake{be}
}

// scenarioDMACopy attaches two containers sharing one control fd; the
// second container's region_add should Copy from the first rather than
// re-pinning and mapping (spec.md §4.3.3).
func scenarioDMACopy() (*memory.Pipeline, []*backend.Fake) {
	p := newPipeline()
	be1 := backend.NewFake(1)
	be2 := backend.NewFake(1)
	be1.Features[backend.FeatureDMACopy] = true
	be2.Features[backend.FeatureDMACopy] = true
	p.AttachContainer(container.New(be1, false, 1<<12, 0))
	p.AttachContainer(container.New(be2, false, 1<<12, 0))
	p.RegionAdd(ramSection("ram0", 0, 1<<20, 0x7f0000000000))
	return p, []*backend.Fake{be1, be2}
}

// scenarioNestedIOMMU drives one guest IOTLB map through a nested
// container's GIN, which should forward it as a cache-invalidate down-call
// rather than a backend Map (spec.md §4.3.5).
func scenarioNestedIOMMU() (*memory.Pipeline, []*backend.Fake) {
	p := newPipeline()
	be := backend.NewFake(1)
	c := container.New(be, true, 1<<12, 0)
	p.AttachContainer(c)

	region := &demoIOMMURegion{id: "iommu0"}
	tr := &demoTranslator{vaddr: 0x7f0000000000, ramAddr: 0}
	p.RegionAdd(iommuSection("iommu0", 0, 1<<32, region, tr))

	region.deliver(memmodel.IOTLBEntry{IOVA: 0x1000, AddrMask: 0xfff, Perm: memmodel.PermReadWrite})
	return p, []*backend.Fake{be}
}

// scenarioRAMDiscard registers an RDL for a discard-managed section instead
// of mapping it directly (spec.md §4.3.6); the call log stays empty until
// the manager replays a populated sub-range.
func scenarioRAMDiscard() (*memory.Pipeline, []*backend.Fake) {
	p := newPipeline()
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p.AttachContainer(c)

	mgr := &demoDiscardManager{granularity: 1 << 12}
	p.RegionAdd(discardSection("ram0", 0, 1<<20, mgr))
	if mgr.listener != nil {
		if err := mgr.listener.Populate(mgr.populated); err != nil {
			log.Printf("replay: ram-discard: populate: %v", err)
		}
	}
	return p, []*backend.Fake{be}
}

// scenarioFullSpanUnmap maps a 1MiB RAM section and removes it, a plain
// region_add/region_del round trip; the chunked 2^64-span unmap split
// itself (spec.md §4.3.7) is exercised by pkg/memory's
// TestRegionDelFullSpanSplitsInTwo, since no real VMM ever issues a region
// this pipeline would actually map at that size.
func scenarioFullSpanUnmap() (*memory.Pipeline, []*backend.Fake) {
	p := newPipeline()
	be := backend.NewFake(1)
	c := container.New(be, false, 1<<12, 0)
	p.AttachContainer(c)

	section := ramSection("ram0", 0, 1<<20, 0x7f0000000000)
	p.RegionAdd(section)
	p.RegionDel(section)
	return p, []*backend.Fake{be}
}

func runReplay(name string) error {
	build, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q, want one of %v", name, scenarioNames())
	}
	_, fakes := build()

	fmt.Printf("scenario %q: backend call log\n", name)
	for i, be := range fakes {
		fmt.Printf("backend[%d]:\n", i)
		for _, m := range be.Maps {
			fmt.Printf("  map    iova=%#x size=%#x readonly=%v\n", m.IOVA, m.Size, m.ReadOnly)
		}
		for _, cp := range be.Copies {
			fmt.Printf("  copy   src_fd=%d dst_fd=%d iova=%#x size=%#x\n", cp.SrcFD, cp.DstFD, cp.IOVA, cp.Size)
		}
		for _, u := range be.Unmaps {
			fmt.Printf("  unmap  iova=%#x size=%#x\n", u.IOVA, u.Size)
		}
	}
	return nil
}
