//go:build linux

package main

import (
	"math/big"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
)

// demoRegion is a synthetic memmodel.RegionRef: this binary has no real VMM
// attached, so every scenario drives the pipeline against an in-process
// stand-in for the guest memory model.
type demoRegion struct {
	id      string
	owner   string
	hostPtr uintptr
	ramAddr uint64
	refs    int
}

func (r *demoRegion) ID() string        { return r.id }
func (r *demoRegion) Ref()              { r.refs++ }
func (r *demoRegion) Unref()            { r.refs-- }
func (r *demoRegion) OwnerType() string { return r.owner }
func (r *demoRegion) HostPtr() uintptr  { return r.hostPtr }
func (r *demoRegion) RAMAddr() uint64   { return r.ramAddr }

func ramSection(name string, addrBase, size, hostPtr uint64) memmodel.Section {
	return memmodel.Section{
		Region:                &demoRegion{id: name, owner: "ram", hostPtr: uintptr(hostPtr)},
		OffsetWithinAddrSpace: addrBase,
		Size:                  new(big.Int).SetUint64(size),
		IsRAM:                 true,
	}
}

// demoIOMMURegion is a synthetic memmodel.IOMMURegion/Translator pair: it
// remembers one notifier callback and lets the scenario drive a single
// synthetic IOTLB entry through it, standing in for a guest IOMMU device
// model.
type demoIOMMURegion struct {
	id      string
	cb      func(memmodel.IOTLBEntry)
	current memmodel.IOTLBEntry
}

func (d *demoIOMMURegion) ID() string                          { return d.id }
func (d *demoIOMMURegion) SetPageSizeMask(mask uint64) error   { return nil }
func (d *demoIOMMURegion) InvalidateCache(memmodel.IOTLBEntry) {}

func (d *demoIOMMURegion) RegisterNotifier(flags memmodel.NotifierFlags, start, end uint64, cb func(memmodel.IOTLBEntry)) (func(), error) {
	d.cb = cb
	return func() { d.cb = nil }, nil
}

func (d *demoIOMMURegion) Replay(cb func(memmodel.IOTLBEntry)) error {
	if d.current.Perm.Grants() {
		cb(d.current)
	}
	return nil
}

// deliver feeds entry through the installed notifier, as a guest IOMMU
// driver would on a guest-side map/invalidate.
func (d *demoIOMMURegion) deliver(entry memmodel.IOTLBEntry) {
	d.current = entry
	if d.cb != nil {
		d.cb(entry)
	}
}

type demoTranslator struct {
	vaddr   uintptr
	ramAddr uint64
}

func (t *demoTranslator) Translate(entry memmodel.IOTLBEntry) (vaddr uintptr, ramAddr uint64, readonly, hasDiscard, ok bool) {
	if !entry.Perm.Grants() {
		return 0, 0, false, false, false
	}
	return t.vaddr, t.ramAddr, entry.Perm == memmodel.PermRead, false, true
}

func iommuSection(name string, addrBase, size uint64, region *demoIOMMURegion, tr *demoTranslator) memmodel.Section {
	return memmodel.Section{
		Region:                &demoRegion{id: name, owner: "iommu"},
		OffsetWithinAddrSpace: addrBase,
		Size:                  new(big.Int).SetUint64(size),
		IsIOMMU:               true,
		IOMMU:                 region,
		Translator:            tr,
	}
}

// demoDiscardManager is a synthetic memmodel.RAMDiscardManager: it replays
// one fixed populated sub-range, standing in for a guest virtio-mem/balloon
// device's coordinated-discard state.
type demoDiscardManager struct {
	granularity uint64
	populated   memmodel.Section
	listener    memmodel.DiscardListener
}

func (d *demoDiscardManager) MinGranularity() uint64 { return d.granularity }

func (d *demoDiscardManager) RegisterListener(l memmodel.DiscardListener) error {
	d.listener = l
	return nil
}

func (d *demoDiscardManager) UnregisterListener(l memmodel.DiscardListener) {
	if d.listener == l {
		d.listener = nil
	}
}

func (d *demoDiscardManager) ReplayPopulated(l memmodel.DiscardListener) error {
	return l.Populate(d.populated)
}

func discardSection(name string, addrBase, size uint64, mgr *demoDiscardManager) memmodel.Section {
	s := memmodel.Section{
		Region:                &demoRegion{id: name, owner: "ram"},
		OffsetWithinAddrSpace: addrBase,
		Size:                  new(big.Int).SetUint64(size),
		IsRAM:                 true,
		HasRAMDiscardManager:  true,
		DiscardManager:        mgr,
	}
	mgr.populated = s
	return s
}
