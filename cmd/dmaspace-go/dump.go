//go:build linux

package main

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/accel"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/addrspace"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
)

// runDump attaches one synthetic device to asID, maps a synthetic 1MiB RAM
// section into it, and prints the resulting host window table and mapping
// set, so the container's internal bookkeeping shape can be inspected
// without real hardware.
func runDump(asID string) error {
	r := newRegistry()
	dac := addrspace.NewDAC(r, accel.NoopAccelerator{})
	dac.NewBackend = func(dev addrspace.DeviceInfo) backend.Backend {
		return backend.NewFake(dev.ControlFD)
	}

	dev := addrspace.DeviceInfo{ControlFD: 100, PageSizes: 1 << 12}
	if err := dac.AttachDevice(dev, asID); err != nil {
		return err
	}

	binding, err := r.GetOrCreate(asID)
	if err != nil {
		return err
	}
	containers := binding.Pipeline.Containers()
	if len(containers) != 1 {
		return fmt.Errorf("dump: expected exactly 1 container, got %d", len(containers))
	}
	c := containers[0]

	binding.Pipeline.RegionAdd(ramSection("ram0", 0, 1<<20, 0x7f0000000000))

	fmt.Printf("address-space %q, container[%s] backend-class %q\n", asID, uuid.New(), c.BackendClass)
	for _, w := range c.Windows.Windows() {
		fmt.Printf("  window [%#x,%#x] page-sizes=%#x\n", w.Min, w.Max, w.PageSizes)
	}
	for _, m := range c.Mappings() {
		fmt.Printf("  mapping region=%s iova=%#x size=%#x readonly=%v\n", m.Key.RegionID, m.IOVA, m.Size, m.ReadOnly)
	}
	return nil
}
