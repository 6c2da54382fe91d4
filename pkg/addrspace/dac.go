//go:build linux

package addrspace

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/accel"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/memmodel"
)

// DeviceInfo is the device metadata the DAC needs to pick a backend variant
// and bind a device (spec.md §4.4). PCI-assignment machinery beyond this is
// an external collaborator out of scope (spec.md §1).
type DeviceInfo struct {
	ControlFD    int
	HasIOMMUFD   bool
	MaxMappings  int
	DirtyCapable bool

	// Nested/PageSizes/DMAMaxMappings seed a freshly-created container;
	// ignored when an existing compatible container is reused.
	Nested         bool
	PageSizes      uint64
	DMAMaxMappings int
}

func backendClass(fdBased bool) string {
	if fdBased {
		return "fd"
	}
	return "legacy"
}

// DAC is the Device Attach/Detach Controller (spec.md §2 item 8, §4.4).
type DAC struct {
	Registry *Registry
	Accel    accel.Accelerator

	// PreRegSections, if set, supplies the host-RAM sections to map into a
	// newly-created nested container's pre-registration listener before the
	// guest's IOMMU activates (glossary: "pre-registration listener").
	PreRegSections func() []memmodel.Section

	// DisableUncoordinatedDiscard, if set, is called with true on the first
	// device attach anywhere and false on the last detach (spec.md §4.4:
	// "disable uncoordinated RAM discard at process scope while any device
	// is attached").
	DisableUncoordinatedDiscard func(disabled bool) error

	// NewBackend overrides backend construction for a newly-created
	// container; nil selects the real backend.NewFD/backend.NewLegacy per
	// dev.HasIOMMUFD. Tests inject a backend.Fake here.
	NewBackend func(dev DeviceInfo) backend.Backend

	mu            sync.Mutex
	devices       map[int]*deviceHandle
	attachedCount int
}

type deviceHandle struct {
	binding   *Binding
	container *container.Container
}

// NewDAC constructs a DAC bound to registry, using accelerator (may be
// accel.NoopAccelerator{} if none is wired).
func NewDAC(registry *Registry, accelerator accel.Accelerator) *DAC {
	return &DAC{Registry: registry, Accel: accelerator, devices: make(map[int]*deviceHandle)}
}

// AttachDevice implements spec.md §4.4's attach_device.
func (d *DAC) AttachDevice(dev DeviceInfo, asID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.devices[dev.ControlFD]; exists {
		return kerr.New(kerr.NotFound, "dac.AttachDevice: device already attached")
	}

	binding, err := d.Registry.GetOrCreate(asID)
	if err != nil {
		return err
	}

	wantClass := backendClass(dev.HasIOMMUFD)
	var target *container.Container
	for _, c := range binding.Pipeline.Containers() {
		if c.BackendClass == wantClass {
			target = c
			break
		}
	}

	isNewContainer := target == nil
	if isNewContainer {
		var be backend.Backend
		switch {
		case d.NewBackend != nil:
			be = d.NewBackend(dev)
		case dev.HasIOMMUFD:
			be = backend.NewFD(dev.ControlFD)
		default:
			be = backend.NewLegacy(dev.ControlFD, dev.MaxMappings, dev.DirtyCapable)
		}
		target = container.New(be, dev.Nested, dev.PageSizes, dev.DMAMaxMappings)
		target.BackendClass = wantClass
		binding.Pipeline.AttachContainer(target)
	}

	if d.attachedCount == 0 && d.DisableUncoordinatedDiscard != nil {
		if err := d.DisableUncoordinatedDiscard(true); err != nil {
			log.Printf("dac: disable uncoordinated discard: %v", err)
		}
	}

	if err := target.Backend.AttachDevice(dev.ControlFD); err != nil {
		if isNewContainer {
			binding.Pipeline.DetachContainer(target)
			d.Registry.PutBinding(binding)
		}
		return kerr.Wrap(kerr.BackendMapFail, "dac.AttachDevice", err)
	}

	if isNewContainer {
		if target.Nested && d.PreRegSections != nil {
			for _, s := range d.PreRegSections() {
				binding.Pipeline.RegionAdd(s)
			}
		}
		target.MarkInitialized()
		if ierr := target.InitError(); ierr != nil {
			_ = target.Backend.DetachDevice(dev.ControlFD)
			binding.Pipeline.DetachContainer(target)
			d.Registry.PutBinding(binding)
			return ierr
		}
	}

	if d.Accel != nil {
		if err := d.Accel.AddFD(dev.ControlFD); err != nil {
			log.Printf("dac: accelerator add_fd: %v", err)
		}
	}

	d.devices[dev.ControlFD] = &deviceHandle{binding: binding, container: target}
	d.attachedCount++
	return nil
}

// DetachDevice implements spec.md §4.4's detach_device: when the last
// device leaves a container, the container is reset and removed.
func (d *DAC) DetachDevice(fd int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.devices[fd]
	if !ok {
		return kerr.New(kerr.NotFound, "dac.DetachDevice: device not attached")
	}
	delete(d.devices, fd)

	if err := h.container.Backend.DetachDevice(fd); err != nil {
		log.Printf("dac: detach device: %v", err)
	}
	if d.Accel != nil {
		if err := d.Accel.DelFD(fd); err != nil {
			log.Printf("dac: accelerator del_fd: %v", err)
		}
	}

	stillUsed := false
	for _, other := range d.devices {
		if other.container == h.container {
			stillUsed = true
			break
		}
	}
	if !stillUsed {
		if err := h.container.Backend.Reset(); err != nil {
			log.Printf("dac: container reset on last device detach: %v", err)
		}
		h.binding.Pipeline.DetachContainer(h.container)
		d.Registry.PutBinding(h.binding)
	}

	d.attachedCount--
	if d.attachedCount == 0 && d.DisableUncoordinatedDiscard != nil {
		if err := d.DisableUncoordinatedDiscard(false); err != nil {
			log.Printf("dac: re-enable uncoordinated discard: %v", err)
		}
	}
	return nil
}

// ResetAll implements spec.md §4.4's reset_all: the process-wide reset hook
// that iterates every binding's containers and calls backend.Reset(), fanned
// out concurrently since resets are independent per container.
func (d *DAC) ResetAll(ctx context.Context) error {
	d.mu.Lock()
	seen := make(map[*container.Container]bool)
	var containers []*container.Container
	for _, h := range d.devices {
		if !seen[h.container] {
			seen[h.container] = true
			containers = append(containers, h.container)
		}
	}
	d.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, c := range containers {
		c := c
		g.Go(func() error {
			return c.Backend.Reset()
		})
	}
	return g.Wait()
}
