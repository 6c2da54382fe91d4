//go:build linux

package addrspace

import (
	"context"
	"testing"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/accel"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/container"
)

func newTestRegistry() *Registry {
	return NewRegistry("system", 1<<12)
}

func newTestContainer(be backend.Backend) *container.Container {
	return container.New(be, false, 1<<12, 0)
}

func TestGetOrCreateReturnsSameBindingForSameID(t *testing.T) {
	r := newTestRegistry()
	b1, err := r.GetOrCreate("as0")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b2, err := r.GetOrCreate("as0")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if b1 != b2 {
		t.Fatalf("expected the same binding for repeated GetOrCreate(as0)")
	}
	b3, err := r.GetOrCreate("as1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if b3 == b1 {
		t.Fatalf("expected distinct bindings for distinct address-space identities")
	}
}

func TestResetHooksFireOnFirstAndLastBinding(t *testing.T) {
	r := newTestRegistry()
	firstCount, lastCount := 0, 0
	r.SetResetHooks(func() { firstCount++ }, func() { lastCount++ })

	b, _ := r.GetOrCreate("as0")
	if firstCount != 1 {
		t.Fatalf("expected onFirstBinding to fire once, got %d", firstCount)
	}

	// PutBinding is a no-op while the binding still has containers.
	be := backend.NewFake(1)
	c := newTestContainer(be)
	b.Pipeline.AttachContainer(c)
	r.PutBinding(b)
	if lastCount != 0 {
		t.Fatalf("expected onLastBinding not to fire while containers remain")
	}

	b.Pipeline.DetachContainer(c)
	r.PutBinding(b)
	if lastCount != 1 {
		t.Fatalf("expected onLastBinding to fire once the binding is empty, got %d", lastCount)
	}
	if len(r.Bindings()) != 0 {
		t.Fatalf("expected the registry to be empty after PutBinding")
	}
}

func TestAttachDeviceCreatesAndReusesContainer(t *testing.T) {
	r := newTestRegistry()
	var backends []*backend.Fake
	dac := NewDAC(r, accel.NoopAccelerator{})
	dac.NewBackend = func(dev DeviceInfo) backend.Backend {
		f := backend.NewFake(dev.ControlFD)
		backends = append(backends, f)
		return f
	}

	if err := dac.AttachDevice(DeviceInfo{ControlFD: 10, PageSizes: 1 << 12}, "as0"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if err := dac.AttachDevice(DeviceInfo{ControlFD: 11, PageSizes: 1 << 12}, "as0"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if len(backends) != 1 {
		t.Fatalf("expected the second legacy-class device to reuse the first container, got %d backends", len(backends))
	}
	if !backends[0].Devices()[10] || !backends[0].Devices()[11] {
		t.Fatalf("expected both devices bound to the shared container's backend")
	}
}

func TestAttachDeviceSeparatesBackendClasses(t *testing.T) {
	r := newTestRegistry()
	var backends []*backend.Fake
	dac := NewDAC(r, accel.NoopAccelerator{})
	dac.NewBackend = func(dev DeviceInfo) backend.Backend {
		f := backend.NewFake(dev.ControlFD)
		backends = append(backends, f)
		return f
	}

	if err := dac.AttachDevice(DeviceInfo{ControlFD: 10, HasIOMMUFD: false}, "as0"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if err := dac.AttachDevice(DeviceInfo{ControlFD: 11, HasIOMMUFD: true}, "as0"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if len(backends) != 2 {
		t.Fatalf("expected distinct containers for distinct backend classes, got %d", len(backends))
	}
}

func TestDetachLastDeviceResetsAndRemovesContainer(t *testing.T) {
	r := newTestRegistry()
	var be *backend.Fake
	dac := NewDAC(r, accel.NoopAccelerator{})
	dac.NewBackend = func(dev DeviceInfo) backend.Backend {
		be = backend.NewFake(dev.ControlFD)
		return be
	}

	if err := dac.AttachDevice(DeviceInfo{ControlFD: 10}, "as0"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if err := dac.DetachDevice(10); err != nil {
		t.Fatalf("DetachDevice: %v", err)
	}
	if !be.ResetCalled() {
		t.Fatalf("expected backend.Reset to be called when the last device detaches")
	}
	if len(r.Bindings()) != 0 {
		t.Fatalf("expected the binding to be removed once its last container is gone")
	}
}

func TestResetAllFansOutAcrossContainers(t *testing.T) {
	r := newTestRegistry()
	var backends []*backend.Fake
	dac := NewDAC(r, accel.NoopAccelerator{})
	dac.NewBackend = func(dev DeviceInfo) backend.Backend {
		f := backend.NewFake(dev.ControlFD)
		backends = append(backends, f)
		return f
	}

	if err := dac.AttachDevice(DeviceInfo{ControlFD: 10, HasIOMMUFD: false}, "as0"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if err := dac.AttachDevice(DeviceInfo{ControlFD: 11, HasIOMMUFD: true}, "as1"); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}

	if err := dac.ResetAll(context.Background()); err != nil {
		t.Fatalf("ResetAll: %v", err)
	}
	for i, be := range backends {
		if !be.ResetCalled() {
			t.Fatalf("expected backend %d to have Reset called", i)
		}
	}
}
