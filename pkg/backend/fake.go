package backend

import (
	"sync"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

// MapCall, UnmapCall and CopyCall record a single backend invocation, used
// by tests across pkg/container, pkg/notifier, pkg/memory and pkg/addrspace
// to assert the exact call sequence spec.md §8's scenarios describe.
type MapCall struct {
	IOVA, Size uint64
	VAddr      uintptr
	ReadOnly   bool
}

type UnmapCall struct {
	IOVA, Size uint64
	HadHint    bool
}

type CopyCall struct {
	SrcFD, DstFD int
	IOVA, Size   uint64
	ReadOnly     bool
}

// Fake is an in-process Backend used by tests: it records every call and
// lets the test script failures for specific IOVAs.
type Fake struct {
	mu sync.Mutex

	FDVal          int
	MaxMappingsVal int
	Features       map[Feature]bool

	Maps   []MapCall
	Unmaps []UnmapCall
	Copies []CopyCall

	FailMapAt    map[uint64]error // iova -> error to return from Map
	FailCopy     bool
	DirtyTrack   bool
	AllDirtyTrck bool

	devices     map[int]bool
	resetCalled bool
}

// NewFake builds a Fake backend bound to fd (tests typically give every
// container-sharing-a-fd scenario the same fd value).
func NewFake(fd int) *Fake {
	return &Fake{
		FDVal:     fd,
		Features:  map[Feature]bool{},
		FailMapAt: map[uint64]error{},
		devices:   map[int]bool{},
	}
}

func (f *Fake) FD() int          { return f.FDVal }
func (f *Fake) MaxMappings() int { return f.MaxMappingsVal }

func (f *Fake) Map(iova, size uint64, vaddr uintptr, readonly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.FailMapAt[iova]; ok {
		return err
	}
	f.Maps = append(f.Maps, MapCall{IOVA: iova, Size: size, VAddr: vaddr, ReadOnly: readonly})
	return nil
}

func (f *Fake) Copy(dst Backend, iova, size uint64, readonly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailCopy {
		return kerr.New(kerr.BackendMapFail, "Fake.Copy")
	}
	if dst.FD() != f.FDVal {
		return kerr.New(kerr.FeatureUnsupported, "Fake.Copy: fd mismatch")
	}
	f.Copies = append(f.Copies, CopyCall{SrcFD: f.FDVal, DstFD: dst.FD(), IOVA: iova, Size: size, ReadOnly: readonly})
	return nil
}

func (f *Fake) Unmap(iova, size uint64, iotlbHint *uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Unmaps = append(f.Unmaps, UnmapCall{IOVA: iova, Size: size, HadHint: iotlbHint != nil})
	return nil
}

func (f *Fake) GetDirtyBitmap(iova, size, ramAddr uint64) error { return nil }

func (f *Fake) SetDirtyTracking(enable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DirtyTrack = enable
	return nil
}

func (f *Fake) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetCalled = true
	return nil
}

// ResetCalled reports whether Reset has been invoked, used by
// pkg/addrspace's tests to assert the reset-on-last-detach and reset_all
// fan-out behavior.
func (f *Fake) ResetCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resetCalled
}

// Devices returns a snapshot of device fds currently attached.
func (f *Fake) Devices() map[int]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int]bool, len(f.devices))
	for k, v := range f.devices {
		out[k] = v
	}
	return out
}

func (f *Fake) CheckFeature(feat Feature) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Features[feat]
}

func (f *Fake) AttachDevice(devFD int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[devFD] = true
	return nil
}

func (f *Fake) DetachDevice(devFD int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, devFD)
	return nil
}

func (f *Fake) AddSectionWindow(min, max, pgsizes uint64) error { return nil }
func (f *Fake) DelSectionWindow(min, max uint64) error          { return nil }

func (f *Fake) DevicesAllDirtyTracking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.AllDirtyTrck
}
