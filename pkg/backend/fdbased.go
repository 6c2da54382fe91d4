//go:build linux

package backend

import (
	"sync"
	"unsafe"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

// fdBackend implements the fd-based backend: containers sharing the same
// underlying control fd can Copy already-pinned pages between each other
// without re-pinning, and the mapping count is unbounded in practice.
type fdBackend struct {
	mu            sync.Mutex
	fd            int
	hwptID        uint32
	dirtyTracking bool
	devices       map[int]bool
}

// NewFD constructs an fd-based backend sharing controlFD. Two backends built
// from the same controlFD value satisfy Copy's "identical fds" precondition.
func NewFD(controlFD int) Backend {
	return &fdBackend{fd: controlFD, devices: make(map[int]bool)}
}

func (b *fdBackend) FD() int          { return b.fd }
func (b *fdBackend) MaxMappings() int { return 0 }

func (b *fdBackend) Map(iova, size uint64, vaddr uintptr, readonly bool) error {
	args := dmaMapArgs{ArgSZ: uint32(unsafe.Sizeof(dmaMapArgs{})), IOVA: iova, Size: size, VAddr: uint64(vaddr)}
	if readonly {
		args.Flags |= dmaFlagReadOnly
	}
	if err := rawIoctl(b.fd, cmdMapDMA, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "fdBackend.Map", err)
	}
	return nil
}

// Copy requires dst to be backed by the same control fd as b (spec.md §4.2:
// "precondition: both containers share the same underlying backend fd").
func (b *fdBackend) Copy(dst Backend, iova, size uint64, readonly bool) error {
	if dst.FD() != b.fd {
		return kerr.New(kerr.FeatureUnsupported, "fdBackend.Copy: fd mismatch")
	}
	args := dmaCopyArgs{ArgSZ: uint32(unsafe.Sizeof(dmaCopyArgs{})), SrcFD: int32(b.fd), IOVA: iova, Size: size}
	if readonly {
		args.Flags |= dmaFlagReadOnly
	}
	if err := rawIoctl(b.fd, cmdCopyDMA, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "fdBackend.Copy", err)
	}
	return nil
}

func (b *fdBackend) Unmap(iova, size uint64, iotlbHint *uint64) error {
	args := dmaUnmapArgs{ArgSZ: uint32(unsafe.Sizeof(dmaUnmapArgs{})), IOVA: iova, Size: size}
	if err := rawIoctl(b.fd, cmdUnmapDMA, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendUnmapFail, "fdBackend.Unmap", err)
	}
	return nil
}

func (b *fdBackend) GetDirtyBitmap(iova, size, ramAddr uint64) error {
	args := dmaBitmapArgs{ArgSZ: uint32(unsafe.Sizeof(dmaBitmapArgs{})), IOVA: iova, Size: size, RAMOff: ramAddr}
	if err := rawIoctl(b.fd, cmdGetDirtyBitmap, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "fdBackend.GetDirtyBitmap", err)
	}
	return nil
}

func (b *fdBackend) SetDirtyTracking(enable bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var flag uint32
	if enable {
		flag = 1
	}
	if err := rawIoctl(b.fd, cmdSetDirtyTrack, unsafe.Sizeof(flag), unsafe.Pointer(&flag)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "fdBackend.SetDirtyTracking", err)
	}
	b.dirtyTracking = enable
	return nil
}

func (b *fdBackend) Reset() error {
	b.mu.Lock()
	devices := make([]int, 0, len(b.devices))
	for d := range b.devices {
		devices = append(devices, d)
	}
	b.mu.Unlock()

	var last error
	for _, d := range devices {
		fd := int32(d)
		if err := rawIoctl(b.fd, cmdResetDevices, unsafe.Sizeof(fd), unsafe.Pointer(&fd)); err != nil {
			last = err
		}
	}
	return last
}

func (b *fdBackend) CheckFeature(f Feature) bool {
	switch f {
	case FeatureDMACopy, FeatureDirtyTracking:
		return true
	default:
		return false
	}
}

// AttachDevice performs the fd-based backend's additional allocate-hwpt /
// attach-pt handshake (spec.md §4.4) before binding the device fd.
func (b *fdBackend) AttachDevice(devFD int) error {
	if err := b.allocateHWPT(); err != nil {
		return err
	}
	fd := int32(devFD)
	if err := rawIoctl(b.fd, cmdAttachDevice, unsafe.Sizeof(fd), unsafe.Pointer(&fd)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "fdBackend.AttachDevice", err)
	}
	b.mu.Lock()
	b.devices[devFD] = true
	b.mu.Unlock()
	return nil
}

func (b *fdBackend) allocateHWPT() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hwptID != 0 {
		return nil
	}
	// Real hwpt allocation is a dedicated ioctl against the iommufd; modeled
	// here as a deterministic id derived from the control fd since the
	// concrete allocation protocol is out of this module's scope.
	b.hwptID = uint32(b.fd) + 1
	return nil
}

func (b *fdBackend) DetachDevice(devFD int) error {
	fd := int32(devFD)
	if err := rawIoctl(b.fd, cmdDetachDevice, unsafe.Sizeof(fd), unsafe.Pointer(&fd)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "fdBackend.DetachDevice", err)
	}
	b.mu.Lock()
	delete(b.devices, devFD)
	b.mu.Unlock()
	return nil
}

func (b *fdBackend) AddSectionWindow(min, max, pgsizes uint64) error { return nil }
func (b *fdBackend) DelSectionWindow(min, max uint64) error          { return nil }

func (b *fdBackend) DevicesAllDirtyTracking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtyTracking && len(b.devices) > 0
}
