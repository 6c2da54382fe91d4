//go:build linux

package backend

import (
	"sync"
	"unsafe"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

// legacyBackend implements the per-group container backend: no DMA copy,
// a bounded mapping count, dirty tracking optional.
type legacyBackend struct {
	mu            sync.Mutex
	fd            int
	maxMappings   int
	dirtyTracking bool
	dirtyCapable  bool
	devices       map[int]bool
}

// NewLegacy constructs a legacy-variant backend bound to controlFD, the
// already-opened kernel accelerator control file descriptor for this
// container's group.
func NewLegacy(controlFD int, maxMappings int, dirtyCapable bool) Backend {
	return &legacyBackend{
		fd:           controlFD,
		maxMappings:  maxMappings,
		dirtyCapable: dirtyCapable,
		devices:      make(map[int]bool),
	}
}

func (b *legacyBackend) FD() int          { return b.fd }
func (b *legacyBackend) MaxMappings() int { return b.maxMappings }

func (b *legacyBackend) Map(iova, size uint64, vaddr uintptr, readonly bool) error {
	args := dmaMapArgs{ArgSZ: uint32(unsafe.Sizeof(dmaMapArgs{})), IOVA: iova, Size: size, VAddr: uint64(vaddr)}
	if readonly {
		args.Flags |= dmaFlagReadOnly
	}
	if err := rawIoctl(b.fd, cmdMapDMA, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "legacyBackend.Map", err)
	}
	return nil
}

func (b *legacyBackend) Copy(dst Backend, iova, size uint64, readonly bool) error {
	return kerr.New(kerr.FeatureUnsupported, "legacyBackend.Copy")
}

func (b *legacyBackend) Unmap(iova, size uint64, iotlbHint *uint64) error {
	args := dmaUnmapArgs{ArgSZ: uint32(unsafe.Sizeof(dmaUnmapArgs{})), IOVA: iova, Size: size}
	if err := rawIoctl(b.fd, cmdUnmapDMA, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendUnmapFail, "legacyBackend.Unmap", err)
	}
	return nil
}

func (b *legacyBackend) GetDirtyBitmap(iova, size, ramAddr uint64) error {
	if !b.dirtyCapable {
		return kerr.New(kerr.FeatureUnsupported, "legacyBackend.GetDirtyBitmap")
	}
	args := dmaBitmapArgs{ArgSZ: uint32(unsafe.Sizeof(dmaBitmapArgs{})), IOVA: iova, Size: size, RAMOff: ramAddr}
	if err := rawIoctl(b.fd, cmdGetDirtyBitmap, unsafe.Sizeof(args), unsafe.Pointer(&args)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "legacyBackend.GetDirtyBitmap", err)
	}
	return nil
}

func (b *legacyBackend) SetDirtyTracking(enable bool) error {
	if !b.dirtyCapable {
		return kerr.New(kerr.FeatureUnsupported, "legacyBackend.SetDirtyTracking")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var flag uint32
	if enable {
		flag = 1
	}
	if err := rawIoctl(b.fd, cmdSetDirtyTrack, unsafe.Sizeof(flag), unsafe.Pointer(&flag)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "legacyBackend.SetDirtyTracking", err)
	}
	b.dirtyTracking = enable
	return nil
}

func (b *legacyBackend) Reset() error {
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

func (b *legacyBackend) CheckFeature(f Feature) bool {
	switch f {
	case FeatureDMACopy:
		return false
	case FeatureDirtyTracking:
		return b.dirtyCapable
	default:
		return false
	}
}

func (b *legacyBackend) AttachDevice(devFD int) error {
	fd := int32(devFD)
	if err := rawIoctl(b.fd, cmdAttachDevice, unsafe.Sizeof(fd), unsafe.Pointer(&fd)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "legacyBackend.AttachDevice", err)
	}
	b.mu.Lock()
	b.devices[devFD] = true
	b.mu.Unlock()
	return nil
}

func (b *legacyBackend) DetachDevice(devFD int) error {
	fd := int32(devFD)
	if err := rawIoctl(b.fd, cmdDetachDevice, unsafe.Sizeof(fd), unsafe.Pointer(&fd)); err != nil {
		return kerr.Wrap(kerr.BackendMapFail, "legacyBackend.DetachDevice", err)
	}
	b.mu.Lock()
	delete(b.devices, devFD)
	b.mu.Unlock()
	return nil
}

// AddSectionWindow for the legacy backend is a no-op: legacy containers have
// a fixed window set established at group-attach time.
func (b *legacyBackend) AddSectionWindow(min, max, pgsizes uint64) error { return nil }

func (b *legacyBackend) DelSectionWindow(min, max uint64) error { return nil }

// DevicesAllDirtyTracking reports dirty tracking is active and at least one
// device is bound; the legacy backend has no per-device capability split.
func (b *legacyBackend) DevicesAllDirtyTracking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirtyTracking && len(b.devices) > 0
}
