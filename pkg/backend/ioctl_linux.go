//go:build linux

package backend

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Ioctl encoding constants (see <asm-generic/ioctl.h>).
const (
	iocNRBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNRShift   = 0
	iocTypeShift = iocNRShift + iocNRBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return (dir << iocDirShift) | (typ << iocTypeShift) | (nr << iocNRShift) | (size << iocSizeShift)
}

func iowr(typ, nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, typ, nr, size) }

// Kernel accelerator control-fd ioctl magic and command numbers. The
// concrete byte layout of the host IOMMU driver's ioctls is explicitly out
// of scope (spec.md §1); these give a plausible, internally-consistent
// encoding so the Map/Unmap/etc. call sites exercise a real ioctl path.
const (
	accelIOCTLType   = 0xb7 // arbitrary magic distinct from DM's 0xfd
	cmdMapDMA        = 0
	cmdUnmapDMA      = 1
	cmdGetDirtyBitmap = 2
	cmdSetDirtyTrack = 3
	cmdCopyDMA       = 4
	cmdResetDevices  = 5
	cmdAttachDevice  = 6
	cmdDetachDevice  = 7
)

// dmaMapArgs mirrors the shape of a typical "map DMA range" kernel ioctl
// payload: a self-describing size header, the IOVA/size/vaddr triple, and a
// flags word carrying readonly and feature bits.
type dmaMapArgs struct {
	ArgSZ uint32
	Flags uint32
	VAddr uint64
	IOVA  uint64
	Size  uint64
}

const (
	dmaFlagReadOnly = 1 << 0
)

type dmaUnmapArgs struct {
	ArgSZ uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

type dmaBitmapArgs struct {
	ArgSZ  uint32
	Flags  uint32
	IOVA   uint64
	Size   uint64
	RAMOff uint64
}

type dmaCopyArgs struct {
	ArgSZ   uint32
	Flags   uint32
	SrcFD   int32
	IOVA    uint64
	Size    uint64
}

func req(nr uintptr, size uintptr) uintptr { return iowr(accelIOCTLType, nr, size) }

func rawIoctl(fd int, nr uintptr, size uintptr, data unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req(nr, size), uintptr(data))
	if errno != 0 {
		return errno
	}
	return nil
}
