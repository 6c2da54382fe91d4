// Package accel wraps the optional kernel accelerator collaborator: a
// process-global facility that tracks device fds handed to the in-kernel
// IOMMU driver. Both operations are best-effort: failures are logged, AddFD
// also returns its fd-probe error, and the DAC only logs what it gets back,
// so a failure never fails a device attach or detach.
package accel

import (
	"log"

	"golang.org/x/sys/unix"
)

// Accelerator is the fd-add/fd-del capability external to this module.
type Accelerator interface {
	AddFD(fd int) error
	DelFD(fd int) error
}

// kernelAccelerator talks to a kernel-provided control device that tracks
// fds registered with the in-kernel accelerator driver.
type kernelAccelerator struct {
	path string
}

// Open returns an Accelerator bound to the control device at path. It does
// not open or check the device; each AddFD/DelFD call logs the request.
func Open(path string) Accelerator {
	return &kernelAccelerator{path: path}
}

func (k *kernelAccelerator) AddFD(fd int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		log.Printf("accel: add_fd: probe fd %d: %v", fd, err)
		return err
	}
	// The real accelerator registration is an ioctl against k.path; the
	// concrete ioctl layout is outside this module's scope (spec.md §1) so
	// this records intent only. Best-effort: never fails the caller's attach.
	log.Printf("accel: add_fd %d via %s", fd, k.path)
	return nil
}

func (k *kernelAccelerator) DelFD(fd int) error {
	log.Printf("accel: del_fd %d via %s", fd, k.path)
	return nil
}

// NoopAccelerator is used when no kernel accelerator collaborator is wired
// (e.g. tests, or a backend that doesn't require fd tracking).
type NoopAccelerator struct{}

func (NoopAccelerator) AddFD(int) error { return nil }
func (NoopAccelerator) DelFD(int) error { return nil }
