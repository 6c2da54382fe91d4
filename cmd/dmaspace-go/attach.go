//go:build linux

package main

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/accel"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/addrspace"
)

func newRegistry() *addrspace.Registry {
	return addrspace.NewRegistry("system", 1<<12, "ram-device")
}

// runAttach attaches a real device fd to asID and reports which container
// and backend variant it ended up bound to. Each invocation is tagged with
// a fresh attach-operation ID so output lines from concurrent CLI
// invocations against the same address space can be told apart.
func runAttach(asID string, dev addrspace.DeviceInfo) error {
	r := newRegistry()
	dac := addrspace.NewDAC(r, accel.NoopAccelerator{})

	opID := uuid.New()
	if err := dac.AttachDevice(dev, asID); err != nil {
		return err
	}

	binding, err := r.GetOrCreate(asID)
	if err != nil {
		return err
	}
	fmt.Printf("attach[%s] fd=%d to address-space %q, %d container(s) now live\n",
		opID, dev.ControlFD, asID, len(binding.Pipeline.Containers()))
	return nil
}
