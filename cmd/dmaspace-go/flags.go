//go:build linux

package main

import (
	"errors"
	"flag"
	"os"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/addrspace"
)

func parseAttachArgs(args []string) (string, addrspace.DeviceInfo, error) {
	fs := flag.NewFlagSet("attach", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	asID := fs.String("as", "", "address-space identity this device belongs to")
	fd := fs.Int("fd", -1, "device control file descriptor")
	iommufd := fs.Bool("iommufd", false, "use the fd-based backend (otherwise the legacy per-group backend)")
	pageSizes := fs.Uint64("page-sizes", 1<<12, "page-size mask the container accepts")
	maxMappings := fs.Int("max-mappings", 0, "legacy backend mapping limit (0 = unbounded)")
	dirtyCapable := fs.Bool("dirty-capable", false, "legacy backend supports dirty tracking")
	nested := fs.Bool("nested", false, "container is nested (unmap-only GIN dispatch)")

	if err := fs.Parse(args); err != nil {
		return "", addrspace.DeviceInfo{}, err
	}
	if *asID == "" {
		return "", addrspace.DeviceInfo{}, errors.New("require --as")
	}
	if *fd < 0 {
		return "", addrspace.DeviceInfo{}, errors.New("require --fd")
	}

	dev := addrspace.DeviceInfo{
		ControlFD:      *fd,
		HasIOMMUFD:     *iommufd,
		MaxMappings:    *maxMappings,
		DirtyCapable:   *dirtyCapable,
		Nested:         *nested,
		PageSizes:      *pageSizes,
		DMAMaxMappings: *maxMappings,
	}
	return *asID, dev, nil
}

func parseDumpArgs(args []string) (string, error) {
	fs := flag.NewFlagSet("dump", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asID := fs.String("as", "demo", "address-space identity to dump")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return *asID, nil
}

func parseReplayArgs(args []string) (string, error) {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	scenario := fs.String("scenario", "", "scenario name")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *scenario == "" {
		return "", errors.New("require --scenario")
	}
	return *scenario, nil
}
