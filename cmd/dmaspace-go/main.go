//go:build linux

// Command dmaspace-go drives the translator core from the command line: it
// attaches a device, or replays one of the memory-listener scenarios
// spec.md §8 describes against an in-process synthetic memory model, so the
// library's behavior can be inspected without a full VMM.
package main

import (
	"fmt"
	"log"
	"os"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "attach":
		asID, dev, err := parseAttachArgs(os.Args[2:])
		if err != nil {
			usage()
			log.Fatalf("attach: %v", err)
		}
		if err := runAttach(asID, dev); err != nil {
			log.Fatalf("attach: %v", err)
		}
	case "dump":
		asID, err := parseDumpArgs(os.Args[2:])
		if err != nil {
			usage()
			log.Fatalf("dump: %v", err)
		}
		if err := runDump(asID); err != nil {
			log.Fatalf("dump: %v", err)
		}
	case "replay":
		scenario, err := parseReplayArgs(os.Args[2:])
		if err != nil {
			usage()
			log.Fatalf("replay: %v", err)
		}
		if err := runReplay(scenario); err != nil {
			log.Fatalf("replay: %v", err)
		}
	case "-h", "--help", "help":
		usage()
	default:
		usage()
		log.Fatalf("unknown subcommand: %s", os.Args[1])
	}
}

func usage() {
	prog := "dmaspace-go"
	fmt.Fprintf(os.Stderr, "Usage: %s <attach|dump|replay> [options]\n\n", prog)
	fmt.Fprintln(os.Stderr, "  attach --fd N --as ID [--iommufd] [--page-sizes N] [--max-mappings N] [--dirty-capable]")
	fmt.Fprintln(os.Stderr, "         Attach a real device fd to an address space and print the resulting")
	fmt.Fprintln(os.Stderr, "         container/backend assignment.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  dump --as ID")
	fmt.Fprintln(os.Stderr, "         Attach a synthetic device, map a synthetic RAM section, and dump the")
	fmt.Fprintln(os.Stderr, "         resulting host window table and mapping set.")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "  replay --scenario NAME")
	fmt.Fprintln(os.Stderr, "         Run a named memory-listener scenario and print the backend call log.")
	fmt.Fprintf(os.Stderr, "         scenarios: %v\n", scenarioNames())
}
