//go:build linux

package main

import "testing"

func TestScenarioSingleMapProducesOneBackendMap(t *testing.T) {
	_, fakes := scenarioSingleMap()
	if len(fakes) != 1 {
		t.Fatalf("expected 1 backend, got %d", len(fakes))
	}
	if len(fakes[0].Maps) != 1 {
		t.Fatalf("expected 1 map call, got %d", len(fakes[0].Maps))
	}
}

func TestScenarioDMACopyUsesCopyNotSecondMap(t *testing.T) {
	_, fakes := scenarioDMACopy()
	if len(fakes) != 2 {
		t.Fatalf("expected 2 backends, got %d", len(fakes))
	}
	if len(fakes[0].Maps) != 1 {
		t.Fatalf("expected the first container to map directly, got %d maps", len(fakes[0].Maps))
	}
	if len(fakes[0].Copies) != 1 || len(fakes[1].Maps) != 0 {
		t.Fatalf("expected the second container to be served by a copy from the first rather than a map, copies=%d maps=%d",
			len(fakes[0].Copies), len(fakes[1].Maps))
	}
}

func TestScenarioNestedIOMMUInvalidatesNotMaps(t *testing.T) {
	_, fakes := scenarioNestedIOMMU()
	if len(fakes[0].Maps) != 0 {
		t.Fatalf("expected a nested GIN to never call backend Map, got %d", len(fakes[0].Maps))
	}
}

func TestScenarioRAMDiscardMapsPopulatedSlicesAtGranularity(t *testing.T) {
	_, fakes := scenarioRAMDiscard()
	// The scenario populates the whole 1MiB section at a 4KiB granularity.
	if len(fakes[0].Maps) != (1<<20)/(1<<12) {
		t.Fatalf("expected one map per 4KiB populated slice, got %d maps", len(fakes[0].Maps))
	}
	for _, m := range fakes[0].Maps {
		if m.Size != 1<<12 {
			t.Fatalf("expected every map sized at the 4KiB granularity, got %+v", m)
		}
	}
}

func TestScenarioFullSpanUnmapRoundTrips(t *testing.T) {
	_, fakes := scenarioFullSpanUnmap()
	if len(fakes[0].Maps) != 1 || len(fakes[0].Unmaps) != 1 {
		t.Fatalf("expected exactly 1 map and 1 unmap, got maps=%d unmaps=%d", len(fakes[0].Maps), len(fakes[0].Unmaps))
	}
}

func TestRunReplayUnknownScenario(t *testing.T) {
	if err := runReplay("does-not-exist"); err == nil {
		t.Fatalf("expected an error for an unknown scenario")
	}
}

func TestScenarioNamesSorted(t *testing.T) {
	names := scenarioNames()
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("expected scenarioNames sorted, got %v", names)
		}
	}
}
