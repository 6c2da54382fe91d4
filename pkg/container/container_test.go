package container

import (
	"errors"
	"testing"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/backend"
	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

type fakeNotifier struct{ unregistered bool }

func (f *fakeNotifier) Unregister() { f.unregistered = true }

func TestLatchInitErrorFirstWins(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	c.LatchInitError(errors.New("first"))
	c.LatchInitError(errors.New("second"))

	var kerrErr *kerr.Error
	if !errors.As(c.InitError(), &kerrErr) {
		t.Fatalf("expected *kerr.Error, got %v", c.InitError())
	}
	if kerrErr.Kind != kerr.InitLatched {
		t.Fatalf("kind = %v", kerrErr.Kind)
	}
	if kerrErr.Unwrap().Error() != "first" {
		t.Fatalf("expected first error latched, got %v", kerrErr.Unwrap())
	}
}

func TestLatchInitErrorIgnoredAfterInitialized(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	c.MarkInitialized()
	c.LatchInitError(errors.New("too late"))
	if c.InitError() != nil {
		t.Fatalf("expected no latched error after initialization, got %v", c.InitError())
	}
}

func TestRegisterGINDuplicateRejected(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	key := Key{RegionID: "mr0", Start: 0}
	if err := c.RegisterGIN(key, &fakeNotifier{}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.RegisterGIN(key, &fakeNotifier{}); err == nil {
		t.Fatalf("expected duplicate-key error")
	}
}

func TestRemoveGIN(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	key := Key{RegionID: "mr0", Start: 0}
	n := &fakeNotifier{}
	_ = c.RegisterGIN(key, n)
	got, ok := c.RemoveGIN(key)
	if !ok || got != n {
		t.Fatalf("RemoveGIN failed: %v %v", got, ok)
	}
	if _, ok := c.RemoveGIN(key); ok {
		t.Fatalf("expected second RemoveGIN to miss")
	}
}

func TestMappingsRoundTrip(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	key := Key{RegionID: "ram0", Start: 0}
	c.RecordMapping(Mapping{Key: key, IOVA: 0, Size: 0x1000, VAddr: 0x4000, ReadOnly: false})
	if len(c.Mappings()) != 1 {
		t.Fatalf("expected 1 mapping, got %d", len(c.Mappings()))
	}
	c.ForgetMapping(key)
	if len(c.Mappings()) != 0 {
		t.Fatalf("expected 0 mappings after forget, got %d", len(c.Mappings()))
	}
}

func TestEstimateMappingPressure(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 10)
	key := Key{RegionID: "mr0", Start: 0}
	_ = c.RegisterRDL(key, &fakeNotifier{})

	estimate, exceeds := c.EstimateMappingPressure([]uint64{0x400000}, []uint64{0x200000}, 4)
	// ceil(0x400000/0x200000) = 2, + maxMemslots(4) - rdlCount(1) = 5
	if estimate != 5 {
		t.Fatalf("estimate = %d, want 5", estimate)
	}
	if exceeds {
		t.Fatalf("did not expect to exceed DMAMaxMappings=10 with estimate 5")
	}
}

type fakeRDLSizer struct {
	fakeNotifier
	size, granularity uint64
}

func (f *fakeRDLSizer) SizeGranularity() (uint64, uint64) { return f.size, f.granularity }

func TestCheckMappingPressureGathersRegisteredRDLs(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 3)
	c.MaxMemslots = 4
	key := Key{RegionID: "mr0", Start: 0}
	if err := c.RegisterRDL(key, &fakeRDLSizer{size: 0x400000, granularity: 0x200000}); err != nil {
		t.Fatalf("RegisterRDL: %v", err)
	}

	// ceil(0x400000/0x200000) = 2, + maxMemslots(4) - rdlCount(1) = 5 > 3.
	estimate, exceeds := c.CheckMappingPressure()
	if estimate != 5 {
		t.Fatalf("estimate = %d, want 5", estimate)
	}
	if !exceeds {
		t.Fatalf("expected estimate 5 to exceed DMAMaxMappings=3")
	}
}

func TestNewPreEstablishesFullRangeWindow(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	if _, ok := c.LookupWindow(0, ^uint64(0)); !ok {
		t.Fatalf("expected a pre-established window covering the full IOVA space")
	}
}

func TestAddSectionWindowExtendsOnlyWhenUncovered(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	if err := c.AddSectionWindow(0x1000, 0x1fff, 1<<12); err != nil {
		t.Fatalf("AddSectionWindow inside the pre-established window should no-op, got %v", err)
	}
	if c.Windows.Len() != 1 {
		t.Fatalf("expected the pre-established window to stay the only one, got %d", c.Windows.Len())
	}
}

// A container with no window covering a range must reject it with
// kerr.NoWindow (spec.md §4.3.2 step 4), restoring the fixed-window model:
// pre-establishing a narrower window must not make ensure_window collide
// with itself.
func TestLookupWindowFailsOutsideEstablishedRange(t *testing.T) {
	c := New(backend.NewFake(1), false, 1<<12, 0)
	c.DelSectionWindow(0, ^uint64(0))
	if err := c.AddSectionWindow(0, 0xffff, 1<<12); err != nil {
		t.Fatalf("AddSectionWindow: %v", err)
	}
	if _, ok := c.LookupWindow(0, 0xffff); !ok {
		t.Fatalf("expected the narrow window itself to be found")
	}
	if _, ok := c.LookupWindow(0x10000, 0x1ffff); ok {
		t.Fatalf("expected a range outside the narrow window to miss")
	}
}
