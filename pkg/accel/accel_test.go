package accel

import "testing"

func TestNoopAccelerator(t *testing.T) {
	var a Accelerator = NoopAccelerator{}
	if err := a.AddFD(3); err != nil {
		t.Fatalf("AddFD: %v", err)
	}
	if err := a.DelFD(3); err != nil {
		t.Fatalf("DelFD: %v", err)
	}
}

func TestKernelAcceleratorAddFDInvalid(t *testing.T) {
	a := Open("/dev/accel0")
	if err := a.AddFD(-1); err == nil {
		t.Fatalf("expected error probing invalid fd")
	}
}
