package backend

import (
	"errors"
	"testing"

	"github.com/ChengyuZhu6/dmaspace-go/pkg/kerr"
)

func TestFakeMapRecordsCall(t *testing.T) {
	b := NewFake(1)
	if err := b.Map(0x1000, 0x2000, 0xdead0000, false); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if len(b.Maps) != 1 || b.Maps[0].IOVA != 0x1000 {
		t.Fatalf("unexpected maps: %+v", b.Maps)
	}
}

func TestFakeCopyRequiresSameFD(t *testing.T) {
	src := NewFake(7)
	dstSame := NewFake(7)
	dstOther := NewFake(8)

	if err := src.Copy(dstSame, 0, 0x1000, false); err != nil {
		t.Fatalf("Copy same fd: %v", err)
	}
	err := src.Copy(dstOther, 0, 0x1000, false)
	var kerrErr *kerr.Error
	if !errors.As(err, &kerrErr) || kerrErr.Kind != kerr.FeatureUnsupported {
		t.Fatalf("expected FeatureUnsupported for mismatched fd, got %v", err)
	}
}

func TestFakeMapFailureInjection(t *testing.T) {
	b := NewFake(1)
	injected := kerr.New(kerr.BackendMapFail, "injected")
	b.FailMapAt[0x5000] = injected
	if err := b.Map(0x5000, 0x1000, 0, false); err != injected {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestFeatureString(t *testing.T) {
	if FeatureDMACopy.String() != "dma_copy" {
		t.Fatalf("unexpected string: %s", FeatureDMACopy.String())
	}
}
