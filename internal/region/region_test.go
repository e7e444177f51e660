package region

import (
	"testing"
	"unsafe"

	"corevm.dev/jit/internal/types"
)

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New()
	if err != nil {
		t.Skipf("region reservation unavailable in this sandbox: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestAllocateDecodingIsTotal(t *testing.T) {
	a := newTestAllocator(t)

	boolArr := types.AllocatedType{Kind: types.KindPrimitiveArray, PrimElem: types.PrimBoolean}
	rawSmall := types.AllocatedType{Kind: types.KindRawConstantSize, RawID: 1, RawSize: 1}
	rawMedium := types.AllocatedType{Kind: types.KindRawConstantSize, RawID: 2, RawSize: 8}

	type alloc struct {
		ptr unsafe.Pointer
		typ types.AllocatedType
	}
	var allocs []alloc

	for i := 0; i < 4000; i++ {
		var typ types.AllocatedType
		var size uintptr
		switch i % 3 {
		case 0:
			typ, size = rawSmall, 1
		case 1:
			typ, size = rawMedium, 8
		case 2:
			typ, size = boolArr, 18 // header + 10 bools, rounded up
		}
		ptr, err := a.Allocate(typ, size)
		if err != nil {
			t.Fatalf("allocate #%d: %v", i, err)
		}
		allocs = append(allocs, alloc{ptr, typ})
	}

	for i, al := range allocs {
		got, ok := a.FindObjectAllocatedType(al.ptr)
		if !ok {
			t.Fatalf("allocation #%d: lookup failed", i)
		}
		if got.Kind != al.typ.Kind || got.Key() != al.typ.Key() {
			t.Fatalf("allocation #%d: got %+v, want %+v", i, got, al.typ)
		}
	}
}

func TestBooleanArrayElementRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	boolArr := types.AllocatedType{Kind: types.KindPrimitiveArray, PrimElem: types.PrimBoolean}
	const length = 10
	size := uintptr(4 + length) // i32 length header + 1 byte per bool
	ptr, err := a.Allocate(boolArr, size)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	base := (*byte)(ptr)
	lenSlice := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(base), 0)), 4)
	lenSlice[0] = length

	elems := unsafe.Slice((*byte)(unsafe.Add(unsafe.Pointer(base), 4)), length)
	elems[length-1] = 0xFF

	if got := elems[length-1]; got != 0xFF {
		t.Fatalf("expected 0xFF at last element, got %#x", got)
	}

	typ, ok := a.FindObjectAllocatedType(ptr)
	if !ok || typ.Kind != types.KindPrimitiveArray || typ.PrimElem != types.PrimBoolean {
		t.Fatalf("unexpected allocated type for array pointer: %+v ok=%v", typ, ok)
	}
}

func TestNeedNewRegionWhenSubRegionExhausted(t *testing.T) {
	a := newTestAllocator(t)

	typ := types.AllocatedType{Kind: types.KindRawConstantSize, RawID: 99, RawSize: 256}
	var lastErr error
	for i := 0; i < subRegionBytes/256+2; i++ {
		_, lastErr = a.Allocate(typ, 256)
		if lastErr != nil {
			break
		}
	}
	if lastErr != ErrNeedNewRegion {
		t.Fatalf("expected ErrNeedNewRegion once the sub-region fills, got %v", lastErr)
	}
}
