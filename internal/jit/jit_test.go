package jit

import (
	"testing"

	"corevm.dev/jit/internal/ir"
	"corevm.dev/jit/internal/types"
)

func trivialFunc(methodID uint32) (*ir.Func, error) {
	return &ir.Func{
		Name:     "m",
		MethodID: methodID,
		NumVRegs: 1,
		Code: []ir.Inst{
			{Op: ir.OpConstI64, Dst: 1, Val: int64(methodID)},
			{Op: ir.OpReturn, A: 1},
		},
	}, nil
}

func TestLookupCompilesOnce(t *testing.T) {
	calls := 0
	compile := func(methodID uint32) (*ir.Func, error) {
		calls++
		return trivialFunc(methodID)
	}
	d := NewDispatcher(compile, nil, nil)

	cm1, err := d.Lookup(42)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	cm2, err := d.Lookup(42)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if cm1 != cm2 {
		t.Fatalf("expected the same CompiledMethod instance across lookups")
	}
	if calls != 1 {
		t.Fatalf("expected exactly 1 compile call, got %d", calls)
	}
}

func TestRecompileBumpsIRMethodIDAndRedirectsVTable(t *testing.T) {
	vtables := types.NewVTables()
	class := &types.ClassType{Name: "pkg/Foo", VTable: types.NewVTable(1)}
	vtables.Link(class, 0, 0x1000)

	d := NewDispatcher(trivialFunc, nil, vtables)
	cm, err := d.Lookup(1)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	firstIR := cm.IRMethodID

	newCM, err := d.Recompile(1, 0x1000, func([]byte) uintptr { return 0x2000 })
	if err != nil {
		t.Fatalf("Recompile: %v", err)
	}
	if newCM.IRMethodID <= firstIR {
		t.Fatalf("expected a fresh, higher IRMethodID after recompile")
	}
	if addr, ok := class.VTable.Resolve(0); !ok || addr != 0x2000 {
		t.Fatalf("expected vtable cell redirected to 0x2000, got %#x (ok=%v)", addr, ok)
	}
}
