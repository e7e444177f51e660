package ir

import (
	"testing"

	"corevm.dev/jit/internal/asm"
	"corevm.dev/jit/internal/vmexit"
)

func TestInterpAddReturn(t *testing.T) {
	f := &Func{
		Name:     "add",
		NumVRegs: 3,
		Code: []Inst{
			{Op: OpConstI64, Dst: 1, Val: 40},
			{Op: OpConstI64, Dst: 2, Val: 2},
			{Op: OpAdd, Dst: 3, A: 1, B: 2},
			{Op: OpReturn, A: 3},
		},
	}
	m := &Interp{}
	res, err := m.Run(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Returned || res.Value != 42 {
		t.Fatalf("got %+v, want Value=42", res)
	}
}

func TestInterpDivideByZero(t *testing.T) {
	f := &Func{
		Name:     "div0",
		NumVRegs: 3,
		Code: []Inst{
			{Op: OpConstI64, Dst: 1, Val: 10},
			{Op: OpConstI64, Dst: 2, Val: 0},
			{Op: OpDivS, Dst: 3, A: 1, B: 2},
			{Op: OpReturn, A: 3},
		},
	}
	m := &Interp{}
	if _, err := m.Run(f); err == nil {
		t.Fatalf("expected division-by-zero error")
	}
}

func TestInterpBranchLoop(t *testing.T) {
	// sum 1..5 via a counted loop, exercising OpCmpBranch/OpJmp/labels.
	f := &Func{
		Name:     "sumLoop",
		NumVRegs: 5,
		Code: []Inst{
			{Op: OpConstI64, Dst: 1, Val: 0}, // sum
			{Op: OpConstI64, Dst: 2, Val: 1}, // i
			{Op: OpConstI64, Dst: 3, Val: 6}, // limit
			{Op: OpConstI64, Dst: 4, Val: 1}, // step
			{Op: OpLabel, Label: 0},
			{Op: OpCmpBranch, A: 2, B: 3, Cond: asm.CC_GE, Label: 1},
			{Op: OpAdd, Dst: 1, A: 1, B: 2},
			{Op: OpAdd, Dst: 2, A: 2, B: 4},
			{Op: OpJmp, Label: 0},
			{Op: OpLabel, Label: 1},
			{Op: OpReturn, A: 1},
		},
	}
	m := &Interp{}
	res, err := m.Run(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value != 15 {
		t.Fatalf("sum 1..5 = %d, want 15", res.Value)
	}
}

func TestInterpVMExitCarriesTag(t *testing.T) {
	f := &Func{
		Name: "npe",
		Code: []Inst{
			{Op: OpVMExit, Tag: vmexit.NPE},
		},
	}
	m := &Interp{}
	res, err := m.Run(f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Exit == nil || res.Exit.Tag != vmexit.NPE {
		t.Fatalf("got %+v, want Exit.Tag=NPE", res)
	}
}

func TestInterpSaturatingF2I(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{0.0, 0},
		{3.9, 3},
		{-3.9, -3},
	}
	for _, c := range cases {
		got := saturatingF2I(c.in, -2147483648, 2147483647)
		if got != c.want {
			t.Errorf("saturatingF2I(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestAssembleProducesCode(t *testing.T) {
	f := &Func{
		Name:      "trivial",
		MaxLocals: 2,
		MaxStack:  2,
		NumVRegs:  2,
		Code: []Inst{
			{Op: OpLoadLocal, Dst: 1, A: 0},
			{Op: OpConstI64, Dst: 2, Val: 1},
			{Op: OpAdd, Dst: 1, A: 1, B: 2},
			{Op: OpStoreLocal, Dst: 0, A: 1},
			{Op: OpReturnVoid},
		},
	}
	asmd, err := Assemble(f)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(asmd.Code) == 0 {
		t.Fatalf("expected non-empty machine code")
	}
	if asmd.Code[len(asmd.Code)-1] != 0xc3 {
		t.Fatalf("expected method to end in ret (0xc3), got %#x", asmd.Code[len(asmd.Code)-1])
	}
}

func TestAssembleCallFixupRecorded(t *testing.T) {
	f := &Func{
		Name:     "callsStatic",
		NumVRegs: 1,
		Code: []Inst{
			{Op: OpCallDirect, Dst: 1, Name: "java/lang/Math.abs(I)I"},
			{Op: OpReturn, A: 1},
		},
	}
	asmd, err := Assemble(f)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(asmd.CallFixups) != 1 || asmd.CallFixups[0].Target != "java/lang/Math.abs(I)I" {
		t.Fatalf("unexpected call fixups: %+v", asmd.CallFixups)
	}
}

func TestAssembleUnresolvedLabelErrors(t *testing.T) {
	f := &Func{
		Name: "danglingJump",
		Code: []Inst{
			{Op: OpJmp, Label: 99},
			{Op: OpReturnVoid},
		},
	}
	if _, err := Assemble(f); err == nil {
		t.Fatalf("expected an unresolved-label error")
	}
}
