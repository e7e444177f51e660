package asm

import "testing"

func TestJmpRel32Fixup(t *testing.T) {
	e := &Encoder{}
	e.MovRegImm32(RAX, 1)
	fix := e.JmpRel32()
	e.Nop()
	target := e.Offset()
	e.PatchRel32At(fix, target)

	// bytes at fix..fix+4 should encode target-(fix+4)
	got := int32(uint32(e.Code[fix]) | uint32(e.Code[fix+1])<<8 | uint32(e.Code[fix+2])<<16 | uint32(e.Code[fix+3])<<24)
	want := int32(target - (fix + 4))
	if got != want {
		t.Fatalf("rel32 = %d, want %d", got, want)
	}
}

func TestCallPlaceholderRecordsFixup(t *testing.T) {
	e := &Encoder{}
	e.CallPlaceholder("resolveInvokeStatic")
	if len(e.CallFixups) != 1 {
		t.Fatalf("expected 1 call fixup, got %d", len(e.CallFixups))
	}
	if e.CallFixups[0].Target != "resolveInvokeStatic" {
		t.Fatalf("unexpected fixup target %q", e.CallFixups[0].Target)
	}
	if e.Code[0] != 0xe8 {
		t.Fatalf("expected call opcode 0xe8, got %#x", e.Code[0])
	}
}

func TestSetCCEncodesZeroOrOne(t *testing.T) {
	e := &Encoder{}
	e.CmpRR(RAX, RBX)
	e.SetCC(CC_E, RCX)
	// sete cl is 0F 94 C1; MovzxB(RCX) follows it.
	if len(e.Code) < 3 {
		t.Fatalf("expected at least 3 bytes emitted")
	}
}

func TestLoadStoreLocalRoundTripOffsets(t *testing.T) {
	e := &Encoder{}
	e.StoreMem(-48, RAX)
	e.LoadMem(-48, RBX)
	if len(e.Code) == 0 {
		t.Fatalf("expected emitted bytes")
	}
}
