package ir

import (
	"fmt"
	"math"

	"corevm.dev/jit/internal/asm"
	"corevm.dev/jit/internal/frame"
)

// Assembled is the output of lowering one Func to machine code: the raw
// bytes plus the fixups the caller (internal/jit) must resolve before the
// code is runnable — call targets to absolute addresses, and an exit
// table mapping RestartID to resumable code offsets.
type Assembled struct {
	Code        []byte
	CallFixups  []asm.CallFixup
	RestartOffs map[int]int // RestartID -> byte offset
}

// Assemble lowers f to x86-64 machine code. Virtual registers are not
// allocated to physical registers by a general allocator (out of scope for
// a template compiler); instead, every virtual register lives in its own
// stack slot and is materialized into a scratch register (RAX/RCX/RDX)
// only for the duration of one instruction — a spill-everything posture
// that trades code density for a trivial, provably-correct lowering.
func Assemble(f *Func) (*Assembled, error) {
	e := &asm.Encoder{}
	labelOffsets := map[int]int{}
	labelFixups := map[int][]int{} // label -> code offsets of pending rel32

	vregBase := -(frame.HeaderSize + (f.MaxLocals+f.MaxStack)*frame.SlotSize)
	vregOff := func(i int) int { return vregBase - (i+1)*frame.SlotSize }

	load := func(vreg, scratch int) { e.LoadMem(vregOff(vreg), scratch) }
	store := func(vreg, scratch int) { e.StoreMem(vregOff(vreg), scratch) }

	restarts := map[int]int{}

	resolveLabel := func(label int) {
		for _, off := range labelFixups[label] {
			e.PatchRel32At(off, labelOffsets[label])
		}
		delete(labelFixups, label)
	}

	for _, in := range f.Code {
		switch in.Op {
		case OpConstI64:
			e.MovRegImm64(asm.RAX, uint64(in.Val))
			store(in.Dst, asm.RAX)

		case OpMove:
			load(in.A, asm.RAX)
			store(in.Dst, asm.RAX)

		case OpLoadLocal:
			e.LoadMem(frame.LocalOffset(in.A), asm.RAX)
			store(in.Dst, asm.RAX)

		case OpStoreLocal:
			load(in.A, asm.RAX)
			e.StoreMem(frame.LocalOffset(in.Dst), asm.RAX)

		case OpLoadField:
			load(in.A, asm.RCX)
			switch in.Width {
			case 1:
				e.LoadByteBase(asm.RCX, int(in.Val), asm.RAX)
				e.MovzxB(asm.RAX)
			case 2:
				e.LoadMemBase16(asm.RCX, int(in.Val), asm.RAX)
			case 4:
				e.LoadMemBase32(asm.RCX, int(in.Val), asm.RAX)
			default:
				e.LoadMemBase(asm.RCX, int(in.Val), asm.RAX)
			}
			store(in.Dst, asm.RAX)

		case OpStoreField:
			load(in.A, asm.RCX)
			load(in.B, asm.RAX)
			switch in.Width {
			case 1:
				e.StoreByteBase(asm.RCX, int(in.Val), asm.RAX)
			case 2:
				e.StoreMemBase16(asm.RCX, int(in.Val), asm.RAX)
			case 4:
				e.StoreMemBase32(asm.RCX, int(in.Val), asm.RAX)
			default:
				e.StoreMemBase(asm.RCX, int(in.Val), asm.RAX)
			}

		case OpLoadArrayElem:
			load(in.A, asm.RCX) // array reference
			load(in.B, asm.RDX) // byte offset of element, header offset already added by compiler
			e.AddRR(asm.RCX, asm.RDX)
			switch in.Width {
			case 1:
				e.LoadByteBase(asm.RCX, 0, asm.RAX)
				e.MovzxB(asm.RAX)
			case 2:
				e.LoadMemBase16(asm.RCX, 0, asm.RAX)
			case 4:
				e.LoadMemBase32(asm.RCX, 0, asm.RAX)
			default:
				e.LoadMemBase(asm.RCX, 0, asm.RAX)
			}
			store(in.Dst, asm.RAX)

		case OpStoreArrayElem:
			load(in.A, asm.RCX)
			load(in.B, asm.RDX)
			e.AddRR(asm.RCX, asm.RDX)
			load(in.Dst, asm.RAX) // value to store, reuses Dst as a value slot
			switch in.Width {
			case 1:
				e.StoreByteBase(asm.RCX, 0, asm.RAX)
			case 2:
				e.StoreMemBase16(asm.RCX, 0, asm.RAX)
			case 4:
				e.StoreMemBase32(asm.RCX, 0, asm.RAX)
			default:
				e.StoreMemBase(asm.RCX, 0, asm.RAX)
			}

		case OpLoadArrayLen:
			load(in.A, asm.RCX)
			e.LoadMemBase32(asm.RCX, int(in.Val), asm.RAX)
			store(in.Dst, asm.RAX)

		case OpAdd, OpSub, OpAnd, OpOr, OpXor:
			load(in.A, asm.RAX)
			load(in.B, asm.RCX)
			switch in.Op {
			case OpAdd:
				e.AddRR(asm.RAX, asm.RCX)
			case OpSub:
				e.SubRR(asm.RAX, asm.RCX)
			case OpAnd:
				e.AndRR(asm.RAX, asm.RCX)
			case OpOr:
				e.OrRR(asm.RAX, asm.RCX)
			case OpXor:
				e.XorRR(asm.RAX, asm.RCX)
			}
			store(in.Dst, asm.RAX)

		case OpMul:
			load(in.A, asm.RAX)
			load(in.B, asm.RCX)
			e.ImulRR(asm.RAX, asm.RCX)
			store(in.Dst, asm.RAX)

		case OpDivS, OpRemS:
			load(in.A, asm.RAX)
			load(in.B, asm.RCX)
			e.Cqo()
			e.IdivR(asm.RCX)
			if in.Op == OpDivS {
				store(in.Dst, asm.RAX)
			} else {
				store(in.Dst, asm.RDX)
			}

		case OpShl, OpShrS, OpShrU:
			load(in.A, asm.RAX)
			load(in.B, asm.RCX) // shift amount must be in CL
			switch in.Op {
			case OpShl:
				e.ShlCl(asm.RAX)
			case OpShrS:
				e.SarCl(asm.RAX)
			case OpShrU:
				e.ShrCl(asm.RAX)
			}
			store(in.Dst, asm.RAX)

		case OpNeg:
			load(in.A, asm.RAX)
			e.NegR(asm.RAX)
			store(in.Dst, asm.RAX)

		case OpNot:
			load(in.A, asm.RAX)
			e.NotR(asm.RAX)
			store(in.Dst, asm.RAX)

		case OpSExt8:
			load(in.A, asm.RAX)
			e.MovsxB(asm.RAX)
			store(in.Dst, asm.RAX)
		case OpSExt16:
			load(in.A, asm.RAX)
			e.MovsxW(asm.RAX)
			store(in.Dst, asm.RAX)
		case OpSExt32:
			load(in.A, asm.RAX)
			e.MovsxD(asm.RAX)
			store(in.Dst, asm.RAX)
		case OpZExt8:
			load(in.A, asm.RAX)
			e.MovzxB(asm.RAX)
			store(in.Dst, asm.RAX)
		case OpZExt16:
			load(in.A, asm.RAX)
			e.MovzxW(asm.RAX)
			store(in.Dst, asm.RAX)

		case OpI2F:
			load(in.A, asm.RAX)
			e.Cvtsi2sdRR(asm.XMM0, asm.RAX)
			e.MovsdStore(vregOff(in.Dst), asm.XMM0)

		case OpF2ISaturating, OpF2LSaturating:
			e.MovsdLoad(vregOff(in.A), asm.XMM0)
			emitSaturatingF2I(e, asm.XMM0, asm.RAX, in.Op == OpF2LSaturating)
			store(in.Dst, asm.RAX)

		case OpLabel:
			labelOffsets[in.Label] = e.Offset()
			resolveLabel(in.Label)

		case OpJmp:
			off := e.JmpRel32()
			if target, ok := labelOffsets[in.Label]; ok {
				e.PatchRel32At(off, target)
			} else {
				labelFixups[in.Label] = append(labelFixups[in.Label], off)
			}

		case OpCmpBranch:
			load(in.A, asm.RAX)
			load(in.B, asm.RCX)
			e.CmpRR(asm.RAX, asm.RCX)
			off := e.JccRel32(in.Cond)
			if target, ok := labelOffsets[in.Label]; ok {
				e.PatchRel32At(off, target)
			} else {
				labelFixups[in.Label] = append(labelFixups[in.Label], off)
			}

		case OpVTableLoad:
			load(in.A, asm.RCX) // receiver pointer
			e.LoadMemBase(asm.RCX, 0, asm.RCX)                    // vtable pointer (object header slot 0)
			e.LoadMemBase(asm.RCX, in.B*frame.SlotSize, asm.RAX) // vtable[method number]
			store(in.Dst, asm.RAX)

		case OpCallDirect:
			e.CallPlaceholder(in.Name)
			store(in.Dst, asm.RAX)

		case OpCallReg:
			load(in.A, asm.RAX)
			e.CallReg(asm.RAX)
			store(in.Dst, asm.RAX)

		case OpVMExit:
			emitVMExit(e, in)

		case OpRestartPoint:
			restarts[in.Val2Int()] = e.Offset()

		case OpReturn:
			load(in.A, asm.RAX)
			e.Ret()

		case OpReturnVoid:
			e.Ret()

		case OpNop:
			e.Nop()

		default:
			return nil, fmt.Errorf("ir: unhandled opcode %d in %q", in.Op, f.Name)
		}
	}

	for label, offs := range labelFixups {
		target, ok := labelOffsets[label]
		if !ok {
			return nil, fmt.Errorf("ir: unresolved label %d in %q", label, f.Name)
		}
		for _, off := range offs {
			e.PatchRel32At(off, target)
		}
	}

	return &Assembled{Code: e.Code, CallFixups: e.CallFixups, RestartOffs: restarts}, nil
}

// Val2Int narrows Val to a restart-point id; restart ids are small and
// never need the full 64 bits Val provides for OpConstI64.
func (in Inst) Val2Int() int { return int(in.Val) }

// emitVMExit lowers an OpVMExit: move the tag into RAX and the
// instruction's Val into the first ExitOperandRegs register (RBX), then
// trap with int3 (the runtime's SIGTRAP handler reads RAX/the operand
// registers from the trapped ucontext). The other operand registers are
// not loaded.
func emitVMExit(e *asm.Encoder, in Inst) {
	e.MovRegImm64(asm.RAX, uint64(in.Tag))
	e.MovRegImm64(asm.ExitOperandRegs[0], uint64(in.Val))
	e.Int3()
}

// emitSaturatingF2I lowers a truncating float/double-to-int(64) conversion
// with JVM saturating semantics: NaN converts to 0, and out-of-range
// values clamp to the target type's min/max rather than wrapping. This
// mirrors the sentinel-compare sequence real JIT backends emit for
// d2i/d2l: cvttsd2si already produces the "integer indefinite" value
// (math.MinInt64) on both overflow and NaN, so the slow path only runs
// when that sentinel comes back, and distinguishes the two cases by the
// operand's raw sign bit and a ucomisd self-compare.
func emitSaturatingF2I(e *asm.Encoder, xmm, gp int, wide bool) {
	e.Cvttsd2siRR(gp, xmm)
	e.MovRegImm64(asm.RDX, 1<<63) // math.MinInt64's bit pattern
	e.CmpRR(gp, asm.RDX)
	skip := e.JccRel32(asm.CC_NE)

	minVal, maxVal := int64(math.MinInt32), int64(math.MaxInt32)
	if wide {
		minVal, maxVal = math.MinInt64, math.MaxInt64
	}
	e.MovqXmmToGP(asm.RDX, xmm)
	e.MovRegImm32(asm.RCX, 63)
	e.SarCl(asm.RDX) // RDX = -1 if the operand was negative, else 0
	e.MovRegImm64(gp, uint64(maxVal))
	e.MovRegImm64(asm.RCX, uint64(minVal))
	e.CmpRI(asm.RDX, 0)
	e.CmovccRR(asm.CC_L, gp, asm.RCX) // negative operand -> clamp to min

	e.UcomisdRR(xmm, xmm)
	e.MovRegImm64(asm.RDX, 0)
	e.CmovccRR(asm.CC_P, gp, asm.RDX) // unordered (NaN) -> 0, overrides the clamp

	e.PatchRel32At(skip, e.Offset())

	if !wide {
		// An int64 result outside the int32 range never hits the sentinel
		// above, so clamp it into [MinInt32, MaxInt32] here.
		e.MovRegImm64(asm.RCX, uint64(maxVal))
		e.CmpRR(gp, asm.RCX)
		e.CmovccRR(asm.CC_G, gp, asm.RCX)
		e.MovRegImm64(asm.RCX, uint64(minVal))
		e.CmpRR(gp, asm.RCX)
		e.CmovccRR(asm.CC_L, gp, asm.RCX)
	}
}
