package ir

import (
	"encoding/binary"
	"fmt"
	"math"

	"corevm.dev/jit/internal/asm"
	"corevm.dev/jit/internal/vmexit"
)

// Interp is a pure-Go interpreter over a Func: a flat register file plus
// a byte-addressable memory slice stand in for the hardware registers
// and process address space Assemble's output would run against. It
// exists so the compiler and the IR it emits can be tested without ever
// loading or executing generated machine code.
type Interp struct {
	Locals []int64
	Mem     []byte // simulated heap; field/array "pointers" are byte offsets into this slice
}

// Result is what one interpreted call produced: either a return value, or
// an Exit if the function escaped to the (simulated) runtime mid-body.
type Result struct {
	Returned bool
	Value    int64
	Exit     *vmexit.Exit
}

// Run interprets f.Code to completion or until an OpVMExit is reached.
func (m *Interp) Run(f *Func) (Result, error) {
	vregs := make([]int64, f.NumVRegs+1)
	vregsF := make([]float64, f.NumVRegsF+1)
	labels := map[int]int{}
	for i, in := range f.Code {
		if in.Op == OpLabel {
			labels[in.Label] = i
		}
	}

	pc := 0
	for pc < len(f.Code) {
		in := f.Code[pc]
		switch in.Op {
		case OpConstI64:
			vregs[in.Dst] = in.Val
		case OpConstF64:
			vregsF[in.Dst] = math.Float64frombits(uint64(in.Val))
		case OpMove:
			vregs[in.Dst] = vregs[in.A]
		case OpLoadLocal:
			vregs[in.Dst] = m.Locals[in.A]
		case OpStoreLocal:
			m.Locals[in.Dst] = vregs[in.A]

		case OpLoadField:
			vregs[in.Dst] = m.loadWidth(int(vregs[in.A])+int(in.Val), in.Width)
		case OpStoreField:
			m.storeWidth(int(vregs[in.A])+int(in.Val), in.Width, vregs[in.B])
		case OpLoadArrayElem:
			vregs[in.Dst] = m.loadWidth(int(vregs[in.A])+int(vregs[in.B]), in.Width)
		case OpStoreArrayElem:
			m.storeWidth(int(vregs[in.A])+int(vregs[in.B]), in.Width, vregs[in.Dst])
		case OpLoadArrayLen:
			vregs[in.Dst] = m.loadWidth(int(vregs[in.A])+int(in.Val), 4)

		case OpAdd:
			vregs[in.Dst] = vregs[in.A] + vregs[in.B]
		case OpSub:
			vregs[in.Dst] = vregs[in.A] - vregs[in.B]
		case OpMul:
			vregs[in.Dst] = vregs[in.A] * vregs[in.B]
		case OpDivS:
			if vregs[in.B] == 0 {
				return Result{}, fmt.Errorf("ir interp: integer division by zero in %q", f.Name)
			}
			vregs[in.Dst] = vregs[in.A] / vregs[in.B]
		case OpRemS:
			if vregs[in.B] == 0 {
				return Result{}, fmt.Errorf("ir interp: integer division by zero in %q", f.Name)
			}
			vregs[in.Dst] = vregs[in.A] % vregs[in.B]
		case OpAnd:
			vregs[in.Dst] = vregs[in.A] & vregs[in.B]
		case OpOr:
			vregs[in.Dst] = vregs[in.A] | vregs[in.B]
		case OpXor:
			vregs[in.Dst] = vregs[in.A] ^ vregs[in.B]
		case OpShl:
			vregs[in.Dst] = vregs[in.A] << uint(vregs[in.B]&63)
		case OpShrS:
			vregs[in.Dst] = vregs[in.A] >> uint(vregs[in.B]&63)
		case OpShrU:
			vregs[in.Dst] = int64(uint64(vregs[in.A]) >> uint(vregs[in.B]&63))
		case OpNeg:
			vregs[in.Dst] = -vregs[in.A]
		case OpNot:
			vregs[in.Dst] = ^vregs[in.A]

		case OpSExt8:
			vregs[in.Dst] = int64(int8(vregs[in.A]))
		case OpSExt16:
			vregs[in.Dst] = int64(int16(vregs[in.A]))
		case OpSExt32:
			vregs[in.Dst] = int64(int32(vregs[in.A]))
		case OpZExt8:
			vregs[in.Dst] = int64(uint8(vregs[in.A]))
		case OpZExt16:
			vregs[in.Dst] = int64(uint16(vregs[in.A]))

		case OpI2F:
			vregsF[in.Dst] = float64(vregs[in.A])
		case OpF2ISaturating:
			vregs[in.Dst] = int64(saturatingF2I(vregsF[in.A], math.MinInt32, math.MaxInt32))
		case OpF2LSaturating:
			vregs[in.Dst] = saturatingF2I(vregsF[in.A], math.MinInt64, math.MaxInt64)

		case OpFAdd:
			vregsF[in.Dst] = vregsF[in.A] + vregsF[in.B]
		case OpFSub:
			vregsF[in.Dst] = vregsF[in.A] - vregsF[in.B]
		case OpFMul:
			vregsF[in.Dst] = vregsF[in.A] * vregsF[in.B]
		case OpFDiv:
			vregsF[in.Dst] = vregsF[in.A] / vregsF[in.B]
		case OpFCompare:
			vregs[in.Dst] = fcmp(vregsF[in.A], vregsF[in.B])

		case OpLabel:
			// no-op at runtime, only a jump target

		case OpJmp:
			pc = labels[in.Label]
			continue

		case OpCmpBranch:
			if compare(vregs[in.A], vregs[in.B], in.Cond) {
				pc = labels[in.Label]
				continue
			}

		case OpVMExit:
			return Result{Exit: &vmexit.Exit{Tag: in.Tag, Operands: [6]uint64{uint64(in.Val)}, MethodID: f.MethodID, RestartID: in.RestartID}}, nil

		case OpReturn:
			return Result{Returned: true, Value: vregs[in.A]}, nil
		case OpReturnVoid:
			return Result{Returned: true}, nil

		case OpRestartPoint, OpNop:
			// markers only

		default:
			return Result{}, fmt.Errorf("ir interp: unhandled opcode %d in %q", in.Op, f.Name)
		}
		pc++
	}
	return Result{Returned: true}, nil
}

func (m *Interp) loadWidth(off, width int) int64 {
	switch width {
	case 1:
		return int64(m.Mem[off])
	case 2:
		return int64(binary.LittleEndian.Uint16(m.Mem[off:]))
	case 4:
		return int64(binary.LittleEndian.Uint32(m.Mem[off:]))
	default:
		return int64(binary.LittleEndian.Uint64(m.Mem[off:]))
	}
}

func (m *Interp) storeWidth(off, width int, val int64) {
	switch width {
	case 1:
		m.Mem[off] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(m.Mem[off:], uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(m.Mem[off:], uint32(val))
	default:
		binary.LittleEndian.PutUint64(m.Mem[off:], uint64(val))
	}
}

// compare mirrors the asm.CC_* condition codes against a signed integer
// comparison, the interpreter-side twin of Assemble's OpCmpBranch lowering.
func compare(a, b int64, cc byte) bool {
	switch cc {
	case asm.CC_E:
		return a == b
	case asm.CC_NE:
		return a != b
	case asm.CC_L:
		return a < b
	case asm.CC_GE:
		return a >= b
	case asm.CC_LE:
		return a <= b
	case asm.CC_G:
		return a > b
	case asm.CC_B:
		return uint64(a) < uint64(b)
	case asm.CC_AE:
		return uint64(a) >= uint64(b)
	case asm.CC_A:
		return uint64(a) > uint64(b)
	default:
		return false
	}
}

// fcmp implements the JVM's fcmpg-style ordering: -1/0/1, or 1 for an
// unordered (NaN) comparison — callers needing fcmpl instead negate the
// NaN case at the bytecode->IR compiler level.
func fcmp(a, b float64) int64 {
	if math.IsNaN(a) || math.IsNaN(b) {
		return 1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// saturatingF2I implements the JVM's JLS 5.1.3 narrowing conversion:
// NaN -> 0, otherwise clamp the truncated value into [min, max].
func saturatingF2I(f float64, min, max int64) int64 {
	if math.IsNaN(f) {
		return 0
	}
	if f <= float64(min) {
		return min
	}
	if f >= float64(max) {
		return max
	}
	return int64(f)
}
