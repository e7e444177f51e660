// Package compiler implements per-opcode templates that emit a fixed IR
// sequence referencing current/next operand-stack depth from the
// verifier's per-PC type frame, walking real JVM bytecode against the
// resolver package's external-collaborator interfaces.
package compiler

import (
	"encoding/binary"
	"fmt"

	"corevm.dev/jit/internal/asm"
	"corevm.dev/jit/internal/ir"
	"corevm.dev/jit/internal/vmexit"
	"corevm.dev/jit/resolver"
)

// ConstantPool is the boundary to constant-pool lookups the bytecode
// compiler needs and the classfile parser owns, same shape as
// resolver.MethodResolver.
type ConstantPool interface {
	ClassName(idx uint16) string
	FieldRef(idx uint16) (class, name string)
	MethodRef(idx uint16) (class, name, descriptor string)
}

// Precondition is one element of a recompile-precondition set: "class X
// is loaded/initialised".
type Precondition struct {
	ClassName string
	Loaded    bool // false means "Initialised" rather than "Loaded"
}

// Compiled is one method's compiled IR plus the bookkeeping the JIT
// dispatcher needs to decide when to recompile it.
type Compiled struct {
	Func          *ir.Func
	Preconditions map[Precondition]bool // all must become true before the fast path is emitted instead
}

// Compiler lowers one method's verified bytecode into IR.
type Compiler struct {
	Resolver resolver.MethodResolver
	Pool     ConstantPool

	restartID int
}

func New(r resolver.MethodResolver, pool ConstantPool) *Compiler {
	return &Compiler{Resolver: r, Pool: pool}
}

func (c *Compiler) nextRestart() int {
	c.restartID++
	return c.restartID
}

// compileState threads per-method mutable compilation context: the
// virtual-register allocator (one vreg per live operand-stack/local
// value reference) and the label allocator, a single instance threaded
// through one method's compilation.
type compileState struct {
	code          []ir.Inst
	nextVReg      int
	nextLabel     int
	preconditions map[Precondition]bool
}

func (s *compileState) vreg() int {
	s.nextVReg++
	return s.nextVReg
}

func (s *compileState) label() int {
	l := s.nextLabel
	s.nextLabel++
	return l
}

func (s *compileState) emit(in ir.Inst) { s.code = append(s.code, in) }

func (s *compileState) requirePrecondition(p Precondition) {
	if s.preconditions == nil {
		s.preconditions = make(map[Precondition]bool)
	}
	s.preconditions[p] = false
}

// Compile lowers m's bytecode into IR, given the verifier's per-PC frames
// (locals/operand-stack type info) and the class it is declared in.
func (c *Compiler) Compile(class resolver.ClassView, m *resolver.MethodView) (*Compiled, error) {
	frames, err := c.Resolver.VerifierFrames(m)
	if err != nil {
		return nil, fmt.Errorf("compiler: verifier frames for %s.%s: %w", m.DeclClass, m.Name, err)
	}
	frameAt := make(map[int]resolver.VerifierFrame, len(frames))
	for _, f := range frames {
		frameAt[f.PC] = f
	}

	s := &compileState{}
	// One virtual register per local slot and per operand-stack slot,
	// indexed the same way the physical frame indexes its slots —
	// locals[0..maxLocals) then stack[0..maxStack).
	localVReg := make([]int, m.MaxLocals)
	for i := range localVReg {
		localVReg[i] = s.vreg()
	}
	stackVReg := make([]int, m.MaxStack)
	for i := range stackVReg {
		stackVReg[i] = s.vreg()
	}

	code := m.Code
	labelAtPC := map[int]int{}
	pcOrder := []int{}
	for pc := 0; pc < len(code); {
		pcOrder = append(pcOrder, pc)
		pc = nextPC(code, pc)
	}
	for _, pc := range pcOrder {
		labelAtPC[pc] = s.label()
	}

	depth := func(pc int) int {
		if f, ok := frameAt[pc]; ok {
			return len(f.Stack)
		}
		return 0
	}

	for i, pc := range pcOrder {
		s.emit(ir.Inst{Op: ir.OpLabel, Label: labelAtPC[pc]})
		op := code[pc]
		sp := depth(pc)

		switch op {
		case opNop:
			s.emit(ir.Inst{Op: ir.OpNop})

		case opIConstM1, opIConst0, opIConst1, opIConst2, opIConst3, opIConst4, opIConst5:
			val := int64(int8(op) - opIConst0)
			s.emit(ir.Inst{Op: ir.OpConstI64, Dst: stackVReg[sp], Val: val})

		case opILoad, opILoad0, opILoad0 + 1, opILoad0 + 2, opILoad0 + 3:
			var idx int
			if op == opILoad {
				idx = int(code[pc+1])
			} else {
				idx = int(op - opILoad0)
			}
			s.emit(ir.Inst{Op: ir.OpMove, Dst: stackVReg[sp], A: localVReg[idx]})

		case opIStore, opIStore0, opIStore0 + 1, opIStore0 + 2, opIStore0 + 3:
			var idx int
			if op == opIStore {
				idx = int(code[pc+1])
			} else {
				idx = int(op - opIStore0)
			}
			s.emit(ir.Inst{Op: ir.OpMove, Dst: localVReg[idx], A: stackVReg[sp-1]})

		case opPop:
			// value already addressed via stackVReg[sp-1]; nothing to emit,
			// the verifier's stack-depth bookkeeping does the "pop".

		case opDup:
			s.emit(ir.Inst{Op: ir.OpMove, Dst: stackVReg[sp], A: stackVReg[sp-1]})

		case opIAdd, opISub, opIMul, opIDiv, opIRem, opIAnd, opIOr, opIXor, opIShl, opIShr, opIUShr:
			a, b := stackVReg[sp-2], stackVReg[sp-1]
			dst := stackVReg[sp-2]
			switch op {
			case opIAdd:
				s.emit(ir.Inst{Op: ir.OpAdd, Dst: dst, A: a, B: b})
			case opISub:
				s.emit(ir.Inst{Op: ir.OpSub, Dst: dst, A: a, B: b})
			case opIMul:
				s.emit(ir.Inst{Op: ir.OpMul, Dst: dst, A: a, B: b})
			case opIDiv:
				s.emitDivisionByZeroGuard(b)
				s.emit(ir.Inst{Op: ir.OpDivS, Dst: dst, A: a, B: b})
			case opIRem:
				s.emitDivisionByZeroGuard(b)
				s.emit(ir.Inst{Op: ir.OpRemS, Dst: dst, A: a, B: b})
			case opIAnd:
				s.emit(ir.Inst{Op: ir.OpAnd, Dst: dst, A: a, B: b})
			case opIOr:
				s.emit(ir.Inst{Op: ir.OpOr, Dst: dst, A: a, B: b})
			case opIXor:
				s.emit(ir.Inst{Op: ir.OpXor, Dst: dst, A: a, B: b})
			case opIShl:
				s.emitMaskedShift(ir.OpShl, dst, a, b, 31)
			case opIShr:
				s.emitMaskedShift(ir.OpShrS, dst, a, b, 31)
			case opIUShr:
				s.emitMaskedShift(ir.OpShrU, dst, a, b, 31)
			}

		case opINeg:
			s.emit(ir.Inst{Op: ir.OpNeg, Dst: stackVReg[sp-1], A: stackVReg[sp-1]})

		case opIfEq, opIfNe:
			zero := s.vreg()
			s.emit(ir.Inst{Op: ir.OpConstI64, Dst: zero, Val: 0})
			cond := byte(asm.CC_E)
			if op == opIfNe {
				cond = asm.CC_NE
			}
			target := labelAtPC[int(pc)+int(int16(binary.BigEndian.Uint16(code[pc+1:])))]
			s.emit(ir.Inst{Op: ir.OpCmpBranch, A: stackVReg[sp-1], B: zero, Cond: cond, Label: target})

		case opIfICmpEq, opIfICmpNe, opIfICmpLt, opIfICmpGe, opIfICmpGt, opIfICmpLe:
			cond := map[byte]byte{
				opIfICmpEq: asm.CC_E, opIfICmpNe: asm.CC_NE,
				opIfICmpLt: asm.CC_L, opIfICmpGe: asm.CC_GE,
				opIfICmpGt: asm.CC_G, opIfICmpLe: asm.CC_LE,
			}[op]
			target := labelAtPC[int(pc)+int(int16(binary.BigEndian.Uint16(code[pc+1:])))]
			s.emit(ir.Inst{Op: ir.OpCmpBranch, A: stackVReg[sp-2], B: stackVReg[sp-1], Cond: cond, Label: target})

		case opGoto:
			target := labelAtPC[int(pc)+int(int16(binary.BigEndian.Uint16(code[pc+1:])))]
			s.emit(ir.Inst{Op: ir.OpJmp, Label: target})

		case opIReturn:
			s.emit(ir.Inst{Op: ir.OpReturn, A: stackVReg[sp-1]})

		case opReturn:
			s.emit(ir.Inst{Op: ir.OpReturnVoid})

		case opIALoad:
			arr, idx := stackVReg[sp-2], stackVReg[sp-1]
			s.emitNullCheck(arr)
			s.emitBoundsCheck(arr, idx)
			off := s.vreg()
			s.emitElemByteOffset(off, idx, 4, 4)
			s.emit(ir.Inst{Op: ir.OpLoadArrayElem, Dst: stackVReg[sp-2], A: arr, B: off, Width: 4})

		case opIAStore:
			arr, idx, val := stackVReg[sp-3], stackVReg[sp-2], stackVReg[sp-1]
			s.emitNullCheck(arr)
			s.emitBoundsCheck(arr, idx)
			off := s.vreg()
			s.emitElemByteOffset(off, idx, 4, 4)
			s.emit(ir.Inst{Op: ir.OpMove, Dst: arr /* reuse as scratch below via Dst semantics */, A: arr})
			s.emit(ir.Inst{Op: ir.OpStoreArrayElem, Dst: val, A: arr, B: off, Width: 4})

		case opArrayLength:
			arr := stackVReg[sp-1]
			s.emitNullCheck(arr)
			s.emit(ir.Inst{Op: ir.OpLoadArrayLen, Dst: stackVReg[sp-1], A: arr, Val: 0})

		case opGetField, opPutField:
			idx := binary.BigEndian.Uint16(code[pc+1:])
			_, fname := c.Pool.FieldRef(idx)
			fv, err := c.resolveField(class, fname)
			if err != nil {
				return nil, err
			}
			if op == opGetField {
				obj := stackVReg[sp-1]
				s.emitNullCheck(obj)
				s.emit(ir.Inst{Op: ir.OpLoadField, Dst: stackVReg[sp-1], A: obj, Val: int64(fv.Offset), Width: fv.Type.Width()})
			} else {
				obj, val := stackVReg[sp-2], stackVReg[sp-1]
				s.emitNullCheck(obj)
				s.emit(ir.Inst{Op: ir.OpStoreField, A: obj, B: val, Val: int64(fv.Offset), Width: fv.Type.Width()})
			}

		case opGetStatic, opPutStatic:
			idx := binary.BigEndian.Uint16(code[pc+1:])
			cname, fname := c.Pool.FieldRef(idx)
			if !c.Resolver.IsInitialized(cname) {
				s.emitClassInitGuard(cname, idx, labelAtPC[pc])
			}
			fv, err := c.resolveStaticField(cname, fname)
			if err != nil {
				return nil, err
			}
			base := s.vreg()
			s.emit(ir.Inst{Op: ir.OpConstI64, Dst: base, Val: int64(fv.Offset)}) // statics-base resolved address folded in at link time
			if op == opGetStatic {
				s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.GetStatic, Val: int64(idx)})
			} else {
				s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.PutStatic, Val: int64(idx)})
			}

		case opInvokeStatic, opInvokeSpecial:
			idx := binary.BigEndian.Uint16(code[pc+1:])
			cname, mname, desc := c.Pool.MethodRef(idx)
			mv, err := c.Resolver.ResolveMethod(cname, mname, desc)
			if err != nil || mv == nil {
				tag := vmexit.ResolveInvokeStatic
				if op == opInvokeSpecial {
					tag = vmexit.ResolveInvokeSpecial
				}
				s.emit(ir.Inst{Op: ir.OpVMExit, Tag: tag})
			}
			s.emit(ir.Inst{Op: ir.OpCallDirect, Dst: stackVReg[max(sp-1, 0)], Name: cname + "." + mname + desc})

		case opInvokeVirtual:
			idx := binary.BigEndian.Uint16(code[pc+1:])
			cname, mname, desc := c.Pool.MethodRef(idx)
			mv, err := c.Resolver.ResolveMethod(cname, mname, desc)
			methodNumber := 0
			if err == nil && mv != nil {
				methodNumber = mv.MethodNumber
			}
			recv := stackVReg[max(sp-len(frameAt[pc].Stack), 0)]
			slot := s.vreg()
			s.emit(ir.Inst{Op: ir.OpVTableLoad, Dst: slot, A: recv, B: methodNumber})
			zero := s.vreg()
			s.emit(ir.Inst{Op: ir.OpConstI64, Dst: zero, Val: 0})
			resolved := s.label()
			s.emit(ir.Inst{Op: ir.OpCmpBranch, A: slot, B: zero, Cond: asm.CC_NE, Label: resolved})
			restart := c.nextRestart()
			s.emit(ir.Inst{Op: ir.OpRestartPoint, Val: int64(restart)})
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.ResolveInvokeVirtual, RestartID: restart})
			s.emit(ir.Inst{Op: ir.OpLabel, Label: resolved})
			s.emit(ir.Inst{Op: ir.OpCallReg, Dst: stackVReg[max(sp-1, 0)], A: slot})

		case opInvokeInterface:
			recv := stackVReg[max(sp-len(frameAt[pc].Stack), 0)]
			slot := s.vreg()
			s.emit(ir.Inst{Op: ir.OpITableLookup, Dst: slot, A: recv})
			zero := s.vreg()
			s.emit(ir.Inst{Op: ir.OpConstI64, Dst: zero, Val: 0})
			resolved := s.label()
			s.emit(ir.Inst{Op: ir.OpCmpBranch, A: slot, B: zero, Cond: asm.CC_NE, Label: resolved})
			restart := c.nextRestart()
			s.emit(ir.Inst{Op: ir.OpRestartPoint, Val: int64(restart)})
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.ResolveInvokeVirtual, RestartID: restart})
			s.emit(ir.Inst{Op: ir.OpLabel, Label: resolved})
			s.emit(ir.Inst{Op: ir.OpCallReg, Dst: stackVReg[max(sp-1, 0)], A: slot})

		case opNew:
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.AllocateObject})
			s.emit(ir.Inst{Op: ir.OpMove, Dst: stackVReg[sp]})

		case opNewArray, opANewArray:
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.AllocateObjectArray})
			s.emit(ir.Inst{Op: ir.OpMove, Dst: stackVReg[sp-1], A: stackVReg[sp-1]})

		case opMultiANewArray:
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.MultiAllocateObjectArray})

		case opInstanceOf:
			idx := binary.BigEndian.Uint16(code[pc+1:])
			cname := c.Pool.ClassName(idx)
			_ = cname
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.InstanceOf})

		case opCheckCast:
			s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.CheckCast})

		default:
			return nil, fmt.Errorf("compiler: opcode %#x at pc %d not implemented", op, pc)
		}
		_ = i
	}

	f := &ir.Func{
		Name:      m.DeclClass + "." + m.Name,
		MethodID:  m.ID,
		MaxLocals: m.MaxLocals,
		MaxStack:  m.MaxStack,
		NumVRegs:  s.nextVReg,
		Code:      s.code,
	}
	return &Compiled{Func: f, Preconditions: s.preconditions}, nil
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// nextPC advances past one instruction, accounting for the handful of
// variable-length forms among the opcodes this package implements.
func nextPC(code []byte, pc int) int {
	switch code[pc] {
	case opILoad, opIStore:
		return pc + 2
	case opLdc:
		return pc + 2
	case opIfEq, opIfNe, opIfICmpEq, opIfICmpNe, opIfICmpLt, opIfICmpGe, opIfICmpGt, opIfICmpLe, opGoto:
		return pc + 3
	case opGetStatic, opPutStatic, opGetField, opPutField,
		opInvokeVirtual, opInvokeSpecial, opInvokeStatic,
		opNew, opANewArray, opCheckCast, opInstanceOf:
		return pc + 3
	case opInvokeInterface, opMultiANewArray:
		return pc + 5
	case opNewArray:
		return pc + 2
	default:
		return pc + 1
	}
}

// emitNullCheck emits an NPE VM exit if ref is zero, implementing array
// access's implicit "loads array ref (NPE-check)" step, and reused for
// getfield/putfield's implicit receiver null-check.
func (s *compileState) emitNullCheck(ref int) {
	zero := s.vreg()
	s.emit(ir.Inst{Op: ir.OpConstI64, Dst: zero, Val: 0})
	ok := s.label()
	s.emit(ir.Inst{Op: ir.OpCmpBranch, A: ref, B: zero, Cond: asm.CC_NE, Label: ok})
	s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.NPE})
	s.emit(ir.Inst{Op: ir.OpLabel, Label: ok})
}

// emitBoundsCheck compares idx against the array's length field (offset
// 0) and raises ArrayOutOfBounds if idx is out of [0, length).
func (s *compileState) emitBoundsCheck(arr, idx int) {
	length := s.vreg()
	s.emit(ir.Inst{Op: ir.OpLoadField, Dst: length, A: arr, Val: 0, Width: 4})
	ok := s.label()
	s.emit(ir.Inst{Op: ir.OpCmpBranch, A: idx, B: length, Cond: asm.CC_L, Label: ok})
	s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.ArrayOutOfBounds})
	s.emit(ir.Inst{Op: ir.OpLabel, Label: ok})
	zero := s.vreg()
	s.emit(ir.Inst{Op: ir.OpConstI64, Dst: zero, Val: 0})
	ok2 := s.label()
	s.emit(ir.Inst{Op: ir.OpCmpBranch, A: idx, B: zero, Cond: asm.CC_GE, Label: ok2})
	s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.ArrayOutOfBounds})
	s.emit(ir.Inst{Op: ir.OpLabel, Label: ok2})
}

// emitElemByteOffset computes `elem0Offset + idx*stride` into dst, the
// standard array element address computation.
func (s *compileState) emitElemByteOffset(dst, idx, stride, elem0Offset int) {
	strideReg := s.vreg()
	s.emit(ir.Inst{Op: ir.OpConstI64, Dst: strideReg, Val: int64(stride)})
	s.emit(ir.Inst{Op: ir.OpMul, Dst: dst, A: idx, B: strideReg})
	baseReg := s.vreg()
	s.emit(ir.Inst{Op: ir.OpConstI64, Dst: baseReg, Val: int64(elem0Offset)})
	s.emit(ir.Inst{Op: ir.OpAdd, Dst: dst, A: dst, B: baseReg})
}

// emitDivisionByZeroGuard raises a VM exit on idiv/irem by zero (JVM
// semantics: ArithmeticException, carried through the generic Throw exit
// since the VM exit tag set has no dedicated "divide by zero" tag).
func (s *compileState) emitDivisionByZeroGuard(divisor int) {
	zero := s.vreg()
	s.emit(ir.Inst{Op: ir.OpConstI64, Dst: zero, Val: 0})
	ok := s.label()
	s.emit(ir.Inst{Op: ir.OpCmpBranch, A: divisor, B: zero, Cond: asm.CC_NE, Label: ok})
	s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.Throw})
	s.emit(ir.Inst{Op: ir.OpLabel, Label: ok})
}

// emitMaskedShift masks the shift amount per JVM semantics (31 for int,
// 63 for long) before emitting the shift.
func (s *compileState) emitMaskedShift(op ir.Op, dst, a, b int, mask int64) {
	maskReg := s.vreg()
	s.emit(ir.Inst{Op: ir.OpConstI64, Dst: maskReg, Val: mask})
	masked := s.vreg()
	s.emit(ir.Inst{Op: ir.OpAnd, Dst: masked, A: b, B: maskReg})
	s.emit(ir.Inst{Op: op, Dst: dst, A: a, B: masked})
}

// emitClassInitGuard implements the class-initialisation guard: a
// restart point followed by an InitClassAndRecompile exit when
// the class is not yet initialised, and records the recompile
// precondition so the JIT dispatcher knows to recompile this method
// (replacing the exit with the fast path) once it becomes satisfied.
// fieldRefIdx is the constant-pool field-ref index the caller resolved
// className from; it rides along on the exit (Val, and from there
// Operands[0]) so the runtime-side handler can recover className
// without its own constant-pool walk.
func (s *compileState) emitClassInitGuard(className string, fieldRefIdx uint16, restartLabel int) {
	s.requirePrecondition(Precondition{ClassName: className, Loaded: false})
	restart := len(s.code) // restart id reuses the code-position counter; unique per guard site
	s.emit(ir.Inst{Op: ir.OpRestartPoint, Val: int64(restart)})
	s.emit(ir.Inst{Op: ir.OpVMExit, Tag: vmexit.InitClassAndRecompile, Val: int64(fieldRefIdx), RestartID: restart})
}

func (c *Compiler) resolveField(class resolver.ClassView, name string) (*resolver.FieldView, error) {
	for _, f := range class.Fields() {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, fmt.Errorf("compiler: field %q not found on %s", name, class.Name())
}

func (c *Compiler) resolveStaticField(className, name string) (*resolver.FieldView, error) {
	fv, err := c.Resolver.ResolveField(className, name)
	if err != nil {
		return nil, fmt.Errorf("compiler: resolve static field %s.%s: %w", className, name, err)
	}
	return fv, nil
}
