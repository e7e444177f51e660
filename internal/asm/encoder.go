package asm

// Encoder accumulates a linear stream of x86-64 machine code for one
// compiled method: byte-emission primitives plus rel32 fixup bookkeeping,
// driven by the caller (internal/ir) from a typed IR list.
type Encoder struct {
	Code []byte

	// CallFixups record `call rel32` placeholders awaiting a target
	// address (a resolved vtable/static entry, or a runtime trampoline).
	CallFixups []CallFixup

	// JumpFixups record intra-method branch placeholders awaiting a
	// label's offset once the whole method has been emitted once.
	JumpFixups []JumpFixup
}

// CallFixup is a `call rel32` needing a later-known absolute target offset.
type CallFixup struct {
	CodeOffset int
	Target     string
}

// JumpFixup is a `jmp`/`jcc rel32` needing a label's offset.
type JumpFixup struct {
	CodeOffset int
	Label      int
}

func (e *Encoder) emitByte(b byte)          { e.Code = append(e.Code, b) }
func (e *Encoder) emitBytes(bs ...byte)     { e.Code = append(e.Code, bs...) }
func (e *Encoder) Offset() int              { return len(e.Code) }

func (e *Encoder) emitU32(v uint32) {
	e.emitBytes(byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func (e *Encoder) emitU64(v uint64) {
	e.emitU32(uint32(v))
	e.emitU32(uint32(v >> 32))
}

// === Moves ===

// MovRegImm64 emits `movabs reg, imm64`.
func (e *Encoder) MovRegImm64(reg int, val uint64) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitByte(rex)
	e.emitByte(byte(0xb8 + (reg & 7)))
	e.emitU64(val)
}

// MovRegImm32 emits `mov reg, imm32` (sign-extended to 64 bits as needed by
// callers working in a 64-bit register).
func (e *Encoder) MovRegImm32(reg int, val int32) {
	e.rexR(reg)
	e.emitByte(0xc7)
	e.emitByte(byte(0xc0 | (reg & 7)))
	e.emitU32(uint32(val))
}

func (e *Encoder) rexR(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4c
	}
	e.emitByte(rex)
}

// LoadMem emits `mov reg, [rbp + offset]` (offset may be negative).
func (e *Encoder) LoadMem(offset int, reg int) {
	e.rexR(reg)
	e.modrmRBPOffset(0x8b, reg, offset)
}

// StoreMem emits `mov [rbp + offset], reg`.
func (e *Encoder) StoreMem(offset int, reg int) {
	e.rexR(reg)
	e.modrmRBPOffset(0x89, reg, offset)
}

// LeaMem emits `lea reg, [rbp + offset]`.
func (e *Encoder) LeaMem(offset int, reg int) {
	e.rexR(reg)
	e.modrmRBPOffset(0x8d, reg, offset)
}

// modrmRBPOffset emits opcode followed by a ModR/M+disp8/disp32 addressing
// [rbp+offset], the shape every local-variable load/store instruction uses.
func (e *Encoder) modrmRBPOffset(opcode byte, reg, offset int) {
	if offset >= -128 && offset <= 127 {
		e.emitBytes(opcode, byte(0x45|((reg&7)<<3)), byte(int8(offset)))
		return
	}
	e.emitBytes(opcode, byte(0x85|((reg&7)<<3)))
	e.emitU32(uint32(int32(offset)))
}

// LoadMemBase emits `mov reg, [base + offset]` for an arbitrary base
// register (array/field access, not frame-relative).
func (e *Encoder) LoadMemBase(base, offset, reg int) {
	e.emitModRMBase(0x8b, base, offset, reg)
}

// StoreMemBase emits `mov [base + offset], reg`.
func (e *Encoder) StoreMemBase(base, offset, reg int) {
	e.emitModRMBase(0x89, base, offset, reg)
}

func (e *Encoder) emitModRMBase(opcode byte, base, offset, reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex |= 0x04
	}
	if base >= 8 {
		rex |= 0x01
	}
	e.emitByte(rex)
	e.emitByte(opcode)
	b := base & 7
	r := reg & 7
	needsSIB := b == 4 // RSP/R12 need a SIB byte
	var mod byte
	useDisp32 := offset < -128 || offset > 127 || b == 5
	if offset == 0 && b != 5 {
		mod = 0x00
	} else if useDisp32 {
		mod = 0x80
	} else {
		mod = 0x40
	}
	if needsSIB {
		e.emitByte(mod | byte(r<<3) | 4)
		e.emitByte(0x24) // SIB: scale=1, index=none, base=RSP/R12
	} else {
		e.emitByte(mod | byte(r<<3|b))
	}
	if mod == 0x80 {
		e.emitU32(uint32(int32(offset)))
	} else if mod == 0x40 {
		e.emitByte(byte(int8(offset)))
	}
}

// LoadMemBase32 emits `mov r32, [base+offset]`: a plain 32-bit load, which
// the CPU zero-extends into the full 64-bit register — used for int/float
// array elements and fields (width=4).
func (e *Encoder) LoadMemBase32(base, offset, reg int) {
	e.emitModRMBase32(0x8b, base, offset, reg)
}

// StoreMemBase32 emits `mov [base+offset], r32`.
func (e *Encoder) StoreMemBase32(base, offset, reg int) {
	e.emitModRMBase32(0x89, base, offset, reg)
}

func (e *Encoder) emitModRMBase32(opcode byte, base, offset, reg int) {
	rex := byte(0)
	if reg >= 8 {
		rex |= 0x44
	}
	if base >= 8 {
		rex |= 0x41
	}
	if rex != 0 {
		e.emitByte(rex)
	}
	e.emitModRMBaseNoRex(opcode, base, offset, reg)
}

// LoadMemBase16 / StoreMemBase16: 16-bit width variants for char/short
// array elements and fields (width=2). Load zero-extends via movzx so
// callers needing sign extension follow up with MovsxW.
func (e *Encoder) LoadMemBase16(base, offset, reg int) {
	rex := byte(0)
	if reg >= 8 {
		rex |= 0x44
	}
	if base >= 8 {
		rex |= 0x41
	}
	if rex != 0 {
		e.emitByte(rex)
	}
	e.emitByte(0x0f)
	e.emitModRMBaseNoRex(0xb7, base, offset, reg)
}

func (e *Encoder) StoreMemBase16(base, offset, reg int) {
	e.emitByte(0x66)
	rex := byte(0)
	if reg >= 8 {
		rex |= 0x44
	}
	if base >= 8 {
		rex |= 0x41
	}
	if rex != 0 {
		e.emitByte(rex)
	}
	e.emitModRMBaseNoRex(0x89, base, offset, reg)
}

// LoadByteBase / StoreByteBase: 1-byte-width variants used by byte/boolean
// array element access.
func (e *Encoder) LoadByteBase(base, offset, reg int) {
	e.emitByte(0x40 | boolToBit(reg >= 8)<<2 | boolToBit(base >= 8))
	e.emitModRMBaseNoRex(0x8a, base, offset, reg)
}

func (e *Encoder) StoreByteBase(base, offset, reg int) {
	e.emitByte(0x40 | boolToBit(reg >= 8)<<2 | boolToBit(base >= 8))
	e.emitModRMBaseNoRex(0x88, base, offset, reg)
}

func boolToBit(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func (e *Encoder) emitModRMBaseNoRex(opcode byte, base, offset, reg int) {
	e.emitByte(opcode)
	b := base & 7
	r := reg & 7
	needsSIB := b == 4
	var mod byte
	useDisp32 := offset < -128 || offset > 127 || b == 5
	if offset == 0 && b != 5 {
		mod = 0x00
	} else if useDisp32 {
		mod = 0x80
	} else {
		mod = 0x40
	}
	if needsSIB {
		e.emitByte(mod | byte(r<<3) | 4)
		e.emitByte(0x24)
	} else {
		e.emitByte(mod | byte(r<<3|b))
	}
	if mod == 0x80 {
		e.emitU32(uint32(int32(offset)))
	} else if mod == 0x40 {
		e.emitByte(byte(int8(offset)))
	}
}

// === Stack ===

func (e *Encoder) PushR(reg int) {
	if reg >= 8 {
		e.emitBytes(0x41, byte(0x50+(reg&7)))
	} else {
		e.emitByte(byte(0x50 + reg))
	}
}

func (e *Encoder) PopR(reg int) {
	if reg >= 8 {
		e.emitBytes(0x41, byte(0x58+(reg&7)))
	} else {
		e.emitByte(byte(0x58 + reg))
	}
}

// === Register-register ALU ===

func rexRR(dst, src int) byte {
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	return rex
}

func modrmRR(dst, src int) byte {
	return byte(0xc0 | ((src & 7) << 3) | (dst & 7))
}

func (e *Encoder) aluRR(opcode byte, dst, src int) {
	e.emitBytes(rexRR(dst, src), opcode, modrmRR(dst, src))
}

func (e *Encoder) MovRR(dst, src int)  { e.aluRR(0x89, dst, src) }
func (e *Encoder) AddRR(dst, src int)  { e.aluRR(0x01, dst, src) }
func (e *Encoder) SubRR(dst, src int)  { e.aluRR(0x29, dst, src) }
func (e *Encoder) AndRR(dst, src int)  { e.aluRR(0x21, dst, src) }
func (e *Encoder) OrRR(dst, src int)   { e.aluRR(0x09, dst, src) }
func (e *Encoder) XorRR(dst, src int)  { e.aluRR(0x31, dst, src) }
func (e *Encoder) CmpRR(a, b int)      { e.aluRR(0x39, a, b) }
func (e *Encoder) TestRR(a, b int)     { e.aluRR(0x85, a, b) }

// ImulRR emits `imul dst, src` (0F AF).
func (e *Encoder) ImulRR(dst, src int) {
	e.emitBytes(rexRR(dst, src), 0x0f, 0xaf, modrmRR(src, dst))
}

func (e *Encoder) NegR(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0xf7, byte(0xd8|(reg&7)))
}

func (e *Encoder) NotR(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0xf7, byte(0xd0|(reg&7)))
}

// Cqo sign-extends RAX into RDX:RAX ahead of a 64-bit idiv.
func (e *Encoder) Cqo() { e.emitBytes(0x48, 0x99) }

// IdivR emits `idiv reg` (signed divide RDX:RAX by reg -> RAX=quot, RDX=rem).
func (e *Encoder) IdivR(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0xf7, byte(0xf8|(reg&7)))
}

func (e *Encoder) ShlCl(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0xd3, byte(0xe0|(reg&7)))
}

func (e *Encoder) SarCl(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0xd3, byte(0xf8|(reg&7)))
}

func (e *Encoder) ShrCl(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0xd3, byte(0xe8|(reg&7)))
}

// === Register-immediate ALU ===

func (e *Encoder) aluRI(sub byte, reg int, val int32) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	if val >= -128 && val <= 127 {
		e.emitBytes(rex, 0x83, byte(0xc0|int(sub)<<3|(reg&7)), byte(int8(val)))
		return
	}
	e.emitBytes(rex, 0x81, byte(0xc0|int(sub)<<3|(reg&7)))
	e.emitU32(uint32(val))
}

func (e *Encoder) AddRI(reg int, val int32) { e.aluRI(0, reg, val) }
func (e *Encoder) SubRI(reg int, val int32) { e.aluRI(5, reg, val) }
func (e *Encoder) CmpRI(reg int, val int32) { e.aluRI(7, reg, val) }
func (e *Encoder) AndRI(reg int, val int32) { e.aluRI(4, reg, val) }

// XorRI8 emits `xor reg, imm8` (sign-extended), used to clear small flags.
func (e *Encoder) XorRI8(reg int, val byte) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x49
	}
	e.emitBytes(rex, 0x83, byte(0xf0|(reg&7)), val)
}

// ImulRRI32 emits `imul dst, src, imm32`.
func (e *Encoder) ImulRRI32(dst, src int, val int32) {
	e.emitBytes(rexRR(dst, src), 0x69, modrmRR(src, dst))
	e.emitU32(uint32(val))
}

// === Extends ===

func (e *Encoder) MovzxB(reg int) {
	rex := byte(0x40)
	if reg >= 8 {
		rex = 0x45
	}
	e.emitBytes(rex, 0x0f, 0xb6, byte(0xc0|((reg&7)<<3)|(reg&7)))
}

func (e *Encoder) MovzxW(reg int) {
	rex := byte(0x40)
	if reg >= 8 {
		rex = 0x45
	}
	e.emitBytes(rex, 0x0f, 0xb7, byte(0xc0|((reg&7)<<3)|(reg&7)))
}

func (e *Encoder) MovsxB(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4d
	}
	e.emitBytes(rex, 0x0f, 0xbe, byte(0xc0|((reg&7)<<3)|(reg&7)))
}

func (e *Encoder) MovsxW(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4d
	}
	e.emitBytes(rex, 0x0f, 0xbf, byte(0xc0|((reg&7)<<3)|(reg&7)))
}

// MovsxD sign-extends the low 32 bits of reg into the full 64-bit register.
func (e *Encoder) MovsxD(reg int) {
	rex := byte(0x48)
	if reg >= 8 {
		rex = 0x4c
	}
	e.emitBytes(rex, 0x63, byte(0xc0|((reg&7)<<3)|(reg&7)))
}

// SetCC emits `setCC reg8` then zero-extends into the full register, giving
// a 0/1 int in reg.
func (e *Encoder) SetCC(cc byte, reg int) {
	rex := byte(0x40)
	if reg >= 8 {
		rex = 0x41
	}
	e.emitBytes(rex, 0x0f, byte(0x90|(cc&0x0f)), byte(0xc0|(reg&7)))
	e.MovzxB(reg)
}

// === Branches, calls, return ===

// JmpRel32 emits `jmp rel32` and returns the rel32 offset for a fixup.
func (e *Encoder) JmpRel32() int {
	e.emitByte(0xe9)
	off := len(e.Code)
	e.emitU32(0)
	return off
}

// JccRel32 emits `jCC rel32` and returns the rel32 offset for a fixup.
func (e *Encoder) JccRel32(cc byte) int {
	e.emitBytes(0x0f, cc)
	off := len(e.Code)
	e.emitU32(0)
	return off
}

// PatchRel32At patches a previously-emitted rel32 at fixupOff to target targetOff.
func (e *Encoder) PatchRel32At(fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	e.Code[fixupOff] = byte(rel)
	e.Code[fixupOff+1] = byte(rel >> 8)
	e.Code[fixupOff+2] = byte(rel >> 16)
	e.Code[fixupOff+3] = byte(rel >> 24)
}

// CallPlaceholder emits `call rel32` with a placeholder target, queued in
// CallFixups for the caller to resolve once it knows the address.
func (e *Encoder) CallPlaceholder(target string) {
	e.emitByte(0xe8)
	e.CallFixups = append(e.CallFixups, CallFixup{CodeOffset: len(e.Code), Target: target})
	e.emitU32(0)
}

// CallReg emits `call reg` (an indirect call through a vtable/itable slot
// already loaded into a register).
func (e *Encoder) CallReg(reg int) {
	if reg >= 8 {
		e.emitByte(0x41)
	}
	e.emitBytes(0xff, byte(0xd0|(reg&7)))
}

func (e *Encoder) Ret()  { e.emitByte(0xc3) }
func (e *Encoder) Int3() { e.emitByte(0xcc) }

// Nop emits a single-byte no-op, used to pad restart-point alignment.
func (e *Encoder) Nop() { e.emitByte(0x90) }
