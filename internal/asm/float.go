package asm

// Scalar double-precision (SSE2) encodings. These extend the same
// REX/ModRM machinery above to cover the JVM's float/double arithmetic
// and the saturating float-to-int conversion sequence the IR assembler
// emits for OpF2ISaturating/OpF2LSaturating.

func xmmModRM(opcode1, opcode2 byte, dst, src int) []byte {
	rex := byte(0)
	if dst >= 8 {
		rex |= 0x44
	}
	if src >= 8 {
		rex |= 0x41
	}
	b := []byte{}
	if rex != 0 {
		b = append(b, rex)
	}
	b = append(b, opcode1, opcode2, byte(0xc0|((dst&7)<<3)|(src&7)))
	return b
}

// MovsdRR emits `movsd dst, src` (xmm-to-xmm).
func (e *Encoder) MovsdRR(dst, src int) {
	e.emitByte(0xf2)
	e.emitBytes(xmmModRM(0x0f, 0x10, dst, src)...)
}

// MovsdLoad emits `movsd xmm, [rbp+offset]`.
func (e *Encoder) MovsdLoad(offset int, xmm int) {
	e.emitByte(0xf2)
	if xmm >= 8 {
		e.emitByte(0x44)
	}
	e.emitBytes(0x0f, 0x10)
	e.modrmRBPOffsetXMM(xmm, offset)
}

// MovsdStore emits `movsd [rbp+offset], xmm`.
func (e *Encoder) MovsdStore(offset int, xmm int) {
	e.emitByte(0xf2)
	if xmm >= 8 {
		e.emitByte(0x44)
	}
	e.emitBytes(0x0f, 0x11)
	e.modrmRBPOffsetXMM(xmm, offset)
}

func (e *Encoder) modrmRBPOffsetXMM(xmm, offset int) {
	if offset >= -128 && offset <= 127 {
		e.emitBytes(byte(0x45|((xmm&7)<<3)), byte(int8(offset)))
		return
	}
	e.emitByte(byte(0x85 | ((xmm & 7) << 3)))
	e.emitU32(uint32(int32(offset)))
}

// AddsdRR / SubsdRR / MulsdRR / DivsdRR: scalar double arithmetic.
func (e *Encoder) AddsdRR(dst, src int) { e.emitByte(0xf2); e.emitBytes(xmmModRM(0x0f, 0x58, dst, src)...) }
func (e *Encoder) SubsdRR(dst, src int) { e.emitByte(0xf2); e.emitBytes(xmmModRM(0x0f, 0x5c, dst, src)...) }
func (e *Encoder) MulsdRR(dst, src int) { e.emitByte(0xf2); e.emitBytes(xmmModRM(0x0f, 0x59, dst, src)...) }
func (e *Encoder) DivsdRR(dst, src int) { e.emitByte(0xf2); e.emitBytes(xmmModRM(0x0f, 0x5e, dst, src)...) }
func (e *Encoder) MaxsdRR(dst, src int) { e.emitByte(0xf2); e.emitBytes(xmmModRM(0x0f, 0x5f, dst, src)...) }
func (e *Encoder) MinsdRR(dst, src int) { e.emitByte(0xf2); e.emitBytes(xmmModRM(0x0f, 0x5d, dst, src)...) }

// UcomisdRR emits `ucomisd a, b`, setting ZF/PF/CF the way integer cmp sets
// ZF/SF/OF: PF=1 signals "unordered" (at least one operand was NaN).
func (e *Encoder) UcomisdRR(a, b int) {
	e.emitByte(0x66)
	e.emitBytes(xmmModRM(0x0f, 0x2e, a, b)...)
}

// Cvttsd2siRR truncates (toward zero) the double in src into the 64-bit GP
// register dst. On overflow/NaN the CPU produces the "integer indefinite"
// value (0x8000000000000000); callers pair this with the clamp-then-select
// sequence in internal/ir's emitSaturatingF2I to get JVM saturating semantics.
func (e *Encoder) Cvttsd2siRR(dst, src int) {
	e.emitByte(0xf2)
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	e.emitBytes(rex, 0x0f, 0x2c, byte(0xc0|((dst&7)<<3)|(src&7)))
}

// CmovnpRR emits `cmovnp dst, src`: move only if the last comparison's
// parity flag is clear (i.e. the compared operands were ordered, not NaN).
func (e *Encoder) CmovnpRR(dst, src int) {
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	e.emitBytes(rex, 0x0f, 0x4b, byte(0xc0|((dst&7)<<3)|(src&7)))
}

// Cvtsi2sdRR converts the signed 64-bit integer in src to a double in xmm
// dst (exact, no rounding loss relevant to the int64->double range used
// here).
func (e *Encoder) Cvtsi2sdRR(dst, src int) {
	e.emitByte(0xf2)
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	e.emitBytes(rex, 0x0f, 0x2a, byte(0xc0|((dst&7)<<3)|(src&7)))
}

// MovqXmmToGP emits `movq gp, xmm` (66 REX.W 0F 7E): copies the raw 64
// bits of xmm into gp without converting, used to recover a double's sign
// bit for the saturating-conversion clamp sequence.
func (e *Encoder) MovqXmmToGP(gp, xmm int) {
	e.emitByte(0x66)
	rex := byte(0x48)
	if xmm >= 8 {
		rex |= 0x04
	}
	if gp >= 8 {
		rex |= 0x01
	}
	e.emitBytes(rex, 0x0f, 0x7e, byte(0xc0|((xmm&7)<<3)|(gp&7)))
}

// CmovccRR emits `cmovCC dst, src` for any asm.CC_* condition (e.g. CC_L,
// CC_G, CC_P), used by the saturating-conversion clamp sequence to pick
// the min/max bound or the NaN result.
func (e *Encoder) CmovccRR(cc byte, dst, src int) {
	rex := byte(0x48)
	if dst >= 8 {
		rex |= 0x04
	}
	if src >= 8 {
		rex |= 0x01
	}
	e.emitBytes(rex, 0x0f, byte(0x40|(cc&0x0f)), byte(0xc0|((dst&7)<<3)|(src&7)))
}
