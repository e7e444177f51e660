// Package asm is a mnemonic-level x86-64 instruction encoder: callers build
// up a byte buffer one instruction at a time with fixups for forward
// branches. Beyond integer arithmetic and control flow it also supports
// the SSE2 double-precision path the JVM's saturating float/double-to-int
// conversions need.
package asm

// General-purpose register numbers, ModR/M-encoding order.
const (
	RAX = 0
	RCX = 1
	RDX = 2
	RBX = 3
	RSP = 4
	RBP = 5
	RSI = 6
	RDI = 7
	R8  = 8
	R9  = 9
	R10 = 10
	R11 = 11
	R12 = 12
	R13 = 13
	R14 = 14
	R15 = 15
)

// XMM register numbers (SSE2 scalar double/float ops).
const (
	XMM0 = 0
	XMM1 = 1
	XMM2 = 2
	XMM3 = 3
	XMM4 = 4
	XMM5 = 5
	XMM6 = 6
	XMM7 = 7
)

// Condition codes for Jcc/SetCC/CMOVcc. Each value is the second byte of
// the two-byte 0x0F 0x8x Jcc form; SetCC and CmovccRR use only its low
// nibble (the condition) in their 0x0F 0x9x / 0x0F 0x4x forms.
const (
	CC_E  = 0x84 // equal / zero
	CC_NE = 0x85 // not equal / not zero
	CC_L  = 0x8C // less (signed)
	CC_GE = 0x8D // greater or equal (signed)
	CC_LE = 0x8E // less or equal (signed)
	CC_G  = 0x8F // greater (signed)
	CC_B  = 0x82 // below (unsigned)
	CC_AE = 0x83 // above or equal (unsigned) / not carry
	CC_A  = 0x87 // above (unsigned)
	CC_NS = 0x89 // not sign
	CC_NP = 0x8B // not parity (used to detect "ordered", i.e. not-NaN)
	CC_P  = 0x8A // parity (NaN present in an SSE2 compare)
)

// VMExit register convention: exit tag in RAX, operand registers in this
// fixed order.
var ExitOperandRegs = [6]int{RBX, RCX, RDX, RSI, RDI, R8}
