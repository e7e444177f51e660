package frame

import "testing"

func TestLocalAndOperandOffsetsDontCollideWithHeader(t *testing.T) {
	maxLocals, maxStack := 4, 6

	for i := 0; i < maxLocals; i++ {
		off := LocalOffset(i)
		if off > -HeaderSize {
			t.Fatalf("local %d at offset %d overlaps header (header size %d)", i, off, HeaderSize)
		}
	}
	for k := 0; k < maxStack; k++ {
		off := OperandOffset(maxLocals, k)
		localEnd := LocalOffset(maxLocals - 1)
		if off >= localEnd {
			t.Fatalf("operand slot %d at %d overlaps locals (last local at %d)", k, off, localEnd)
		}
	}
}

func TestFrameBytesAligned(t *testing.T) {
	for locals := 0; locals < 8; locals++ {
		for stack := 0; stack < 8; stack++ {
			n := FrameBytes(locals, stack)
			if n%16 != 0 {
				t.Fatalf("FrameBytes(%d,%d) = %d, not 16-byte aligned", locals, stack, n)
			}
		}
	}
}
