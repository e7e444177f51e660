package types

// BitPath256 encodes a class's position in the single-inheritance tree as a
// 256-bit path plus a valid-mask, so subtype tests reduce to one masked XOR
// compare. A real JIT lowers IsSubpathOf's loop below to a single AVX2
// VPXOR/VPTEST sequence in the instanceof/checkcast fast path; the Go form
// here is the reference semantics the compiled fast path must agree with,
// and is what the interpreted fallback executor calls.
type BitPath256 struct {
	Path   [4]uint64
	Mask   [4]uint64
	BitLen int
}

// IsSubpathOf reports whether b (the subclass) is super or a descendant of
// super: (super.path XOR sub.path) AND super.mask == 0 and
// sub.bit_len >= super.bit_len.
func (b *BitPath256) IsSubpathOf(super *BitPath256) bool {
	if b.BitLen < super.BitLen {
		return false
	}
	for i := 0; i < 4; i++ {
		if (super.Path[i]^b.Path[i])&super.Mask[i] != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether two bit-paths designate the same class.
func (b *BitPath256) Equal(o *BitPath256) bool {
	return b.BitLen == o.BitLen && b.Path == o.Path
}

// BitPathAllocator assigns bit-paths to classes at link time, with
// java/lang/Object fixed at the all-zero path. Each direct subclass of a
// given superclass gets a distinct unary-coded suffix appended to the
// superclass's path: its Nth child (0-indexed, counted per superclass)
// appends N one-bits followed by a terminating zero-bit. Unary codes are
// prefix-free, so no two siblings' paths can ever stand in the
// ancestor/descendant relationship IsSubpathOf tests for, however many
// direct subclasses a class has.
// Each allocator instance owns one inheritance tree; it is not safe for
// concurrent use without the caller's own lock.
type BitPathAllocator struct {
	childCount map[BitPath256]int // per-superclass count of children assigned so far
}

// NewBitPathAllocator returns an allocator whose first Assign call produces
// the all-zero root path (java/lang/Object).
func NewBitPathAllocator() *BitPathAllocator {
	return &BitPathAllocator{childCount: make(map[BitPath256]int)}
}

// Assign computes child's bit-path from its direct superclass's (already
// assigned) bit-path. super may be nil only for java/lang/Object itself.
func (a *BitPathAllocator) Assign(super *BitPath256) *BitPath256 {
	if super == nil {
		return &BitPath256{BitLen: 0}
	}

	rank := a.childCount[*super]
	a.childCount[*super] = rank + 1

	bp := &BitPath256{Path: super.Path, Mask: super.Mask, BitLen: super.BitLen}
	setBit := func(val bool) {
		word, off := bp.BitLen/64, uint(bp.BitLen%64)
		if val {
			bp.Path[word] |= 1 << off
		}
		bp.Mask[word] |= 1 << off
		bp.BitLen++
	}
	for i := 0; i < rank; i++ {
		setBit(true)
	}
	setBit(false) // terminator: marks the end of this sibling's unary code
	return bp
}
