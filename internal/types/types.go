// Package types holds the resolved, post-link representation of classes:
// allocated-type descriptors, vtables, itables and the bit-path inheritance
// test. These are the tables generated code reads directly, so their layouts
// are fixed once and never renegotiated.
package types

// Kind tags the closed set of allocated-type variants. Kept as a small
// tagged union rather than an interface hierarchy, the same shape a
// small fixed opcode/kind enum takes anywhere it's read by generated code.
type Kind int

const (
	KindClass Kind = iota
	KindObjectArray
	KindPrimitiveArray
	KindRawConstantSize
)

func (k Kind) String() string {
	switch k {
	case KindClass:
		return "class"
	case KindObjectArray:
		return "object-array"
	case KindPrimitiveArray:
		return "primitive-array"
	case KindRawConstantSize:
		return "raw"
	default:
		return "unknown"
	}
}

// PrimKind names a JVM primitive array element type.
type PrimKind int

const (
	PrimBoolean PrimKind = iota
	PrimByte
	PrimChar
	PrimShort
	PrimInt
	PrimLong
	PrimFloat
	PrimDouble
)

// Width returns the element width in bytes. It is derived from the kind on
// every call (region.FindObjectRegionHeader calls it at lookup time).
func (p PrimKind) Width() int {
	switch p {
	case PrimBoolean, PrimByte:
		return 1
	case PrimChar, PrimShort:
		return 2
	case PrimInt, PrimFloat:
		return 4
	case PrimLong, PrimDouble:
		return 8
	default:
		return 0
	}
}

// ClassType is the resolved, linked form of a class. BitPath and
// VTable/FastInstance are assigned exactly once, at link time, and never
// mutated afterward.
type ClassType struct {
	Name         string
	Loader       string
	IsInterface  bool
	Super        *ClassType
	VTable       *VTable
	InterfaceIDs []uint32 // indices into the global InterfaceRegistry
	FastInstance *FastInstanceOfTable
	BitPath      *BitPath256
	InstanceSize int // bytes, header-exclusive
}

// AllocatedType is the closed tagged union of everything the region
// allocator can hand out. Every object header/sub-region carries exactly
// one of these, fixed for the sub-region's lifetime.
type AllocatedType struct {
	Kind Kind

	// KindClass
	Class *ClassType

	// KindObjectArray
	ElemClass *ClassType // nil for interface/Object-typed arrays of unresolved element

	// KindPrimitiveArray
	PrimElem PrimKind

	// KindRawConstantSize
	RawID   uint32
	RawSize uint32
}

// Size returns the fixed object size in bytes for sizing a sub-region's
// bump stride. Arrays do not have a fixed size; callers size those
// per-allocation from the requested length and must still share a
// sub-region only with objects of identical (Kind, elem type): a
// "same sub-region -> same AllocatedType" invariant, keyed on the
// length-independent parts of AllocatedType via Key().
func (t AllocatedType) Size() int {
	switch t.Kind {
	case KindClass:
		return t.Class.InstanceSize
	case KindRawConstantSize:
		return int(t.RawSize)
	default:
		// Arrays: callers pass the concrete per-allocation size separately
		// (region.Allocator.Allocate's size argument); Size() here is only meaningful for
		// fixed-size kinds.
		return 0
	}
}

// Key identifies the sub-region bucket an object of this type belongs in,
// independent of any particular array length.
func (t AllocatedType) Key() interface{} {
	switch t.Kind {
	case KindClass:
		return t.Class
	case KindObjectArray:
		return t.ElemClass
	case KindPrimitiveArray:
		return t.PrimElem
	case KindRawConstantSize:
		return t.RawID
	default:
		return nil
	}
}
