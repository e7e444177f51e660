// Package region implements a region allocator: four fixed,
// non-overlapping virtual-address windows (one per size class), each
// subdivided into fixed-stride sub-regions that hold objects of exactly
// one AllocatedType. Address decoding is pure arithmetic on the pointer
// bits — no loads — and the O(1) type lookup only loads the one
// sub-region record the arithmetic points at.
//
// Anonymous, fixed-address mappings are outside what mmap-go's
// file-oriented API supports, so this package talks to the kernel
// directly through golang.org/x/sys/unix.
package region

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"

	"corevm.dev/jit/internal/types"
)

// Class identifies one of the four fixed size-class windows.
type Class int

const (
	ClassSmall Class = iota
	ClassMedium
	ClassLarge
	ClassXLarge
	numClasses
)

// windowBytes is each window's own address space; classBaseShift picks the
// window out of the top bits of a pointer.
// (ptr >> classBaseShift) & classMask yields a 4-bit class selector that is
// unused by any real x86-64 canonical address below it, so decoding never
// touches the object's own payload bits.
const (
	classBaseShift = 44
	classMask      = 0xF
	subRegionShift = 20 // 1MiB sub-regions within every window
	subRegionBytes = 1 << subRegionShift
	windowBytes    = 1 << 40 // 1TiB reservation per class; sparse, never fully touched
)

var classLimits = [numClasses]uintptr{
	ClassSmall:  256,
	ClassMedium: 4096,
	ClassLarge:  64 * 1024,
	ClassXLarge: 1 << 30, // effectively unbounded; only arrays land here
}

// subRegion is one fixed-stride slab. All objects in it share an
// AllocatedType and therefore a size.
type subRegion struct {
	lock   spinLock
	base   uintptr
	cap    uintptr
	bump   uintptr
	objLen uintptr // 0 until first allocation fixes the stride for this slab
	typ    types.AllocatedType
	inUse  bool
}

// window is one mmap'd size-class range plus its O(1) sub-region index.
type window struct {
	class Class
	base  uintptr
	mem   []byte // mmap'd backing, len == windowBytes (virtual; mostly untouched)

	mu         sync.Mutex // guards subByType/freeList/subs bookkeeping, not per-slab allocation
	subs       []*subRegion
	subByType  map[interface{}]*subRegion
	freeList   []*subRegion
}

// spinLock is a short-held, allocation-free spinlock used to serialize
// allocation within one sub-region: serialised per sub-region by a short
// spinlock, while cross-region allocation may proceed in parallel.
type spinLock struct{ state int32 }

func (s *spinLock) Lock() {
	for !atomic.CompareAndSwapInt32(&s.state, 0, 1) {
		runtime.Gosched()
	}
}

func (s *spinLock) Unlock() { atomic.StoreInt32(&s.state, 0) }

// ErrNeedNewRegion is returned when a window has no sub-region left to
// claim or the sub-region already typed for the request is full. No
// OS-level region pool backs it: Engine.HandleExit's NeedNewRegion case
// resumes without mapping more memory, and a full sub-region stays
// assigned to its type, so later allocations of that type keep failing.
var ErrNeedNewRegion = fmt.Errorf("region: window exhausted, need new OS-level region")

// Allocator is the process-wide region table. It is a singleton in a
// real deployment; tests construct their own instance.
type Allocator struct {
	windows [numClasses]*window
}

// New reserves the four size-class windows. Each reservation is a PROT_NONE
// anonymous mapping; pages are only committed (PROT_READ|WRITE) as
// sub-regions are claimed, so the 4 * 1TiB of address space costs no real
// memory until touched.
func New() (*Allocator, error) {
	a := &Allocator{}
	for c := Class(0); c < numClasses; c++ {
		base := uintptr(c+1) << classBaseShift
		mem, err := mmapFixed(base, windowBytes, unix.PROT_NONE)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("region: reserve window %d at %#x: %w", c, base, err)
		}
		a.windows[c] = &window{
			class:     c,
			base:      base,
			mem:       mem,
			subByType: make(map[interface{}]*subRegion),
		}
	}
	return a, nil
}

// Close unmaps every reserved window. Only used by tests; the real process
// holds these for its entire lifetime.
func (a *Allocator) Close() {
	for _, w := range a.windows {
		if w != nil && w.mem != nil {
			_ = unix.Munmap(w.mem)
		}
	}
}

// mmapFixed reserves exactly [addr, addr+length) as an anonymous mapping.
// golang.org/x/sys/unix's Mmap always passes addr=0 to the kernel (it has
// no MAP_FIXED-capable entry point), so a caller-chosen base address needs
// the raw mmap(2) syscall directly; unix still supplies the flag/prot
// constants and Mprotect/Munmap for everything after the initial reservation.
func mmapFixed(addr uintptr, length int, prot int) ([]byte, error) {
	ret, _, errno := syscall.Syscall6(
		syscall.SYS_MMAP,
		addr,
		uintptr(length),
		uintptr(prot),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED|unix.MAP_NORESERVE),
		^uintptr(0), // fd: -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	if ret != addr {
		_, _, _ = syscall.Syscall(syscall.SYS_MUNMAP, ret, uintptr(length), 0)
		return nil, fmt.Errorf("region: kernel placed mapping at %#x, wanted %#x", ret, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ret)), length), nil
}

// classify picks the smallest size class whose object limit covers size.
func classify(size uintptr) (Class, error) {
	for c := Class(0); c < numClasses; c++ {
		if size <= classLimits[c] {
			return c, nil
		}
	}
	return 0, fmt.Errorf("region: object size %d exceeds all size classes", size)
}

// ClassOf decodes a pointer's size class by pure bit arithmetic — no loads.
func ClassOf(ptr uintptr) (Class, bool) {
	c := Class((ptr >> classBaseShift) & classMask)
	if c == 0 || c > numClasses {
		return 0, false
	}
	return c - 1, true
}

// Allocate reserves space for one object of AllocatedType t with the given
// size in bytes, returning a pointer to the start of the object slot.
func (a *Allocator) Allocate(t types.AllocatedType, size uintptr) (unsafe.Pointer, error) {
	class, err := classify(size)
	if err != nil {
		return nil, err
	}
	w := a.windows[class]

	sub, err := w.subRegionFor(t, size)
	if err != nil {
		return nil, err
	}

	sub.lock.Lock()
	defer sub.lock.Unlock()

	if sub.bump+size > sub.cap {
		return nil, ErrNeedNewRegion
	}
	ptr := sub.base + sub.bump
	sub.bump += size
	return unsafe.Pointer(ptr), nil
}

// subRegionFor finds an existing sub-region already typed for t, or claims
// a fresh one from the window.
func (w *window) subRegionFor(t types.AllocatedType, size uintptr) (*subRegion, error) {
	key := t.Key()

	w.mu.Lock()
	defer w.mu.Unlock()

	if sub, ok := w.subByType[key]; ok {
		return sub, nil
	}

	var sub *subRegion
	if n := len(w.freeList); n > 0 {
		sub = w.freeList[n-1]
		w.freeList = w.freeList[:n-1]
	} else {
		idx := len(w.subs)
		base := w.base + uintptr(idx)*subRegionBytes
		if base+subRegionBytes > w.base+windowBytes {
			return nil, ErrNeedNewRegion
		}
		if err := unix.Mprotect(w.mem[uintptr(idx)*subRegionBytes:uintptr(idx+1)*subRegionBytes], unix.PROT_READ|unix.PROT_WRITE); err != nil {
			return nil, fmt.Errorf("region: commit sub-region %d: %w", idx, err)
		}
		sub = &subRegion{base: base, cap: subRegionBytes}
		w.subs = append(w.subs, sub)
	}

	sub.typ = t
	sub.objLen = size
	sub.inUse = true
	sub.bump = 0
	w.subByType[key] = sub
	return sub, nil
}

// subRegionAt decodes a pointer's sub-region by a constant shift+mask, no
// type-dependent branching.
func (a *Allocator) subRegionAt(ptr uintptr) (*subRegion, bool) {
	class, ok := ClassOf(ptr)
	if !ok {
		return nil, false
	}
	w := a.windows[class]
	idx := (ptr - w.base) >> subRegionShift
	w.mu.Lock()
	defer w.mu.Unlock()
	if int(idx) < 0 || int(idx) >= len(w.subs) {
		return nil, false
	}
	return w.subs[idx], true
}

// FindObjectAllocatedType is an O(1), allocation-free lookup: given any
// live object pointer, return exactly the AllocatedType it was allocated
// with.
func (a *Allocator) FindObjectAllocatedType(ptr unsafe.Pointer) (types.AllocatedType, bool) {
	sub, ok := a.subRegionAt(uintptr(ptr))
	if !ok || !sub.inUse {
		return types.AllocatedType{}, false
	}
	return sub.typ, true
}

// RegionHeader is per-sub-region metadata read directly by generated
// code: the inheritance bit-path pointer, interface-id list and object
// length all live here rather than per-object, since every object in a
// sub-region shares one AllocatedType.
type RegionHeader struct {
	BitPath      *types.BitPath256
	InterfaceIDs []uint32
	ElemWidth    int // array sub-types only
}

// FindObjectRegionHeader returns the region metadata covering ptr's slot.
func (a *Allocator) FindObjectRegionHeader(ptr unsafe.Pointer) (RegionHeader, bool) {
	sub, ok := a.subRegionAt(uintptr(ptr))
	if !ok || !sub.inUse {
		return RegionHeader{}, false
	}
	h := RegionHeader{}
	switch sub.typ.Kind {
	case types.KindClass:
		h.BitPath = sub.typ.Class.BitPath
		h.InterfaceIDs = sub.typ.Class.InterfaceIDs
	case types.KindPrimitiveArray:
		h.ElemWidth = sub.typ.PrimElem.Width()
	case types.KindObjectArray:
		h.ElemWidth = 8
	}
	return h, true
}
