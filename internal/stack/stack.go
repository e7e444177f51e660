// Package stack implements the per-thread guest stack runtime: an owned
// mmap region, typed frame pushes (push_java/push_native/push_opaque),
// and the prev_rbp/magics walker. Uses golang.org/x/sys/unix for the raw
// anonymous mapping, the same building block internal/region uses.
package stack

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"corevm.dev/jit/internal/frame"
)

const (
	// DefaultStackBytes is the guest stack size: generous relative to a
	// native thread stack since Java frames are plain mmap pages, not a
	// guard-page-bounded OS stack.
	DefaultStackBytes = 8 << 20
)

// SignalAccessibleJavaStackData is the block published per-thread: stack
// bounds plus the two atomic flags a remote signal handler and the
// safepoint poll both touch. Top is the high end of the owned mmap. Bottom
// is not the low end of the mapping: push and pop keep it at the innermost
// frame's base pointer, and it is 0 while no frame is pushed. The flags
// are read and written atomically, without taking a lock.
type SignalAccessibleJavaStackData struct {
	Top    uintptr
	Bottom uintptr

	InterpreterShouldSafepointCheck int32 // atomic
	InSignal                        int32 // atomic, sequentially consistent
}

// Kind is the type of a pushed frame.
type Kind int

const (
	KindJava Kind = iota
	KindNative
	KindOpaque
)

// Frame describes one pushed activation record's bookkeeping the Go side
// needs (the native machine frame itself lives in the mmap'd stack memory
// this package owns; this struct is metadata about it).
type Frame struct {
	Kind      Kind
	MethodID  uint32
	BasePtr   uintptr // RBP value for this frame
	MaxLocals int
	MaxStack  int

	// Native frames only: a stack of local-reference sets, mirroring
	// JNI's PushLocalFrame/PopLocalFrame/NewLocalRef/DeleteLocalRef.
	localRefs []map[uintptr]struct{}
}

// Guard is returned by a push; it must be released via the matching Pop
// method (PopJava/PopNative/PopOpaque) exactly once.
type Guard struct {
	stack *Stack
	frame *Frame
	freed bool
}

// Stack is one guest thread's owned mmap plus its frame-push bookkeeping.
// The Go-level Frame metadata list substitutes for literally reading back
// frame headers out of machine memory (which only the JIT/asm side would
// ever do); the prev_rbp/magics walk is implemented here purely against
// this metadata list so it is independently testable.
type Stack struct {
	mu     sync.Mutex
	mem    []byte
	bounds *SignalAccessibleJavaStackData
	frames []*Frame
	bump   uintptr // next free byte offset from the top, growing downward
}

// New mmaps a DefaultStackBytes range and publishes its bounds.
func New() (*Stack, error) {
	mem, err := unix.Mmap(-1, 0, DefaultStackBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("stack: mmap: %w", err)
	}
	top := uintptr(0)
	if len(mem) > 0 {
		top = uintptr(unsafe.Pointer(&mem[0])) + uintptr(len(mem))
	}
	return &Stack{
		mem:    mem,
		bounds: &SignalAccessibleJavaStackData{Top: top, Bottom: 0},
	}, nil
}

// Close unmaps the stack's backing memory. Callers must ensure no frames
// remain pushed.
func (s *Stack) Close() error {
	if s.mem == nil {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Bounds returns the signal-accessible stack-bounds block.
func (s *Stack) Bounds() *SignalAccessibleJavaStackData { return s.bounds }

// PushJava installs a java frame sized per the verifier's max_locals/
// max_stack for method.
func (s *Stack) PushJava(methodID uint32, maxLocals, maxStack int) (*Guard, error) {
	f := &Frame{Kind: KindJava, MethodID: methodID, MaxLocals: maxLocals, MaxStack: maxStack}
	return s.push(f, frame.FrameBytes(maxLocals, maxStack))
}

// PushNative installs a native frame with its own local-reference table.
func (s *Stack) PushNative(methodID uint32, maxLocals int) (*Guard, error) {
	f := &Frame{Kind: KindNative, MethodID: methodID, MaxLocals: maxLocals}
	f.localRefs = []map[uintptr]struct{}{make(map[uintptr]struct{})}
	return s.push(f, frame.FrameBytes(maxLocals, 0)+frame.SlotSize)
}

// PushOpaque installs a VM-internal frame used when the runtime crosses a
// JIT boundary from outside guest code.
func (s *Stack) PushOpaque() (*Guard, error) {
	f := &Frame{Kind: KindOpaque}
	return s.push(f, frame.HeaderSize)
}

func (s *Stack) push(f *Frame, size int) (*Guard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(s.bump)+size > len(s.mem) {
		return nil, fmt.Errorf("stack: overflow (would use %d of %d bytes)", int(s.bump)+size, len(s.mem))
	}
	s.bump += uintptr(size)
	f.BasePtr = s.bounds.Top - s.bump
	s.frames = append(s.frames, f)
	s.bounds.Bottom = f.BasePtr
	return &Guard{stack: s, frame: f}, nil
}

// pop removes the top frame, panicking on a mismatched pop if g is not
// the current top-of-stack frame.
func (g *Guard) pop(want Kind) {
	if g.freed {
		panic("stack: frame guard released twice")
	}
	s := g.stack
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 || s.frames[len(s.frames)-1] != g.frame {
		panic("stack: mismatched frame pop")
	}
	if g.frame.Kind != want {
		panic(fmt.Sprintf("stack: frame kind mismatch on pop: have %v, want %v", g.frame.Kind, want))
	}
	s.frames = s.frames[:len(s.frames)-1]
	var size int
	switch g.frame.Kind {
	case KindJava:
		size = frame.FrameBytes(g.frame.MaxLocals, g.frame.MaxStack)
	case KindNative:
		size = frame.FrameBytes(g.frame.MaxLocals, 0) + frame.SlotSize
	case KindOpaque:
		size = frame.HeaderSize
	}
	s.bump -= uintptr(size)
	if len(s.frames) > 0 {
		s.bounds.Bottom = s.frames[len(s.frames)-1].BasePtr
	} else {
		s.bounds.Bottom = 0
	}
	g.freed = true
}

func (g *Guard) PopJava()   { g.pop(KindJava) }
func (g *Guard) PopNative() { g.pop(KindNative) }
func (g *Guard) PopOpaque() { g.pop(KindOpaque) }

// Frame exposes the pushed frame's metadata (e.g. for a native frame's
// local-ref table operations below).
func (g *Guard) Frame() *Frame { return g.frame }

// --- Native local-reference table ---

// PushLocalFrame pushes a new, empty local-reference set onto f.
func (f *Frame) PushLocalFrame() {
	f.localRefs = append(f.localRefs, make(map[uintptr]struct{}))
}

// PopLocalFrame pops the top local-reference set, discarding every
// reference it held.
func (f *Frame) PopLocalFrame() {
	if len(f.localRefs) <= 1 {
		panic("stack: PopLocalFrame would remove the frame's base reference set")
	}
	f.localRefs = f.localRefs[:len(f.localRefs)-1]
}

// NewLocalRef adds handle to the top local-reference set.
func (f *Frame) NewLocalRef(handle uintptr) {
	f.localRefs[len(f.localRefs)-1][handle] = struct{}{}
}

// DeleteLocalRef removes handle from the top local-reference set, if
// present.
func (f *Frame) DeleteLocalRef(handle uintptr) {
	delete(f.localRefs[len(f.localRefs)-1], handle)
}

// --- Walker ---

// WalkEntry is one frame as seen by the stack walker.
type WalkEntry struct {
	Kind     Kind
	MethodID uint32
	BasePtr  uintptr
}

// Walk returns every currently-pushed frame from innermost (top) to
// outermost, the Go-level analogue of following prev_rbp chains and
// checking magics: since frames here are tracked in s.frames rather than
// solely reconstructed from raw memory, a half-constructed frame simply
// doesn't appear in the list yet (push() only appends after BasePtr is
// assigned), which is the same "last-write-wins visibility" guarantee
// the magics protect in the real frame header.
func (s *Stack) Walk() []WalkEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WalkEntry, len(s.frames))
	for i := range s.frames {
		f := s.frames[len(s.frames)-1-i]
		out[i] = WalkEntry{Kind: f.Kind, MethodID: f.MethodID, BasePtr: f.BasePtr}
	}
	return out
}

// SetSafepointCheck toggles the flag generated code polls at backward
// branches/method entry to cooperate with a pending stop-the-world pause.
func (s *Stack) SetSafepointCheck(v bool) {
	var n int32
	if v {
		n = 1
	}
	atomic.StoreInt32(&s.bounds.InterpreterShouldSafepointCheck, n)
}

func (s *Stack) SafepointCheckRequested() bool {
	return atomic.LoadInt32(&s.bounds.InterpreterShouldSafepointCheck) != 0
}
