// Package jit implements the method dispatcher: the MethodId->compiled
// code table, compile-on-first-use, and atomic recompilation that never
// patches in place — a new code buffer replaces the old one, and the old
// one stays reachable until the last frame executing it returns.
package jit

import (
	"fmt"
	"sync"

	"corevm.dev/jit/internal/ir"
	"corevm.dev/jit/internal/types"
)

// CompiledMethod is one installed compilation of a method.
type CompiledMethod struct {
	MethodID  uint32
	IRMethodID uint64 // monotonically increasing: bumped on every recompile
	Code       []byte
	Assembled  *ir.Assembled

	// refCount names the count of in-flight frames executing this code
	// buffer. This package never updates it and never frees a buffer: a
	// recompile only unlinks the dispatcher's live pointer, and the old
	// buffer stays reachable (see Recompile).
	refCount int32
}

// CompileFunc produces IR for a method; supplied by the bytecode->IR
// compiler layer so this package stays agnostic of bytecode parsing.
type CompileFunc func(methodID uint32) (*ir.Func, error)

// LinkFunc resolves CallFixup targets and vtable cell addresses to
// absolute addresses once a method's code buffer exists. Supplied by the
// runtime (it alone knows where other methods/trampolines live).
type LinkFunc func(codeBase uintptr, asmd *ir.Assembled) error

// Dispatcher is the read-mostly MethodId->CompiledMethod table.
type Dispatcher struct {
	mu      sync.RWMutex
	methods map[uint32]*CompiledMethod
	compile CompileFunc
	link    LinkFunc
	vtables *types.VTables
	nextIR  uint64
}

func NewDispatcher(compile CompileFunc, link LinkFunc, vtables *types.VTables) *Dispatcher {
	return &Dispatcher{
		methods: make(map[uint32]*CompiledMethod),
		compile: compile,
		link:    link,
		vtables: vtables,
	}
}

// Lookup returns the currently-installed compilation for methodID, or
// compiles it on first use.
func (d *Dispatcher) Lookup(methodID uint32) (*CompiledMethod, error) {
	d.mu.RLock()
	cm, ok := d.methods[methodID]
	d.mu.RUnlock()
	if ok {
		return cm, nil
	}
	return d.install(methodID)
}

func (d *Dispatcher) install(methodID uint32) (*CompiledMethod, error) {
	f, err := d.compile(methodID)
	if err != nil {
		return nil, fmt.Errorf("jit: compile method %d: %w", methodID, err)
	}
	asmd, err := ir.Assemble(f)
	if err != nil {
		return nil, fmt.Errorf("jit: assemble method %d: %w", methodID, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cm, ok := d.methods[methodID]; ok {
		return cm, nil // another goroutine won the race to compile first
	}
	d.nextIR++
	cm := &CompiledMethod{MethodID: methodID, IRMethodID: d.nextIR, Code: asmd.Code, Assembled: asmd}
	d.methods[methodID] = cm
	return cm, nil
}

// Recompile replaces methodID's installed compilation with a fresh one;
// there is no patch-in-place. oldAddr is the code address
// every live vtable cell currently points at (0 if the method was never
// reachable via a vtable, e.g. a static/private method); codeAddr maps
// the freshly assembled byte slice to its eventual runtime address.
func (d *Dispatcher) Recompile(methodID uint32, oldAddr uintptr, codeAddr func([]byte) uintptr) (*CompiledMethod, error) {
	f, err := d.compile(methodID)
	if err != nil {
		return nil, fmt.Errorf("jit: recompile method %d: %w", methodID, err)
	}
	asmd, err := ir.Assemble(f)
	if err != nil {
		return nil, fmt.Errorf("jit: assemble method %d: %w", methodID, err)
	}

	d.mu.Lock()
	d.nextIR++
	newCM := &CompiledMethod{MethodID: methodID, IRMethodID: d.nextIR, Code: asmd.Code, Assembled: asmd}
	old := d.methods[methodID]
	d.methods[methodID] = newCM
	d.mu.Unlock()

	if old != nil {
		// The old buffer is intentionally leaked here rather than freed:
		// frames already executing it may still be on some thread's
		// stack. A real deployment would track per-CompiledMethod
		// liveness via refCount and free once it reaches zero; this
		// package only documents the contract (old.refCount) without
		// enforcing it — a full safepoint-synchronized code-buffer
		// reclaimer is out of scope here.
		_ = old
	}

	if oldAddr != 0 && d.vtables != nil {
		d.vtables.UpdateAddress(oldAddr, codeAddr(newCM.Code))
	}
	return newCM, nil
}

// Installed reports whether methodID currently has a compiled entry,
// without triggering compilation.
func (d *Dispatcher) Installed(methodID uint32) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.methods[methodID]
	return ok
}
