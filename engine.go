// Package corevm wires together the execution substrate: region
// allocator, type tables, frame layout, IR assembler, bytecode compiler,
// VM-exit handling, stack runtime, signal introspection, monitors and
// the JIT dispatcher into one process-wide handle, assembled from the
// internal/ packages each component lives in.
package corevm

import (
	"fmt"
	"sync"

	"corevm.dev/jit/internal/compiler"
	"corevm.dev/jit/internal/ir"
	"corevm.dev/jit/internal/jit"
	"corevm.dev/jit/internal/monitor"
	"corevm.dev/jit/internal/region"
	"corevm.dev/jit/internal/signalx"
	"corevm.dev/jit/internal/stack"
	"corevm.dev/jit/internal/types"
	"corevm.dev/jit/internal/vmexit"
	"corevm.dev/jit/resolver"
)

// Engine is the top-level handle a host process constructs once at
// startup. It owns the region allocator, the vtable/itable registries,
// the JIT dispatcher and the monitor table; per-thread state (stacks,
// signal mailboxes) is created per guest thread via NewThread.
type Engine struct {
	Resolver resolver.MethodResolver
	Pool     compiler.ConstantPool

	Regions  *region.Allocator
	VTables  *types.VTables
	Monitors *monitor.Table
	Compiler *compiler.Compiler
	Dispatch *jit.Dispatcher

	// CodeAlloc places a freshly assembled code buffer into executable
	// memory and returns its runtime address; supplied by the host
	// process, which alone owns the code-cache strategy. Used to drive
	// jit.Dispatcher.Recompile from HandleExit.
	CodeAlloc func([]byte) uintptr

	mu          sync.Mutex
	threads     map[int64]*Thread
	methodIndex map[uint32]methodIndexEntry
}

// New constructs an Engine. link resolves an assembled method's
// CallFixups and vtable cells to absolute addresses once a code buffer
// for it exists; codeAlloc places a freshly assembled code buffer into
// executable memory and returns its runtime address. Both are supplied
// by the host process, which alone knows its code-cache strategy; this
// package deliberately does not own an executable-memory allocator.
func New(r resolver.MethodResolver, pool compiler.ConstantPool, link jit.LinkFunc, codeAlloc func([]byte) uintptr) (*Engine, error) {
	regions, err := region.New()
	if err != nil {
		return nil, fmt.Errorf("corevm: allocate region allocator: %w", err)
	}
	e := &Engine{
		Resolver:  r,
		Pool:      pool,
		Regions:   regions,
		VTables:   types.NewVTables(),
		Monitors:  monitor.NewTable(),
		CodeAlloc: codeAlloc,
		threads:   make(map[int64]*Thread),
	}
	e.Compiler = compiler.New(r, pool)
	e.Dispatch = jit.NewDispatcher(e.compileMethodID, link, e.VTables)
	return e, nil
}

// compileMethodID adapts compiler.Compiler (which works in terms of
// resolver.ClassView/MethodView) to jit.CompileFunc (which only knows a
// numeric MethodId) — the engine is the one place that can bridge the
// two since it alone holds both the resolver and a MethodId->MethodView
// index.
func (e *Engine) compileMethodID(methodID uint32) (*ir.Func, error) {
	class, m, err := e.lookupMethod(methodID)
	if err != nil {
		return nil, err
	}
	compiled, err := e.Compiler.Compile(class, m)
	if err != nil {
		return nil, err
	}
	return compiled.Func, nil
}

// lookupMethod resolves a MethodId via the index RegisterMethod builds up
// as classes are linked; that table's shape is owned by the
// classfile-parsing layer above this module's boundary, so the engine
// only indexes what it's handed.
func (e *Engine) lookupMethod(methodID uint32) (resolver.ClassView, *resolver.MethodView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.methodIndex[methodID]
	if !ok {
		return nil, nil, fmt.Errorf("corevm: no method registered with id %d", methodID)
	}
	return entry.class, entry.method, nil
}

type methodIndexEntry struct {
	class  resolver.ClassView
	method *resolver.MethodView
}

// RegisterMethod indexes a method so the JIT dispatcher can later compile
// it purely from a MethodId. Callers (the class-linking layer) call this
// once per method as classes are resolved.
func (e *Engine) RegisterMethod(class resolver.ClassView, m *resolver.MethodView) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.methodIndex == nil {
		e.methodIndex = make(map[uint32]methodIndexEntry)
	}
	e.methodIndex[m.ID] = methodIndexEntry{class: class, method: m}
}

// Thread is one guest OS thread's runtime state: its owned stack and its
// signal-introspection mailbox.
type Thread struct {
	ID      int64
	Stack   *stack.Stack
	Mailbox *signalx.Mailbox
}

// NewThread allocates a guest stack and mailbox for a new guest thread
// and registers it with the engine.
func (e *Engine) NewThread(id int64) (*Thread, error) {
	st, err := stack.New()
	if err != nil {
		return nil, fmt.Errorf("corevm: allocate guest stack: %w", err)
	}
	t := &Thread{ID: id, Stack: st, Mailbox: signalx.NewMailbox()}
	e.mu.Lock()
	e.threads[id] = t
	e.mu.Unlock()
	return t, nil
}

// Thread looks up a previously-created guest thread by id.
func (e *Engine) Thread(id int64) (*Thread, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.threads[id]
	return t, ok
}

// HandleExit performs the runtime-side half of the VM-exit protocol:
// dispatch on the tag, perform the action, and describe how to
// resume. InitClassAndRecompile, MonitorEnter, MonitorExit and
// NeedNewRegion are handled here (NeedNewRegion resumes without mapping
// more memory); NPE, ArrayOutOfBounds and Throw are returned as errors;
// every other tag, including NewString, RunNativeStatic and
// InvokeSpecialNative, has no handler and is returned as an error.
func (e *Engine) HandleExit(t *Thread, exit *vmexit.Exit) (*vmexit.RestartWithRegisterState, error) {
	switch exit.Tag {
	case vmexit.NPE, vmexit.ArrayOutOfBounds, vmexit.Throw:
		return nil, fmt.Errorf("corevm: unhandled guest exception %s", exit.Tag)

	case vmexit.InitClassAndRecompile:
		// Operands[0] carries the constant-pool field-ref index the
		// guard was compiled against; resolve it back to the class name,
		// run <clinit>, then recompile the method so the fast path
		// (no guard) replaces this exit on the next call.
		fieldRefIdx := uint16(exit.Operands[0])
		cname, _ := e.Pool.FieldRef(fieldRefIdx)
		if err := e.Resolver.InitializeClass(cname); err != nil {
			return nil, fmt.Errorf("corevm: initialize class %s: %w", cname, err)
		}
		if _, err := e.Dispatch.Recompile(exit.MethodID, 0, e.CodeAlloc); err != nil {
			return nil, fmt.Errorf("corevm: recompile method %d after initializing %s: %w", exit.MethodID, cname, err)
		}
		return &vmexit.RestartWithRegisterState{Diff: vmexit.RegisterDiff{}}, nil

	case vmexit.MonitorEnter:
		m := e.Monitors.MonitorFor(uintptr(exit.Operands[0]))
		m.Lock(t.ID)
		return &vmexit.RestartWithRegisterState{}, nil

	case vmexit.MonitorExit:
		m := e.Monitors.MonitorFor(uintptr(exit.Operands[0]))
		if err := m.Unlock(t.ID); err != nil {
			return nil, fmt.Errorf("corevm: monitorexit: %w", err)
		}
		return &vmexit.RestartWithRegisterState{}, nil

	case vmexit.NeedNewRegion:
		return &vmexit.RestartWithRegisterState{}, nil

	default:
		return nil, fmt.Errorf("corevm: exit tag %s has no registered handler", exit.Tag)
	}
}
