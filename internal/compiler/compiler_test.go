package compiler

import (
	"testing"

	"corevm.dev/jit/internal/ir"
	"corevm.dev/jit/internal/vmexit"
	"corevm.dev/jit/resolver"
)

type fakeResolver struct {
	initialized bool // IsInitialized's return value; fakeResolver{} defaults to false
}

func (fakeResolver) ResolveClass(name string) (resolver.ClassView, error) { return nil, nil }
func (fakeResolver) IsLoaded(name string) bool                           { return true }
func (f fakeResolver) IsInitialized(name string) bool                    { return f.initialized }
func (fakeResolver) InitializeClass(name string) error                   { return nil }
func (fakeResolver) ResolveMethod(class, name, descriptor string) (*resolver.MethodView, error) {
	return &resolver.MethodView{MethodNumber: 0}, nil
}
func (fakeResolver) ResolveField(class, name string) (*resolver.FieldView, error) {
	return &resolver.FieldView{Name: name, Type: resolver.JInt, Offset: 16}, nil
}
func (fakeResolver) VerifierFrames(m *resolver.MethodView) ([]resolver.VerifierFrame, error) {
	// One frame per PC with a plausible operand-stack depth; exact enough
	// for the templates this test exercises (iload/iload/iadd/ireturn).
	frames := make([]resolver.VerifierFrame, 0)
	depths := map[int]int{0: 0, 1: 1, 2: 2, 3: 1}
	for pc, d := range depths {
		frames = append(frames, resolver.VerifierFrame{PC: pc, Stack: make([]resolver.JType, d)})
	}
	return frames, nil
}

type fakePool struct{}

func (fakePool) ClassName(idx uint16) string                       { return "java/lang/Object" }
func (fakePool) FieldRef(idx uint16) (class, name string)          { return "pkg/Foo", "bar" }
func (fakePool) MethodRef(idx uint16) (class, name, descriptor string) {
	return "pkg/Foo", "callee", "()I"
}

type fakeClassView struct{ name string }

func (f fakeClassView) Name() string                        { return f.name }
func (f fakeClassView) Loader() string                       { return "" }
func (f fakeClassView) IsInterface() bool                    { return false }
func (f fakeClassView) SuperClassName() (string, bool)       { return "java/lang/Object", true }
func (f fakeClassView) InterfaceNames() []string             { return nil }
func (f fakeClassView) Methods() []*resolver.MethodView      { return nil }
func (f fakeClassView) Fields() []*resolver.FieldView        { return nil }
func (f fakeClassView) StaticsBase() uintptr                 { return 0 }

func TestCompileSimpleAddReturn(t *testing.T) {
	// iload_0; iload_1; iadd; ireturn
	code := []byte{0x1a, 0x1b, 0x60, 0xac}
	m := &resolver.MethodView{
		ID:        1,
		Name:      "add",
		DeclClass: "pkg/Foo",
		MaxLocals: 2,
		MaxStack:  2,
		Code:      code,
	}

	c := New(fakeResolver{}, fakePool{})
	compiled, err := c.Compile(fakeClassView{name: "pkg/Foo"}, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if compiled.Func.Name != "pkg/Foo.add" {
		t.Fatalf("unexpected func name %q", compiled.Func.Name)
	}

	foundAdd, foundReturn := false, false
	for _, in := range compiled.Func.Code {
		if in.Op == ir.OpAdd {
			foundAdd = true
		}
		if in.Op == ir.OpReturn {
			foundReturn = true
		}
	}
	if !foundAdd || !foundReturn {
		t.Fatalf("expected OpAdd and OpReturn in compiled IR, got %+v", compiled.Func.Code)
	}

	if _, err := ir.Assemble(compiled.Func); err != nil {
		t.Fatalf("Assemble of compiled IR failed: %v", err)
	}
}

func TestCompileDivisionEmitsZeroGuard(t *testing.T) {
	// iload_0; iload_1; idiv; ireturn
	code := []byte{0x1a, 0x1b, opIDiv, 0xac}
	m := &resolver.MethodView{ID: 2, DeclClass: "pkg/Foo", Name: "div", MaxLocals: 2, MaxStack: 2, Code: code}
	c := New(fakeResolver{}, fakePool{})
	compiled, err := c.Compile(fakeClassView{name: "pkg/Foo"}, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	found := false
	for _, in := range compiled.Func.Code {
		if in.Op == ir.OpVMExit {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a VM exit guarding integer division by zero")
	}
}

func TestGetStaticGuardsUninitializedClassOnly(t *testing.T) {
	// getstatic #0; return
	code := []byte{opGetStatic, 0x00, 0x00, opReturn}
	m := &resolver.MethodView{ID: 3, DeclClass: "pkg/Foo", Name: "get", MaxLocals: 0, MaxStack: 1, Code: code}

	hasGuard := func(initialized bool) bool {
		c := New(fakeResolver{initialized: initialized}, fakePool{})
		compiled, err := c.Compile(fakeClassView{name: "pkg/Foo"}, m)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		for _, in := range compiled.Func.Code {
			if in.Op == ir.OpVMExit && in.Tag == vmexit.InitClassAndRecompile {
				return true
			}
		}
		return false
	}

	if !hasGuard(false) {
		t.Fatalf("expected an InitClassAndRecompile guard when the class is not yet initialized")
	}
	if hasGuard(true) {
		t.Fatalf("did not expect an InitClassAndRecompile guard when the class is already initialized")
	}
}

func TestInvokeVirtualGatesExitBehindVTableCheck(t *testing.T) {
	// aload_0 (reused iload_0 encoding); invokevirtual #0; return
	code := []byte{0x1a, opInvokeVirtual, 0x00, 0x00, opReturn}
	m := &resolver.MethodView{ID: 4, DeclClass: "pkg/Foo", Name: "call", MaxLocals: 1, MaxStack: 1, Code: code}
	c := New(fakeResolver{}, fakePool{})
	compiled, err := c.Compile(fakeClassView{name: "pkg/Foo"}, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var sawBranch, sawExit, sawCall bool
	for _, in := range compiled.Func.Code {
		switch {
		case in.Op == ir.OpCmpBranch:
			sawBranch = true
		case in.Op == ir.OpVMExit && in.Tag == vmexit.ResolveInvokeVirtual:
			sawExit = true
		case in.Op == ir.OpCallReg:
			sawCall = true
		}
	}
	if !sawBranch {
		t.Fatalf("expected a compare-branch gating the ResolveInvokeVirtual exit, got %+v", compiled.Func.Code)
	}
	if !sawExit {
		t.Fatalf("expected a ResolveInvokeVirtual exit on the unresolved path")
	}
	if !sawCall {
		t.Fatalf("expected an OpCallReg completing the call on the resolved path")
	}
}

func TestInvokeInterfaceEmitsCall(t *testing.T) {
	// aload_0; invokeinterface #0, 1, 0; return
	code := []byte{0x1a, opInvokeInterface, 0x00, 0x00, 0x01, 0x00, opReturn}
	m := &resolver.MethodView{ID: 5, DeclClass: "pkg/Foo", Name: "callIface", MaxLocals: 1, MaxStack: 1, Code: code}
	c := New(fakeResolver{}, fakePool{})
	compiled, err := c.Compile(fakeClassView{name: "pkg/Foo"}, m)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	var lookup *ir.Inst
	var sawCall bool
	for i, in := range compiled.Func.Code {
		if in.Op == ir.OpITableLookup {
			lookup = &compiled.Func.Code[i]
		}
		if in.Op == ir.OpCallReg {
			sawCall = true
		}
	}
	if lookup == nil {
		t.Fatalf("expected an OpITableLookup")
	}
	if lookup.Dst == 0 {
		t.Fatalf("expected OpITableLookup to capture its result into a destination register")
	}
	if !sawCall {
		t.Fatalf("expected an OpCallReg completing the interface call, got %+v", compiled.Func.Code)
	}
}
