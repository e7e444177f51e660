package stack

import "testing"

func newTestStack(t *testing.T) *Stack {
	t.Helper()
	s, err := New()
	if err != nil {
		t.Skipf("mmap unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPushPopJavaFrame(t *testing.T) {
	s := newTestStack(t)
	g, err := s.PushJava(7, 4, 8)
	if err != nil {
		t.Fatalf("PushJava: %v", err)
	}
	if len(s.Walk()) != 1 {
		t.Fatalf("expected 1 frame on the walk, got %d", len(s.Walk()))
	}
	g.PopJava()
	if len(s.Walk()) != 0 {
		t.Fatalf("expected 0 frames after pop")
	}
}

func TestMismatchedPopPanics(t *testing.T) {
	s := newTestStack(t)
	a, _ := s.PushJava(1, 2, 2)
	b, _ := s.PushJava(2, 2, 2)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on mismatched pop order")
		}
		b.PopJava()
		a.PopJava()
	}()
	a.PopJava() // a is not top-of-stack; must panic
}

func TestNativeLocalRefFrames(t *testing.T) {
	s := newTestStack(t)
	g, err := s.PushNative(3, 2)
	if err != nil {
		t.Fatalf("PushNative: %v", err)
	}
	f := g.Frame()
	f.NewLocalRef(0xdead)
	f.PushLocalFrame()
	f.NewLocalRef(0xbeef)
	f.PopLocalFrame()
	// 0xbeef should be gone, 0xdead should remain reachable from the base set.
	if _, ok := f.localRefs[0][0xdead]; !ok {
		t.Fatalf("expected base local-ref set to retain 0xdead")
	}
	g.PopNative()
}

func TestWalkOrderInnermostFirst(t *testing.T) {
	s := newTestStack(t)
	g1, _ := s.PushJava(1, 1, 1)
	g2, _ := s.PushJava(2, 1, 1)
	w := s.Walk()
	if len(w) != 2 || w[0].MethodID != 2 || w[1].MethodID != 1 {
		t.Fatalf("unexpected walk order: %+v", w)
	}
	g2.PopJava()
	g1.PopJava()
}
