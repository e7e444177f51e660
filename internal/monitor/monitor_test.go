package monitor

import (
	"testing"
	"time"
)

func TestReentrantLockUnlock(t *testing.T) {
	m := New("test")
	m.Lock(1)
	m.Lock(1) // reentrant
	if !m.HeldByCurrentThread(1) {
		t.Fatalf("expected thread 1 to hold the monitor")
	}
	if err := m.Unlock(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.HeldByCurrentThread(1) {
		t.Fatalf("monitor should still be held after one of two unlocks")
	}
	if err := m.Unlock(1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.HeldByCurrentThread(1) {
		t.Fatalf("monitor should be free after matching unlocks")
	}
}

func TestUnlockByNonOwnerErrors(t *testing.T) {
	m := New("test")
	m.Lock(1)
	if err := m.Unlock(2); err != ErrOwnedByOther {
		t.Fatalf("got %v, want ErrOwnedByOther", err)
	}
}

func TestTryLockFailsWhenHeld(t *testing.T) {
	m := New("test")
	m.Lock(1)
	if m.TryLock(2) {
		t.Fatalf("TryLock should fail while thread 1 holds the monitor")
	}
	if !m.TryLock(1) {
		t.Fatalf("TryLock should succeed for the owning thread (reentrant)")
	}
}

func TestWaitNotifyPreservesReentrancyCount(t *testing.T) {
	m := New("test")
	m.Lock(1)
	m.Lock(1)
	m.Lock(1) // count = 3

	done := make(chan struct{})
	go func() {
		m.Lock(2)
		m.Notify()
		m.Unlock(2)
		close(done)
	}()

	// Give the notifier a moment to block on Lock(2) before we wait.
	time.Sleep(10 * time.Millisecond)
	if err := m.Wait(1, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	<-done

	if !m.HeldByCurrentThread(1) {
		t.Fatalf("thread 1 should re-own the monitor after Wait returns")
	}
	for i := 0; i < 3; i++ {
		if err := m.Unlock(1); err != nil {
			t.Fatalf("unlock %d: %v", i, err)
		}
	}
	if m.HeldByCurrentThread(1) {
		t.Fatalf("monitor should be free after 3 matching unlocks")
	}
}

func TestMonitorForReturnsSameInstance(t *testing.T) {
	tbl := NewTable()
	a := tbl.MonitorFor(0x1000)
	b := tbl.MonitorFor(0x1000)
	if a != b {
		t.Fatalf("expected the same monitor instance for the same key")
	}
	c := tbl.MonitorFor(0x2000)
	if a == c {
		t.Fatalf("expected distinct monitors for distinct keys")
	}
}
