// Package monitor implements the JVM's reentrant object monitors: the
// lock/unlock/wait/notify primitives backing `monitorenter`/`monitorexit`
// and Object.wait/notify: a reentrant owner+count guarded by a plain
// mutex, with wait() dropping the reentrancy count to zero before
// blocking on a condition variable and restoring it on wakeup.
package monitor

import (
	"fmt"
	"sync"
	"time"
)

// ErrOwnedByOther is returned when a thread that does not hold the
// monitor tries to unlock or wait on it.
var ErrOwnedByOther = fmt.Errorf("monitor: owned by a different thread")

// Monitor is a reentrant lock plus a condition variable, one per
// monitor-bearing object (or one per class, for static synchronized
// methods).
type Monitor struct {
	Name string

	mu    sync.Mutex
	cond  *sync.Cond
	owner int64 // thread id, -1 if unowned
	count int
}

// New constructs an unowned monitor. name is used only for diagnostics.
func New(name string) *Monitor {
	m := &Monitor{Name: name, owner: -1}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the monitor for tid, blocking if another thread holds it.
// Reentrant: a thread that already owns the monitor just bumps the count.
func (m *Monitor) Lock(tid int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.owner != -1 && m.owner != tid {
		m.cond.Wait()
	}
	m.owner = tid
	m.count++
}

// TryLock attempts a non-blocking acquire, returning false if another
// thread currently owns the monitor.
func (m *Monitor) TryLock(tid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != -1 && m.owner != tid {
		return false
	}
	m.owner = tid
	m.count++
	return true
}

// Unlock releases one level of reentrancy; once count reaches zero the
// monitor becomes free and a waiter (if any) is woken.
func (m *Monitor) Unlock(tid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != tid {
		return ErrOwnedByOther
	}
	m.count--
	if m.count == 0 {
		m.owner = -1
		m.cond.Signal()
	}
	return nil
}

// Wait releases the monitor (remembering its reentrancy count), blocks
// until notified or millis elapses (0 means wait indefinitely), then
// reacquires the monitor at the same reentrancy depth it had before.
func (m *Monitor) Wait(tid int64, millis int64) error {
	m.mu.Lock()
	if m.owner != tid {
		m.mu.Unlock()
		return ErrOwnedByOther
	}
	savedCount := m.count
	m.count = 0
	m.owner = -1
	m.cond.Signal() // let another waiter in while this thread blocks

	if millis <= 0 {
		m.cond.Wait()
	} else {
		timer := time.AfterFunc(time.Duration(millis)*time.Millisecond, func() {
			m.mu.Lock()
			m.cond.Broadcast()
			m.mu.Unlock()
		})
		m.cond.Wait()
		timer.Stop()
	}

	for m.owner != -1 && m.owner != tid {
		m.cond.Wait()
	}
	m.owner = tid
	m.count = savedCount
	m.mu.Unlock()
	return nil
}

// Notify wakes one waiter, if any.
func (m *Monitor) Notify() {
	m.mu.Lock()
	m.cond.Signal()
	m.mu.Unlock()
}

// NotifyAll wakes every waiter.
func (m *Monitor) NotifyAll() {
	m.mu.Lock()
	m.cond.Broadcast()
	m.mu.Unlock()
}

// HeldByCurrentThread reports whether tid currently owns the monitor.
func (m *Monitor) HeldByCurrentThread(tid int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner == tid
}

// Table is the process-wide monitor registry, keyed by the object/class
// identity the monitor guards (an address or a stable class id).
type Table struct {
	mu       sync.Mutex
	monitors map[uintptr]*Monitor
	nextID   int
}

func NewTable() *Table {
	return &Table{monitors: make(map[uintptr]*Monitor)}
}

// MonitorFor returns the monitor for key, creating one on first use —
// object headers don't carry an inline monitor slot in this design, so
// the table is the single source of truth (simpler than the lazy
// inflation dance real JVMs do between a biased/thin lock word and this
// fallback table; biased locking is out of scope here).
func (t *Table) MonitorFor(key uintptr) *Monitor {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.monitors[key]
	if !ok {
		t.nextID++
		m = New(fmt.Sprintf("monitor#%d@%#x", t.nextID, key))
		t.monitors[key] = m
	}
	return m
}
