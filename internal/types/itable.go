package types

import "sync"

// FastInstanceOfSize is the fixed capacity of a concrete class's
// fast-instance-of table.
const FastInstanceOfSize = 512

type cellState uint8

const (
	cellInvalid cellState = iota
	cellNotInstance
	cellIsInstance
)

// FastInstanceOfTable is a fixed-size, two-bit-per-cell table indexed by
// interface index, used to answer `instanceof`/`invokeinterface` against a
// concrete class in O(1) once warmed.
type FastInstanceOfTable struct {
	mu    sync.Mutex
	cells [FastInstanceOfSize]cellState
}

// Lookup returns (isInstance, valid). valid is false on a table miss, in
// which case the caller must fall back to the linear interface-id scan and
// then call Set to warm the cell.
func (t *FastInstanceOfTable) Lookup(ifaceIndex int) (isInstance, valid bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ifaceIndex < 0 || ifaceIndex >= FastInstanceOfSize {
		return false, false
	}
	switch t.cells[ifaceIndex] {
	case cellIsInstance:
		return true, true
	case cellNotInstance:
		return false, true
	default:
		return false, false
	}
}

// Set warms the cell at ifaceIndex after a linear-scan miss.
func (t *FastInstanceOfTable) Set(ifaceIndex int, isInstance bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ifaceIndex < 0 || ifaceIndex >= FastInstanceOfSize {
		return
	}
	if isInstance {
		t.cells[ifaceIndex] = cellIsInstance
	} else {
		t.cells[ifaceIndex] = cellNotInstance
	}
}

// Invalidate marks a cell unresolved, used when an interface index is
// recycled (see InterfaceRegistry.MigrateInterface below).
func (t *FastInstanceOfTable) Invalidate(ifaceIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ifaceIndex >= 0 && ifaceIndex < FastInstanceOfSize {
		t.cells[ifaceIndex] = cellInvalid
	}
}

// InterfaceRegistry assigns stable small integer indices to interfaces for
// use as FastInstanceOfTable slots, and owns interface-index migration.
type InterfaceRegistry struct {
	mu      sync.RWMutex
	indexOf map[string]int
	next    int
	free    []int
}

// NewInterfaceRegistry constructs an empty registry.
func NewInterfaceRegistry() *InterfaceRegistry {
	return &InterfaceRegistry{indexOf: make(map[string]int)}
}

// IndexOf returns the stable index for an interface name, assigning one if
// this is the first time it's seen.
func (r *InterfaceRegistry) IndexOf(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx, ok := r.indexOf[name]; ok {
		return idx
	}
	var idx int
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = r.next
		r.next++
	}
	r.indexOf[name] = idx
	return idx
}

// MigrateInterface reassigns name to a freshly recycled index, invalidating
// the old one everywhere it is used before publishing the new assignment.
//
// The ordering here is release-before-publish: every affected class's
// fast-instance-of cell for the old index is invalidated first (so
// concurrent readers fall back to the linear scan, never read a stale
// true/false), the old index is then freed, and only then is the new
// index handed out and the affected classes' cells warmed.
func (r *InterfaceRegistry) MigrateInterface(name string, affected []*ClassType) {
	r.mu.Lock()
	old, ok := r.indexOf[name]
	r.mu.Unlock()
	if !ok {
		return
	}

	// Phase 1: release. Invalidate everywhere under the old index before
	// anyone can observe the new one.
	for _, c := range affected {
		if c.FastInstance != nil {
			c.FastInstance.Invalidate(old)
		}
	}

	r.mu.Lock()
	delete(r.indexOf, name)
	r.free = append(r.free, old)
	r.mu.Unlock()

	// Phase 2: publish. A fresh index is handed out and warmed only after
	// every old row is known invalid.
	newIdx := r.IndexOf(name)
	for _, c := range affected {
		if c.FastInstance == nil {
			continue
		}
		isInstance := false
		for _, id := range c.InterfaceIDs {
			if int(id) == newIdx {
				isInstance = true
				break
			}
		}
		c.FastInstance.Set(newIdx, isInstance)
	}
}
