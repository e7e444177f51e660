package types

import "testing"

func TestBitPathSubpathLaw(t *testing.T) {
	alloc := NewBitPathAllocator()
	object := alloc.Assign(nil)
	a := alloc.Assign(object)
	b := alloc.Assign(a)

	if !b.IsSubpathOf(a) {
		t.Fatalf("b should be subpath of a")
	}
	if !b.IsSubpathOf(object) {
		t.Fatalf("b should be subpath of object")
	}
	if a.IsSubpathOf(b) {
		t.Fatalf("a should not be subpath of b (converse must not hold)")
	}
	if !a.IsSubpathOf(a) {
		t.Fatalf("a should be subpath of itself")
	}
}

func TestBitPathSiblingsDiverge(t *testing.T) {
	alloc := NewBitPathAllocator()
	object := alloc.Assign(nil)
	a := alloc.Assign(object)
	b := alloc.Assign(object)
	c := alloc.Assign(object)

	siblings := []*BitPath256{a, b, c}
	for i, s1 := range siblings {
		for j, s2 := range siblings {
			if i == j {
				continue
			}
			if s1.IsSubpathOf(s2) {
				t.Fatalf("sibling %d should not be a subpath of sibling %d", i, j)
			}
		}
		if !s1.IsSubpathOf(object) {
			t.Fatalf("sibling %d should be a subpath of object", i)
		}
	}
}

func TestVTableUpdateVisibility(t *testing.T) {
	class := &ClassType{Name: "Foo", VTable: NewVTable(4)}
	reg := NewVTables()

	reg.Link(class, 2, 0x1000)
	addr, ok := class.VTable.Resolve(2)
	if !ok || addr != 0x1000 {
		t.Fatalf("expected resolved 0x1000, got %x ok=%v", addr, ok)
	}

	reg.UpdateAddress(0x1000, 0x2000)
	addr, ok = class.VTable.Resolve(2)
	if !ok || addr != 0x2000 {
		t.Fatalf("expected cell updated to 0x2000, got %x ok=%v", addr, ok)
	}
}

func TestFastInstanceOfMigration(t *testing.T) {
	reg := NewInterfaceRegistry()
	idx := reg.IndexOf("java/util/List")

	cls := &ClassType{Name: "ArrayList", FastInstance: &FastInstanceOfTable{}, InterfaceIDs: []uint32{uint32(idx)}}
	cls.FastInstance.Set(idx, true)

	if v, valid := cls.FastInstance.Lookup(idx); !valid || !v {
		t.Fatalf("expected warmed true cell before migration")
	}

	reg.MigrateInterface("java/util/List", []*ClassType{cls})

	newIdx := reg.IndexOf("java/util/List")
	if v, valid := cls.FastInstance.Lookup(newIdx); !valid || !v {
		t.Fatalf("expected the post-migration index warmed true, got valid=%v v=%v", valid, v)
	}
}
