// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gencopy_test

import (
	"testing"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/internal/toyvm"
	"golang.org/x/gcengine/options"
	"golang.org/x/gcengine/plan/gencopy"
)

func newVM(t *testing.T, o options.Options) (*toyvm.VM, *toyvm.Mutator, *gencopy.GenCopy) {
	t.Helper()
	o.Plan = options.GenCopy
	vm := toyvm.New(o, toyvm.Config{Globals: 1})
	m := vm.NewMutator(4)
	t.Cleanup(func() {
		m.Destroy()
		if err := vm.Close(); err != nil {
			t.Error(err)
		}
	})
	return vm, m, vm.Engine.Plan().(*gencopy.GenCopy)
}

func options16() options.Options {
	o := options.Default()
	o.Threads = 2
	o.HeapSize = 16 * heap.MiB
	o.NurserySize = 1 * heap.MiB
	return o
}

func TestNurseryCollection(t *testing.T) {
	vm, m, p := newVM(t, options16())

	// Promote a tree with a full-heap collection, then hang new objects
	// off it. Only the write barrier records those edges.
	if !m.BuildTree(0, 6) {
		t.Fatal("allocation failed")
	}
	m.Collect()
	old := m.Root(0)
	if !p.MatureToSpace().InSpace(old) {
		t.Fatalf("want %v promoted", old)
	}
	if !m.PushList(1, 50, 100) {
		t.Fatal("allocation failed")
	}
	m.SetRef(toyvm.Ref(old, 0), 0, m.Root(1)) // old node 2 -> young list
	m.SetRoot(1, heap.NullRef)
	if !m.Churn(500, 6) {
		t.Fatal("allocation failed")
	}
	before := vm.Snapshot()

	// Fill the nursery until it is collected.
	n := p.Stats.Collections.Load()
	for p.Stats.Collections.Load() == n {
		if !m.Churn(100, 30) {
			t.Fatalf("allocation failed: %v", vm.OutOfMemory())
		}
	}
	if p.LastCollectionFullHeap() {
		t.Fatalf("want a nursery collection")
	}
	after := vm.Snapshot()
	if err := before.Equal(after); err != nil {
		t.Fatal(err)
	}
	if m.Root(0) != old {
		t.Fatalf("mature object moved in a nursery collection")
	}
	young := toyvm.Ref(toyvm.Ref(old, 0), 0)
	if !p.MatureToSpace().InSpace(young) {
		t.Fatalf("want the list promoted, got %v", young)
	}
	if l := toyvm.ListLen(young); l != 50 {
		t.Fatalf("want 50 promoted nodes, got %d", l)
	}
	if p.RememberedSetLen() != 0 {
		t.Fatalf("remembered set not cleared")
	}
}

func TestBarrierFilters(t *testing.T) {
	_, m, p := newVM(t, options16())

	m.SetRoot(0, m.New(2, 0))
	m.Collect() // promote
	src := m.Root(0)
	m.SetRoot(1, m.New(1, 0))
	young := m.Root(1)

	m.SetRef(src, 0, young)        // mature -> nursery: recorded
	m.SetRef(src, 1, heap.NullRef) // null: ignored
	m.SetRef(young, 0, src)        // nursery -> mature: ignored
	m.SetRef(young, 0, young)      // nursery -> nursery: ignored
	m.Plan().Flush()
	if n := p.RememberedSetLen(); n != 1 {
		t.Fatalf("want 1 remembered slot, got %d", n)
	}
}

func TestFullHeapCollection(t *testing.T) {
	vm, m, p := newVM(t, options16())
	if !m.BuildTree(0, 9) {
		t.Fatal("allocation failed")
	}
	m.Collect()
	mature := p.MatureToSpace()
	before := vm.Snapshot()
	m.Collect()
	if !p.LastCollectionFullHeap() || !p.Kind.User {
		t.Fatalf("want a full-heap user collection, got %+v", p.Kind)
	}
	if p.MatureToSpace() == mature {
		t.Fatalf("mature spaces not flipped")
	}
	if mature.ReservedPages() != 0 {
		t.Fatalf("want the old mature space empty, got %d pages", mature.ReservedPages())
	}
	after := vm.Snapshot()
	if err := before.Equal(after); err != nil {
		t.Fatal(err)
	}
	if moved := before.Moved(after); moved != before.NumNodes() {
		t.Fatalf("want all %d objects moved, got %d", before.NumNodes(), moved)
	}
}

func TestManyCollections(t *testing.T) {
	o := options16()
	o.HeapSize = 8 * heap.MiB
	o.NurserySize = 512 * heap.KiB
	vm, m, p := newVM(t, o)

	for i := range 100 {
		if !m.PushList(0, 20, uint64(i*20)) || !m.Churn(600, 14) {
			t.Fatalf("round %d: allocation failed: %v", i, vm.OutOfMemory())
		}
		if i%10 == 9 {
			// Keep only the newest 100 nodes.
			n := m.Root(0)
			for range 99 {
				n = toyvm.Ref(n, 0)
			}
			m.SetRef(n, 0, heap.NullRef)
		}
	}
	if p.Stats.Collections.Load() < 5 {
		t.Fatalf("want many collections, got %d", p.Stats.Collections.Load())
	}
	if l := toyvm.ListLen(m.Root(0)); l != 100 {
		t.Fatalf("want 100 nodes, got %d", l)
	}
	for i, n := 1999, m.Root(0); !n.IsNull(); i, n = i-1, toyvm.Ref(n, 0) {
		if d := toyvm.Data(n, 0); d != uint64(i) {
			t.Fatalf("want node %d, got %d", i, d)
		}
	}
}
