// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy_test

import (
	"testing"

	"golang.org/x/gcengine/forward"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/layout"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

const objBytes heap.Bytes = 32

// testHost has fixed-size objects whose first word is the status word.
// No thread is a mutator.
type testHost struct{}

func (testHost) IsMutator(host.Thread) bool             { return false }
func (testHost) StopAllMutators(host.Thread)            {}
func (testHost) ResumeMutators(host.Thread)             {}
func (testHost) BlockForGC(host.Thread)                 {}
func (testHost) SpawnCollectorThread(func(host.Thread)) {}
func (testHost) OutOfMemory(host.Thread, error)         {}

func (testHost) Copy(from heap.ObjectReference, semantics host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	a := c.AllocCopy(from, objBytes, heap.WordBytes, 0, semantics)
	heap.Copy(a, from.Addr(), objBytes)
	to := heap.RefAt(a)
	c.PostCopy(to, objBytes, semantics)
	return to
}

func (testHost) CurrentSize(heap.ObjectReference) heap.Bytes { return objBytes }
func (testHost) Align() heap.Bytes                          { return heap.WordBytes }

func (testHost) LoadStatusWord(o heap.ObjectReference) uint64 { return o.Addr().AtomicLoad() }
func (testHost) StoreStatusWord(o heap.ObjectReference, v uint64) {
	o.Addr().AtomicStore(v)
}
func (testHost) CompareAndSwapStatusWord(o heap.ObjectReference, old, new uint64) bool {
	return o.Addr().CompareAndSwap(old, new)
}

// bump carves objects out of pages acquired from a space.
type bump struct {
	s      space.Space
	cursor heap.Address
	limit  heap.Address
}

func (b *bump) alloc(t *testing.T) heap.Address {
	t.Helper()
	if b.cursor == 0 || b.cursor.Plus(objBytes) > b.limit {
		a := b.s.Acquire(0, 1)
		if a == 0 {
			t.Fatalf("acquiring a page of %s failed", b.s.Common().Name())
		}
		b.cursor, b.limit = a, a.Plus(heap.PageBytes)
	}
	a := b.cursor
	b.cursor = a.Plus(objBytes)
	return a
}

func (b *bump) AllocCopy(original heap.ObjectReference, bytes, align, offset heap.Bytes, semantics host.AllocationSemantics) heap.Address {
	a := b.cursor
	b.cursor = a.Plus(bytes)
	return a
}

func (b *bump) PostCopy(heap.ObjectReference, heap.Bytes, host.AllocationSemantics) {}

type closure []heap.ObjectReference

func (c *closure) ProcessNode(o heap.ObjectReference) { *c = append(*c, o) }

func newRegistry(t *testing.T) *space.Registry {
	t.Helper()
	vm, err := layout.NewVMMap(heap.ChunkBytes.Mul(8))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vm.Release() })
	return space.NewRegistry(vm, testHost{}, testHost{})
}

func TestCopySpaceTrace(t *testing.T) {
	reg := newRegistry(t)
	fwd := forward.New(testHost{}, nil)
	from := policy.NewCopySpace(reg, "ss0", true, fwd, space.Discontiguous())
	to := policy.NewCopySpace(reg, "ss1", false, fwd, space.Discontiguous())
	reg.VM.Finalize()

	fb := &bump{s: from}
	var objs []heap.ObjectReference
	for i := range 3 {
		a := fb.alloc(t)
		a.Plus(heap.WordBytes).Store(uint64(i + 1))
		objs = append(objs, heap.RefAt(a))
	}
	tb := &bump{s: to}
	tb.alloc(t) // reserve a page to copy into

	var cl closure
	for i, o := range objs[:2] {
		if !from.InSpace(o) || to.InSpace(o) {
			t.Fatalf("object %d not in from-space", i)
		}
		n := from.TraceObject(&cl, o, host.AllocDefault, tb)
		if !to.InSpace(n) {
			t.Fatalf("object %d copied to %v, outside to-space", i, n)
		}
		if got := n.Addr().Plus(heap.WordBytes).Load(); got != uint64(i+1) {
			t.Fatalf("want payload %d, got %d", i+1, got)
		}
		if again := from.TraceObject(&cl, o, host.AllocDefault, tb); again != n {
			t.Fatalf("second trace returned %v, want %v", again, n)
		}
		if !from.IsLive(o) {
			t.Fatalf("copied object %d is not live", i)
		}
	}
	if len(cl) != 2 {
		t.Fatalf("want 2 copies processed, got %d", len(cl))
	}
	if from.IsLive(objs[2]) {
		t.Fatalf("untraced object is live")
	}
	if n := to.TraceObject(&cl, cl[0], host.AllocDefault, tb); n != cl[0] {
		t.Fatalf("to-space object moved")
	}

	from.Release()
	if got := from.CommittedPages(); got != 0 {
		t.Fatalf("want from-space empty after release, got %d pages", got)
	}
	if from.IsFromSpace() {
		t.Fatalf("released space is still the from-space")
	}
}

func TestImmortalMarks(t *testing.T) {
	reg := newRegistry(t)
	s := policy.NewImmortalSpace(reg, "immortal", testHost{}, space.Discontiguous())
	reg.VM.Finalize()

	b := &bump{s: s}
	o := heap.RefAt(b.alloc(t))
	s.InitializeHeader(o)

	for cycle := range 3 {
		s.Prepare()
		var cl closure
		s.TraceObject(&cl, o)
		s.TraceObject(&cl, o)
		if len(cl) != 1 {
			t.Fatalf("cycle %d: want object processed once, got %d", cycle, len(cl))
		}
		s.Release()
		if !s.IsLive(o) {
			t.Fatalf("immortal object died")
		}
	}
}

func TestLargeObjectSweep(t *testing.T) {
	reg := newRegistry(t)
	s := policy.NewLargeObjectSpace(reg, "los", space.Discontiguous())
	reg.VM.Finalize()

	var objs []heap.ObjectReference
	for _, pages := range []int{1, 3, 2} {
		a := s.AllocPages(0, pages)
		if a == 0 {
			t.Fatalf("allocating %d pages failed", pages)
		}
		objs = append(objs, heap.RefAt(a))
	}
	if got := s.CommittedPages(); got != 6 {
		t.Fatalf("want 6 pages committed, got %d", got)
	}

	// A nursery collection keeps everything.
	s.Prepare(false)
	if freed := s.Release(false); freed != 0 {
		t.Fatalf("nursery release freed %d pages", freed)
	}

	s.Prepare(true)
	var cl closure
	s.TraceObject(&cl, objs[1])
	s.TraceObject(&cl, objs[1])
	if len(cl) != 1 {
		t.Fatalf("want one object processed, got %d", len(cl))
	}
	if !s.IsLive(objs[1]) || s.IsLive(objs[0]) {
		t.Fatalf("liveness wrong after trace")
	}
	if freed := s.Release(true); freed != 3 {
		t.Fatalf("want 3 pages freed, got %d", freed)
	}
	if s.Objects() != 1 || s.CommittedPages() != 3 {
		t.Fatalf("want 1 object in 3 pages, got %d in %d", s.Objects(), s.CommittedPages())
	}

	// The survivor is unmarked again in the next full collection.
	s.Prepare(true)
	if freed := s.Release(true); freed != 3 || s.Objects() != 0 {
		t.Fatalf("want survivor freed, got %d pages freed, %d objects", freed, s.Objects())
	}
}

func TestLargeObjectAligned(t *testing.T) {
	reg := newRegistry(t)
	s := policy.NewLargeObjectSpace(reg, "los", space.Discontiguous())
	reg.VM.Finalize()

	// Move the next run off any alignment boundary.
	if s.AllocPages(0, 1) == 0 {
		t.Fatal("allocating a page failed")
	}
	const bytes, align = 20 * heap.KiB, 16 * heap.KiB
	a := s.Alloc(0, bytes, align, heap.WordBytes)
	if a == 0 {
		t.Fatalf("allocating %s aligned to %s failed", bytes, align)
	}
	if !a.Plus(heap.WordBytes).IsAligned(align) {
		t.Fatalf("object %s plus one word not aligned to %s", a, align)
	}
	o := heap.RefAt(a)

	// The aligned object survives every collection that traces it.
	for cycle := range 3 {
		s.Prepare(true)
		var cl closure
		s.TraceObject(&cl, o)
		if len(cl) != 1 || !s.IsLive(o) {
			t.Fatalf("cycle %d: traced object not live", cycle)
		}
		want := 0
		if cycle == 0 {
			want = 1 // the unaligned one-page object
		}
		if freed := s.Release(true); freed != want {
			t.Fatalf("cycle %d: want %d pages freed, got %d", cycle, want, freed)
		}
		if s.Objects() != 1 || !s.IsLive(o) {
			t.Fatalf("cycle %d: want the aligned object kept, got %d objects", cycle, s.Objects())
		}
	}

	s.Prepare(true)
	if freed, want := s.Release(true), (bytes + align).Pages(); freed != want || s.Objects() != 0 {
		t.Fatalf("want %d pages freed and no objects, got %d pages, %d objects", want, freed, s.Objects())
	}
}

func TestMallocSpace(t *testing.T) {
	reg := newRegistry(t)
	s := policy.NewMallocSpace(reg, "malloc")
	reg.VM.Finalize()

	var objs []heap.ObjectReference
	for range 3 {
		a := s.Alloc(0, 48, 16, 0)
		if a == 0 || !a.IsAligned(16) {
			t.Fatalf("bad allocation %v", a)
		}
		objs = append(objs, heap.RefAt(a))
	}
	if s.UsedBytes() != 3*48 || !s.InSpace(objs[0]) {
		t.Fatalf("want 3 objects of 48 bytes, got %s", s.UsedBytes())
	}

	var cl closure
	s.TraceObject(&cl, objs[2])
	s.TraceObject(&cl, objs[2])
	if len(cl) != 1 || !s.IsLive(objs[2]) || s.IsLive(objs[0]) {
		t.Fatalf("trace marked wrong objects: processed %d", len(cl))
	}
	if freed := s.Release(); freed != 2*48 {
		t.Fatalf("want 96 bytes freed, got %s", freed)
	}
	if s.Objects() != 1 || s.InSpace(objs[0]) {
		t.Fatalf("want only the traced object left, got %d", s.Objects())
	}
	if s.IsLive(objs[2]) {
		t.Fatalf("mark survived release")
	}
}
