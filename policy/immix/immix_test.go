// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"testing"

	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/forward"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/layout"
	"golang.org/x/gcengine/space"
)

const objBytes heap.Bytes = 64

// objects is a host with fixed-size objects whose first word is the
// status word. No thread is a mutator, so nothing polls for collection.
type objects struct{}

func (objects) IsMutator(host.Thread) bool             { return false }
func (objects) StopAllMutators(host.Thread)            {}
func (objects) ResumeMutators(host.Thread)             {}
func (objects) BlockForGC(host.Thread)                 {}
func (objects) SpawnCollectorThread(func(host.Thread)) {}
func (objects) OutOfMemory(host.Thread, error)         {}

func (objects) Copy(from heap.ObjectReference, semantics host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	a := c.AllocCopy(from, objBytes, heap.WordBytes, 0, semantics)
	heap.Copy(a, from.Addr(), objBytes)
	to := heap.RefAt(a)
	c.PostCopy(to, objBytes, semantics)
	return to
}

func (objects) CurrentSize(heap.ObjectReference) heap.Bytes { return objBytes }
func (objects) Align() heap.Bytes                          { return heap.WordBytes }

func (objects) LoadStatusWord(o heap.ObjectReference) uint64 { return o.Addr().AtomicLoad() }
func (objects) StoreStatusWord(o heap.ObjectReference, v uint64) {
	o.Addr().AtomicStore(v)
}
func (objects) CompareAndSwapStatusWord(o heap.ObjectReference, old, new uint64) bool {
	return o.Addr().CompareAndSwap(old, new)
}

// copier evacuates into the space with its own allocator.
type copier struct {
	a *Allocator
	s *Space
}

func (c *copier) AllocCopy(original heap.ObjectReference, bytes, align, offset heap.Bytes, semantics host.AllocationSemantics) heap.Address {
	return c.a.Alloc(bytes, align, offset)
}

func (c *copier) PostCopy(o heap.ObjectReference, bytes heap.Bytes, semantics host.AllocationSemantics) {
	c.s.PostCopy(o)
}

type closure []heap.ObjectReference

func (c *closure) ProcessNode(o heap.ObjectReference) { *c = append(*c, o) }

func newTestSpace(t *testing.T, cfg Config) (*Space, *alloc.Context) {
	t.Helper()
	vm, err := layout.NewVMMap(heap.ChunkBytes.Mul(4))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vm.Release() })
	h := objects{}
	reg := space.NewRegistry(vm, h, h)
	fwd := forward.New(h, nil)
	s := New(reg, "immix", h, fwd, cfg)
	vm.Finalize()
	return s, &alloc.Context{Collection: h, Threads: h}
}

func (s *Space) collect(roots []heap.ObjectReference, c host.Copier) closure {
	var cl closure
	s.Prepare(true, 1000)
	s.PrepareChunks(0, 1)
	for _, o := range roots {
		s.TraceObject(&cl, o, host.AllocDefault, c)
	}
	s.Release(true)
	s.Sweep(0, 1)
	return cl
}

func TestFindHole(t *testing.T) {
	const a = 5
	marks := make([]uint8, 10)
	for i := 2; i <= 4; i++ {
		marks[i] = a
	}
	start, end, ok := FindHole(marks, 0, 0, a)
	if !ok || start != 0 || end != 2 {
		t.Fatalf("want hole [0,2), got [%d,%d) %v", start, end, ok)
	}
	start, end, ok = FindHole(marks, 5, 0, a)
	if !ok || start != 5 || end != 10 {
		t.Fatalf("want hole [5,10), got [%d,%d) %v", start, end, ok)
	}
	if _, _, ok := FindHole(marks, 10, 0, a); ok {
		t.Fatalf("found a hole past the last line")
	}

	// Lines marked by the last collection are unavailable too. Lines of
	// older collections are free.
	marks[7] = a - 1
	marks[8] = a - 2
	start, end, ok = FindHole(marks, 5, a-1, a)
	if !ok || start != 5 || end != 7 {
		t.Fatalf("want hole [5,7), got [%d,%d) %v", start, end, ok)
	}
	start, end, ok = FindHole(marks, 7, a-1, a)
	if !ok || start != 8 || end != 10 {
		t.Fatalf("want hole [8,10), got [%d,%d) %v", start, end, ok)
	}
}

func TestHoles(t *testing.T) {
	marks := []uint8{1, 0, 0, 1, 1, 0, 1, 0}
	h, m := holes(marks, 1)
	if h != 3 || m != 4 {
		t.Fatalf("want 3 holes and 4 marked lines, got %d and %d", h, m)
	}
	if h, m := holes(make([]uint8, 4), 1); h != 1 || m != 0 {
		t.Fatalf("want 1 hole in an empty block, got %d and %d", h, m)
	}
}

func TestBlockStates(t *testing.T) {
	if !Reusable(3).IsReusable() || Reusable(3).UnavailableLines() != 3 {
		t.Fatalf("Reusable(3) = %v", Reusable(3))
	}
	for _, s := range []BlockState{Unallocated, Unmarked, Marked} {
		if s.IsReusable() {
			t.Fatalf("%v is reusable", s)
		}
	}
}

func TestSweepAndReuse(t *testing.T) {
	s, ctx := newTestSpace(t, Config{})
	a := NewAllocator(ctx, 0, s, false)

	var objs []heap.ObjectReference
	for range LinesInBlock*4 + 10 {
		addr := a.Alloc(objBytes, heap.WordBytes, 0)
		if addr == 0 {
			t.Fatalf("allocation failed")
		}
		objs = append(objs, heap.RefAt(addr))
	}
	first, second := BlockOf(objs[0].Addr()), BlockOf(objs[len(objs)-1].Addr())
	if first == second {
		t.Fatalf("want two blocks, got one")
	}
	if got := s.PageResource().CommittedPages(); got != 2*BlockPages {
		t.Fatalf("want %d pages committed, got %d", 2*BlockPages, got)
	}

	// Keep the first line of the first block live.
	a.Reset()
	cl := s.collect(objs[:4], nil)
	if len(cl) != 4 {
		t.Fatalf("want 4 objects traced, got %d", len(cl))
	}
	for _, o := range objs[:4] {
		if !s.IsLive(o) {
			t.Fatalf("%v is not live", o)
		}
	}
	if got := s.BlockState(first); got != Reusable(1) {
		t.Fatalf("want first block reusable(1), got %v", got)
	}
	if got := s.BlockState(second); got != Unallocated {
		t.Fatalf("want second block freed, got %v", got)
	}
	if got := s.PageResource().CommittedPages(); got != BlockPages {
		t.Fatalf("want %d pages committed, got %d", BlockPages, got)
	}
	if s.ReusableBlocks() != 1 || s.Holes(first) != 1 {
		t.Fatalf("want 1 reusable block with 1 hole, got %d blocks, %d holes", s.ReusableBlocks(), s.Holes(first))
	}

	start, end, ok := s.GetNextAvailableLines(first, 0)
	if !ok || start != 1 || end != LinesInBlock {
		t.Fatalf("want hole [1,%d), got [%d,%d) %v", LinesInBlock, start, end, ok)
	}
	if got, want := a.Alloc(objBytes, heap.WordBytes, 0), first.Line(1); got != want {
		t.Fatalf("want allocation in the hole at %v, got %v", want, got)
	}
	if s.ReusableBlocks() != 0 {
		t.Fatalf("reusable block was not taken")
	}
}

func TestDefragEvacuates(t *testing.T) {
	s, ctx := newTestSpace(t, Config{Defrag: true})
	a := NewAllocator(ctx, 0, s, false)

	var objs []heap.ObjectReference
	for range LinesInBlock * 4 {
		addr := a.Alloc(objBytes, heap.WordBytes, 0)
		if addr == 0 {
			t.Fatalf("allocation failed")
		}
		addr.Plus(heap.WordBytes).Store(uint64(len(objs)))
		objs = append(objs, heap.RefAt(addr))
	}
	block := BlockOf(objs[0].Addr())

	// Every other line stays live, which leaves the block with many
	// holes.
	var live []heap.ObjectReference
	for i := 0; i < len(objs); i += 8 {
		live = append(live, objs[i])
	}
	a.Reset()
	s.collect(live, nil)
	if got := s.Holes(block); got != LinesInBlock/2 {
		t.Fatalf("want %d holes, got %d", LinesInBlock/2, got)
	}

	if !s.DecideWhetherToDefrag(true, true, 1, false, false) {
		t.Fatalf("emergency collection did not defragment")
	}
	c := &copier{a: NewAllocator(ctx, 0, s, true), s: s}
	s.Prepare(true, 1000)
	s.PrepareChunks(0, 1)
	if !s.IsDefragSource(block) {
		t.Fatalf("fragmented block is not a defrag source (threshold %d)", s.Defrag().SpillThreshold())
	}
	var cl closure
	for i, o := range live {
		n := s.TraceObject(&cl, o, host.AllocDefault, c)
		if n == o {
			t.Fatalf("object %d was not evacuated", i)
		}
		if BlockOf(n.Addr()) == block {
			t.Fatalf("object %d was evacuated into its own block", i)
		}
		if got := n.Addr().Plus(heap.WordBytes).Load(); got != uint64(i*8) {
			t.Fatalf("want payload %d, got %d", i*8, got)
		}
		if again := s.TraceObject(&cl, o, host.AllocDefault, c); again != n {
			t.Fatalf("second trace of %d returned %v, want %v", i, again, n)
		}
		if !s.IsLive(o) || !s.IsLive(n) {
			t.Fatalf("object %d is not live after evacuation", i)
		}
	}
	if len(cl) != len(live) {
		t.Fatalf("want %d objects processed, got %d", len(live), len(cl))
	}
	c.a.Reset()
	if !s.Release(true) {
		t.Fatalf("release did not report a defragmenting collection")
	}
	s.Sweep(0, 1)
	if got := s.BlockState(block); got != Unallocated {
		t.Fatalf("want evacuated block freed, got %v", got)
	}
}

func TestDefragKeepsPinned(t *testing.T) {
	s, ctx := newTestSpace(t, Config{Defrag: true})
	a := NewAllocator(ctx, 0, s, false)

	var objs []heap.ObjectReference
	for range LinesInBlock * 4 {
		addr := a.Alloc(objBytes, heap.WordBytes, 0)
		if addr == 0 {
			t.Fatalf("allocation failed")
		}
		objs = append(objs, heap.RefAt(addr))
	}
	block := BlockOf(objs[0].Addr())
	var live []heap.ObjectReference
	for i := 0; i < len(objs); i += 8 {
		live = append(live, objs[i])
	}
	a.Reset()
	s.collect(live, nil)

	pinned := live[0]
	if !s.Pin(pinned) {
		t.Fatalf("fresh object was already pinned")
	}
	if s.Pin(pinned) {
		t.Fatalf("second pin reported a change")
	}
	if !s.DecideWhetherToDefrag(true, true, 1, false, false) {
		t.Fatalf("emergency collection did not defragment")
	}
	c := &copier{a: NewAllocator(ctx, 0, s, true), s: s}
	s.Prepare(true, 1000)
	s.PrepareChunks(0, 1)
	if !s.IsDefragSource(block) {
		t.Fatalf("fragmented block is not a defrag source")
	}
	var cl closure
	if n := s.TraceObject(&cl, pinned, host.AllocDefault, c); n != pinned {
		t.Fatalf("pinned object moved to %v", n)
	}
	if again := s.TraceObject(&cl, pinned, host.AllocDefault, c); again != pinned {
		t.Fatalf("second trace returned %v", again)
	}
	if n := s.TraceObject(&cl, live[1], host.AllocDefault, c); n == live[1] {
		t.Fatalf("unpinned object was not evacuated")
	}
	if len(cl) != 2 {
		t.Fatalf("want 2 objects processed, got %d", len(cl))
	}
	if !s.IsLive(pinned) {
		t.Fatalf("pinned object is not live")
	}
	c.a.Reset()
	s.Release(true)
	s.Sweep(0, 1)
	if got := s.BlockState(block); got == Unallocated {
		t.Fatalf("block holding a pinned object was freed")
	}
	if !s.Unpin(pinned) || s.IsPinned(pinned) {
		t.Fatalf("unpin did not clear the pin")
	}
}
