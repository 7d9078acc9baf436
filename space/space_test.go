// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package space

import (
	"errors"
	"math/rand/v2"
	"testing"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/layout"
)

const mutator host.Thread = 1

type testHost struct {
	blocked int
}

func (h *testHost) IsMutator(t host.Thread) bool           { return t == mutator }
func (h *testHost) StopAllMutators(t host.Thread)          {}
func (h *testHost) ResumeMutators(t host.Thread)           {}
func (h *testHost) BlockForGC(t host.Thread)               { h.blocked++ }
func (h *testHost) SpawnCollectorThread(func(host.Thread)) {}
func (h *testHost) OutOfMemory(host.Thread, error)         {}

type testPoller struct {
	polls, full int
	require     bool
}

func (p *testPoller) Poll(spaceFull bool, s Space) bool {
	p.polls++
	if spaceFull {
		p.full++
		return true
	}
	return p.require
}

// testSpace is a minimal policy over CommonSpace.
type testSpace struct {
	*CommonSpace
	grown []heap.Address
	fresh int
}

func (s *testSpace) IsLive(o heap.ObjectReference) bool { return true }

func (s *testSpace) GrowSpace(start heap.Address, bytes heap.Bytes, newChunk bool) {
	s.grown = append(s.grown, start)
	if newChunk {
		s.fresh++
	}
}

func newTestRegistry(t *testing.T, chunks int) (*Registry, *testHost, *testPoller) {
	t.Helper()
	vm, err := layout.NewVMMap(heap.ChunkBytes.Mul(chunks))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { vm.Release() })
	h := &testHost{}
	p := &testPoller{}
	reg := NewRegistry(vm, h, h)
	reg.SetPoller(p)
	return reg, h, p
}

// newSmallMonotone builds a contiguous space of the given number of pages,
// smaller than the chunk granularity NewCommonSpace enforces.
func newSmallMonotone(t *testing.T, reg *Registry, pages int) (*testSpace, *MonotonePageResource) {
	t.Helper()
	r, err := reg.VM.ReserveContiguous(reg.newIndex(), heap.ChunkBytes, false)
	if err != nil {
		t.Fatal(err)
	}
	cs := &CommonSpace{
		name:       "small",
		index:      reg.VM.Owner(r.Start),
		registry:   reg,
		contiguous: true,
		start:      r.Start,
		extent:     heap.PagesToBytes(pages),
	}
	pr := NewMonotonePageResource(cs, 0)
	s := &testSpace{CommonSpace: cs}
	Register(s)
	return s, pr
}

func checkCounts(t *testing.T, pr PageResource) {
	t.Helper()
	r, c := pr.ReservedPages(), pr.CommittedPages()
	if c < 0 || r < c || r > pr.CapacityPages() {
		t.Fatalf("bad page counts: reserved=%d committed=%d capacity=%d", r, c, pr.CapacityPages())
	}
}

func TestMonotoneReserveRollback(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 4)
	_, pr := newSmallMonotone(t, reg, 64)

	res := pr.ReservePages(10)
	if a := pr.GetNewPages(res, 10, true, mutator); a == 0 {
		t.Fatalf("allocating 10 pages failed")
	}
	if pr.ReservedPages() != 10 || pr.CommittedPages() != 10 {
		t.Fatalf("want reserved=committed=10, got %d/%d", pr.ReservedPages(), pr.CommittedPages())
	}

	res = pr.ReservePages(60)
	checkCounts(t, pr)
	if a := pr.GetNewPages(res, 60, true, mutator); a != 0 {
		t.Fatalf("allocating 60 more pages succeeded at %s", a)
	}
	pr.ClearRequest(res)
	if got := pr.ReservedPages(); got != 10 {
		t.Fatalf("want reserved rolled back to 10, got %d", got)
	}
	pr.ClearRequest(res)
	if got := pr.ReservedPages(); got != 10 {
		t.Fatalf("second clear changed reserved to %d", got)
	}
	if got := reg.CumulativeCommittedPages(); got != 10 {
		t.Fatalf("want 10 cumulative pages, got %d", got)
	}
}

func TestClearAfterOverflowKeepsOutstanding(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 4)
	_, pr := newSmallMonotone(t, reg, 64)

	small := pr.ReservePages(10)
	big := pr.ReservePages(60)
	if got := pr.ReservedPages(); got != 64 {
		t.Fatalf("want reserved capped at 64, got %d", got)
	}
	checkCounts(t, pr)
	pr.ClearRequest(big)
	if got := pr.ReservedPages(); got != small {
		t.Fatalf("want %d pages still reserved, got %d", small, got)
	}
	if a := pr.GetNewPages(small, small, false, mutator); a == 0 {
		t.Fatalf("allocating %d pages failed", small)
	}
	if r, c := pr.ReservedPages(), pr.CommittedPages(); r != 10 || c != 10 {
		t.Fatalf("want reserved=committed=10, got %d, %d", r, c)
	}
}

func TestAcquireFailureBlocks(t *testing.T) {
	reg, h, p := newTestRegistry(t, 4)
	s, pr := newSmallMonotone(t, reg, 64)
	reg.SetInitialized()

	if a := s.Acquire(mutator, 10); a == 0 {
		t.Fatalf("acquire of 10 pages failed")
	}
	if a := s.Acquire(mutator, 60); a != 0 {
		t.Fatalf("acquire of 60 pages succeeded")
	}
	if p.full != 1 || h.blocked != 1 {
		t.Fatalf("want one forced poll and one block, got %d/%d", p.full, h.blocked)
	}
	if got := pr.ReservedPages(); got != 10 {
		t.Fatalf("want reserved=10, got %d", got)
	}

	// A poll that requests collection returns before touching memory.
	p.require = true
	if a := s.Acquire(mutator, 1); a != 0 {
		t.Fatalf("acquire succeeded despite pending collection")
	}
	if h.blocked != 2 || pr.CommittedPages() != 10 {
		t.Fatalf("want 2 blocks and 10 committed, got %d/%d", h.blocked, pr.CommittedPages())
	}
}

func TestAcquireFailureWithoutPollIsFatal(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 4)
	s, _ := newSmallMonotone(t, reg, 8)
	defer func() {
		var fe base.FatalError
		if err, _ := recover().(error); !errors.As(err, &fe) {
			t.Fatalf("want fatal error, got %v", err)
		}
	}()
	// Collector threads may not poll.
	s.Acquire(host.Thread(99), 16)
}

func TestReserveClearInvariant(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 4)
	_, pr := newSmallMonotone(t, reg, 64)
	rnd := rand.New(rand.NewPCG(0, 0))
	var live []int
	for range 1000 {
		switch rnd.IntN(3) {
		case 0:
			live = append(live, pr.ReservePages(1+rnd.IntN(40)))
		case 1:
			if len(live) > 0 {
				i := rnd.IntN(len(live))
				pr.ClearRequest(live[i])
				// Sometimes clear it twice.
				if rnd.IntN(4) == 0 {
					pr.ClearRequest(live[i])
				}
				live = append(live[:i], live[i+1:]...)
			}
		case 2:
			if len(live) > 0 {
				n := live[len(live)-1]
				live = live[:len(live)-1]
				if pr.GetNewPages(n, n, false, host.Thread(7)) == 0 {
					pr.ClearRequest(n)
				}
			}
		}
		checkCounts(t, pr)
	}
}

func TestFreeListReuse(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 8)
	cs := NewCommonSpace(reg, Options{Name: "fl", VMRequest: Discontiguous()})
	pr := NewFreeListPageResource(cs, 0, 8)
	s := &testSpace{CommonSpace: cs}
	Register(s)
	reg.VM.Finalize()

	var blocks []heap.Address
	for range 4 {
		res := pr.ReservePages(8)
		a := pr.GetNewPages(res, 8, true, mutator)
		if a == 0 || !a.IsAligned(32*heap.KiB) {
			t.Fatalf("bad block %s", a)
		}
		if !s.InSpace(heap.RefAt(a)) {
			t.Fatalf("%s not in space", a)
		}
		blocks = append(blocks, a)
	}
	if s.fresh != 1 || len(s.grown) != 4 {
		t.Fatalf("want 1 new chunk and 4 grow calls, got %d/%d", s.fresh, len(s.grown))
	}
	if got := pr.ReleasePages(blocks[1]); got != 8 {
		t.Fatalf("want 8 released pages, got %d", got)
	}
	if pr.CommittedPages() != 24 {
		t.Fatalf("want 24 committed, got %d", pr.CommittedPages())
	}
	checkCounts(t, pr)
	res := pr.ReservePages(8)
	if a := pr.GetNewPages(res, 8, true, mutator); a != blocks[1] {
		t.Fatalf("want released block %s reused, got %s", blocks[1], a)
	}

	// Runs larger than a chunk take several chunks.
	res = pr.ReservePages(heap.PagesInChunk + 8)
	big := pr.GetNewPages(res, heap.PagesInChunk+8, true, mutator)
	if big == 0 {
		t.Fatalf("multi-chunk run failed")
	}
	if got := reg.VM.Owner(big.Plus(heap.ChunkBytes)); got != cs.Index() {
		t.Fatalf("second chunk owned by %d", got)
	}
}

func TestMonotoneDiscontiguousReset(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 4)
	cs := NewCommonSpace(reg, Options{Name: "mono", Zeroed: true, VMRequest: Discontiguous()})
	pr := NewMonotonePageResource(cs, 0)
	Register(&testSpace{CommonSpace: cs})
	reg.VM.Finalize()

	for range 3 {
		res := pr.ReservePages(heap.PagesInChunk)
		if pr.GetNewPages(res, heap.PagesInChunk, true, mutator) == 0 {
			t.Fatalf("chunk-sized allocation failed")
		}
	}
	if got := reg.VM.AvailableChunks(); got != 1 {
		t.Fatalf("want 1 chunk left, got %d", got)
	}
	pr.Reset()
	if got := reg.VM.AvailableChunks(); got != 4 {
		t.Fatalf("want 4 chunks after reset, got %d", got)
	}
	if pr.ReservedPages() != 0 || pr.CommittedPages() != 0 {
		t.Fatalf("counts not reset")
	}
}

func TestVMRequestFatal(t *testing.T) {
	reg, _, _ := newTestRegistry(t, 4)
	defer func() {
		if recover() == nil {
			t.Fatalf("misaligned extent accepted")
		}
	}()
	NewCommonSpace(reg, Options{Name: "bad", VMRequest: Extent(heap.ChunkBytes+heap.PageBytes, false)})
}
