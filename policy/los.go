// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/metadata"
	"golang.org/x/gcengine/space"
)

// LOSMarkSpec describes the large object mark table: one bit per page,
// describing the object starting in that page. An aligned object may
// start past the first page of its run.
var LOSMarkSpec = metadata.Spec{Name: "los-mark", NumBits: 1, LogRegion: heap.LogBytesInPage}

// LargeObjectSpace gives each object its own run of pages. Objects never
// move. A full-heap collection frees the runs of unmarked objects.
type LargeObjectSpace struct {
	*space.CommonSpace
	pr        *space.FreeListPageResource
	marks     *metadata.Table
	markState atomic.Uint32 // 0 or 1

	mu   sync.Mutex
	runs map[heap.Address]heap.Address // object page -> first page of its run
}

func NewLargeObjectSpace(reg *space.Registry, name string, req space.VMRequest) *LargeObjectSpace {
	cs := space.NewCommonSpace(reg, space.Options{
		Name:      name,
		Zeroed:    true,
		VMRequest: req,
	})
	s := &LargeObjectSpace{
		CommonSpace: cs,
		marks:       metadata.New(LOSMarkSpec, reg.VM.Range()),
		runs:        make(map[heap.Address]heap.Address),
	}
	s.pr = space.NewFreeListPageResource(cs, 0, 1)
	space.Register(s)
	return s
}

// AllocPages acquires a run of pages for one object that starts at the
// beginning of the run. Like Acquire, it returns 0 if the caller had to
// wait for a collection.
func (s *LargeObjectSpace) AllocPages(t host.Thread, pages int) heap.Address {
	run := s.Acquire(t, pages)
	if run == 0 {
		return 0
	}
	s.record(run, run)
	return run
}

// Alloc acquires a run for an object of the given size such that the
// object plus offset is aligned to align, and returns the object's
// address. It returns 0 if the caller had to wait for a collection.
func (s *LargeObjectSpace) Alloc(t host.Thread, bytes, align, offset heap.Bytes) heap.Address {
	run := s.Acquire(t, (bytes + align).Pages())
	if run == 0 {
		return 0
	}
	a := heap.AlignAllocation(run, align, offset)
	s.record(a, run)
	return a
}

func (s *LargeObjectSpace) record(a, run heap.Address) {
	p := a.AlignDown(heap.PageBytes)
	s.marks.Store(p, s.markState.Load())
	s.mu.Lock()
	s.runs[p] = run
	s.mu.Unlock()
}

// Prepare flips the mark state for a full-heap collection. Other
// collections treat every large object as live.
func (s *LargeObjectSpace) Prepare(fullHeap bool) {
	if fullHeap {
		s.markState.Store(s.markState.Load() ^ 1)
	}
}

// Release frees every run whose object was not marked. It returns the
// number of pages freed.
func (s *LargeObjectSpace) Release(fullHeap bool) int {
	if !fullHeap {
		return 0
	}
	state := s.markState.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := 0
	for p, run := range s.runs {
		if s.marks.Load(p) == state {
			continue
		}
		delete(s.runs, p)
		freed += s.pr.ReleasePages(run)
	}
	base.Logf(3, "LOS", "%s: freed %d pages, %d objects live", s.Name(), freed, len(s.runs))
	return freed
}

func (s *LargeObjectSpace) page(o heap.ObjectReference) heap.Address {
	return o.Addr().AlignDown(heap.PageBytes)
}

func (s *LargeObjectSpace) TraceObject(trace space.TransitiveClosure, o heap.ObjectReference) heap.ObjectReference {
	state := s.markState.Load()
	if s.marks.CompareAndSwap(s.page(o), state^1, state) {
		trace.ProcessNode(o)
	}
	return o
}

func (s *LargeObjectSpace) IsLive(o heap.ObjectReference) bool {
	return s.marks.Load(s.page(o)) == s.markState.Load()
}

func (s *LargeObjectSpace) IsMovable() bool { return false }

// Objects returns the number of live runs.
func (s *LargeObjectSpace) Objects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *LargeObjectSpace) PageResource() *space.FreeListPageResource {
	return s.pr
}
