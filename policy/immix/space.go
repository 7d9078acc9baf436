// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immix implements a mark-region space with opportunistic
// defragmentation.
//
// The space is divided into blocks of 32 KiB and lines of 256 bytes.
// Marking an object marks the lines it covers with the current line mark
// state. Instead of clearing line marks after a collection, the state
// rotates: a line is in use if it carries the state of the running
// collection or the state the last collection ended with. Allocators bump
// through clean blocks or through the holes of partially used ones.
//
// A collection may defragment. It then evacuates objects from the most
// fragmented blocks when it first reaches them, as long as there are
// clean pages to evacuate into, and marks them in place otherwise.
package immix

import (
	"sync/atomic"

	"golang.org/x/gcengine/forward"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/metadata"
	"golang.org/x/gcengine/space"
)

// Config selects optional behavior of a Space.
type Config struct {
	// Defrag enables defragmenting collections.
	Defrag bool
	// StressDefrag makes every collection defragment.
	StressDefrag bool
}

type Space struct {
	*space.CommonSpace
	pr      *space.FreeListPageResource
	objects host.ObjectModel
	fwd     *forward.Protocol

	lineMarks   *metadata.Table
	blockState  *metadata.Table
	blockDefrag *metadata.Table
	objectMarks *metadata.Table
	objectPins  *metadata.Table

	chunks   chunkMap
	reusable blockList
	defrag   Defrag

	lineMarkState    atomic.Uint32
	lineUnavailState atomic.Uint32
}

func New(reg *space.Registry, name string, objects host.ObjectModel, fwd *forward.Protocol, cfg Config) *Space {
	cs := space.NewCommonSpace(reg, space.Options{
		Name:      name,
		Movable:   true,
		Zeroed:    true,
		VMRequest: space.Discontiguous(),
	})
	cover := reg.VM.Range()
	s := &Space{
		CommonSpace: cs,
		objects:     objects,
		fwd:         fwd,
		lineMarks:   metadata.New(LineMarkSpec, cover),
		blockState:  metadata.New(BlockStateSpec, cover),
		blockDefrag: metadata.New(BlockDefragSpec, cover),
		objectMarks: metadata.New(ObjectMarkSpec, cover),
		objectPins:  metadata.New(ObjectPinSpec, cover),
	}
	s.defrag.enabled = cfg.Defrag
	s.defrag.stress = cfg.StressDefrag
	s.lineMarkState.Store(uint32(ResetMarkState))
	s.lineUnavailState.Store(uint32(ResetMarkState))
	s.pr = space.NewFreeListPageResource(cs, 0, BlockPages)
	space.Register(s)
	return s
}

// GrowSpace records the chunks of newly acquired pages.
func (s *Space) GrowSpace(start heap.Address, bytes heap.Bytes, newChunk bool) {
	for c := start.Chunk(); c < start.Plus(bytes); c = c.Plus(heap.ChunkBytes) {
		s.chunks.add(c)
	}
}

func (s *Space) PageResource() *space.FreeListPageResource {
	return s.pr
}

func (s *Space) Defrag() *Defrag {
	return &s.defrag
}

func (s *Space) IsMovable() bool { return true }

// LineMarkState returns the state lines are marked with in this cycle.
func (s *Space) LineMarkState() uint8 {
	return uint8(s.lineMarkState.Load())
}

// LineUnavailState returns the state the last collection ended with.
func (s *Space) LineUnavailState() uint8 {
	return uint8(s.lineUnavailState.Load())
}

func (s *Space) BlockState(b Block) BlockState {
	return BlockState(s.blockState.Load(b.Start()))
}

func (s *Space) setBlockState(b Block, st BlockState) {
	s.blockState.Store(b.Start(), uint32(st))
}

func (s *Space) IsDefragSource(b Block) bool {
	return s.blockDefrag.Load(b.Start()) == defragSource
}

func (s *Space) setDefragSource(b Block, v bool) {
	if v {
		s.blockDefrag.Store(b.Start(), defragSource)
	} else {
		s.blockDefrag.Store(b.Start(), 0)
	}
}

// Holes returns the hole count the last sweep recorded for b.
func (s *Space) Holes(b Block) int {
	if s.IsDefragSource(b) {
		return 0
	}
	return int(s.blockDefrag.Load(b.Start()))
}

// ReusableBlocks returns the number of blocks waiting to be reused.
func (s *Space) ReusableBlocks() int {
	return s.reusable.len()
}

// lineMarksOf returns the line mark bytes of b.
func (s *Space) lineMarksOf(b Block) []uint8 {
	marks := make([]uint8, LinesInBlock)
	for i := range marks {
		marks[i] = uint8(s.lineMarks.Load(b.Line(i)))
	}
	return marks
}

// DecideWhetherToDefrag decides whether the coming collection
// defragments.
func (s *Space) DecideWhetherToDefrag(emergency, collectWholeHeap bool, attempts int, userTriggered, fullHeapSystemGC bool) bool {
	return s.defrag.Decide(emergency, collectWholeHeap, attempts, userTriggered, s.reusable.len() == 0, fullHeapSystemGC)
}

func (s *Space) InDefrag() bool {
	return s.defrag.InDefrag()
}

// DefragHeadroomPages returns the pages a plan must hold back so that
// evacuation has clean blocks to copy into.
func (s *Space) DefragHeadroomPages() int {
	if !s.defrag.enabled {
		return 0
	}
	return headroomPages(s.pr.ReservedPages())
}

// LastGCExhaustive reports whether a collection that did or did not
// defragment could have freed every dead object.
func (s *Space) LastGCExhaustive(didDefrag bool) bool {
	if !s.defrag.enabled {
		return true
	}
	return didDefrag
}

// Prepare starts a collection. availablePages is the number of heap pages
// not yet reserved. After Prepare, every collector worker must call
// PrepareChunks before tracing begins.
func (s *Space) Prepare(majorGC bool, availablePages int) {
	if s.defrag.enabled {
		var spill histogram
		for _, c := range s.chunks.snapshot() {
			for i := range BlocksInChunk {
				b := Block(c.Plus(BlockBytes.Mul(i)))
				if st := s.BlockState(b); st.IsReusable() {
					spill[s.Holes(b)] += LinesInBlock - st.UnavailableLines()
				}
			}
		}
		s.defrag.prepare(availablePages, s.pr.ReservedPages(), &spill)
	}
	state := s.LineMarkState() + 1
	if state > MaxMarkState {
		state = ResetMarkState
	}
	s.lineMarkState.Store(uint32(state))
	base.Logf(3, "IMMIX", "%s: prepare, line state %d, defrag %v", s.Name(), state, s.InDefrag())
}

// PrepareChunks resets the blocks of this worker's share of the chunks:
// object marks are cleared, block states reset, and defrag sources
// chosen.
func (s *Space) PrepareChunks(ordinal, n int) {
	threshold := 0
	if s.InDefrag() {
		threshold = s.defrag.SpillThreshold()
	}
	for _, c := range share(s.chunks.snapshot(), ordinal, n) {
		s.objectMarks.ZeroChunk(c)
		s.fwd.ClearSide(c, heap.ChunkBytes)
		for i := range BlocksInChunk {
			b := Block(c.Plus(BlockBytes.Mul(i)))
			if s.BlockState(b) == Unallocated {
				continue
			}
			s.setDefragSource(b, threshold != 0 && s.Holes(b) > threshold)
			s.setBlockState(b, Unmarked)
		}
	}
}

// Release ends the trace of a collection and reports whether it
// defragmented. Every collector worker must call Sweep afterwards.
func (s *Space) Release(majorGC bool) bool {
	didDefrag := s.InDefrag()
	if majorGC {
		s.lineUnavailState.Store(s.lineMarkState.Load())
	}
	s.reusable.reset()
	s.defrag.resetHistogram()
	s.defrag.release()
	return didDefrag
}

// Sweep frees the unmarked blocks of this worker's share of the chunks
// and queues partially marked blocks for reuse. It returns the number of
// blocks freed.
func (s *Space) Sweep(ordinal, n int) int {
	state := s.LineMarkState()
	var marks histogram
	freed := 0
	for _, c := range share(s.chunks.snapshot(), ordinal, n) {
		for i := range BlocksInChunk {
			b := Block(c.Plus(BlockBytes.Mul(i)))
			if s.BlockState(b) == Unallocated {
				continue
			}
			h, marked := holes(s.lineMarksOf(b), state)
			switch {
			case marked == 0:
				s.releaseBlock(b)
				freed++
				continue
			case marked == LinesInBlock:
				s.setBlockState(b, Marked)
			default:
				s.setBlockState(b, Reusable(marked))
				s.reusable.push(b)
			}
			marks[h] += marked
			s.blockDefrag.Store(b.Start(), uint32(h))
		}
	}
	s.defrag.addHistogram(&marks)
	base.Logf(3, "IMMIX", "%s: worker %d swept, %d blocks freed", s.Name(), ordinal, freed)
	return freed
}

func (s *Space) releaseBlock(b Block) {
	s.setBlockState(b, Unallocated)
	s.setDefragSource(b, false)
	s.objectPins.Zero(b.Start(), BlockBytes)
	s.pr.ReleasePages(b.Start())
}

func (s *Space) initBlock(b Block, copy bool) {
	if copy {
		s.setBlockState(b, Marked)
	} else {
		s.setBlockState(b, Unmarked)
	}
}

// GetCleanBlock acquires a fresh block. It returns false if the thread
// waited for a collection or no memory is left.
func (s *Space) GetCleanBlock(t host.Thread, copy bool) (Block, bool) {
	a := s.Acquire(t, BlockPages)
	if a == 0 {
		return 0, false
	}
	s.defrag.notifyNewCleanBlock(copy)
	b := Block(a)
	s.lineMarks.Zero(b.Start(), BlockBytes)
	s.setDefragSource(b, false)
	s.initBlock(b, copy)
	s.chunks.add(b.Chunk())
	return b, true
}

// GetReusableBlock pops a block with free lines. Evacuation never reuses
// a block that is being evacuated.
func (s *Space) GetReusableBlock(copy bool) (Block, bool) {
	for {
		b, ok := s.reusable.pop()
		if !ok {
			return 0, false
		}
		if copy && s.IsDefragSource(b) {
			continue
		}
		s.initBlock(b, copy)
		return b, true
	}
}

// GetNextAvailableLines returns the next hole of b at or after line from
// as a range of line indices.
func (s *Space) GetNextAvailableLines(b Block, from int) (start, end int, ok bool) {
	return FindHole(s.lineMarksOf(b), from, s.LineUnavailState(), s.LineMarkState())
}

func (s *Space) isMarked(o heap.ObjectReference) bool {
	return s.objectMarks.Load(o.Addr()) == 1
}

func (s *Space) attemptMark(o heap.ObjectReference) bool {
	return s.objectMarks.CompareAndSwap(o.Addr(), 0, 1)
}

// MarkLines marks every line o covers.
func (s *Space) MarkLines(o heap.ObjectReference) {
	state := uint32(s.LineMarkState())
	start := o.Addr()
	last := start.Plus(s.objects.CurrentSize(o) - 1)
	for l := start.AlignDown(LineBytes); l <= last; l = l.Plus(LineBytes) {
		s.lineMarks.Store(l, state)
	}
}

// PostCopy marks an object evacuated into the space.
func (s *Space) PostCopy(o heap.ObjectReference) {
	s.attemptMark(o)
	s.MarkLines(o)
}

// TraceObject marks o, evacuating it first if its block is a defrag
// source.
func (s *Space) TraceObject(trace space.TransitiveClosure, o heap.ObjectReference, semantics host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	if s.IsDefragSource(BlockOf(o.Addr())) {
		return s.TraceObjectWithOpportunisticCopy(trace, o, semantics, c)
	}
	return s.TraceObjectWithoutMoving(trace, o)
}

func (s *Space) TraceObjectWithoutMoving(trace space.TransitiveClosure, o heap.ObjectReference) heap.ObjectReference {
	if s.attemptMark(o) {
		s.MarkLines(o)
		trace.ProcessNode(o)
	}
	return o
}

func (s *Space) TraceObjectWithOpportunisticCopy(trace space.TransitiveClosure, o heap.ObjectReference, semantics host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	status := s.fwd.AttemptToForward(o)
	if forward.StateIsForwardedOrBeingForwarded(status) {
		// The winner may also have left o in place.
		return s.fwd.SpinAndGetForwardedObject(o, status)
	}
	if s.isMarked(o) {
		s.fwd.ClearForwardingBits(o)
		return o
	}
	var n heap.ObjectReference
	if s.IsPinned(o) || s.defrag.SpaceExhausted() {
		s.attemptMark(o)
		s.fwd.ClearForwardingBits(o)
		s.setBlockState(BlockOf(o.Addr()), Marked)
		s.MarkLines(o)
		n = o
	} else {
		n = s.fwd.ForwardObject(o, semantics, c)
	}
	trace.ProcessNode(n)
	return n
}

// Pin keeps o in place across collections until Unpin. It reports
// whether o was not already pinned.
func (s *Space) Pin(o heap.ObjectReference) bool {
	return s.objectPins.CompareAndSwap(o.Addr(), 0, 1)
}

// Unpin reports whether o was pinned.
func (s *Space) Unpin(o heap.ObjectReference) bool {
	return s.objectPins.CompareAndSwap(o.Addr(), 1, 0)
}

// IsPinned reports whether o may not be moved. A pinned object in a
// defrag source is marked in place like any other object the
// collection cannot evacuate.
func (s *Space) IsPinned(o heap.ObjectReference) bool {
	return s.objectPins.Load(o.Addr()) == 1
}

// IsLive reports whether o was reached in the running collection.
func (s *Space) IsLive(o heap.ObjectReference) bool {
	if s.IsDefragSource(BlockOf(o.Addr())) && s.fwd.IsForwarded(o) {
		return true
	}
	return s.isMarked(o)
}
