// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/space"
)

// Allocator bump-allocates in the holes of reusable blocks and in clean
// blocks. Objects larger than a line that do not fit the current hole go
// to a separate bump region so the hole is not wasted.
type Allocator struct {
	ctx    *alloc.Context
	thread host.Thread
	space  *Space
	copy   bool // evacuation allocator

	cursor heap.Address
	limit  heap.Address

	largeCursor  heap.Address
	largeLimit   heap.Address
	requestLarge bool

	// Hole search position in a reusable block.
	block   Block
	line    int
	inBlock bool
}

func NewAllocator(ctx *alloc.Context, t host.Thread, s *Space, copy bool) *Allocator {
	return &Allocator{ctx: ctx, thread: t, space: s, copy: copy}
}

func (a *Allocator) Space() space.Space  { return a.space }
func (a *Allocator) Thread() host.Thread { return a.thread }

// Reset drops all blocks and holes the allocator holds.
func (a *Allocator) Reset() {
	a.cursor, a.limit = 0, 0
	a.largeCursor, a.largeLimit = 0, 0
	a.requestLarge = false
	a.block, a.line, a.inBlock = 0, 0, false
}

func (a *Allocator) Alloc(bytes, align, offset heap.Bytes) heap.Address {
	start := heap.AlignAllocation(a.cursor, align, offset)
	end, ok := start.PlusOK(bytes)
	if a.cursor != 0 && ok && end <= a.limit {
		a.cursor = end
		return start
	}
	if bytes > LineBytes {
		return a.overflowAlloc(bytes, align, offset)
	}
	return a.allocSlowHot(bytes, align, offset)
}

// overflowAlloc serves a medium object from the large bump region.
func (a *Allocator) overflowAlloc(bytes, align, offset heap.Bytes) heap.Address {
	start := heap.AlignAllocation(a.largeCursor, align, offset)
	end, ok := start.PlusOK(bytes)
	if a.largeCursor == 0 || !ok || end > a.largeLimit {
		a.requestLarge = true
		r := alloc.AllocSlowInline(a.ctx, a, bytes, align, offset)
		a.requestLarge = false
		return r
	}
	a.largeCursor = end
	return start
}

func (a *Allocator) allocSlowHot(bytes, align, offset heap.Bytes) heap.Address {
	if a.acquireRecyclableLines(bytes, align, offset) {
		return a.Alloc(bytes, align, offset)
	}
	return alloc.AllocSlowInline(a.ctx, a, bytes, align, offset)
}

// acquireRecyclableLines moves the cursor to the next hole of a reusable
// block.
func (a *Allocator) acquireRecyclableLines(bytes, align, offset heap.Bytes) bool {
	for a.inBlock || a.acquireRecyclableBlock() {
		start, end, ok := a.space.GetNextAvailableLines(a.block, a.line)
		if !ok {
			a.inBlock = false
			continue
		}
		a.cursor, a.limit = a.block.Line(start), a.block.Line(end)
		heap.Zero(a.cursor, a.limit.Minus(a.cursor))
		a.line = end
		a.inBlock = end < LinesInBlock
		return true
	}
	return false
}

func (a *Allocator) acquireRecyclableBlock() bool {
	b, ok := a.space.GetReusableBlock(a.copy)
	if !ok {
		return false
	}
	a.block, a.line, a.inBlock = b, 0, true
	return true
}

// AllocSlowOnce takes a clean block.
func (a *Allocator) AllocSlowOnce(bytes, align, offset heap.Bytes) heap.Address {
	b, ok := a.space.GetCleanBlock(a.thread, a.copy)
	if !ok {
		return 0
	}
	if a.requestLarge {
		a.largeCursor, a.largeLimit = b.Start(), b.End()
	} else {
		a.cursor, a.limit = b.Start(), b.End()
	}
	return a.Alloc(bytes, align, offset)
}
