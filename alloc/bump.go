// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alloc

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/space"
)

const (
	// BlockPages is the granularity at which a bump allocator acquires
	// memory.
	BlockPages = 8
	blockBytes = heap.Bytes(BlockPages) << heap.LogBytesInPage
)

// BumpAllocator allocates by advancing a cursor through blocks acquired
// from its space.
type BumpAllocator struct {
	ctx    *Context
	thread host.Thread
	space  space.Space

	cursor heap.Address
	limit  heap.Address
}

func NewBumpAllocator(ctx *Context, t host.Thread, s space.Space) *BumpAllocator {
	return &BumpAllocator{ctx: ctx, thread: t, space: s}
}

func (a *BumpAllocator) Space() space.Space  { return a.space }
func (a *BumpAllocator) Thread() host.Thread { return a.thread }

// Reset drops the current block.
func (a *BumpAllocator) Reset() {
	a.cursor, a.limit = 0, 0
}

// Rebind resets a and directs future allocation to s.
func (a *BumpAllocator) Rebind(s space.Space) {
	a.Reset()
	a.space = s
}

func (a *BumpAllocator) Alloc(bytes, align, offset heap.Bytes) heap.Address {
	start := heap.AlignAllocation(a.cursor, align, offset)
	end, ok := start.PlusOK(bytes)
	if a.cursor == 0 || !ok || end > a.limit {
		return AllocSlowInline(a.ctx, a, bytes, align, offset)
	}
	a.cursor = end
	return start
}

func (a *BumpAllocator) AllocSlowOnce(bytes, align, offset heap.Bytes) heap.Address {
	size := (bytes + align).AlignUp(blockBytes)
	block := a.space.Acquire(a.thread, size.Pages())
	if block == 0 {
		return 0
	}
	a.cursor, a.limit = block, block.Plus(size)
	start := heap.AlignAllocation(a.cursor, align, offset)
	a.cursor = start.Plus(bytes)
	return start
}

// Cursor returns the next free address of the current block.
func (a *BumpAllocator) Cursor() heap.Address {
	return a.cursor
}
