// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alloc

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

// LargeObjectAllocator gives every object its own run of pages.
type LargeObjectAllocator struct {
	ctx    *Context
	thread host.Thread
	space  *policy.LargeObjectSpace
}

func NewLargeObjectAllocator(ctx *Context, t host.Thread, s *policy.LargeObjectSpace) *LargeObjectAllocator {
	return &LargeObjectAllocator{ctx: ctx, thread: t, space: s}
}

func (a *LargeObjectAllocator) Space() space.Space  { return a.space }
func (a *LargeObjectAllocator) Thread() host.Thread { return a.thread }

func (a *LargeObjectAllocator) Alloc(bytes, align, offset heap.Bytes) heap.Address {
	return AllocSlowInline(a.ctx, a, bytes, align, offset)
}

func (a *LargeObjectAllocator) AllocSlowOnce(bytes, align, offset heap.Bytes) heap.Address {
	return a.space.Alloc(a.thread, bytes, align, offset)
}

// MallocAllocator forwards every allocation to a MallocSpace.
type MallocAllocator struct {
	ctx    *Context
	thread host.Thread
	space  *policy.MallocSpace
}

func NewMallocAllocator(ctx *Context, t host.Thread, s *policy.MallocSpace) *MallocAllocator {
	return &MallocAllocator{ctx: ctx, thread: t, space: s}
}

func (a *MallocAllocator) Space() space.Space  { return a.space }
func (a *MallocAllocator) Thread() host.Thread { return a.thread }

func (a *MallocAllocator) Alloc(bytes, align, offset heap.Bytes) heap.Address {
	return AllocSlowInline(a.ctx, a, bytes, align, offset)
}

func (a *MallocAllocator) AllocSlowOnce(bytes, align, offset heap.Bytes) heap.Address {
	return a.space.Alloc(a.thread, bytes, align, offset)
}
