// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/policy"
)

// MaxNonLOSDefaultAllocBytes is the largest default allocation a plan
// with a large object space serves from its default space.
const MaxNonLOSDefaultAllocBytes heap.Bytes = 16 << 10

const numSemantics = int(host.AllocLargeCode) + 1

// A Barrier observes reference stores of one mutator.
type Barrier interface {
	// ObjectReferenceWrite is called after target was stored into slot,
	// a field of src.
	ObjectReferenceWrite(src heap.ObjectReference, slot heap.Address, target heap.ObjectReference)
	// Flush hands buffered state to the plan. It runs while the mutator
	// is stopped.
	Flush()
}

// Mutator is the allocation context of one host thread. It is used only
// by that thread, and by the collector while mutators are stopped.
type Mutator struct {
	Thread host.Thread

	plan       Plan
	allocators [numSemantics]alloc.Allocator
	barrier    Barrier
}

// SetAllocator makes a serve allocations with semantics sem.
func (m *Mutator) SetAllocator(sem host.AllocationSemantics, a alloc.Allocator) {
	m.allocators[sem] = a
}

func (m *Mutator) Allocator(sem host.AllocationSemantics) alloc.Allocator {
	return m.allocators[sem]
}

func (m *Mutator) SetBarrier(b Barrier) {
	m.barrier = b
}

func (m *Mutator) Barrier() Barrier {
	return m.barrier
}

// route picks the semantics that actually serve an allocation. Large
// default allocations go to the large object space if there is one.
func (m *Mutator) route(bytes heap.Bytes, sem host.AllocationSemantics) host.AllocationSemantics {
	if sem == host.AllocDefault && bytes > MaxNonLOSDefaultAllocBytes && m.allocators[host.AllocLOS] != nil {
		return host.AllocLOS
	}
	return sem
}

func (m *Mutator) allocator(bytes heap.Bytes, sem host.AllocationSemantics) alloc.Allocator {
	a := m.allocators[m.route(bytes, sem)]
	if a == nil {
		base.Throwf("plan has no allocator for %v allocations", sem)
	}
	return a
}

// Alloc allocates bytes such that the result plus offset is aligned to
// align. It returns 0 if the heap is exhausted, after the host was told
// through OutOfMemory.
func (m *Mutator) Alloc(bytes, align, offset heap.Bytes, sem host.AllocationSemantics) heap.Address {
	return m.allocator(bytes, sem).Alloc(bytes, align, offset)
}

// AllocSlow bypasses the allocator's fast path.
func (m *Mutator) AllocSlow(bytes, align, offset heap.Bytes, sem host.AllocationSemantics) heap.Address {
	return alloc.AllocSlowInline(m.plan.Base().Alloc, m.allocator(bytes, sem), bytes, align, offset)
}

// PostAlloc initializes the engine's per-object state of a new object
// once the host has written its header.
func (m *Mutator) PostAlloc(o heap.ObjectReference, bytes heap.Bytes, sem host.AllocationSemantics) {
	if s, ok := m.allocator(bytes, sem).Space().(*policy.ImmortalSpace); ok {
		s.InitializeHeader(o)
	}
}

// ObjectReferenceWrite stores target into slot, a field of src, and runs
// the write barrier.
func (m *Mutator) ObjectReferenceWrite(src heap.ObjectReference, slot heap.Address, target heap.ObjectReference) {
	slot.StoreRef(target)
	if m.barrier != nil {
		m.barrier.ObjectReferenceWrite(src, slot, target)
	}
}

// Flush hands barrier state to the plan.
func (m *Mutator) Flush() {
	if m.barrier != nil {
		m.barrier.Flush()
	}
}
