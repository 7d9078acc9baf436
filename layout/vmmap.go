// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package layout manages the engine's virtual address space.
//
// A VMMap carves one reservation into contiguous space ranges, taken from
// either end of the reservation, and a pool of chunks in the middle that
// discontiguous spaces draw from after Finalize.
package layout

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/bitmap"
	"golang.org/x/gcengine/heap"
)

// NoSpace is the owner of a chunk that belongs to no space.
const NoSpace = -1

type VMMap struct {
	*Mmapper

	mu        sync.Mutex
	lo, hi    heap.Address // carving cursors for contiguous spaces
	finalized bool
	free      bitmap.Set[uint64] // free pool chunks, indexed from the reservation base
	freeCount int

	owner []atomic.Int32 // per chunk space index, or NoSpace
}

// NewVMMap reserves size bytes of address space.
func NewVMMap(size heap.Bytes) (*VMMap, error) {
	mm, err := NewMmapper(size)
	if err != nil {
		return nil, err
	}
	r := mm.Range()
	n := size / heap.ChunkBytes
	m := &VMMap{
		Mmapper: mm,
		lo:      r.Start,
		hi:      r.End(),
		free:    bitmap.NewSet[uint64](uint64(n)),
		owner:   make([]atomic.Int32, n),
	}
	for i := range m.owner {
		m.owner[i].Store(NoSpace)
	}
	return m, nil
}

// ReserveContiguous carves bytes of address space for space index id,
// from the top of the reservation if top is set. bytes must be a multiple
// of the chunk size. It reports an error if the carve does not fit or
// happens after Finalize.
func (m *VMMap) ReserveContiguous(id int, bytes heap.Bytes, top bool) (heap.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return heap.Range{}, fmt.Errorf("contiguous reservation after finalize")
	}
	if bytes == 0 || bytes%heap.ChunkBytes != 0 {
		return heap.Range{}, fmt.Errorf("extent %s is not chunk aligned", bytes)
	}
	if m.hi.Minus(m.lo) < bytes {
		return heap.Range{}, fmt.Errorf("extent %s does not fit in %s of remaining address space", bytes, m.hi.Minus(m.lo))
	}
	var r heap.Range
	if top {
		m.hi = m.hi.Sub(bytes)
		r = heap.Range{Start: m.hi, Len: bytes}
	} else {
		r = heap.Range{Start: m.lo, Len: bytes}
		m.lo = m.lo.Plus(bytes)
	}
	m.setOwner(r.Start, r.Len.Div(heap.ChunkBytes), id)
	return r, nil
}

// ReserveFixed claims an exact range for space index id. The range must
// lie at the current bottom or top cursor.
func (m *VMMap) ReserveFixed(id int, r heap.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return fmt.Errorf("fixed reservation after finalize")
	}
	if !r.Start.IsAligned(heap.ChunkBytes) || r.Len%heap.ChunkBytes != 0 {
		return fmt.Errorf("fixed range %s is not chunk aligned", r)
	}
	switch {
	case r.Start == m.lo && r.End() <= m.hi:
		m.lo = r.End()
	case r.End() == m.hi && r.Start >= m.lo:
		m.hi = r.Start
	default:
		return fmt.Errorf("fixed range %s is not at a free boundary of [%s,%s)", r, m.lo, m.hi)
	}
	m.setOwner(r.Start, r.Len.Div(heap.ChunkBytes), id)
	return nil
}

// Remaining returns the address space not yet carved.
func (m *VMMap) Remaining() heap.Bytes {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hi.Minus(m.lo)
}

// Finalize ends contiguous carving. Whatever is left becomes the chunk
// pool for discontiguous spaces.
func (m *VMMap) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.finalized = true
	first, last := uint64(m.chunk(m.lo)), uint64(m.chunk(m.hi))
	m.free.AddRange(first, last)
	m.freeCount = int(last - first)
}

// AllocateContiguousChunks takes n adjacent chunks from the pool for space
// index id and returns the first, or 0 if the pool cannot satisfy it.
func (m *VMMap) AllocateContiguousChunks(id, n int) heap.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.finalized || n > m.freeCount {
		return 0
	}
	i, ok := m.free.FindRun(uint64(n), 0, m.free.Cap())
	if !ok {
		return 0
	}
	m.free.RemoveRange(i, i+uint64(n))
	m.freeCount -= n
	start := m.Range().Start.Plus(heap.ChunkBytes.Mul(int(i)))
	m.setOwner(start, n, id)
	return start
}

// FreeContiguousChunks returns n chunks starting at start to the pool and
// decommits them.
func (m *VMMap) FreeContiguousChunks(start heap.Address, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := uint64(m.chunk(start))
	m.free.AddRange(i, i+uint64(n))
	m.freeCount += n
	m.setOwner(start, n, NoSpace)
	if err := m.Decommit(start, heap.ChunkBytes.Mul(n)); err != nil {
		panic(fmt.Sprintf("decommitting freed chunks at %s: %v", start, err))
	}
}

// AvailableChunks returns the number of chunks left in the pool.
func (m *VMMap) AvailableChunks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeCount
}

// Owner returns the index of the space owning the chunk containing a, or
// NoSpace.
func (m *VMMap) Owner(a heap.Address) int {
	if !m.Range().Contains(a) {
		return NoSpace
	}
	return int(m.owner[m.chunk(a)].Load())
}

func (m *VMMap) setOwner(start heap.Address, n, id int) {
	c := m.chunk(start)
	for i := range n {
		m.owner[c+i].Store(int32(id))
	}
}
