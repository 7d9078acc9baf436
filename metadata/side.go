// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metadata implements side metadata: per-address bit fields kept
// outside the objects they describe.
//
// A Table maps every 1<<LogRegion bytes of the covered range to a field of
// NumBits bits. Backing storage is allocated one chunk at a time on first
// use. Every access is atomic, so tables may be read and updated by
// mutators and collector workers concurrently.
package metadata

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
)

type Spec struct {
	Name      string
	NumBits   int  // 1, 2, 4, 8 or 16
	LogRegion uint // log2 of the bytes described by one field
}

func (s Spec) String() string {
	return fmt.Sprintf("%s(%d bits per %s)", s.Name, s.NumBits, heap.Bytes(1)<<s.LogRegion)
}

// bitsPerChunk returns the number of metadata bits describing one chunk.
func (s Spec) bitsPerChunk() uint64 {
	return uint64(heap.ChunkBytes>>s.LogRegion) * uint64(s.NumBits)
}

type slab []atomic.Uint32

type Table struct {
	spec  Spec
	cover heap.Range
	mask  uint32
	slabs []atomic.Pointer[slab]
	words int // uint32s per slab
}

// New returns a table describing the chunk-aligned range cover.
func New(spec Spec, cover heap.Range) *Table {
	switch spec.NumBits {
	case 1, 2, 4, 8, 16:
	default:
		panic(fmt.Sprintf("metadata %s: unsupported field width", spec))
	}
	if heap.Bytes(1)<<spec.LogRegion > heap.ChunkBytes || spec.LogRegion < heap.LogBytesInWord {
		panic(fmt.Sprintf("metadata %s: region size out of range", spec))
	}
	if !cover.Start.IsAligned(heap.ChunkBytes) || cover.Len%heap.ChunkBytes != 0 {
		panic(fmt.Sprintf("metadata %s: range %s not chunk aligned", spec, cover))
	}
	words := int((spec.bitsPerChunk() + 31) / 32)
	return &Table{
		spec:  spec,
		cover: cover,
		mask:  uint32(1)<<spec.NumBits - 1,
		slabs: make([]atomic.Pointer[slab], cover.Len/heap.ChunkBytes),
		words: words,
	}
}

func (t *Table) Spec() Spec {
	return t.spec
}

func (t *Table) slab(c int) slab {
	if s := t.slabs[c].Load(); s != nil {
		return *s
	}
	s := make(slab, t.words)
	if t.slabs[c].CompareAndSwap(nil, &s) {
		return s
	}
	return *t.slabs[c].Load()
}

func (t *Table) locate(a heap.Address) (*atomic.Uint32, uint) {
	if !t.cover.Contains(a) {
		panic(fmt.Sprintf("metadata %s: address %s outside %s", t.spec, a, t.cover))
	}
	off := a.Minus(t.cover.Start)
	s := t.slab(int(off >> heap.LogBytesInChunk))
	bit := uint64(off&(heap.ChunkBytes-1)) >> t.spec.LogRegion * uint64(t.spec.NumBits)
	return &s[bit/32], uint(bit % 32)
}

// Load returns the field describing a.
func (t *Table) Load(a heap.Address) uint32 {
	w, shift := t.locate(a)
	return w.Load() >> shift & t.mask
}

// Store sets the field describing a to v.
func (t *Table) Store(a heap.Address, v uint32) {
	w, shift := t.locate(a)
	for {
		old := w.Load()
		new := old&^(t.mask<<shift) | (v&t.mask)<<shift
		if old == new || w.CompareAndSwap(old, new) {
			return
		}
	}
}

// CompareAndSwap sets the field describing a to new if it currently holds
// old.
func (t *Table) CompareAndSwap(a heap.Address, old, new uint32) bool {
	w, shift := t.locate(a)
	old &= t.mask
	new &= t.mask
	for {
		cur := w.Load()
		if cur>>shift&t.mask != old {
			return false
		}
		next := cur&^(t.mask<<shift) | new<<shift
		if w.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// FetchAdd adds delta to the field describing a, wrapping within the
// field width, and returns the previous value.
func (t *Table) FetchAdd(a heap.Address, delta uint32) uint32 {
	w, shift := t.locate(a)
	for {
		cur := w.Load()
		old := cur >> shift & t.mask
		next := cur&^(t.mask<<shift) | ((old+delta)&t.mask)<<shift
		if w.CompareAndSwap(cur, next) {
			return old
		}
	}
}

// FetchSub subtracts delta from the field describing a, wrapping within
// the field width, and returns the previous value.
func (t *Table) FetchSub(a heap.Address, delta uint32) uint32 {
	return t.FetchAdd(a, -delta)
}

// Zero clears the fields describing [start, start+n). Chunks whose
// storage was never touched are skipped.
func (t *Table) Zero(start heap.Address, n heap.Bytes) {
	for n > 0 {
		c := start.Chunk()
		span := min(n, c.Plus(heap.ChunkBytes).Minus(start))
		t.zeroWithinChunk(start, span)
		start = start.Plus(span)
		n -= span
	}
}

func (t *Table) zeroWithinChunk(start heap.Address, n heap.Bytes) {
	off := start.Minus(t.cover.Start)
	c := int(off >> heap.LogBytesInChunk)
	sp := t.slabs[c].Load()
	if sp == nil {
		return
	}
	s := *sp
	first := uint64(off&(heap.ChunkBytes-1)) >> t.spec.LogRegion * uint64(t.spec.NumBits)
	last := first + uint64(n>>t.spec.LogRegion)*uint64(t.spec.NumBits)
	for bit := first; bit < last; {
		if bit%32 == 0 && last-bit >= 32 {
			s[bit/32].Store(0)
			bit += 32
			continue
		}
		w, shift := &s[bit/32], uint(bit%32)
		for {
			cur := w.Load()
			if w.CompareAndSwap(cur, cur&^(t.mask<<shift)) {
				break
			}
		}
		bit += uint64(t.spec.NumBits)
	}
}

// ZeroChunk clears every field describing the chunk containing a.
func (t *Table) ZeroChunk(a heap.Address) {
	t.Zero(a.Chunk(), heap.ChunkBytes)
}
