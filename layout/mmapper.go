// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layout

import (
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
)

// Mmapper owns the engine's address-space reservation and commits it to
// physical memory one chunk at a time.
type Mmapper struct {
	mu      sync.Mutex // serializes state transitions
	mem     []byte     // the raw reservation, for sysFree
	base    heap.Address
	size    heap.Bytes
	granule heap.Bytes    // smallest range the OS decommits
	mapped  []atomic.Bool // per chunk
}

// NewMmapper reserves size bytes of chunk-aligned address space.
func NewMmapper(size heap.Bytes) (*Mmapper, error) {
	if size == 0 || size%heap.ChunkBytes != 0 {
		return nil, fmt.Errorf("reservation size %s is not a positive multiple of %s", size, heap.ChunkBytes)
	}
	granule, err := decommitGranule(osPageSize())
	if err != nil {
		return nil, err
	}
	// Over-reserve by one chunk so the usable range can be chunk aligned.
	mem, err := sysReserve(uintptr(size + heap.ChunkBytes))
	if err != nil {
		return nil, err
	}
	base := heap.AddressOf(mem).AlignUp(heap.ChunkBytes)
	return &Mmapper{
		mem:     mem,
		base:    base,
		size:    size,
		granule: granule,
		mapped:  make([]atomic.Bool, size/heap.ChunkBytes),
	}, nil
}

// decommitGranule returns the unit Decommit hands to the OS for an OS
// page size of ps. Pages larger than an engine page are fine as long as
// they tile a chunk.
func decommitGranule(ps int) (heap.Bytes, error) {
	g := heap.Bytes(ps)
	if g == 0 || g&(g-1) != 0 || heap.ChunkBytes%g != 0 {
		return 0, fmt.Errorf("OS page size %d does not divide chunk size %s", ps, heap.ChunkBytes)
	}
	return max(g, heap.PageBytes), nil
}

// Range returns the usable chunk-aligned reservation.
func (m *Mmapper) Range() heap.Range {
	return heap.Range{Start: m.base, Len: m.size}
}

func (m *Mmapper) chunk(a heap.Address) int {
	return int(a.Minus(m.base) / heap.ChunkBytes)
}

func (m *Mmapper) slice(start heap.Address, n heap.Bytes) []byte {
	off := uintptr(start - heap.AddressOf(m.mem))
	return m.mem[off : off+uintptr(n)]
}

// EnsureMapped commits every chunk overlapping [start, start+pages).
func (m *Mmapper) EnsureMapped(start heap.Address, pages int) error {
	end := start.Plus(heap.PagesToBytes(pages))
	if !m.Range().Contains(start) || end > m.Range().End() {
		return fmt.Errorf("range %s outside reservation %s", heap.Range{Start: start, Len: end.Minus(start)}, m.Range())
	}
	for c := start.Chunk(); c < end; c = c.Plus(heap.ChunkBytes) {
		i := m.chunk(c)
		if m.mapped[i].Load() {
			continue
		}
		m.mu.Lock()
		if !m.mapped[i].Load() {
			if err := sysMap(m.slice(c, heap.ChunkBytes)); err != nil {
				m.mu.Unlock()
				return err
			}
			m.mapped[i].Store(true)
		}
		m.mu.Unlock()
	}
	return nil
}

// IsMapped reports whether a lies in a committed chunk.
func (m *Mmapper) IsMapped(a heap.Address) bool {
	if !m.Range().Contains(a) {
		return false
	}
	return m.mapped[m.chunk(a)].Load()
}

// Decommit drops the physical pages backing [start, start+n). The range
// stays mapped and reads back as zero. OS pages only partly inside the
// range keep their backing and have the covered bytes cleared.
func (m *Mmapper) Decommit(start heap.Address, n heap.Bytes) error {
	if n == 0 {
		return nil
	}
	end := start.Plus(n)
	lo, hi := start.AlignUp(m.granule), end.AlignDown(m.granule)
	if lo >= hi {
		clear(m.slice(start, n))
		return nil
	}
	clear(m.slice(start, lo.Minus(start)))
	clear(m.slice(hi, end.Minus(hi)))
	return sysUnused(m.slice(lo, hi.Minus(lo)))
}

// Release returns the whole reservation to the OS. The Mmapper must not
// be used afterwards.
func (m *Mmapper) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return nil
	}
	err := sysFree(m.mem)
	m.mem = nil
	return err
}
