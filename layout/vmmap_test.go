// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package layout

import (
	"testing"

	"golang.org/x/gcengine/heap"
)

func newTestMap(t *testing.T, chunks int) *VMMap {
	t.Helper()
	m, err := NewVMMap(heap.ChunkBytes.Mul(chunks))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Release() })
	return m
}

func TestVMMapCarve(t *testing.T) {
	m := newTestMap(t, 16)
	base := m.Range().Start
	if !base.IsAligned(heap.ChunkBytes) {
		t.Fatalf("base %s not chunk aligned", base)
	}

	lo, err := m.ReserveContiguous(0, 2*heap.ChunkBytes, false)
	if err != nil {
		t.Fatal(err)
	}
	if lo.Start != base {
		t.Fatalf("want bottom carve at %s, got %s", base, lo)
	}
	hi, err := m.ReserveContiguous(1, heap.ChunkBytes, true)
	if err != nil {
		t.Fatal(err)
	}
	if hi.End() != m.Range().End() {
		t.Fatalf("want top carve ending at %s, got %s", m.Range().End(), hi)
	}
	if _, err := m.ReserveContiguous(2, heap.ChunkBytes+1, false); err == nil {
		t.Fatalf("misaligned extent accepted")
	}
	if _, err := m.ReserveContiguous(2, 20*heap.ChunkBytes, false); err == nil {
		t.Fatalf("oversized extent accepted")
	}
	if got := m.Owner(lo.Start.Plus(heap.ChunkBytes)); got != 0 {
		t.Fatalf("want owner 0, got %d", got)
	}
	if got := m.Owner(hi.Start); got != 1 {
		t.Fatalf("want owner 1, got %d", got)
	}

	m.Finalize()
	if got := m.AvailableChunks(); got != 13 {
		t.Fatalf("want 13 pool chunks, got %d", got)
	}
	if _, err := m.ReserveContiguous(3, heap.ChunkBytes, false); err == nil {
		t.Fatalf("carve after finalize accepted")
	}
}

func TestVMMapChunkPool(t *testing.T) {
	m := newTestMap(t, 8)
	m.Finalize()

	a := m.AllocateContiguousChunks(5, 3)
	if a == 0 {
		t.Fatalf("allocation failed")
	}
	b := m.AllocateContiguousChunks(6, 5)
	if b == 0 {
		t.Fatalf("allocation failed")
	}
	if c := m.AllocateContiguousChunks(7, 1); c != 0 {
		t.Fatalf("pool should be empty, got %s", c)
	}
	if got := m.Owner(a.Plus(2 * heap.ChunkBytes)); got != 5 {
		t.Fatalf("want owner 5, got %d", got)
	}

	m.FreeContiguousChunks(a, 3)
	if got := m.Owner(a); got != NoSpace {
		t.Fatalf("freed chunk still owned by %d", got)
	}
	if c := m.AllocateContiguousChunks(7, 2); c != a {
		t.Fatalf("want reuse of %s, got %s", a, c)
	}
}

func TestMmapperCommit(t *testing.T) {
	m := newTestMap(t, 2)
	start := m.Range().Start
	if m.IsMapped(start) {
		t.Fatalf("chunk mapped before commit")
	}
	if err := m.EnsureMapped(start.Plus(heap.PageBytes), 4); err != nil {
		t.Fatal(err)
	}
	if !m.IsMapped(start) {
		t.Fatalf("chunk not mapped after commit")
	}
	if m.IsMapped(start.Plus(heap.ChunkBytes)) {
		t.Fatalf("second chunk mapped unexpectedly")
	}
	p := start.Plus(heap.PageBytes)
	p.Store(0xdead)
	if err := m.Decommit(start, heap.ChunkBytes); err != nil {
		t.Fatal(err)
	}
	if got := p.Load(); got != 0 {
		t.Fatalf("want zero after decommit, got %#x", got)
	}
	if err := m.EnsureMapped(m.Range().End(), 1); err == nil {
		t.Fatalf("out-of-range commit accepted")
	}
}

func TestDecommitGranule(t *testing.T) {
	for _, tc := range []struct {
		ps   int
		want heap.Bytes
		ok   bool
	}{
		{4096, heap.PageBytes, true},
		{16384, 16 * heap.KiB, true},
		{65536, 64 * heap.KiB, true},
		{0, 0, false},
		{12288, 0, false},
		{int(heap.ChunkBytes) * 2, 0, false},
	} {
		got, err := decommitGranule(tc.ps)
		if (err == nil) != tc.ok {
			t.Fatalf("page size %d: want ok %v, got err %v", tc.ps, tc.ok, err)
		}
		if got != tc.want {
			t.Fatalf("page size %d: want granule %s, got %s", tc.ps, tc.want, got)
		}
	}
}

func TestDecommitPartialGranule(t *testing.T) {
	m := newTestMap(t, 1)
	m.granule = 16 * heap.KiB
	start := m.Range().Start
	if err := m.EnsureMapped(start, 8); err != nil {
		t.Fatal(err)
	}
	for i := range 8 {
		start.Plus(heap.PagesToBytes(i)).Store(uint64(i + 1))
	}
	// Page 1 shares a granule with pages 0, 2 and 3.
	if err := m.Decommit(start.Plus(heap.PageBytes), heap.PageBytes); err != nil {
		t.Fatal(err)
	}
	// Pages 3..5 straddle the granule boundary at page 4.
	if err := m.Decommit(start.Plus(heap.PagesToBytes(3)), heap.PagesToBytes(3)); err != nil {
		t.Fatal(err)
	}
	for i, want := range []uint64{1, 0, 3, 0, 0, 0, 7, 8} {
		if got := start.Plus(heap.PagesToBytes(i)).Load(); got != want {
			t.Fatalf("page %d: want %d, got %d", i, want, got)
		}
	}
}
