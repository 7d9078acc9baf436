// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package space

import (
	"golang.org/x/gcengine/bitmap"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// FreeListPageResource allocates runs of pages that can be released
// individually.
//
// Free pages are tracked in a bitmap indexed from base. A discontiguous
// resource grows by whole chunks taken from the shared pool and keeps
// them for its own reuse once their pages are released.
type FreeListPageResource struct {
	CommonPageResource

	base  heap.Address
	limit heap.Address // end of the range the bitmap may describe
	free  bitmap.Set[uint64]
	sizes map[heap.Address]int // page count of each live run

	// align is the page alignment of every run, in pages.
	align int
}

// NewFreeListPageResource creates the page resource of cs. Runs are
// aligned to alignPages pages.
func NewFreeListPageResource(cs *CommonSpace, metadataPagesPerChunk, alignPages int) *FreeListPageResource {
	if alignPages <= 0 || heap.PagesInChunk%alignPages != 0 {
		base.Throwf("space %s: page alignment %d does not divide a chunk", cs.name, alignPages)
	}
	pr := &FreeListPageResource{
		sizes: make(map[heap.Address]int),
		align: alignPages,
	}
	pr.init(cs, metadataPagesPerChunk)
	if cs.contiguous {
		pr.base, pr.limit = cs.start, cs.start.Plus(cs.extent)
	} else {
		r := cs.registry.VM.Range()
		pr.base, pr.limit = r.Start, r.End()
	}
	pr.free = bitmap.NewSet[uint64](uint64(pr.limit.Minus(pr.base).Pages()))
	if cs.contiguous {
		for c := pr.base; c < pr.limit; c = c.Plus(heap.ChunkBytes) {
			pr.addChunk(c)
		}
	}
	cs.pr = pr
	return pr
}

func (pr *FreeListPageResource) page(a heap.Address) uint64 {
	return uint64(a.Minus(pr.base) >> heap.LogBytesInPage)
}

func (pr *FreeListPageResource) addr(page uint64) heap.Address {
	return pr.base.Plus(heap.PagesToBytes(int(page)))
}

// addChunk makes the data pages of the chunk at c (or the part of it
// below limit) available.
func (pr *FreeListPageResource) addChunk(c heap.Address) {
	first := pr.page(c) + uint64(pr.metadataPages)
	last := min(pr.page(c)+uint64(heap.PagesInChunk), pr.page(pr.limit))
	if first < last {
		pr.free.AddRange(first, last)
	}
}

// GetNewPages ignores zeroed: released pages are decommitted, so every
// run it hands out reads as zero.
func (pr *FreeListPageResource) GetNewPages(reserved, required int, zeroed bool, t host.Thread) heap.Address {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	newChunk := false
	page, ok := pr.findRun(required)
	if !ok && !pr.contiguous {
		need := pr.chunksFor(required)
		c := pr.registry.VM.AllocateContiguousChunks(pr.index, need)
		if c == 0 {
			return 0
		}
		if pr.metadataPages == 0 {
			pr.free.AddRange(pr.page(c), pr.page(c)+uint64(need*heap.PagesInChunk))
		} else {
			for i := range need {
				pr.addChunk(c.Plus(heap.ChunkBytes.Mul(i)))
			}
		}
		newChunk = true
		page, ok = pr.findRun(required)
	}
	if !ok {
		return 0
	}
	pr.free.RemoveRange(page, page+uint64(required))
	rtn := pr.addr(page)
	pr.sizes[rtn] = required
	pr.commitPages(reserved, required, t)
	pr.ensureMapped(rtn, required)
	pr.growSpace(rtn, heap.PagesToBytes(required), newChunk)
	return rtn
}

// chunksFor returns how many fresh chunks are needed to hold a run of
// pages data pages.
func (pr *FreeListPageResource) chunksFor(pages int) int {
	if pr.metadataPages == 0 {
		return heap.PagesToBytes(pages).CeilDiv(heap.ChunkBytes)
	}
	// Runs cannot span the metadata at the start of the next chunk.
	if pages > heap.PagesInChunk-pr.metadataPages {
		base.Throwf("space %d: run of %d pages exceeds a chunk", pr.index, pages)
	}
	return 1
}

// findRun returns the first page of an aligned run of n free pages.
func (pr *FreeListPageResource) findRun(n int) (uint64, bool) {
	align := uint64(pr.align)
	end := pr.free.Cap()
	for i := uint64(0); i+uint64(n) <= end; {
		next, ok := pr.free.Next(i)
		if !ok {
			return 0, false
		}
		i = (next + align - 1) / align * align
		if i+uint64(n) > end {
			return 0, false
		}
		if got := pr.free.LenRange(i, i+uint64(n)); got == uint64(n) {
			return i, true
		}
		i += align
	}
	return 0, false
}

// ReleasePages frees the run starting at first and returns its length in
// pages.
func (pr *FreeListPageResource) ReleasePages(first heap.Address) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pages, ok := pr.sizes[first]
	if !ok {
		base.Throwf("releasing %s, which is not the start of a live run", first)
	}
	delete(pr.sizes, first)
	if err := pr.registry.VM.Decommit(first, heap.PagesToBytes(pages)); err != nil {
		base.Throwf("releasing %s: %v", first, err)
	}
	p := pr.page(first)
	pr.free.AddRange(p, p+uint64(pages))
	pr.releaseCommitted(pages)
	return pages
}

// RunPages returns the length of the live run starting at first, or 0.
func (pr *FreeListPageResource) RunPages(first heap.Address) int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.sizes[first]
}

// FreePages returns the number of pages available without growing.
func (pr *FreeListPageResource) FreePages() int {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.free.Len()
}
