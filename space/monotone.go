// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package space

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// MonotonePageResource bump-allocates pages. Individual pages are never
// returned. Reset releases everything at once.
type MonotonePageResource struct {
	CommonPageResource

	start    heap.Address // contiguous only
	cursor   heap.Address
	sentinel heap.Address

	// Discontiguous resources own a list of chunk runs. The last one is
	// the run the cursor points into.
	runs []chunkRun
}

type chunkRun struct {
	start  heap.Address
	chunks int
}

// NewMonotonePageResource creates the page resource of cs.
func NewMonotonePageResource(cs *CommonSpace, metadataPagesPerChunk int) *MonotonePageResource {
	pr := &MonotonePageResource{}
	pr.init(cs, metadataPagesPerChunk)
	if cs.contiguous {
		pr.start = cs.start
		pr.cursor = cs.start
		pr.sentinel = cs.start.Plus(cs.extent)
	}
	cs.pr = pr
	return pr
}

func (pr *MonotonePageResource) GetNewPages(reserved, required int, zeroed bool, t host.Thread) heap.Address {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	bytes := heap.PagesToBytes(required)
	rtn := pr.skipMetadata(pr.cursor)
	end, ok := rtn.PlusOK(bytes)
	newChunk := false
	if !pr.contiguous && (pr.cursor == 0 || !ok || end > pr.sentinel) {
		// Abandon the tail of the current run and take fresh chunks.
		need := heap.PagesToBytes(pr.adjustForMetadata(required)).AlignUp(heap.ChunkBytes).Div(heap.ChunkBytes)
		chunk := pr.registry.VM.AllocateContiguousChunks(pr.index, need)
		if chunk == 0 {
			return 0
		}
		pr.runs = append(pr.runs, chunkRun{chunk, need})
		pr.cursor = chunk
		pr.sentinel = chunk.Plus(heap.ChunkBytes.Mul(need))
		rtn = pr.skipMetadata(chunk)
		end, ok = rtn.PlusOK(bytes)
		newChunk = true
	}
	if !ok || end > pr.sentinel {
		return 0
	}
	if rtn.IsAligned(heap.ChunkBytes) || rtn.Chunk() != end.Sub(1).Chunk() {
		newChunk = true
	}
	actual := heap.Bytes(end.Minus(pr.cursor)).Pages()
	pr.cursor = end
	pr.commitPages(reserved, actual, t)
	pr.ensureMapped(rtn, required)
	pr.growSpace(rtn, bytes, newChunk)
	if zeroed {
		heap.Zero(rtn, bytes)
	}
	return rtn
}

// skipMetadata advances a past the metadata pages when a is the start of
// a chunk.
func (pr *MonotonePageResource) skipMetadata(a heap.Address) heap.Address {
	if pr.metadataPages > 0 && a.IsAligned(heap.ChunkBytes) {
		return a.Plus(heap.PagesToBytes(pr.metadataPages))
	}
	return a
}

// Cursor returns the next address to be handed out.
func (pr *MonotonePageResource) Cursor() heap.Address {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.cursor
}

// Reset releases every page. Contiguous resources restart at their base.
// Discontiguous ones return their chunks to the shared pool.
func (pr *MonotonePageResource) Reset() {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	pr.reserved.Store(0)
	pr.committed.Store(0)
	if pr.contiguous {
		if used := pr.cursor.Minus(pr.start); used > 0 {
			if err := pr.registry.VM.Decommit(pr.start, used); err != nil {
				base.Throwf("resetting space %d: %v", pr.index, err)
			}
		}
		pr.cursor = pr.start
		return
	}
	for _, r := range pr.runs {
		pr.registry.VM.FreeContiguousChunks(r.start, r.chunks)
	}
	pr.runs = nil
	pr.cursor, pr.sentinel = 0, 0
}

// Chunks calls f for every chunk run this resource owns. The resource
// must not allocate concurrently.
func (pr *MonotonePageResource) Chunks(f func(start heap.Address, bytes heap.Bytes)) {
	pr.mu.Lock()
	runs := append([]chunkRun(nil), pr.runs...)
	cursor := pr.cursor
	pr.mu.Unlock()
	if pr.contiguous {
		if cursor > pr.start {
			f(pr.start, cursor.Minus(pr.start))
		}
		return
	}
	for _, r := range runs {
		f(r.start, heap.ChunkBytes.Mul(r.chunks))
	}
}
