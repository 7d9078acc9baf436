// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package space

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// A PageResource hands out pages of one space and accounts for them.
//
// Allocation happens in two steps. ReservePages books pages against the
// budget before any memory is touched, so that the collection trigger can
// see pending demand. GetNewPages then performs the allocation and commits
// the reservation. A failed allocation is undone with ClearRequest.
type PageResource interface {
	// ReservePages adds pages, adjusted for per-chunk metadata, to the
	// reserved count and returns the adjusted count.
	ReservePages(pages int) int
	// ClearRequest undoes a reservation of the given adjusted size.
	ClearRequest(reserved int)
	// GetNewPages allocates required pages against a reservation of
	// reserved pages. It returns 0 if no pages are available.
	GetNewPages(reserved, required int, zeroed bool, t host.Thread) heap.Address

	ReservedPages() int
	CommittedPages() int
	// CapacityPages is the most pages this resource can ever commit.
	CapacityPages() int

	common() *CommonPageResource
}

// CommonPageResource holds the accounting shared by every policy.
//
// The counters only change under mu. They are atomics so that the
// collection trigger can read them without taking the lock.
type CommonPageResource struct {
	mu sync.Mutex // the allocation lock

	reserved  atomic.Int64 // outstanding requests, not capped at capacity
	_         cpu.CacheLinePad
	committed atomic.Int64

	contiguous bool
	capacity   int // pages

	// metadataPages pages at the start of every chunk are not handed out.
	metadataPages int

	registry *Registry
	index    int // owning space, looked up through registry
}

func (pr *CommonPageResource) init(cs *CommonSpace, metadataPagesPerChunk int) {
	pr.registry = cs.registry
	pr.index = cs.index
	pr.contiguous = cs.contiguous
	pr.metadataPages = metadataPagesPerChunk
	if cs.contiguous {
		pr.capacity = cs.extent.Pages()
	} else {
		pr.capacity = cs.registry.VM.Range().Pages()
	}
	if metadataPagesPerChunk >= heap.PagesInChunk {
		base.Throwf("space %s: %d metadata pages per chunk leave no room for data", cs.name, metadataPagesPerChunk)
	}
}

func (pr *CommonPageResource) common() *CommonPageResource {
	return pr
}

func (pr *CommonPageResource) adjustForMetadata(pages int) int {
	if pr.metadataPages == 0 {
		return pages
	}
	usable := heap.PagesInChunk - pr.metadataPages
	return pages + (pages+usable-1)/usable*pr.metadataPages
}

func (pr *CommonPageResource) ReservePages(pages int) int {
	adj := pr.adjustForMetadata(pages)
	pr.mu.Lock()
	defer pr.mu.Unlock()
	// A reservation that does not fit fails in GetNewPages and is
	// cleared again. The count is capped only when reported, so clearing
	// it leaves the other outstanding requests intact.
	pr.reserved.Add(int64(adj))
	return adj
}

func (pr *CommonPageResource) ClearRequest(reserved int) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	// Outstanding reservations never drop below what is committed, so
	// clearing the same request twice cannot drive the count negative.
	pr.reserved.Store(max(pr.reserved.Load()-int64(reserved), pr.committed.Load()))
}

// commitPages reconciles the reservation with the pages actually
// allocated. pr.mu must be held.
func (pr *CommonPageResource) commitPages(reserved, actual int, t host.Thread) {
	delta := int64(actual - reserved)
	pr.reserved.Store(max(pr.reserved.Load()+delta, pr.committed.Load()+int64(actual)))
	pr.committed.Add(int64(actual))
	if pr.registry.IsMutator(t) {
		pr.registry.addToCommitted(actual)
	}
}

// releaseCommitted returns pages that were committed. pr.mu must be held.
func (pr *CommonPageResource) releaseCommitted(pages int) {
	pr.committed.Add(-int64(pages))
	pr.reserved.Store(max(pr.reserved.Load()-int64(pages), pr.committed.Load()))
}

// growSpace runs the owning space's hook. pr.mu must be held.
func (pr *CommonPageResource) growSpace(start heap.Address, bytes heap.Bytes, newChunk bool) {
	pr.registry.Space(pr.index).GrowSpace(start, bytes, newChunk)
}

func (pr *CommonPageResource) ensureMapped(start heap.Address, pages int) {
	if err := pr.registry.VM.EnsureMapped(start, pages); err != nil {
		base.Throwf("mapping pages for space %d: %v", pr.index, err)
	}
}

// ReservedPages returns the reserved pages, at most the capacity.
func (pr *CommonPageResource) ReservedPages() int {
	return int(min(pr.reserved.Load(), int64(pr.capacity)))
}

func (pr *CommonPageResource) CommittedPages() int {
	return int(pr.committed.Load())
}

func (pr *CommonPageResource) CapacityPages() int {
	return pr.capacity
}

func (pr *CommonPageResource) IsContiguous() bool {
	return pr.contiguous
}
