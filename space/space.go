// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package space implements named virtual-memory regions and the page
// resources that allocate within them.
package space

import (
	"fmt"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

const tracePoll = false

// A Space is a region of virtual memory managed by one policy.
type Space interface {
	Common() *CommonSpace
	// Acquire allocates pages for an allocator. It returns 0 after the
	// calling thread waited for a collection, in which case the caller
	// must restart its allocation.
	Acquire(t host.Thread, pages int) heap.Address
	// GrowSpace is called with the page resource lock held each time the
	// space is handed new pages. newChunk is set when the pages start or
	// cross into a chunk the space did not use before.
	GrowSpace(start heap.Address, bytes heap.Bytes, newChunk bool)
	InSpace(o heap.ObjectReference) bool
	IsLive(o heap.ObjectReference) bool
	IsMovable() bool
}

// A TransitiveClosure receives objects a trace has just marked or copied.
// Each such object must be scanned exactly once.
type TransitiveClosure interface {
	ProcessNode(o heap.ObjectReference)
}

// Options configures a CommonSpace.
type Options struct {
	Name      string
	Movable   bool
	Immortal  bool
	Zeroed    bool
	VMRequest VMRequest
}

// CommonSpace implements the parts of Space that do not depend on the
// policy. Policies embed it.
type CommonSpace struct {
	name     string
	index    int
	registry *Registry

	vmRequest  VMRequest
	immortal   bool
	movable    bool
	contiguous bool
	zeroed     bool

	pr     PageResource
	start  heap.Address // contiguous only
	extent heap.Bytes
}

// NewCommonSpace reserves the address range described by opts. The caller
// must attach a page resource and Register the finished space.
//
// Misaligned or unsatisfiable requests are fatal.
func NewCommonSpace(reg *Registry, opts Options) *CommonSpace {
	cs := &CommonSpace{
		name:       opts.Name,
		index:      reg.newIndex(),
		registry:   reg,
		vmRequest:  opts.VMRequest,
		immortal:   opts.Immortal,
		movable:    opts.Movable,
		contiguous: true,
		zeroed:     opts.Zeroed,
	}

	req := opts.VMRequest
	var r heap.Range
	var err error
	switch req.kind {
	case requestDiscontiguous:
		cs.contiguous = false
		return cs
	case requestExtent:
		r, err = reg.VM.ReserveContiguous(cs.index, req.extent, req.top)
	case requestFraction:
		extent := heap.Bytes(float64(reg.VM.Remaining()) * req.frac)
		extent -= extent % heap.ChunkBytes
		r, err = reg.VM.ReserveContiguous(cs.index, extent, req.top)
	case requestFixed:
		r = heap.Range{Start: req.start, Len: req.extent}
		err = reg.VM.ReserveFixed(cs.index, r)
	}
	if err != nil {
		base.Throwf("space %s (%s): %v", cs.name, req, err)
	}
	cs.start, cs.extent = r.Start, r.Len
	base.Logf(3, "SPACE", "%s reserved %s", cs.name, r)
	return cs
}

func (c *CommonSpace) Common() *CommonSpace {
	return c
}

func (c *CommonSpace) Name() string {
	return c.name
}

// Index returns the space's descriptor index in its registry.
func (c *CommonSpace) Index() int {
	return c.index
}

func (c *CommonSpace) Registry() *Registry {
	return c.registry
}

func (c *CommonSpace) PageResource() PageResource {
	return c.pr
}

func (c *CommonSpace) IsMovable() bool {
	return c.movable
}

func (c *CommonSpace) IsImmortal() bool {
	return c.immortal
}

func (c *CommonSpace) IsContiguous() bool {
	return c.contiguous
}

// Range returns the address range of a contiguous space.
func (c *CommonSpace) Range() heap.Range {
	return heap.Range{Start: c.start, Len: c.extent}
}

func (c *CommonSpace) ReservedPages() int {
	return c.pr.ReservedPages()
}

func (c *CommonSpace) CommittedPages() int {
	return c.pr.CommittedPages()
}

// InSpace is a pure address test.
func (c *CommonSpace) InSpace(o heap.ObjectReference) bool {
	if c.contiguous {
		return c.Range().Contains(o.Addr())
	}
	return c.registry.VM.Owner(o.Addr()) == c.index
}

// GrowSpace does nothing by default.
func (c *CommonSpace) GrowSpace(start heap.Address, bytes heap.Bytes, newChunk bool) {}

func (c *CommonSpace) self() Space {
	return c.registry.Space(c.index)
}

func (c *CommonSpace) Acquire(t host.Thread, pages int) heap.Address {
	reg := c.registry
	allowPoll := reg.IsMutator(t) && reg.Initialized()

	pr := c.pr
	reserved := pr.ReservePages(pages)

	if allowPoll && reg.getPoller().Poll(false, c.self()) {
		if tracePoll {
			base.Logf(0, "POLL", "%s: collection required before acquiring %d pages", c.name, pages)
		}
		pr.ClearRequest(reserved)
		reg.blockForGC(t)
		return 0
	}

	rtn := pr.GetNewPages(reserved, pages, c.zeroed, t)
	if rtn != 0 {
		return rtn
	}
	if !allowPoll {
		pr.ClearRequest(reserved)
		base.Throwf("%s: physical allocation of %d pages failed when polling not allowed", c.name, pages)
	}
	if !reg.getPoller().Poll(true, c.self()) {
		base.Throwf("%s: collection not performed when forced", c.name)
	}
	pr.ClearRequest(reserved)
	reg.blockForGC(t)
	return 0
}

func (c *CommonSpace) String() string {
	if c.contiguous {
		return fmt.Sprintf("%s%s", c.name, c.Range())
	}
	return c.name + "[discontiguous]"
}
