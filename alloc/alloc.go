// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package alloc implements the thread-local allocators mutators and
// collectors use to carve objects out of spaces.
//
// Every allocator has a fast path that needs no synchronization and a
// slow path that acquires more memory from its space. When the space
// makes a mutator wait for a collection, the slow path restarts the whole
// allocation. Repeated failure ends in the host's out-of-memory handler.
package alloc

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/space"
)

// ErrHeapExhausted is passed to the host's OutOfMemory handler.
var ErrHeapExhausted = errors.New("heap exhausted")

// An Allocator serves allocations for one thread from one space.
type Allocator interface {
	// Alloc returns space for bytes bytes such that the result plus
	// offset is aligned to align, or 0 if memory is exhausted.
	Alloc(bytes, align, offset heap.Bytes) heap.Address
	// AllocSlowOnce makes one attempt to refill the allocator and
	// allocate. It returns 0 if the thread waited for a collection.
	AllocSlowOnce(bytes, align, offset heap.Bytes) heap.Address
	Space() space.Space
	Thread() host.Thread
}

// Context is the allocation state shared by all allocators of an engine.
type Context struct {
	Collection host.Collection
	Threads    host.ActivePlan

	// MaxCollectionAttempts bounds the collections one allocation may
	// wait for before it is declared out of memory.
	MaxCollectionAttempts int

	emergency         atomic.Bool
	allocationSuccess atomic.Bool
	oom               atomic.Int64
}

// SetEmergencyCollection records whether the running collection is an
// emergency collection.
func (c *Context) SetEmergencyCollection(v bool) {
	c.emergency.Store(v)
}

func (c *Context) IsEmergencyCollection() bool {
	return c.emergency.Load()
}

// AllocationSucceeded reports whether a slow-path allocation succeeded
// since the flag was last cleared, and clears it.
func (c *Context) AllocationSucceeded() bool {
	return c.allocationSuccess.Swap(false)
}

// OutOfMemoryCount returns how many allocations were failed.
func (c *Context) OutOfMemoryCount() int64 {
	return c.oom.Load()
}

// AllocSlowInline retries a's slow path until it succeeds, a collection
// could not help, or the thread is not a mutator.
func AllocSlowInline(c *Context, a Allocator, bytes, align, offset heap.Bytes) heap.Address {
	t := a.Thread()
	mutator := c.Threads != nil && c.Threads.IsMutator(t)
	emergency := false
	for attempts := 1; ; attempts++ {
		r := a.AllocSlowOnce(bytes, align, offset)
		if !mutator {
			return r
		}
		if r != 0 {
			c.allocationSuccess.Store(true)
			return r
		}

		// A collection ran. After an emergency collection that freed
		// nothing any thread could use, give up.
		giveUp := emergency && c.IsEmergencyCollection() && !c.allocationSuccess.Swap(true)
		if c.MaxCollectionAttempts > 0 && attempts >= c.MaxCollectionAttempts {
			giveUp = true
		}
		if giveUp {
			c.oom.Add(1)
			c.Collection.OutOfMemory(t, fmt.Errorf("allocating %s in %s after %d collections: %w",
				bytes, a.Space().Common().Name(), attempts, ErrHeapExhausted))
			return 0
		}
		emergency = c.IsEmergencyCollection()
	}
}
