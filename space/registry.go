// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package space

import (
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/layout"
)

// A Poller decides whether an allocation must wait for a collection. Plans
// implement it.
type Poller interface {
	// Poll reports whether a collection was requested. spaceFull is set
	// when the space could not satisfy an allocation at all.
	Poll(spaceFull bool, s Space) bool
}

// Registry is the process-wide context shared by all spaces. Spaces and
// page resources refer to each other through descriptor indices into the
// registry rather than through pointers.
type Registry struct {
	VM *layout.VMMap

	threads    host.ActivePlan
	collection host.Collection

	mu     sync.Mutex // serializes registration
	spaces atomic.Pointer[[]Space]
	poller atomic.Pointer[Poller]

	initialized atomic.Bool

	cumulativeCommitted atomic.Int64
}

func NewRegistry(vm *layout.VMMap, threads host.ActivePlan, collection host.Collection) *Registry {
	return &Registry{VM: vm, threads: threads, collection: collection}
}

// newIndex reserves a descriptor index for a space under construction.
func (r *Registry) newIndex() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.all()
	spaces := append(old[:len(old):len(old)], nil)
	r.spaces.Store(&spaces)
	return len(spaces) - 1
}

func (r *Registry) all() []Space {
	if p := r.spaces.Load(); p != nil {
		return *p
	}
	return nil
}

// Register publishes s under the index it was created with. It must be
// called before any allocation from s.
func Register(s Space) {
	c := s.Common()
	r := c.registry
	r.mu.Lock()
	defer r.mu.Unlock()
	spaces := slices.Clone(r.all())
	if spaces[c.index] != nil {
		base.Throwf("space %s registered twice", c.name)
	}
	spaces[c.index] = s
	r.spaces.Store(&spaces)
}

// Space returns the space with descriptor index i.
func (r *Registry) Space(i int) Space {
	return r.all()[i]
}

// Spaces returns every registered space.
func (r *Registry) Spaces() []Space {
	var out []Space
	for _, s := range r.all() {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

// SpaceOf returns the space whose address range contains a, or nil.
func (r *Registry) SpaceOf(a heap.Address) Space {
	i := r.VM.Owner(a)
	if i == layout.NoSpace {
		return nil
	}
	return r.Space(i)
}

func (r *Registry) SetPoller(p Poller) {
	r.poller.Store(&p)
}

func (r *Registry) getPoller() Poller {
	if p := r.poller.Load(); p != nil {
		return *p
	}
	base.Throw("allocation polled before a plan was installed")
	return nil
}

// SetInitialized enables collection polling on allocation.
func (r *Registry) SetInitialized() {
	r.initialized.Store(true)
}

func (r *Registry) Initialized() bool {
	return r.initialized.Load()
}

func (r *Registry) IsMutator(t host.Thread) bool {
	return r.threads != nil && r.threads.IsMutator(t)
}

// PollForGC asks the plan whether allocation in s must wait for a
// collection, for spaces that allocate without a page resource. If so, t
// is blocked until the collection finished and PollForGC returns true.
func (r *Registry) PollForGC(t host.Thread, s Space, spaceFull bool) bool {
	if !r.IsMutator(t) || !r.Initialized() {
		return false
	}
	if !r.getPoller().Poll(spaceFull, s) {
		return false
	}
	r.blockForGC(t)
	return true
}

func (r *Registry) blockForGC(t host.Thread) {
	r.collection.BlockForGC(t)
}

// CumulativeCommittedPages returns the number of pages committed by
// mutator allocation since the registry was created.
func (r *Registry) CumulativeCommittedPages() int {
	return int(r.cumulativeCommitted.Load())
}

func (r *Registry) addToCommitted(pages int) {
	r.cumulativeCommitted.Add(int64(pages))
}
