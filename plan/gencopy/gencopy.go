// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gencopy implements a generational copying collector. New
// objects are allocated in a nursery. A nursery collection copies its
// survivors into a mature semi-space; a full-heap collection also
// flips the mature semi-spaces.
package gencopy

import (
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/plan"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

type GenCopy struct {
	*plan.CommonPlan
	nursery *policy.CopySpace
	mature  [2]*policy.CopySpace
	hi      atomic.Bool // mature[1] is the to-space

	nurseryPages int

	// Slots outside the nursery that may point into it.
	remMu  sync.Mutex
	remset []heap.Address
}

func New(cfg plan.Config) *GenCopy {
	cfg.Moving = true
	p := &GenCopy{nurseryPages: cfg.Options.NurserySize.Pages()}
	p.CommonPlan = plan.NewCommonPlan(p, cfg)
	p.nursery = policy.NewCopySpace(p.Registry, "nursery", false, p.Fwd, space.Discontiguous())
	p.mature[0] = policy.NewCopySpace(p.Registry, "mature0", false, p.Fwd, space.Discontiguous())
	p.mature[1] = policy.NewCopySpace(p.Registry, "mature1", true, p.Fwd, space.Discontiguous())
	return p
}

func (p *GenCopy) Nursery() *policy.CopySpace { return p.nursery }

// MatureToSpace returns the semi-space survivors are copied into.
func (p *GenCopy) MatureToSpace() *policy.CopySpace {
	if p.hi.Load() {
		return p.mature[1]
	}
	return p.mature[0]
}

func (p *GenCopy) MatureFromSpace() *policy.CopySpace {
	if p.hi.Load() {
		return p.mature[0]
	}
	return p.mature[1]
}

func (p *GenCopy) ConfigureMutator(m *plan.Mutator) {
	p.ConfigureCommon(m)
	m.SetAllocator(host.AllocDefault, alloc.NewBumpAllocator(p.Alloc, m.Thread, p.nursery))
	m.SetBarrier(&barrier{plan: p})
}

func (p *GenCopy) NewCopyContext(t host.Thread) plan.CopyContext {
	return plan.NewBumpCopier(p.Alloc, t, func() space.Space { return p.MatureToSpace() })
}

func (p *GenCopy) Schedule() plan.Phase {
	return plan.CollectionPhase.Replace(plan.RememberedSets, plan.Collector(plan.RememberedSets))
}

// CollectionRequired also triggers a collection when the nursery
// outgrows its configured size.
func (p *GenCopy) CollectionRequired(spaceFull bool, s space.Space) bool {
	if p.nursery.ReservedPages() > p.nurseryPages {
		return true
	}
	return p.CommonPlan.CollectionRequired(spaceFull, s)
}

// fullHeapRequired reports whether the mature space may be unable to
// absorb the nursery's survivors.
func (p *GenCopy) fullHeapRequired() bool {
	return p.TotalPages()-p.PagesUsed() < p.nursery.ReservedPages()
}

func (p *GenCopy) GlobalPhase(id plan.PhaseID) {
	switch id {
	case plan.SetCollectionKind:
		p.CommonPlan.GlobalPhase(id)
		p.Kind.FullHeap = p.Kind.User || p.Kind.Emergency || p.fullHeapRequired()
		base.Logf(2, "GENCOPY", "full heap %v, nursery %d pages", p.Kind.FullHeap, p.nursery.ReservedPages())
		return
	case plan.Prepare:
		p.nursery.Prepare(true)
		if p.Kind.FullHeap {
			p.hi.Store(!p.hi.Load())
			p.MatureFromSpace().Prepare(true)
		}
		p.MatureToSpace().Prepare(false)
	case plan.Release:
		p.nursery.Release()
		if p.Kind.FullHeap {
			p.MatureFromSpace().Release()
		}
		p.remMu.Lock()
		p.remset = p.remset[:0]
		p.remMu.Unlock()
	}
	p.CommonPlan.GlobalPhase(id)
}

func (p *GenCopy) CollectorPhase(c *plan.Collector, id plan.PhaseID, primary bool) {
	if id != plan.RememberedSets {
		p.CommonPlan.CollectorPhase(c, id, primary)
		return
	}
	if p.Kind.FullHeap {
		return
	}
	// The remembered set is complete and read-only after the mutator
	// Prepare phase.
	t := c.Trace()
	for i := c.Ordinal(); i < len(p.remset); i += c.Workers() {
		t.ProcessEdge(p.remset[i])
	}
}

func (p *GenCopy) MutatorPhase(m *plan.Mutator, id plan.PhaseID) {
	if id == plan.Release {
		m.Allocator(host.AllocDefault).(*alloc.BumpAllocator).Reset()
	}
	p.CommonPlan.MutatorPhase(m, id)
}

func (p *GenCopy) TraceObject(t *plan.TraceLocal, o heap.ObjectReference) heap.ObjectReference {
	switch {
	case p.nursery.InSpace(o):
		return p.nursery.TraceObject(t, o, host.AllocDefault, t.Copier())
	case p.MatureFromSpace().InSpace(o):
		if !p.Kind.FullHeap {
			return o
		}
		return p.MatureFromSpace().TraceObject(t, o, host.AllocDefault, t.Copier())
	case p.MatureToSpace().InSpace(o):
		return o
	}
	return p.CommonPlan.TraceObject(t, o)
}

func (p *GenCopy) PagesUsed() int {
	return p.nursery.ReservedPages() + p.mature[0].ReservedPages() + p.mature[1].ReservedPages() + p.CommonPlan.PagesUsed()
}

// CollectionReserve holds back room to copy the nursery and, for a
// full-heap collection, the mature space.
func (p *GenCopy) CollectionReserve() int {
	return p.nursery.ReservedPages() + p.MatureToSpace().ReservedPages()
}

// RememberedSetLen returns the number of slots recorded since the last
// collection that were handed over by the mutators.
func (p *GenCopy) RememberedSetLen() int {
	p.remMu.Lock()
	defer p.remMu.Unlock()
	return len(p.remset)
}

func (p *GenCopy) remember(slots []heap.Address) {
	p.remMu.Lock()
	p.remset = append(p.remset, slots...)
	p.remMu.Unlock()
}

const barrierBuffer = 256

// barrier records the slots of stores that create a pointer from outside
// the nursery into it.
type barrier struct {
	plan  *GenCopy
	slots []heap.Address
}

func (b *barrier) ObjectReferenceWrite(src heap.ObjectReference, slot heap.Address, target heap.ObjectReference) {
	if target.IsNull() || !b.plan.nursery.InSpace(target) || b.plan.nursery.InSpace(src) {
		return
	}
	b.slots = append(b.slots, slot)
	if len(b.slots) >= barrierBuffer {
		b.Flush()
	}
}

func (b *barrier) Flush() {
	if len(b.slots) == 0 {
		return
	}
	b.plan.remember(b.slots)
	b.slots = b.slots[:0]
}
