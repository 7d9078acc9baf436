// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package immix implements a mark-region collector over an Immix space.
// Objects are marked in place, except in defragmenting collections,
// which evacuate the most fragmented blocks.
package immix

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/plan"
	"golang.org/x/gcengine/policy/immix"
)

type Immix struct {
	*plan.CommonPlan
	space      *immix.Space
	lastDefrag bool
}

func New(cfg plan.Config) *Immix {
	cfg.Moving = true
	p := &Immix{}
	p.CommonPlan = plan.NewCommonPlan(p, cfg)
	p.space = immix.New(p.Registry, "immix", cfg.VM.Objects, p.Fwd, immix.Config{Defrag: cfg.Options.Defrag})
	return p
}

func (p *Immix) Space() *immix.Space { return p.space }

func (p *Immix) ConfigureMutator(m *plan.Mutator) {
	p.ConfigureCommon(m)
	m.SetAllocator(host.AllocDefault, immix.NewAllocator(p.Alloc, m.Thread, p.space, false))
}

func (p *Immix) NewCopyContext(t host.Thread) plan.CopyContext {
	return &copyContext{space: p.space, alloc: immix.NewAllocator(p.Alloc, t, p.space, true)}
}

// Schedule sweeps the Immix space in parallel after the release phases.
func (p *Immix) Schedule() plan.Phase {
	return plan.CollectionPhase.Replace(plan.Sweep, plan.Collector(plan.Sweep))
}

func (p *Immix) GlobalPhase(id plan.PhaseID) {
	switch id {
	case plan.SetCollectionKind:
		p.CommonPlan.GlobalPhase(id)
		b := p.Base()
		p.Kind.Defrag = p.space.DecideWhetherToDefrag(p.Kind.Emergency, true, b.CollectionAttempts(), p.Kind.User, p.Options.FullHeapSystemGC)
		return
	case plan.Prepare:
		p.space.Prepare(true, max(0, p.PagesAvail()))
	case plan.Release:
		p.lastDefrag = p.space.Release(true)
	}
	p.CommonPlan.GlobalPhase(id)
}

func (p *Immix) CollectorPhase(c *plan.Collector, id plan.PhaseID, primary bool) {
	switch id {
	case plan.Prepare:
		p.space.PrepareChunks(c.Ordinal(), c.Workers())
	case plan.Sweep:
		if n := p.space.Sweep(c.Ordinal(), c.Workers()); n > 0 {
			base.Logf(3, "IMMIX", "worker %d freed %d blocks", c.Ordinal(), n)
		}
		return
	}
	p.CommonPlan.CollectorPhase(c, id, primary)
}

func (p *Immix) MutatorPhase(m *plan.Mutator, id plan.PhaseID) {
	if id == plan.Release {
		m.Allocator(host.AllocDefault).(*immix.Allocator).Reset()
	}
	p.CommonPlan.MutatorPhase(m, id)
}

func (p *Immix) TraceObject(t *plan.TraceLocal, o heap.ObjectReference) heap.ObjectReference {
	if p.space.InSpace(o) {
		return p.space.TraceObject(t, o, host.AllocDefault, t.Copier())
	}
	return p.CommonPlan.TraceObject(t, o)
}

func (p *Immix) PagesUsed() int {
	return p.space.ReservedPages() + p.CommonPlan.PagesUsed()
}

// CollectionReserve is the headroom defragmentation copies into.
func (p *Immix) CollectionReserve() int {
	return p.space.DefragHeadroomPages()
}

// LastCollectionWasExhaustive reports whether the last collection could
// have reclaimed every dead object.
func (p *Immix) LastCollectionWasExhaustive() bool {
	return p.space.LastGCExhaustive(p.lastDefrag)
}

// copyContext evacuates objects of defrag source blocks into clean
// blocks of the same space.
type copyContext struct {
	space *immix.Space
	alloc *immix.Allocator
}

func (c *copyContext) AllocCopy(original heap.ObjectReference, bytes, align, offset heap.Bytes, semantics host.AllocationSemantics) heap.Address {
	return c.alloc.Alloc(bytes, align, offset)
}

func (c *copyContext) PostCopy(o heap.ObjectReference, bytes heap.Bytes, semantics host.AllocationSemantics) {
	c.space.PostCopy(o)
}

func (c *copyContext) Prepare() { c.alloc.Reset() }
func (c *copyContext) Release() { c.alloc.Reset() }
