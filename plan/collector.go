// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/collector"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/space"
)

// A CopyContext allocates the copies one collector worker makes.
type CopyContext interface {
	host.Copier
	// Prepare runs in the collector Prepare phase, after the plan has
	// chosen this collection's target spaces.
	Prepare()
	Release()
}

// Collector is the state of one collector worker.
type Collector struct {
	plan   Plan
	worker *collector.Worker
	trace  *TraceLocal
	copy   CopyContext
}

func (c *Collector) Trace() *TraceLocal { return c.trace }

// Copy returns the worker's copy context, or nil if the plan does not
// move objects.
func (c *Collector) Copy() CopyContext { return c.copy }

// Ordinal returns the worker's index in the collector group.
func (c *Collector) Ordinal() int { return c.worker.Ordinal() }

// Workers returns the size of the collector group.
func (c *Collector) Workers() int { return c.worker.Group().Len() }

func (c *Collector) Thread() host.Thread { return c.worker.Thread() }

// collect runs one collection on this worker. Every phase is bracketed by
// rendezvous, so no worker starts a phase before all finished the
// previous one.
func (c *Collector) collect(w *collector.Worker) {
	c.worker = w
	b := c.plan.Base()
	if c.copy == nil {
		c.copy = c.plan.NewCopyContext(w.Thread())
		c.trace.copier = c.copy
	}
	primary := w.Ordinal() == 0
	for _, ph := range b.schedule {
		w.Rendezvous()
		switch ph.Kind {
		case KindGlobal:
			if primary {
				b.observe(Event{Phase: ph, Ordinal: 0})
				c.plan.GlobalPhase(ph.ID)
			}
		case KindMutator:
			if primary {
				for _, m := range b.Mutators() {
					b.observe(Event{Phase: ph, Ordinal: 0, Mutator: m.Thread})
					c.plan.MutatorPhase(m, ph.ID)
				}
			}
		case KindCollector:
			b.observe(Event{Phase: ph, Ordinal: w.Ordinal()})
			c.plan.CollectorPhase(c, ph.ID, primary)
		}
	}
	w.Rendezvous()
}

// BumpCopier evacuates objects by bump allocating in a target space that
// the plan may change between collections.
type BumpCopier struct {
	alloc  *alloc.BumpAllocator
	target func() space.Space
}

// NewBumpCopier returns a copy context for collector thread t. target is
// consulted in every Prepare.
func NewBumpCopier(ctx *alloc.Context, t host.Thread, target func() space.Space) *BumpCopier {
	return &BumpCopier{alloc: alloc.NewBumpAllocator(ctx, t, target()), target: target}
}

func (c *BumpCopier) AllocCopy(original heap.ObjectReference, bytes, align, offset heap.Bytes, semantics host.AllocationSemantics) heap.Address {
	return c.alloc.Alloc(bytes, align, offset)
}

func (c *BumpCopier) PostCopy(o heap.ObjectReference, bytes heap.Bytes, semantics host.AllocationSemantics) {}

func (c *BumpCopier) Prepare() { c.alloc.Rebind(c.target()) }
func (c *BumpCopier) Release() { c.alloc.Reset() }
