// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

// CommonPlan adds the spaces every collecting strategy shares: an
// immortal space and a large object space.
type CommonPlan struct {
	*BasePlan
	Immortal *policy.ImmortalSpace
	LOS      *policy.LargeObjectSpace
}

func NewCommonPlan(self Plan, cfg Config) *CommonPlan {
	p := &CommonPlan{BasePlan: NewBasePlan(self, cfg)}
	p.Immortal = policy.NewImmortalSpace(p.Registry, "immortal", cfg.VM.Objects, space.Discontiguous())
	p.LOS = policy.NewLargeObjectSpace(p.Registry, "los", space.Discontiguous())
	return p
}

// ConfigureCommon installs the allocators of the common spaces. Code and
// read-only objects are immortal.
func (p *CommonPlan) ConfigureCommon(m *Mutator) {
	immortal := alloc.NewBumpAllocator(p.Alloc, m.Thread, p.Immortal)
	los := alloc.NewLargeObjectAllocator(p.Alloc, m.Thread, p.LOS)
	m.SetAllocator(host.AllocImmortal, immortal)
	m.SetAllocator(host.AllocCode, immortal)
	m.SetAllocator(host.AllocReadOnly, immortal)
	m.SetAllocator(host.AllocLOS, los)
	m.SetAllocator(host.AllocLargeCode, los)
}

func (p *CommonPlan) PagesUsed() int {
	return p.Immortal.ReservedPages() + p.LOS.ReservedPages()
}

func (p *CommonPlan) GlobalPhase(id PhaseID) {
	switch id {
	case Prepare:
		p.Immortal.Prepare()
		p.LOS.Prepare(p.Kind.FullHeap)
	case Release:
		p.Immortal.Release()
		p.LOS.Release(p.Kind.FullHeap)
	}
	p.BasePlan.GlobalPhase(id)
}

// TraceObject traces objects of the common spaces.
func (p *CommonPlan) TraceObject(t *TraceLocal, o heap.ObjectReference) heap.ObjectReference {
	switch {
	case p.Immortal.InSpace(o):
		return p.Immortal.TraceObject(t, o)
	case p.LOS.InSpace(o):
		return p.LOS.TraceObject(t, o)
	}
	return p.BasePlan.TraceObject(t, o)
}
