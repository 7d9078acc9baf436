// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mallocms implements a non-moving mark-sweep collector whose
// objects come from a general-purpose allocator.
package mallocms

import (
	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/plan"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

// MallocMS serves every allocation, whatever its semantics, from one
// malloc space.
type MallocMS struct {
	*plan.BasePlan
	ms *policy.MallocSpace
}

func New(cfg plan.Config) *MallocMS {
	p := &MallocMS{}
	p.BasePlan = plan.NewBasePlan(p, cfg)
	p.ms = policy.NewMallocSpace(p.Registry, "malloc")
	return p
}

func (p *MallocMS) Space() *policy.MallocSpace { return p.ms }

func (p *MallocMS) ConfigureMutator(m *plan.Mutator) {
	a := alloc.NewMallocAllocator(p.Alloc, m.Thread, p.ms)
	for sem := host.AllocDefault; sem <= host.AllocLargeCode; sem++ {
		m.SetAllocator(sem, a)
	}
}

func (p *MallocMS) GlobalPhase(id plan.PhaseID) {
	if id == plan.Release {
		freed := p.ms.Release()
		base.Logf(2, "MALLOCMS", "swept %s, %d objects remain", freed, p.ms.Objects())
	}
	p.BasePlan.GlobalPhase(id)
}

// SpaceOf looks objects up in the malloc space before the address map,
// which does not cover memory of the general-purpose allocator.
func (p *MallocMS) SpaceOf(o heap.ObjectReference) space.Space {
	if p.ms.InSpace(o) {
		return p.ms
	}
	return p.BasePlan.SpaceOf(o)
}

func (p *MallocMS) TraceObject(t *plan.TraceLocal, o heap.ObjectReference) heap.ObjectReference {
	if p.ms.InSpace(o) {
		return p.ms.TraceObject(t, o)
	}
	return p.BasePlan.TraceObject(t, o)
}

func (p *MallocMS) PagesUsed() int {
	return p.ms.UsedBytes().Pages()
}
