// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package semispace implements a copying collector over two semi-spaces.
package semispace

import (
	"sync/atomic"

	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/plan"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

// SemiSpace allocates in the to-space. A collection flips the roles of
// the two spaces and copies every reachable object out of the new
// from-space, which is then released whole.
type SemiSpace struct {
	*plan.CommonPlan
	copySpaces [2]*policy.CopySpace
	hi         atomic.Bool // copySpaces[1] is the to-space
}

func New(cfg plan.Config) *SemiSpace {
	cfg.Moving = true
	p := &SemiSpace{}
	p.CommonPlan = plan.NewCommonPlan(p, cfg)
	p.copySpaces[0] = policy.NewCopySpace(p.Registry, "copyspace0", false, p.Fwd, space.Discontiguous())
	p.copySpaces[1] = policy.NewCopySpace(p.Registry, "copyspace1", true, p.Fwd, space.Discontiguous())
	return p
}

func (p *SemiSpace) ToSpace() *policy.CopySpace {
	if p.hi.Load() {
		return p.copySpaces[1]
	}
	return p.copySpaces[0]
}

func (p *SemiSpace) FromSpace() *policy.CopySpace {
	if p.hi.Load() {
		return p.copySpaces[0]
	}
	return p.copySpaces[1]
}

func (p *SemiSpace) ConfigureMutator(m *plan.Mutator) {
	p.ConfigureCommon(m)
	m.SetAllocator(host.AllocDefault, alloc.NewBumpAllocator(p.Alloc, m.Thread, p.ToSpace()))
}

func (p *SemiSpace) NewCopyContext(t host.Thread) plan.CopyContext {
	return plan.NewBumpCopier(p.Alloc, t, func() space.Space { return p.ToSpace() })
}

func (p *SemiSpace) GlobalPhase(id plan.PhaseID) {
	switch id {
	case plan.Prepare:
		p.hi.Store(!p.hi.Load())
		p.FromSpace().Prepare(true)
		p.ToSpace().Prepare(false)
	case plan.Release:
		p.FromSpace().Release()
	}
	p.CommonPlan.GlobalPhase(id)
}

func (p *SemiSpace) MutatorPhase(m *plan.Mutator, id plan.PhaseID) {
	if id == plan.Release {
		m.Allocator(host.AllocDefault).(*alloc.BumpAllocator).Rebind(p.ToSpace())
	}
	p.CommonPlan.MutatorPhase(m, id)
}

func (p *SemiSpace) TraceObject(t *plan.TraceLocal, o heap.ObjectReference) heap.ObjectReference {
	switch {
	case p.FromSpace().InSpace(o):
		return p.FromSpace().TraceObject(t, o, host.AllocDefault, t.Copier())
	case p.ToSpace().InSpace(o):
		return o
	}
	return p.CommonPlan.TraceObject(t, o)
}

func (p *SemiSpace) PagesUsed() int {
	return p.ToSpace().ReservedPages() + p.FromSpace().ReservedPages() + p.CommonPlan.PagesUsed()
}

// CollectionReserve holds back as many pages as the to-space uses, which
// is what evacuating it may take.
func (p *SemiSpace) CollectionReserve() int {
	return p.ToSpace().ReservedPages()
}
