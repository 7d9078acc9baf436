// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package nogc implements a strategy that allocates and never collects.
package nogc

import (
	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/plan"
	"golang.org/x/gcengine/policy"
	"golang.org/x/gcengine/space"
)

// NoGC bump-allocates every object in one immortal space. Collections
// may still be triggered, but run no phases, so a full heap ends in an
// out-of-memory report to the host.
type NoGC struct {
	*plan.BasePlan
	space *policy.ImmortalSpace
}

func New(cfg plan.Config) *NoGC {
	p := &NoGC{}
	p.BasePlan = plan.NewBasePlan(p, cfg)
	p.space = policy.NewImmortalSpace(p.Registry, "nogc", cfg.VM.Objects, space.Discontiguous())
	return p
}

func (p *NoGC) Space() *policy.ImmortalSpace { return p.space }

func (p *NoGC) ConfigureMutator(m *plan.Mutator) {
	a := alloc.NewBumpAllocator(p.Alloc, m.Thread, p.space)
	for sem := host.AllocDefault; sem <= host.AllocLargeCode; sem++ {
		m.SetAllocator(sem, a)
	}
}

func (p *NoGC) Schedule() plan.Phase { return plan.Complex("nogc") }

func (p *NoGC) PagesUsed() int { return p.space.ReservedPages() }
