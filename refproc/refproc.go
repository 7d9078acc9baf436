// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package refproc processes soft, weak and phantom reference candidates
// at the end of a trace.
package refproc

import (
	"sync"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// Kind is the strength of a reference.
type Kind int

const (
	Soft Kind = iota
	Weak
	Phantom
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Soft:
		return "soft"
	case Weak:
		return "weak"
	case Phantom:
		return "phantom"
	}
	return "unknown"
}

// A Tracer answers liveness queries for the running collection and traces
// objects that must be kept alive.
type Tracer interface {
	IsLive(o heap.ObjectReference) bool
	// TraceObject keeps o alive and returns its current address.
	TraceObject(o heap.ObjectReference) heap.ObjectReference
	// Forward returns the current address of a live object.
	Forward(o heap.ObjectReference) heap.ObjectReference
}

// Processor holds the reference candidates the host registered.
type Processor struct {
	glue host.ReferenceGlue

	mu    sync.Mutex
	lists [numKinds][]heap.ObjectReference
}

func New(glue host.ReferenceGlue) *Processor {
	return &Processor{glue: glue}
}

// Add registers ref as a reference candidate of the given kind.
func (p *Processor) Add(kind Kind, ref heap.ObjectReference) {
	p.mu.Lock()
	p.lists[kind] = append(p.lists[kind], ref)
	p.mu.Unlock()
}

// Len returns the number of candidates of a kind.
func (p *Processor) Len(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lists[kind])
}

// Scan processes the candidates of one kind. Candidates that died are
// dropped. The referents of the others are retained if retain is set.
// Otherwise a dead referent is cleared and a live one updated to its
// new address. It returns the number of referents cleared.
//
// Retaining a referent traces it, so the caller must complete the
// transitive closure afterwards.
func (p *Processor) Scan(kind Kind, t Tracer, retain bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	refs := p.lists[kind][:0]
	cleared := 0
	for _, ref := range p.lists[kind] {
		if !t.IsLive(ref) {
			continue
		}
		ref = t.Forward(ref)
		referent := p.glue.GetReferent(ref)
		if referent.IsNull() {
			continue
		}
		switch {
		case retain:
			p.glue.SetReferent(ref, t.TraceObject(referent))
		case t.IsLive(referent):
			p.glue.SetReferent(ref, t.Forward(referent))
		default:
			p.glue.SetReferent(ref, 0)
			cleared++
			continue
		}
		refs = append(refs, ref)
	}
	clear(p.lists[kind][len(refs):])
	p.lists[kind] = refs
	base.Logf(3, "REFS", "%s: %d kept, %d cleared", kind, len(refs), cleared)
	return cleared
}

// Forward drops dead candidates and updates the addresses of the others
// and of their referents. It serves collections that did not scan the
// lists, which leaves referents to be traced as ordinary fields.
func (p *Processor) Forward(t Tracer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.lists {
		refs := p.lists[k][:0]
		for _, ref := range p.lists[k] {
			if !t.IsLive(ref) {
				continue
			}
			ref = t.Forward(ref)
			if referent := p.glue.GetReferent(ref); !referent.IsNull() {
				p.glue.SetReferent(ref, t.Forward(referent))
			}
			refs = append(refs, ref)
		}
		clear(p.lists[k][len(refs):])
		p.lists[k] = refs
	}
}

// Clear drops every candidate.
func (p *Processor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.lists {
		p.lists[k] = nil
	}
}
