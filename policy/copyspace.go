// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"sync/atomic"

	"golang.org/x/gcengine/forward"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/space"
)

// CopySpace is one half of a copying collector. While it is the from-space
// every object reached is evacuated. Release discards the whole space.
type CopySpace struct {
	*space.CommonSpace
	pr        *space.MonotonePageResource
	fwd       *forward.Protocol
	fromSpace atomic.Bool
}

func NewCopySpace(reg *space.Registry, name string, fromSpace bool, fwd *forward.Protocol, req space.VMRequest) *CopySpace {
	cs := space.NewCommonSpace(reg, space.Options{
		Name:      name,
		Movable:   true,
		Zeroed:    true,
		VMRequest: req,
	})
	s := &CopySpace{CommonSpace: cs, fwd: fwd}
	s.pr = space.NewMonotonePageResource(cs, 0)
	s.fromSpace.Store(fromSpace)
	space.Register(s)
	return s
}

// Prepare sets whether the space is evacuated in this collection.
func (s *CopySpace) Prepare(fromSpace bool) {
	s.fromSpace.Store(fromSpace)
}

// Release frees every page. It must only be called on the from-space,
// after all of its live objects were copied out.
func (s *CopySpace) Release() {
	if s.fwd.UsesSideTable() {
		s.pr.Chunks(s.fwd.ClearSide)
	}
	s.pr.Reset()
	s.fromSpace.Store(false)
}

func (s *CopySpace) IsFromSpace() bool {
	return s.fromSpace.Load()
}

// TraceObject returns the new location of o, copying it with c if this
// thread is the first to reach it. Copies are passed to trace.
func (s *CopySpace) TraceObject(trace space.TransitiveClosure, o heap.ObjectReference, semantics host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	if !s.fromSpace.Load() {
		return o
	}
	status := s.fwd.AttemptToForward(o)
	if forward.StateIsForwardedOrBeingForwarded(status) {
		return s.fwd.SpinAndGetForwardedObject(o, status)
	}
	n := s.fwd.ForwardObject(o, semantics, c)
	trace.ProcessNode(n)
	return n
}

func (s *CopySpace) IsLive(o heap.ObjectReference) bool {
	if !s.fromSpace.Load() {
		return true
	}
	return s.fwd.IsForwarded(o)
}

func (s *CopySpace) IsMovable() bool { return true }

func (s *CopySpace) PageResource() *space.MonotonePageResource {
	return s.pr
}
