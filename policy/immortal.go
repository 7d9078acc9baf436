// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"sync/atomic"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/space"
)

// ImmortalSpace never frees objects. It still marks them, so that a trace
// scans each reachable immortal object once per collection.
type ImmortalSpace struct {
	*space.CommonSpace
	pr        *space.MonotonePageResource
	objects   host.ObjectModel
	markState atomic.Uint64 // 0 or MarkBit
}

func NewImmortalSpace(reg *space.Registry, name string, objects host.ObjectModel, req space.VMRequest) *ImmortalSpace {
	cs := space.NewCommonSpace(reg, space.Options{
		Name:      name,
		Immortal:  true,
		Zeroed:    true,
		VMRequest: req,
	})
	s := &ImmortalSpace{CommonSpace: cs, objects: objects}
	s.pr = space.NewMonotonePageResource(cs, 0)
	space.Register(s)
	return s
}

// InitializeHeader gives a new object the current mark state, so that it
// counts as unmarked once the next collection flips the state.
func (s *ImmortalSpace) InitializeHeader(o heap.ObjectReference) {
	setMark(s.objects, o, s.markState.Load())
}

// Prepare flips the mark state.
func (s *ImmortalSpace) Prepare() {
	s.markState.Store(s.markState.Load() ^ MarkBit)
}

func (s *ImmortalSpace) Release() {}

func (s *ImmortalSpace) TraceObject(trace space.TransitiveClosure, o heap.ObjectReference) heap.ObjectReference {
	if testAndMark(s.objects, o, s.markState.Load()) {
		trace.ProcessNode(o)
	}
	return o
}

func (s *ImmortalSpace) IsLive(heap.ObjectReference) bool { return true }
func (s *ImmortalSpace) IsMovable() bool                  { return false }

func (s *ImmortalSpace) PageResource() *space.MonotonePageResource {
	return s.pr
}
