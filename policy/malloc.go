// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/space"
)

type mallocObject struct {
	buf    []byte
	bytes  heap.Bytes
	marked atomic.Bool
}

// MallocSpace allocates every object from the Go heap and frees it by
// dropping its last reference. It owns no address range, so it answers
// InSpace from its object table.
type MallocSpace struct {
	*space.CommonSpace

	mu      sync.RWMutex
	objects map[heap.Address]*mallocObject

	used atomic.Int64 // bytes
}

func NewMallocSpace(reg *space.Registry, name string) *MallocSpace {
	cs := space.NewCommonSpace(reg, space.Options{
		Name:      name,
		Zeroed:    true,
		VMRequest: space.Discontiguous(),
	})
	s := &MallocSpace{
		CommonSpace: cs,
		objects:     make(map[heap.Address]*mallocObject),
	}
	space.Register(s)
	return s
}

// Alloc returns zeroed memory for an object of the given size whose start
// plus offset is aligned to align. It returns 0 if t had to wait for a
// collection first.
func (s *MallocSpace) Alloc(t host.Thread, bytes, align, offset heap.Bytes) heap.Address {
	if s.Registry().PollForGC(t, s, false) {
		return 0
	}
	buf := make([]byte, bytes+align)
	start := heap.AddressOf(buf)
	a := heap.AlignAllocation(start, align, offset)
	s.mu.Lock()
	s.objects[a] = &mallocObject{buf: buf, bytes: bytes}
	s.mu.Unlock()
	s.used.Add(int64(bytes))
	return a
}

func (s *MallocSpace) lookup(o heap.ObjectReference) *mallocObject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[o.Addr()]
}

// Acquire is not supported: the space has no pages.
func (s *MallocSpace) Acquire(t host.Thread, pages int) heap.Address {
	base.Throwf("%s: page acquire on a malloc space", s.Name())
	return 0
}

func (s *MallocSpace) InSpace(o heap.ObjectReference) bool {
	return s.lookup(o) != nil
}

func (s *MallocSpace) TraceObject(trace space.TransitiveClosure, o heap.ObjectReference) heap.ObjectReference {
	if obj := s.lookup(o); obj != nil && obj.marked.CompareAndSwap(false, true) {
		trace.ProcessNode(o)
	}
	return o
}

func (s *MallocSpace) IsLive(o heap.ObjectReference) bool {
	obj := s.lookup(o)
	return obj != nil && obj.marked.Load()
}

func (s *MallocSpace) IsMovable() bool { return false }

// Release frees every unmarked object and clears the marks of the rest.
// It returns the number of bytes freed.
func (s *MallocSpace) Release() heap.Bytes {
	s.mu.Lock()
	defer s.mu.Unlock()
	var freed heap.Bytes
	for a, obj := range s.objects {
		if obj.marked.Swap(false) {
			continue
		}
		delete(s.objects, a)
		freed += obj.bytes
	}
	s.used.Add(-int64(freed))
	base.Logf(3, "MALLOC", "%s: freed %s, %s in use", s.Name(), freed, s.UsedBytes())
	return freed
}

// UsedBytes returns the bytes of live and not yet freed objects.
func (s *MallocSpace) UsedBytes() heap.Bytes {
	return heap.Bytes(s.used.Load())
}

// Objects returns the number of allocated objects.
func (s *MallocSpace) Objects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
