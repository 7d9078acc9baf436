// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toyvm

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/plan"
)

// Mutator is a host thread that allocates. It must be used by one
// goroutine, which must call Safepoint regularly while other mutators
// run.
//
// Any allocation may move objects. References held in Go variables are
// stale after it; keep them in roots and reload them.
type Mutator struct {
	vm     *VM
	Thread host.Thread
	m      *plan.Mutator
	roots  []heap.ObjectReference
}

// NewMutator binds a new mutator with nroots root slots.
func (vm *VM) NewMutator(nroots int) *Mutator {
	t := vm.newThread()
	// The last root is scratch space for NewWeak.
	m := &Mutator{vm: vm, Thread: t, roots: make([]heap.ObjectReference, nroots+1)}
	vm.mu.Lock()
	vm.mutators[t] = m
	vm.mu.Unlock()
	m.m = vm.Engine.BindMutator(t)
	return m
}

// Destroy unbinds m. Its roots no longer keep objects alive.
func (m *Mutator) Destroy() {
	m.Safepoint()
	vm := m.vm
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.Engine.DestroyMutator(m.m)
	delete(vm.mutators, m.Thread)
	vm.cond.Broadcast()
}

// Safepoint parks m if a collection is waiting for the mutators.
func (m *Mutator) Safepoint() {
	vm := m.vm
	if !vm.stopping.Load() {
		return
	}
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if vm.stopping.Load() {
		vm.park()
	}
}

func (m *Mutator) Root(i int) heap.ObjectReference       { return m.roots[i] }
func (m *Mutator) SetRoot(i int, o heap.ObjectReference) { m.roots[i] = o }
func (m *Mutator) NumRoots() int                         { return len(m.roots) - 1 }

// New allocates a plain object. It returns the null reference if the
// heap is exhausted.
func (m *Mutator) New(nrefs, ndata int) heap.ObjectReference {
	return m.NewWith(host.AllocDefault, Plain, nrefs, ndata)
}

// NewWeak allocates a weak reference to referent and registers it with
// the engine.
func (m *Mutator) NewWeak(referent heap.ObjectReference) heap.ObjectReference {
	// The referent may move while the reference is allocated.
	scratch := &m.roots[len(m.roots)-1]
	*scratch = referent
	ref := m.NewWith(host.AllocDefault, Weak, 0, 1)
	referent, *scratch = *scratch, heap.NullRef
	if ref.IsNull() {
		return ref
	}
	m.vm.SetReferent(ref, referent)
	m.vm.Engine.AddWeakCandidate(ref)
	return ref
}

// NewWith allocates an object of kind k with the given semantics.
func (m *Mutator) NewWith(sem host.AllocationSemantics, k Kind, nrefs, ndata int) heap.ObjectReference {
	m.Safepoint()
	size := Size(nrefs, ndata)
	e := m.vm.Engine
	a := e.Alloc(m.m, size, heap.WordBytes, 0, sem)
	if a == 0 {
		return heap.NullRef
	}
	heap.Zero(a, size)
	a.Store(header(k, nrefs, ndata))
	o := heap.RefAt(a)
	e.PostAlloc(m.m, o, size, sem)
	return o
}

// SetRef stores target in reference slot i of o through the write
// barrier.
func (m *Mutator) SetRef(o heap.ObjectReference, i int, target heap.ObjectReference) {
	m.vm.Engine.ObjectReferenceWrite(m.m, o, RefSlot(o, i), target)
}

// Collect runs a user-requested collection.
func (m *Mutator) Collect() {
	m.vm.Engine.HandleUserCollectionRequest(m.Thread)
}

// Plan returns the engine-side state of m.
func (m *Mutator) Plan() *plan.Mutator { return m.m }
