// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package toyvm is a small host runtime for the engine. Its threads are
// goroutines, its roots are fixed arrays, and its objects have a simple
// self-describing layout. It exists to drive the engine in tests and in
// cmd/gcstress.
package toyvm

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/mm"
	"golang.org/x/gcengine/options"
)

// ErrOutOfMemory is recorded when the engine reports the heap exhausted.
var ErrOutOfMemory = errors.New("toyvm: out of memory")

// VM is a host with an engine.
type VM struct {
	Engine *mm.Engine
	opts   options.Options

	mu       sync.Mutex
	cond     sync.Cond
	mutators map[host.Thread]*Mutator
	parked   int
	epoch    uint64
	stopping atomic.Bool
	next     host.Thread
	oom      []error

	// Roots are fixed arrays so their slot addresses stay valid.
	globals []heap.ObjectReference
	statics []heap.ObjectReference

	collectors atomic.Int32
}

// Config sizes the roots of a VM.
type Config struct {
	Globals int
	Statics int
}

// New creates a VM and an engine with the given options and enables
// collection.
func New(o options.Options, cfg Config) *VM {
	vm := &VM{
		opts:     o,
		mutators: make(map[host.Thread]*Mutator),
		globals:  make([]heap.ObjectReference, cfg.Globals),
		statics:  make([]heap.ObjectReference, cfg.Statics),
		next:     1,
	}
	vm.cond.L = &vm.mu
	vm.Engine = mm.NewWithOptions(vm.Host(), o)
	vm.Engine.Init(0)
	vm.Engine.EnableCollection(vm.newThread())
	return vm
}

// Host returns the host capabilities the engine calls.
func (vm *VM) Host() host.VM {
	return host.VM{
		Objects:    objectModel{},
		Collection: vm,
		Scanning:   vm,
		ActivePlan: vm,
		References: vm,
	}
}

// Options returns the options the engine was created with.
func (vm *VM) Options() options.Options { return vm.opts }

func (vm *VM) newThread() host.Thread {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.next++
	return vm.next
}

// Close shuts the engine down. No mutator may be running.
func (vm *VM) Close() error {
	return vm.Engine.Close()
}

// OutOfMemory returns the out-of-memory errors reported so far.
func (vm *VM) OutOfMemory() []error {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]error(nil), vm.oom...)
}

// CollectorThreads returns the number of collector threads spawned.
func (vm *VM) CollectorThreads() int {
	return int(vm.collectors.Load())
}

func (vm *VM) Global(i int) heap.ObjectReference { return vm.globals[i] }

// SetGlobal must not race with a collection: call it from a running
// mutator.
func (vm *VM) SetGlobal(i int, o heap.ObjectReference) { vm.globals[i] = o }

func (vm *VM) Static(i int) heap.ObjectReference       { return vm.statics[i] }
func (vm *VM) SetStatic(i int, o heap.ObjectReference) { vm.statics[i] = o }

func slotOf(p *heap.ObjectReference) heap.Address {
	return heap.Address(uintptr(unsafe.Pointer(p)))
}

// park blocks a mutator until the running or requested collection ends.
// vm.mu must be held.
func (vm *VM) park() {
	vm.parked++
	vm.cond.Broadcast()
	for e := vm.epoch; e == vm.epoch; {
		vm.cond.Wait()
	}
	vm.parked--
}

func (vm *VM) StopAllMutators(t host.Thread) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.stopping.Store(true)
	for vm.parked < len(vm.mutators) {
		vm.cond.Wait()
	}
	base.Logf(3, "TOYVM", "thread %d stopped %d mutators", t, len(vm.mutators))
}

func (vm *VM) ResumeMutators(t host.Thread) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.stopping.Store(false)
	vm.epoch++
	vm.cond.Broadcast()
}

func (vm *VM) BlockForGC(t host.Thread) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.park()
}

func (vm *VM) SpawnCollectorThread(run func(t host.Thread)) {
	t := vm.newThread()
	vm.collectors.Add(1)
	go run(t)
}

func (vm *VM) OutOfMemory(t host.Thread, err error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.oom = append(vm.oom, errors.Join(ErrOutOfMemory, err))
}

func (vm *VM) IsMutator(t host.Thread) bool {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return vm.mutators[t] != nil
}

func (vm *VM) ScanObject(o heap.ObjectReference, visit func(slot heap.Address)) {
	for i := range NumRefs(o) {
		visit(RefSlot(o, i))
	}
	// Without reference processing a referent is an ordinary field.
	if KindOf(o) == Weak && vm.opts.NoReferenceTypes {
		visit(dataSlot(o, 0))
	}
}

// ComputeThreadRoots runs with every mutator stopped.
func (vm *VM) ComputeThreadRoots(visit func(slot heap.Address)) {
	vm.mu.Lock()
	ms := make([]*Mutator, 0, len(vm.mutators))
	for _, m := range vm.mutators {
		ms = append(ms, m)
	}
	vm.mu.Unlock()
	for _, m := range ms {
		for i := range m.roots {
			visit(slotOf(&m.roots[i]))
		}
	}
}

func (vm *VM) ComputeGlobalRoots(visit func(slot heap.Address)) {
	for i := range vm.globals {
		visit(slotOf(&vm.globals[i]))
	}
}

func (vm *VM) ComputeStaticRoots(ordinal, count int, visit func(slot heap.Address)) {
	for i := ordinal; i < len(vm.statics); i += count {
		visit(slotOf(&vm.statics[i]))
	}
}

func (vm *VM) GetReferent(ref heap.ObjectReference) heap.ObjectReference {
	return dataSlot(ref, 0).LoadRef()
}

func (vm *VM) SetReferent(ref, referent heap.ObjectReference) {
	dataSlot(ref, 0).StoreRef(referent)
}
