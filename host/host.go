// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package host declares the capabilities a language runtime supplies to
// the engine.
//
// The engine never inspects object layout or thread stacks itself. It
// reaches objects through ObjectModel, roots through Scanning, and the
// host's threads through Collection and ActivePlan.
package host

import "golang.org/x/gcengine/heap"

// Thread is an opaque handle for a host thread. Zero means "no thread".
type Thread uint64

const NoThread Thread = 0

// AllocationSemantics selects which space serves an allocation.
type AllocationSemantics int

const (
	AllocDefault AllocationSemantics = iota
	AllocImmortal
	AllocLOS
	AllocCode
	AllocReadOnly
	AllocLargeCode
)

func (s AllocationSemantics) String() string {
	switch s {
	case AllocDefault:
		return "default"
	case AllocImmortal:
		return "immortal"
	case AllocLOS:
		return "los"
	case AllocCode:
		return "code"
	case AllocReadOnly:
		return "readonly"
	case AllocLargeCode:
		return "largecode"
	}
	return "unknown"
}

// A Copier allocates and finalizes the destination of an object copy.
// The engine passes one to ObjectModel.Copy.
type Copier interface {
	AllocCopy(original heap.ObjectReference, bytes, align, offset heap.Bytes, semantics AllocationSemantics) heap.Address
	PostCopy(obj heap.ObjectReference, bytes heap.Bytes, semantics AllocationSemantics)
}

// ObjectModel exposes the parts of the host's object layout the engine
// needs.
//
// Every object has one header word, the status word, whose low byte the
// engine may use for its own state (forwarding and mark bits). The rest
// of the word belongs to the host except while the object is forwarded,
// when the engine stores the forwarding pointer there.
type ObjectModel interface {
	// Copy copies from into space obtained from c and returns the copy.
	Copy(from heap.ObjectReference, semantics AllocationSemantics, c Copier) heap.ObjectReference
	// CurrentSize returns the size in bytes of o, which starts at o.Addr().
	CurrentSize(o heap.ObjectReference) heap.Bytes
	// Align returns the required alignment of new objects.
	Align() heap.Bytes

	LoadStatusWord(o heap.ObjectReference) uint64
	StoreStatusWord(o heap.ObjectReference, v uint64)
	CompareAndSwapStatusWord(o heap.ObjectReference, old, new uint64) bool
}

// Collection controls host threads around a collection.
type Collection interface {
	// StopAllMutators returns once every mutator is parked at a safepoint.
	StopAllMutators(t Thread)
	ResumeMutators(t Thread)
	// BlockForGC blocks a mutator until the collection it triggered has
	// finished and mutators were resumed.
	BlockForGC(t Thread)
	// SpawnCollectorThread starts run on a new host thread, passing it
	// that thread's handle.
	SpawnCollectorThread(run func(t Thread))
	// OutOfMemory is called when an allocation cannot be satisfied even
	// after collecting.
	OutOfMemory(t Thread, err error)
}

// Scanning enumerates references. Each visit receives a slot: the address
// of a word holding an ObjectReference.
type Scanning interface {
	ScanObject(o heap.ObjectReference, visit func(slot heap.Address))
	ComputeThreadRoots(visit func(slot heap.Address))
	ComputeGlobalRoots(visit func(slot heap.Address))
	// ComputeStaticRoots visits the static slots assigned to worker
	// ordinal out of count workers.
	ComputeStaticRoots(ordinal, count int, visit func(slot heap.Address))
}

type ActivePlan interface {
	IsMutator(t Thread) bool
}

// ReferenceGlue reads and clears the referent of a weak reference object.
type ReferenceGlue interface {
	GetReferent(ref heap.ObjectReference) heap.ObjectReference
	SetReferent(ref, referent heap.ObjectReference)
}

// VM bundles the host capabilities.
type VM struct {
	Objects    ObjectModel
	Collection Collection
	Scanning   Scanning
	ActivePlan ActivePlan
	References ReferenceGlue
}
