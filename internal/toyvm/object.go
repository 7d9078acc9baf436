// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toyvm

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// Objects are a header word followed by reference slots and then data
// words. The header holds, from the least significant bit:
//
//	 0.. 7  reserved for the engine
//	 8..23  number of reference slots
//	24..55  number of data words
//	56..63  object kind
//
// A weak reference object has no reference slots. Its referent is data
// word 0.
const (
	refsShift = 8
	refsMask  = 1<<16 - 1
	dataShift = 24
	dataMask  = 1<<32 - 1
	kindShift = 56
)

// MaxRefs is the largest number of reference slots of an object.
const MaxRefs = refsMask

// Kind is the kind of an object.
type Kind uint8

const (
	Plain Kind = iota
	Weak
)

func header(k Kind, nrefs, ndata int) uint64 {
	if nrefs < 0 || nrefs > refsMask || ndata < 0 || ndata > dataMask {
		base.Throwf("toyvm: bad object shape %d refs, %d data", nrefs, ndata)
	}
	return uint64(k)<<kindShift | uint64(nrefs)<<refsShift | uint64(ndata)<<dataShift
}

// Size returns the bytes of an object with the given shape.
func Size(nrefs, ndata int) heap.Bytes {
	return heap.Bytes(1+nrefs+ndata) * heap.WordBytes
}

func NumRefs(o heap.ObjectReference) int {
	return int(o.Addr().Load() >> refsShift & refsMask)
}

func NumData(o heap.ObjectReference) int {
	return int(o.Addr().Load() >> dataShift & dataMask)
}

func KindOf(o heap.ObjectReference) Kind {
	return Kind(o.Addr().Load() >> kindShift)
}

// RefSlot returns the address of reference slot i of o.
func RefSlot(o heap.ObjectReference, i int) heap.Address {
	return o.Addr().Plus(heap.Bytes(1+i) * heap.WordBytes)
}

func Ref(o heap.ObjectReference, i int) heap.ObjectReference {
	return RefSlot(o, i).LoadRef()
}

func dataSlot(o heap.ObjectReference, i int) heap.Address {
	return o.Addr().Plus(heap.Bytes(1+NumRefs(o)+i) * heap.WordBytes)
}

func Data(o heap.ObjectReference, i int) uint64 {
	return dataSlot(o, i).Load()
}

// SetData stores v in data word i of o. Data words are not references,
// so no barrier runs.
func SetData(o heap.ObjectReference, i int, v uint64) {
	dataSlot(o, i).Store(v)
}

// objectModel implements host.ObjectModel for the layout above.
type objectModel struct{}

func (objectModel) Copy(from heap.ObjectReference, sem host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	size := objectModel{}.CurrentSize(from)
	to := c.AllocCopy(from, size, heap.WordBytes, 0, sem)
	if to == 0 {
		base.Throwf("toyvm: no space to copy %v (%s)", from, size)
	}
	heap.Copy(to, from.Addr(), size)
	o := heap.RefAt(to)
	c.PostCopy(o, size, sem)
	return o
}

func (objectModel) CurrentSize(o heap.ObjectReference) heap.Bytes {
	return Size(NumRefs(o), NumData(o))
}

func (objectModel) Align() heap.Bytes { return heap.WordBytes }

func (objectModel) LoadStatusWord(o heap.ObjectReference) uint64 {
	return o.Addr().AtomicLoad()
}

func (objectModel) StoreStatusWord(o heap.ObjectReference, v uint64) {
	o.Addr().AtomicStore(v)
}

func (objectModel) CompareAndSwapStatusWord(o heap.ObjectReference, old, new uint64) bool {
	return o.Addr().CompareAndSwap(old, new)
}
