// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package heap

import (
	"sync/atomic"
	"unsafe"
)

// The accessors below dereference raw addresses. They are only valid on
// memory the engine has mapped (see package layout) and which is therefore
// never moved or freed by the Go runtime.

func (a Address) ptr() unsafe.Pointer {
	return unsafe.Pointer(uintptr(a))
}

func (a Address) Load() uint64 {
	return *(*uint64)(a.ptr())
}

func (a Address) Store(v uint64) {
	*(*uint64)(a.ptr()) = v
}

func (a Address) LoadAddress() Address {
	return Address(a.Load())
}

func (a Address) StoreAddress(v Address) {
	a.Store(uint64(v))
}

// LoadRef reads the reference held in the slot at a.
func (a Address) LoadRef() ObjectReference {
	return ObjectReference(a.AtomicLoad())
}

func (a Address) StoreRef(o ObjectReference) {
	a.AtomicStore(uint64(o))
}

func (a Address) LoadByte() uint8 {
	return *(*uint8)(a.ptr())
}

func (a Address) StoreByte(v uint8) {
	*(*uint8)(a.ptr()) = v
}

func (a Address) AtomicLoad() uint64 {
	return atomic.LoadUint64((*uint64)(a.ptr()))
}

func (a Address) AtomicStore(v uint64) {
	atomic.StoreUint64((*uint64)(a.ptr()), v)
}

func (a Address) CompareAndSwap(old, new uint64) bool {
	return atomic.CompareAndSwapUint64((*uint64)(a.ptr()), old, new)
}

// Slice returns the n bytes starting at a as a byte slice.
func (a Address) Slice(n Bytes) []byte {
	return unsafe.Slice((*byte)(a.ptr()), int(n))
}

// Zero clears n bytes starting at a.
func Zero(a Address, n Bytes) {
	if n == 0 {
		return
	}
	clear(a.Slice(n))
}

// Copy copies n bytes from src to dst. The ranges may not overlap.
func Copy(dst, src Address, n Bytes) {
	if n == 0 {
		return
	}
	copy(dst.Slice(n), src.Slice(n))
}

// AddressOf returns the address of the first byte of b. b must be
// non-empty and must stay reachable for as long as the address is used.
func AddressOf(b []byte) Address {
	return Address(uintptr(unsafe.Pointer(unsafe.SliceData(b))))
}

func CastSlice[To any](src []byte) []To {
	// TODO: It would be nice if we could limit this to pointer-free types. That
	// would make this "safe".
	d := (*To)(unsafe.Pointer(unsafe.SliceData(src)))
	return unsafe.Slice(d, len(src)/int(unsafe.Sizeof(*d)))
}
