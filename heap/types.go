// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package heap defines the address and size vocabulary shared by every
// layer of the engine.
package heap

import (
	"fmt"
)

const (
	LogBytesInWord  = 3
	LogBytesInPage  = 12
	LogBytesInChunk = 22

	WordBytes  Bytes = 1 << LogBytesInWord
	PageBytes  Bytes = 1 << LogBytesInPage
	ChunkBytes Bytes = 1 << LogBytesInChunk

	PagesInChunk = int(ChunkBytes / PageBytes)

	// MinObjectBytes is the smallest object the engine will hand out.
	MinObjectBytes = WordBytes
)

// Bytes is a count of bytes or a byte offset.
type Bytes uint64

func (a Bytes) Div(b Bytes) int {
	return int(a / b)
}

func (a Bytes) CeilDiv(b Bytes) int {
	return int((a + b - 1) / b)
}

func (a Bytes) Mul(b int) Bytes {
	return a * Bytes(b)
}

func (a Bytes) Words() Words {
	return Words(a / WordBytes)
}

// Pages returns the number of pages needed to hold a.
func (a Bytes) Pages() int {
	return a.CeilDiv(PageBytes)
}

// AlignUp rounds a up to a multiple of align, which must be a power of two.
func (a Bytes) AlignUp(align Bytes) Bytes {
	return (a + align - 1) &^ (align - 1)
}

func (a Bytes) String() string {
	if a == 0 {
		return "0 bytes"
	} else if a%TiB == 0 {
		return fmt.Sprintf("%d TiB", a/TiB)
	} else if a%GiB == 0 {
		return fmt.Sprintf("%d GiB", a/GiB)
	} else if a%MiB == 0 {
		return fmt.Sprintf("%d MiB", a/MiB)
	} else if a%KiB == 0 {
		return fmt.Sprintf("%d KiB", a/KiB)
	}
	return fmt.Sprintf("%d bytes", a)
}

const (
	KiB Bytes = 1 << 10
	MiB Bytes = 1 << 20
	GiB Bytes = 1 << 30
	TiB Bytes = 1 << 40
)

// Words is a count of words or a word offset.
type Words uint64

func (a Words) Bytes() Bytes {
	return Bytes(a) * WordBytes
}

func (a Words) Mul(b int) Words {
	return a * Words(b)
}

func (a Words) Div(b Words) int {
	return int(a / b)
}

// PagesToBytes converts a page count to bytes.
func PagesToBytes(pages int) Bytes {
	return Bytes(pages) << LogBytesInPage
}

// Address is a raw virtual address. The zero Address is the null address
// returned by every allocation path on failure.
type Address uint64

func (a Address) IsZero() bool {
	return a == 0
}

func (a Address) Plus(b Bytes) Address {
	c, ok := a.PlusOK(b)
	if !ok {
		panic(fmt.Sprintf("%s+%s overflowed", a, b))
	}
	return c
}

func (a Address) PlusOK(b Bytes) (Address, bool) {
	c := a + Address(b)
	if c < a {
		return 0, false
	}
	return c, true
}

// Sub returns a-b, panicking on underflow.
func (a Address) Sub(b Bytes) Address {
	c := a - Address(b)
	if c > a {
		panic(fmt.Sprintf("%s-%s underflowed", a, b))
	}
	return c
}

func (a Address) Minus(b Address) Bytes {
	c := a - b
	if c > a {
		panic(fmt.Sprintf("%s-%s overflowed", a, b))
	}
	return Bytes(c)
}

func (a Address) AlignUp(align Bytes) Address {
	return Address(Bytes(a).AlignUp(align))
}

func (a Address) AlignDown(align Bytes) Address {
	return a &^ Address(align-1)
}

// AlignAllocation returns the first address at or after region whose sum
// with offset is a multiple of align. align must be a power of two.
func AlignAllocation(region Address, align, offset Bytes) Address {
	delta := Bytes(-(uint64(region) + uint64(offset))) & (align - 1)
	return region.Plus(delta)
}

func (a Address) IsAligned(align Bytes) bool {
	return a&Address(align-1) == 0
}

// Page returns the index of the page containing a.
func (a Address) Page() int {
	return int(a >> LogBytesInPage)
}

// Chunk returns the start of the chunk containing a.
func (a Address) Chunk() Address {
	return a.AlignDown(ChunkBytes)
}

// ChunkIndex returns the index of the chunk containing a.
func (a Address) ChunkIndex() int {
	return int(a >> LogBytesInChunk)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%016x", uint64(a))
}

// ObjectReference is an opaque handle to a managed object. It is the
// address of the object's first word. The zero value is the null
// reference.
type ObjectReference uint64

const NullRef ObjectReference = 0

func (o ObjectReference) IsNull() bool {
	return o == 0
}

func (o ObjectReference) Addr() Address {
	return Address(o)
}

func (o ObjectReference) String() string {
	if o == 0 {
		return "null"
	}
	return fmt.Sprintf("obj@%#x", uint64(o))
}

// RefAt returns the object reference whose first word is at a.
func RefAt(a Address) ObjectReference {
	return ObjectReference(a)
}

type Range struct {
	Start Address
	Len   Bytes
}

func (r Range) End() Address {
	end, ok := r.Start.PlusOK(r.Len)
	if !ok {
		panic(fmt.Sprintf("range end overflowed: %s", r))
	}
	return end
}

func (r Range) Contains(x Address) bool {
	return r.Start <= x && x.Minus(r.Start) < r.Len
}

func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End() && r2.Start < r.End()
}

func (r Range) Pages() int {
	return r.Len.Pages()
}

func (r Range) String() string {
	return fmt.Sprintf("[%s,%s)", r.Start, r.End())
}

func (r Range) ShortString() string {
	return fmt.Sprintf("[%#x,%#x)", uint64(r.Start), uint64(r.End()))
}
