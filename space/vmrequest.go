// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package space

import (
	"fmt"

	"golang.org/x/gcengine/heap"
)

type vmRequestKind uint8

const (
	requestDiscontiguous vmRequestKind = iota
	requestExtent
	requestFraction
	requestFixed
)

// A VMRequest describes the address range a space wants.
type VMRequest struct {
	kind   vmRequestKind
	extent heap.Bytes
	frac   float64
	top    bool
	start  heap.Address
}

// Discontiguous requests chunks from the shared pool on demand.
func Discontiguous() VMRequest {
	return VMRequest{kind: requestDiscontiguous}
}

// Extent requests a contiguous range of bytes, carved from the top of the
// address space if top is set.
func Extent(bytes heap.Bytes, top bool) VMRequest {
	return VMRequest{kind: requestExtent, extent: bytes, top: top}
}

// Fraction requests frac of the address space still available when the
// space is created.
func Fraction(frac float64, top bool) VMRequest {
	return VMRequest{kind: requestFraction, frac: frac, top: top}
}

// Fixed requests exactly [start, start+bytes).
func Fixed(start heap.Address, bytes heap.Bytes) VMRequest {
	return VMRequest{kind: requestFixed, start: start, extent: bytes}
}

func (r VMRequest) IsDiscontiguous() bool {
	return r.kind == requestDiscontiguous
}

func (r VMRequest) String() string {
	switch r.kind {
	case requestDiscontiguous:
		return "discontiguous"
	case requestExtent:
		return fmt.Sprintf("extent(%s, top=%v)", r.extent, r.top)
	case requestFraction:
		return fmt.Sprintf("fraction(%g, top=%v)", r.frac, r.top)
	case requestFixed:
		return fmt.Sprintf("fixed(%s, %s)", r.start, r.extent)
	}
	return "invalid"
}
