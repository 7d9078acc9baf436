// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package policy implements the simple spaces plans are built from: a
// copying semi-space, an immortal space, a large object space and a space
// backed by the Go allocator.
package policy

import (
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
)

// MarkBit is the status-word bit non-moving header-marked spaces use. It
// sits above the two forwarding bits.
const MarkBit uint64 = 1 << 2

// testAndMark sets the mark bit of o to value and reports whether this
// call changed it.
func testAndMark(om host.ObjectModel, o heap.ObjectReference, value uint64) bool {
	for {
		old := om.LoadStatusWord(o)
		if old&MarkBit == value {
			return false
		}
		if om.CompareAndSwapStatusWord(o, old, old&^MarkBit|value) {
			return true
		}
	}
}

func setMark(om host.ObjectModel, o heap.ObjectReference, value uint64) {
	for {
		old := om.LoadStatusWord(o)
		if old&MarkBit == value || om.CompareAndSwapStatusWord(o, old, old&^MarkBit|value) {
			return
		}
	}
}
