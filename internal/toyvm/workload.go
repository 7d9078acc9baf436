// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toyvm

import (
	"math/bits"

	"golang.org/x/gcengine/heap"
)

// Builders keep every object they allocate reachable from a root of m
// and reload references from the root after each allocation. They report
// false if the heap ran out.

// PushList prepends n nodes to the list held in root. Each node has a
// next reference and one data word set to id, id+1, and so on.
func (m *Mutator) PushList(root, n int, id uint64) bool {
	for k := range n {
		o := m.New(1, 1)
		if o.IsNull() {
			return false
		}
		SetData(o, 0, id+uint64(k))
		m.SetRef(o, 0, m.Root(root))
		m.SetRoot(root, o)
	}
	return true
}

// ListLen returns the length of the list starting at o.
func ListLen(o heap.ObjectReference) int {
	n := 0
	for ; !o.IsNull(); o = Ref(o, 0) {
		n++
	}
	return n
}

// BuildTree stores a complete binary tree of the given depth in root.
// Node i, in breadth-first order starting at 1, has data word i.
func (m *Mutator) BuildTree(root, depth int) bool {
	m.SetRoot(root, heap.NullRef)
	for i := 1; i < 1<<depth; i++ {
		o := m.New(2, 1)
		if o.IsNull() {
			return false
		}
		SetData(o, 0, uint64(i))
		if i == 1 {
			m.SetRoot(root, o)
			continue
		}
		// Walk from the root to the parent along the bits of i below
		// its leading one.
		p := m.Root(root)
		for b := bits.Len(uint(i)) - 2; b > 0; b-- {
			p = Ref(p, i>>b&1)
		}
		m.SetRef(p, i&1, o)
	}
	return true
}

// TreeSum returns the sum of the data words of the tree at o.
func TreeSum(o heap.ObjectReference) uint64 {
	if o.IsNull() {
		return 0
	}
	return Data(o, 0) + TreeSum(Ref(o, 0)) + TreeSum(Ref(o, 1))
}

// Churn allocates n unreachable objects of the given number of data
// words.
func (m *Mutator) Churn(n, ndata int) bool {
	for range n {
		if m.New(0, ndata).IsNull() {
			return false
		}
	}
	return true
}
