// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package toyvm

import (
	"fmt"
	"io"
	"slices"

	"github.com/aclements/go-moremath/graph/graphalg"
	"github.com/aclements/go-moremath/graph/graphout"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
)

// HeapGraph is a snapshot of the objects reachable from a set of roots.
// Nodes are numbered in breadth-first order from the roots, taking
// reference slots in order, so two snapshots of the same heap shape
// agree on node numbers even if objects moved between them.
//
// HeapGraph satisfies the graph.Graph interface.
type HeapGraph struct {
	Objects []heap.ObjectReference // Node ID -> object
	Data    [][]uint64             // Node ID -> data words
	Roots   []int                  // Root index -> node ID, or -1 for null
	out     [][]int                // Node ID -> targets of non-null slots
	slots   [][]int                // Node ID -> slot -> node ID, or -1
}

func (g *HeapGraph) NumNodes() int { return len(g.Objects) }

func (g *HeapGraph) Out(i int) []int { return g.out[i] }

// Snapshot walks the objects reachable from roots. Referents of weak
// references are not followed. The world must not change during the walk.
func Snapshot(roots []heap.ObjectReference) *HeapGraph {
	g := &HeapGraph{}
	ids := make(map[heap.ObjectReference]int)
	node := func(o heap.ObjectReference) int {
		if o.IsNull() {
			return -1
		}
		if id, ok := ids[o]; ok {
			return id
		}
		id := len(g.Objects)
		ids[o] = id
		g.Objects = append(g.Objects, o)
		return id
	}
	for _, r := range roots {
		g.Roots = append(g.Roots, node(r))
	}
	for id := 0; id < len(g.Objects); id++ {
		o := g.Objects[id]
		var out, slots []int
		for i := range NumRefs(o) {
			t := node(Ref(o, i))
			slots = append(slots, t)
			if t >= 0 {
				out = append(out, t)
			}
		}
		data := make([]uint64, NumData(o))
		for i := range data {
			data[i] = Data(o, i)
		}
		if KindOf(o) == Weak {
			// The referent is not a strong edge. Record only whether it
			// is set.
			data[0] = min(data[0], 1)
		}
		g.out = append(g.out, out)
		g.slots = append(g.slots, slots)
		g.Data = append(g.Data, data)
	}
	return g
}

// Snapshot returns the graph reachable from all roots of the VM: mutator
// roots in thread order, then globals, then statics. The caller must be
// the only running mutator.
func (vm *VM) Snapshot() *HeapGraph {
	vm.mu.Lock()
	var roots []heap.ObjectReference
	threads := make([]int, 0, len(vm.mutators))
	for t := range vm.mutators {
		threads = append(threads, int(t))
	}
	slices.Sort(threads)
	for _, t := range threads {
		m := vm.mutators[host.Thread(t)]
		roots = append(roots, m.roots[:m.NumRoots()]...)
	}
	vm.mu.Unlock()
	roots = append(roots, vm.globals...)
	roots = append(roots, vm.statics...)
	return Snapshot(roots)
}

// Cycles returns the number of nodes that lie on a cycle.
func (g *HeapGraph) Cycles() int {
	scc := graphalg.SCC(g, graphalg.SCCSubnodeComponent)
	marks := graphalg.NewNodeMarks()
	for cid := 0; cid < scc.NumNodes(); cid++ {
		nids := scc.Subnodes(cid)
		if len(nids) <= 1 {
			continue
		}
		for _, nid := range nids {
			marks.Mark(nid)
		}
	}
	n := 0
	for nid := marks.Next(-1); nid >= 0; nid = marks.Next(nid) {
		n++
	}
	// A single object may point to itself.
	for nid := range g.NumNodes() {
		if !marks.Test(nid) && slices.Contains(g.out[nid], nid) {
			n++
		}
	}
	return n
}

// Equal reports the first difference in shape between g and h: the
// number of objects, the edges, the data words and the roots. Addresses
// are not compared.
func (g *HeapGraph) Equal(h *HeapGraph) error {
	if len(g.Objects) != len(h.Objects) {
		return fmt.Errorf("want %d objects, got %d", len(g.Objects), len(h.Objects))
	}
	if !slices.Equal(g.Roots, h.Roots) {
		return fmt.Errorf("want roots %v, got %v", g.Roots, h.Roots)
	}
	for id := range g.Objects {
		if !slices.Equal(g.slots[id], h.slots[id]) {
			return fmt.Errorf("object %d: want slots %v, got %v", id, g.slots[id], h.slots[id])
		}
		if !slices.Equal(g.Data[id], h.Data[id]) {
			return fmt.Errorf("object %d: want data %v, got %v", id, g.Data[id], h.Data[id])
		}
	}
	return nil
}

// Moved returns the number of objects whose address differs between g
// and an equal snapshot h.
func (g *HeapGraph) Moved(h *HeapGraph) int {
	n := 0
	for id, o := range g.Objects {
		if h.Objects[id] != o {
			n++
		}
	}
	return n
}

// WriteDot writes g in Graphviz dot syntax. Nodes held directly by a
// root are boxed.
func (g *HeapGraph) WriteDot(w io.Writer) {
	label := func(node int) string {
		return fmt.Sprintf("%d %v", node, g.Data[node])
	}
	nodeAttrs := func(node int) []graphout.DotAttr {
		if slices.Contains(g.Roots, node) {
			return []graphout.DotAttr{{Name: "shape", Val: "box"}}
		}
		return nil
	}
	graphout.Dot{Label: label, NodeAttrs: nodeAttrs}.Fprint(w, g)
}
