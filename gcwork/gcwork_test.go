// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcwork

import (
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// closure traces the implicit binary tree over [0, limit) rooted at 0 with
// nproc workers and returns how often each node was processed.
func closure(t *testing.T, p *Pool, limit int) []atomic.Int32 {
	t.Helper()
	seen := make([]atomic.Int32, limit)
	var g errgroup.Group
	for i := range p.Procs() {
		g.Go(func() error {
			w := NewWork(p)
			if i == 0 {
				w.Put(0)
			}
			for {
				v, ok := w.Get()
				if !ok {
					break
				}
				seen[v].Add(1)
				for _, c := range []uint64{2*v + 1, 2*v + 2} {
					if c < uint64(limit) {
						w.Put(c)
					}
				}
			}
			if !w.Empty() {
				t.Errorf("worker %d left work behind", i)
			}
			return nil
		})
	}
	g.Wait()
	return seen
}

func TestClosure(t *testing.T) {
	for _, procs := range []int{1, 2, 8} {
		p := NewPool(procs)
		// Run twice to check the pool resets between closures.
		for round := range 2 {
			const limit = 100000
			seen := closure(t, p, limit)
			for v := range seen {
				if n := seen[v].Load(); n != 1 {
					t.Fatalf("procs=%d round %d: node %d processed %d times", procs, round, v, n)
				}
			}
			if !p.IsEmpty() {
				t.Fatalf("procs=%d: pool not empty after closure", procs)
			}
		}
	}
}

func TestTryGet(t *testing.T) {
	p := NewPool(1)
	w := NewWork(p)
	if _, ok := w.TryGet(); ok {
		t.Fatalf("TryGet on empty pool succeeded")
	}
	for i := range bufEntries + 3 {
		w.Put(uint64(i))
	}
	if p.IsEmpty() {
		t.Fatalf("want a full buffer published")
	}
	var sum uint64
	n := 0
	for {
		v, ok := w.TryGet()
		if !ok {
			break
		}
		sum += v
		n++
	}
	if n != bufEntries+3 {
		t.Fatalf("want %d entries, got %d", bufEntries+3, n)
	}
	if want := uint64((bufEntries + 3) * (bufEntries + 2) / 2); sum != want {
		t.Fatalf("want sum %d, got %d", want, sum)
	}
}

func TestFlush(t *testing.T) {
	p := NewPool(2)
	a, b := NewWork(p), NewWork(p)
	a.Put(7)
	if _, ok := b.TryGet(); ok {
		t.Fatalf("unflushed entry visible to another worker")
	}
	a.Flush()
	if v, ok := b.TryGet(); !ok || v != 7 {
		t.Fatalf("want 7, got %d, %v", v, ok)
	}
}
