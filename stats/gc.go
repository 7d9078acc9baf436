// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"fmt"
	"io"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// GC holds the statistics of an engine's collections.
//
// StartGC and EndGC bracket one collection and must not overlap. The
// counters may be read at any time.
type GC struct {
	Pauses    Dist[time.Duration] `label:"stop-the-world pause"`
	Reclaimed Dist[int]           `label:"pages reclaimed per collection"`
	Live      Dist[int]           `label:"pages in use after collection"`

	Collections atomic.Int64
	Emergency   atomic.Int64
	FullHeap    atomic.Int64
	Defrag      atomic.Int64
	User        atomic.Int64

	mu          sync.Mutex
	start       time.Time
	usedBefore  int
	inGC        bool
	harness     bool
	harnessFrom time.Time
	harnessTime time.Duration
}

// Kind describes a finished collection.
type Kind struct {
	Emergency bool
	FullHeap  bool
	Defrag    bool
	User      bool
}

// StartGC records the start of a collection with usedPages pages in use.
func (g *GC) StartGC(usedPages int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.start = time.Now()
	g.usedBefore = usedPages
	g.inGC = true
}

// EndGC records the end of the current collection.
func (g *GC) EndGC(usedPages int, k Kind) time.Duration {
	g.mu.Lock()
	if !g.inGC {
		g.mu.Unlock()
		return 0
	}
	pause := time.Since(g.start)
	before := g.usedBefore
	g.inGC = false
	g.mu.Unlock()

	g.Pauses.Add(pause)
	g.Reclaimed.Add(max(before-usedPages, 0))
	g.Live.Add(usedPages)
	g.Collections.Add(1)
	count := func(c *atomic.Int64, b bool) {
		if b {
			c.Add(1)
		}
	}
	count(&g.Emergency, k.Emergency)
	count(&g.FullHeap, k.FullHeap)
	count(&g.Defrag, k.Defrag)
	count(&g.User, k.User)
	return pause
}

// StartAll discards everything recorded so far and starts a measured
// interval.
func (g *GC) StartAll() {
	ForEachDist(g, func(d DistCommon, _ reflect.StructTag) { d.Reset() })
	for _, c := range []*atomic.Int64{&g.Collections, &g.Emergency, &g.FullHeap, &g.Defrag, &g.User} {
		c.Store(0)
	}
	g.mu.Lock()
	g.harness = true
	g.harnessFrom = time.Now()
	g.harnessTime = 0
	g.mu.Unlock()
}

// StopAll ends the measured interval.
func (g *GC) StopAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.harness {
		g.harnessTime = time.Since(g.harnessFrom)
		g.harness = false
	}
}

// Elapsed returns the length of the last measured interval, or of the
// running one.
func (g *GC) Elapsed() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.harness {
		return time.Since(g.harnessFrom)
	}
	return g.harnessTime
}

// Report writes a summary to w.
func (g *GC) Report(w io.Writer) {
	fmt.Fprintf(w, "collections %d (full-heap %d, emergency %d, defrag %d, user %d)\n",
		g.Collections.Load(), g.FullHeap.Load(), g.Emergency.Load(), g.Defrag.Load(), g.User.Load())
	if e := g.Elapsed(); e > 0 {
		fmt.Fprintf(w, "elapsed %v, paused %v\n", e, g.Pauses.Sum())
	}
	io.WriteString(w, Summary(g))
}
