// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/internal/base"
)

const (
	// numBins is one more than the most holes a block can have.
	numBins = LinesInBlock/2 + 1

	minSpillThreshold     = 2
	defragHeadroomPercent = 2
)

// A histogram maps a hole count to a number of lines.
type histogram [numBins]int

// Defrag decides when a collection evacuates fragmented blocks and which
// blocks are sources.
type Defrag struct {
	enabled bool
	stress  bool

	inDefrag  atomic.Bool
	exhausted atomic.Bool

	mu sync.Mutex
	// marks counts, per hole count, the lines the last sweep found
	// marked in blocks with that many holes.
	marks histogram

	spillThreshold      atomic.Int32
	availableCleanPages atomic.Int64
}

// Decide sets whether the coming collection defragments and returns the
// decision.
func (d *Defrag) Decide(emergency, collectWholeHeap bool, attempts int, userTriggered, noReusable, fullHeapSystemGC bool) bool {
	in := d.enabled && (emergency ||
		attempts > 1 ||
		noReusable ||
		d.stress ||
		(collectWholeHeap && userTriggered && fullHeapSystemGC))
	d.inDefrag.Store(in)
	base.Logf(2, "DEFRAG", "defrag=%v emergency=%v attempts=%d user=%v noReusable=%v",
		in, emergency, attempts, userTriggered, noReusable)
	return in
}

func (d *Defrag) InDefrag() bool {
	return d.inDefrag.Load()
}

// SpaceExhausted reports whether evacuation ran out of clean pages in
// this collection.
func (d *Defrag) SpaceExhausted() bool {
	return d.exhausted.Load()
}

// SpillThreshold returns the hole count above which blocks are
// evacuated.
func (d *Defrag) SpillThreshold() int {
	return int(d.spillThreshold.Load())
}

// headroomPages is the space held back for evacuation.
func headroomPages(reserved int) int {
	return reserved * defragHeadroomPercent / 100
}

// prepare computes the clean pages evacuation may use and, in a defrag
// collection, the spill threshold. spill holds, per hole count, the free
// lines of reusable blocks.
func (d *Defrag) prepare(availablePages, reservedPages int, spill *histogram) {
	d.exhausted.Store(false)
	avail := int64(max(availablePages, 0)) + int64(headroomPages(reservedPages))
	d.availableCleanPages.Store(avail)
	if d.InDefrag() {
		d.establishSpillThreshold(spill)
	}
}

func (d *Defrag) establishSpillThreshold(spill *histogram) {
	d.mu.Lock()
	defer d.mu.Unlock()
	available := int(d.availableCleanPages.Load()) * linesInPage
	required := 0
	threshold := numBins - 1
	for ; threshold >= minSpillThreshold; threshold-- {
		required += d.marks[threshold]
		available += spill[threshold]
		if available <= required {
			break
		}
	}
	d.spillThreshold.Store(int32(threshold))
	base.Logf(2, "DEFRAG", "spill threshold %d (available %d lines, required %d)", threshold, available, required)
}

// resetHistogram clears the marked-line histogram before a sweep.
func (d *Defrag) resetHistogram() {
	d.mu.Lock()
	d.marks = histogram{}
	d.mu.Unlock()
}

// addHistogram merges the histogram of one sweep worker.
func (d *Defrag) addHistogram(h *histogram) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range h {
		d.marks[i] += n
	}
}

// notifyNewCleanBlock accounts for a clean block taken for evacuation.
func (d *Defrag) notifyNewCleanBlock(copy bool) {
	if !copy {
		return
	}
	if d.availableCleanPages.Add(-int64(BlockPages)) <= 0 {
		d.exhausted.Store(true)
	}
}

func (d *Defrag) release() {
	d.inDefrag.Store(false)
}
