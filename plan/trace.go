// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"golang.org/x/gcengine/gcwork"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

const traceScan = false

// TraceLocal is one worker's view of the transitive closure. Objects the
// plan marks or copies are queued on the shared work pool, and
// CompleteTrace scans them until no worker has any left.
//
// A TraceLocal is owned by its worker and is not safe for concurrent use.
type TraceLocal struct {
	plan     Plan
	work     *gcwork.Work
	scanning host.Scanning
	copier   host.Copier

	// Scanned counts the objects this worker scanned in the current
	// collection.
	Scanned int64
}

func newTraceLocal(p Plan, pool *gcwork.Pool) *TraceLocal {
	return &TraceLocal{
		plan:     p,
		work:     gcwork.NewWork(pool),
		scanning: p.Base().VM.Scanning,
	}
}

// Copier returns the copy context evacuated objects are allocated with,
// or nil if the plan never moves objects.
func (t *TraceLocal) Copier() host.Copier {
	return t.copier
}

// ProcessNode queues o to be scanned.
func (t *TraceLocal) ProcessNode(o heap.ObjectReference) {
	t.work.Put(uint64(o))
}

// TraceObject marks or copies o and returns its current address.
func (t *TraceLocal) TraceObject(o heap.ObjectReference) heap.ObjectReference {
	if o.IsNull() {
		return o
	}
	return t.plan.TraceObject(t, o)
}

// ProcessEdge traces the object slot refers to and updates slot if the
// object moved.
func (t *TraceLocal) ProcessEdge(slot heap.Address) {
	o := slot.LoadRef()
	if o.IsNull() {
		return
	}
	if n := t.plan.TraceObject(t, o); n != o {
		slot.StoreRef(n)
	}
}

// CompleteTrace scans queued objects until the closure is complete. Every
// worker of the collection must call it.
func (t *TraceLocal) CompleteTrace() {
	for {
		v, ok := t.work.Get()
		if !ok {
			return
		}
		o := heap.ObjectReference(v)
		if traceScan {
			base.Logf(0, "SCAN", "worker scanning %s", o)
		}
		t.scanning.ScanObject(o, t.ProcessEdge)
		t.Scanned++
	}
}

func (t *TraceLocal) IsLive(o heap.ObjectReference) bool {
	return !o.IsNull() && t.plan.IsLive(o)
}

// Forward returns the current address of the live object o.
func (t *TraceLocal) Forward(o heap.ObjectReference) heap.ObjectReference {
	return t.plan.Base().Forward(o)
}

func (t *TraceLocal) prepare() {
	t.Scanned = 0
}

func (t *TraceLocal) release() {
	t.work.Flush()
}
