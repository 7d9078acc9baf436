// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package collector coordinates the engine's collector goroutines.
//
// A Controller turns collection requests into stop-the-world cycles. Each
// cycle is carried out by the workers of a Group, which park between
// cycles and synchronize with each other at rendezvous points.
package collector

import (
	"sync"

	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// Body is the work a Group member performs once per cycle.
type Body func(w *Worker)

// A Worker is one member of a Group.
type Worker struct {
	group   *Group
	ordinal int
	thread  host.Thread

	lastTrigger int // trigger count seen at the last park
	parks       int
}

// Ordinal returns w's index in its group, in [0, Group.Len()).
func (w *Worker) Ordinal() int { return w.ordinal }

// Thread returns the host thread w runs on.
func (w *Worker) Thread() host.Thread { return w.thread }

// Group returns the group w belongs to.
func (w *Worker) Group() *Group { return w.group }

// Parks returns how many times w has parked.
func (w *Worker) Parks() int {
	w.group.mu.Lock()
	defer w.group.mu.Unlock()
	return w.parks
}

// Rendezvous is shorthand for w.Group().Rendezvous().
func (w *Worker) Rendezvous() int { return w.group.Rendezvous() }

// A Group is a fixed set of workers that run one Body per cycle.
//
// Between cycles every worker is parked. TriggerCycle releases them all and
// WaitForCycle returns once all have parked again. Rendezvous uses two
// counters that alternate between successive barriers, so a fast worker
// entering the next barrier cannot disturb a slow one still leaving the
// previous barrier.
type Group struct {
	name string
	n    int

	mu      sync.Mutex
	cond    sync.Cond
	workers []*Worker

	triggerCount int
	parked       int
	aborted      bool
	stopping     bool
	exited       int

	rendezvous [2]int
	current    int // index of the live rendezvous counter
	generation int
}

// NewGroup returns a group of n workers. It has no goroutines until Init.
func NewGroup(name string, n int) *Group {
	if n <= 0 {
		base.Throwf("collector group %s: %d workers", name, n)
	}
	g := &Group{name: name, n: n}
	g.cond.L = &g.mu
	return g
}

func (g *Group) Name() string { return g.name }

// Len returns the number of workers.
func (g *Group) Len() int { return g.n }

// Init starts the workers through spawn, typically the host's
// SpawnCollectorThread, and returns once every worker has parked. body
// runs on every worker in each triggered cycle.
func (g *Group) Init(spawn func(run func(host.Thread)), body Body) {
	g.mu.Lock()
	if g.workers != nil {
		g.mu.Unlock()
		base.Throwf("collector group %s initialized twice", g.name)
	}
	g.workers = make([]*Worker, g.n)
	// The first park of each worker completes this initial cycle.
	g.triggerCount = 1
	for i := range g.workers {
		g.workers[i] = &Worker{group: g, ordinal: i}
	}
	g.mu.Unlock()

	for _, w := range g.workers {
		spawn(func(t host.Thread) {
			w.thread = t
			g.run(w, body)
		})
	}
	g.WaitForCycle()
	base.Logf(2, "COLLECTOR", "group %s: %d workers parked", g.name, g.n)
}

func (g *Group) run(w *Worker, body Body) {
	for {
		if !g.park(w) {
			return
		}
		body(w)
	}
}

// park blocks w until the next cycle is triggered. It returns false when
// the group is being stopped.
func (g *Group) park(w *Worker) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	w.lastTrigger++
	if w.lastTrigger == g.triggerCount {
		g.parked++
		if g.parked == g.n {
			g.aborted = false
		}
		g.cond.Broadcast()
		for w.lastTrigger == g.triggerCount && !g.stopping {
			g.cond.Wait()
		}
	}
	w.parks++
	if g.stopping {
		g.exited++
		g.cond.Broadcast()
		return false
	}
	return true
}

// TriggerCycle releases every parked worker into a new cycle.
func (g *Group) TriggerCycle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.triggerCount++
	g.parked = 0
	g.cond.Broadcast()
}

// WaitForCycle blocks until every worker has parked.
func (g *Group) WaitForCycle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.parked < g.n {
		g.cond.Wait()
	}
}

// AbortCycle asks workers of a running cycle to finish early. It has no
// effect when no cycle is running. Workers poll IsAborted.
func (g *Group) AbortCycle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.parked < g.n {
		g.aborted = true
	}
}

// IsAborted reports whether the running cycle was aborted. The flag is
// cleared when the last worker parks.
func (g *Group) IsAborted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted
}

// Rendezvous blocks until every worker of the group has called it, then
// returns the caller's arrival order. The last arrival gets Len()-1.
func (g *Group) Rendezvous() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	i := g.current
	me := g.rendezvous[i]
	g.rendezvous[i]++
	if me == g.n-1 {
		g.current ^= 1
		g.rendezvous[g.current] = 0
		g.generation++
		g.cond.Broadcast()
	} else {
		for g.rendezvous[i] < g.n {
			g.cond.Wait()
		}
	}
	return me
}

// Generation returns the number of completed rendezvous.
func (g *Group) Generation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

// Stop makes every parked worker goroutine return. The group must be
// idle. It is used to tear down engines in tests.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.workers == nil {
		return
	}
	for g.parked < g.n {
		g.cond.Wait()
	}
	g.stopping = true
	g.cond.Broadcast()
	for g.exited < g.n {
		g.cond.Wait()
	}
}
