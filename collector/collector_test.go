// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"golang.org/x/gcengine/host"
)

type testCollection struct {
	next    atomic.Uint64
	stops   atomic.Int32
	resumes atomic.Int32
}

func (h *testCollection) StopAllMutators(host.Thread) { h.stops.Add(1) }
func (h *testCollection) ResumeMutators(host.Thread)  { h.resumes.Add(1) }
func (h *testCollection) BlockForGC(host.Thread)      {}
func (h *testCollection) OutOfMemory(host.Thread, error) {
	panic("out of memory")
}

func (h *testCollection) SpawnCollectorThread(run func(host.Thread)) {
	t := host.Thread(100 + h.next.Add(1))
	go run(t)
}

func newGroup(t *testing.T, h *testCollection, n int, body Body) *Group {
	t.Helper()
	g := NewGroup("test", n)
	g.Init(h.SpawnCollectorThread, body)
	t.Cleanup(g.Stop)
	return g
}

// waitFor polls cond until it holds or the test has waited too long.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		runtime.Gosched()
	}
}

func TestGroupCycles(t *testing.T) {
	const n = 4
	h := &testCollection{}
	var runs [n]atomic.Int32
	g := newGroup(t, h, n, func(w *Worker) {
		runs[w.Ordinal()].Add(1)
	})
	for cycle := 1; cycle <= 3; cycle++ {
		g.TriggerCycle()
		g.WaitForCycle()
		for i := range runs {
			if got := runs[i].Load(); got != int32(cycle) {
				t.Fatalf("after cycle %d: worker %d ran %d times", cycle, i, got)
			}
		}
	}
}

func TestGroupOrdinals(t *testing.T) {
	const n = 6
	h := &testCollection{}
	var mu sync.Mutex
	seen := make(map[int]host.Thread)
	g := newGroup(t, h, n, func(w *Worker) {
		mu.Lock()
		defer mu.Unlock()
		seen[w.Ordinal()] = w.Thread()
	})
	g.TriggerCycle()
	g.WaitForCycle()
	if len(seen) != n {
		t.Fatalf("want %d ordinals, got %v", n, seen)
	}
	threads := make(map[host.Thread]bool)
	for i := range n {
		th, ok := seen[i]
		if !ok || th == host.NoThread {
			t.Fatalf("ordinal %d missing or threadless", i)
		}
		threads[th] = true
	}
	if len(threads) != n {
		t.Fatalf("workers share threads: %v", seen)
	}
}

func TestRendezvous(t *testing.T) {
	const n, rounds = 5, 200
	h := &testCollection{}
	var arrived [rounds]atomic.Int32
	var order [rounds][n]atomic.Int32
	var bad atomic.Int32
	g := newGroup(t, h, n, func(w *Worker) {
		for k := range rounds {
			arrived[k].Add(1)
			me := w.Rendezvous()
			if me < 0 || me >= n {
				bad.Add(1)
				continue
			}
			order[k][me].Add(1)
			// Nobody leaves barrier k before everyone reached it.
			if arrived[k].Load() != n {
				bad.Add(1)
			}
		}
	})
	before := g.Generation()
	g.TriggerCycle()
	g.WaitForCycle()

	if bad.Load() != 0 {
		t.Fatalf("%d workers passed a barrier early or got a bad arrival index", bad.Load())
	}
	if got := g.Generation() - before; got != rounds {
		t.Fatalf("want %d generations, got %d", rounds, got)
	}
	for k := range rounds {
		for i := range n {
			if c := order[k][i].Load(); c != 1 {
				t.Fatalf("rendezvous %d: arrival index %d returned %d times", k, i, c)
			}
		}
	}
}

func TestAbortCycle(t *testing.T) {
	h := &testCollection{}
	started := make(chan struct{}, 2)
	var sawAbort atomic.Int32
	g := newGroup(t, h, 2, func(w *Worker) {
		started <- struct{}{}
		for !w.Group().IsAborted() {
			runtime.Gosched()
		}
		sawAbort.Add(1)
	})

	// Nothing is running, so this is ignored.
	g.AbortCycle()
	if g.IsAborted() {
		t.Fatalf("abort recorded while idle")
	}

	g.TriggerCycle()
	<-started
	<-started
	g.AbortCycle()
	g.WaitForCycle()
	if sawAbort.Load() != 2 {
		t.Fatalf("want both workers to observe the abort, got %d", sawAbort.Load())
	}
	if g.IsAborted() {
		t.Fatalf("abort flag survived the cycle")
	}
}

func newController(t *testing.T, h *testCollection, body Body, reset func()) *Controller {
	t.Helper()
	g := NewGroup("stw", 2)
	g.Init(h.SpawnCollectorThread, body)
	c := NewController(h, g, nil, reset)
	h.SpawnCollectorThread(c.Run)
	t.Cleanup(func() {
		c.Stop()
		g.Stop()
	})
	return c
}

// idle reports whether the controller is blocked waiting for a request
// that has not been made.
func (c *Controller) idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequestCount == c.requestCount
}

func TestControllerSingleRequest(t *testing.T) {
	h := &testCollection{}
	var resets atomic.Int32
	c := newController(t, h, func(*Worker) {}, func() { resets.Add(1) })

	c.Request()
	waitFor(t, "first cycle", func() bool { return c.Cycles() == 1 && c.idle() })
	if h.stops.Load() != 1 || h.resumes.Load() != 1 || resets.Load() != 1 {
		t.Fatalf("want 1 stop, resume and reset, got %d/%d/%d", h.stops.Load(), h.resumes.Load(), resets.Load())
	}
	if c.State() != Idle || c.Pending() {
		t.Fatalf("controller not idle after cycle: %v pending=%v", c.State(), c.Pending())
	}
}

func TestControllerCoalescesRequests(t *testing.T) {
	h := &testCollection{}
	inCycle := make(chan struct{})
	release := make(chan struct{})
	var cycle atomic.Int32
	c := newController(t, h, func(w *Worker) {
		if w.Ordinal() != 0 {
			return
		}
		if cycle.Add(1) == 1 {
			close(inCycle)
			<-release
		}
	}, nil)

	// Requests before the cycle clears the flag fold into one.
	for range 4 {
		c.Request()
	}
	<-inCycle
	if c.State() != RunningWorkers {
		t.Fatalf("want %v, got %v", RunningWorkers, c.State())
	}

	// Eight requests during the cycle cause exactly one more.
	var eg errgroup.Group
	for range 8 {
		eg.Go(func() error {
			c.Request()
			return nil
		})
	}
	eg.Wait()
	close(release)

	waitFor(t, "second cycle", func() bool { return c.Cycles() == 2 && c.idle() })
	c.mu.Lock()
	n := c.requestCount
	c.mu.Unlock()
	if n != 2 {
		t.Fatalf("want 2 counted requests, got %d", n)
	}
	if got := c.Cycles(); got != 2 {
		t.Fatalf("want 2 cycles, got %d", got)
	}
}

func TestControllerConcurrentGroup(t *testing.T) {
	h := &testCollection{}
	stw := NewGroup("stw", 1)
	stw.Init(h.SpawnCollectorThread, func(*Worker) {})
	var concurrentRuns, aborted atomic.Int32
	conc := NewGroup("concurrent", 1)
	conc.Init(h.SpawnCollectorThread, func(w *Worker) {
		concurrentRuns.Add(1)
		for !w.Group().IsAborted() {
			runtime.Gosched()
		}
		aborted.Add(1)
	})
	c := NewController(h, stw, conc, nil)
	h.SpawnCollectorThread(c.Run)
	t.Cleanup(func() {
		c.Stop()
		stw.Stop()
		conc.Stop()
	})

	c.RequestConcurrentCollection()
	c.Request()
	waitFor(t, "concurrent start", func() bool { return concurrentRuns.Load() == 1 })

	// The next stop-the-world cycle aborts the running concurrent one.
	c.Request()
	waitFor(t, "second cycle", func() bool { return c.Cycles() == 2 && c.idle() })
	if aborted.Load() != 1 {
		t.Fatalf("want concurrent cycle aborted once, got %d", aborted.Load())
	}
	if concurrentRuns.Load() != 1 {
		t.Fatalf("concurrent group restarted without a request")
	}
}
