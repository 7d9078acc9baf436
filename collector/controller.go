// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package collector

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
)

// State is the phase of the controller's loop.
type State int32

const (
	Idle State = iota
	StoppingMutators
	RunningWorkers
	ResumingMutators
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case StoppingMutators:
		return "stopping-mutators"
	case RunningWorkers:
		return "running-workers"
	case ResumingMutators:
		return "resuming-mutators"
	}
	return "unknown"
}

// A Controller serializes collection requests into stop-the-world cycles.
//
// Any number of Request calls made before a cycle clears its request are
// serviced by that one cycle. A request that arrives after the clear
// causes exactly one more cycle.
type Controller struct {
	collection host.Collection
	workers    *Group
	concurrent *Group // may be nil

	// resetTrigger runs after the workers finish and before mutators
	// resume.
	resetTrigger func()

	requestFlag atomic.Bool
	_           cpu.CacheLinePad

	mu               sync.Mutex
	cond             sync.Cond
	requestCount     int
	lastRequestCount int
	stopping         bool
	done             chan struct{}

	concurrentRequested atomic.Bool
	concurrentRunning   bool // touched only by the controller goroutine

	state  atomic.Int32
	cycles atomic.Int64
}

// NewController returns a controller driving workers, and concurrent if it
// is non-nil. resetTrigger may be nil.
func NewController(collection host.Collection, workers, concurrent *Group, resetTrigger func()) *Controller {
	c := &Controller{
		collection:       collection,
		workers:          workers,
		concurrent:       concurrent,
		resetTrigger:     resetTrigger,
		lastRequestCount: -1,
		done:             make(chan struct{}),
	}
	c.cond.L = &c.mu
	return c
}

// Workers returns the stop-the-world worker group.
func (c *Controller) Workers() *Group { return c.workers }

// Run is the controller loop. It runs on its own host thread and returns
// only after Stop.
func (c *Controller) Run(t host.Thread) {
	defer close(c.done)
	for {
		base.Logf(3, "CONTROLLER", "waiting for request")
		if !c.waitForRequest() {
			return
		}
		base.Logf(3, "CONTROLLER", "request received, stopping the world")

		if c.concurrentRunning {
			c.concurrent.AbortCycle()
			c.concurrent.WaitForCycle()
			c.concurrentRunning = false
		}

		c.state.Store(int32(StoppingMutators))
		c.collection.StopAllMutators(t)

		// Requests from here on need another cycle.
		c.clearRequest()

		c.state.Store(int32(RunningWorkers))
		c.workers.TriggerCycle()
		c.workers.WaitForCycle()

		if c.resetTrigger != nil {
			c.resetTrigger()
		}
		c.cycles.Add(1)

		c.state.Store(int32(ResumingMutators))
		c.collection.ResumeMutators(t)
		c.state.Store(int32(Idle))
		base.Logf(3, "CONTROLLER", "cycle %d complete", c.cycles.Load())

		if c.concurrent != nil && c.concurrentRequested.Swap(false) {
			c.concurrent.TriggerCycle()
			c.concurrentRunning = true
		}
	}
}

// Request asks for a collection. It does not wait for it.
func (c *Controller) Request() {
	if c.requestFlag.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.requestFlag.Load() {
		c.requestFlag.Store(true)
		c.requestCount++
		c.cond.Broadcast()
	}
}

// RequestConcurrentCollection asks for the concurrent group to be started
// once the next stop-the-world cycle finishes.
func (c *Controller) RequestConcurrentCollection() {
	c.concurrentRequested.Store(true)
}

func (c *Controller) clearRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestFlag.Store(false)
}

func (c *Controller) waitForRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRequestCount++
	for c.lastRequestCount == c.requestCount && !c.stopping {
		c.cond.Wait()
	}
	return !c.stopping
}

// Stop ends Run once it is idle and waits for it to return. Pending
// requests are dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
}

// Pending reports whether a request has not yet been picked up by a cycle.
func (c *Controller) Pending() bool {
	return c.requestFlag.Load()
}

// Cycles returns the number of completed stop-the-world cycles.
func (c *Controller) Cycles() int64 {
	return c.cycles.Load()
}

func (c *Controller) State() State {
	return State(c.state.Load())
}
