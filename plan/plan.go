// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package plan implements the collection strategies' common machinery:
// the collection trigger, the phase schedule run by the collector
// workers, and the per-thread mutator and collector contexts.
//
// A strategy is a type implementing Plan. It embeds *BasePlan, or
// *CommonPlan for strategies with immortal and large object spaces, and
// overrides the methods whose behavior it changes. BasePlan calls back
// into the strategy through the Plan it was created with, so overridden
// methods take effect in the shared code too.
package plan

import (
	"context"
	"runtime/pprof"
	"slices"
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/alloc"
	"golang.org/x/gcengine/collector"
	"golang.org/x/gcengine/forward"
	"golang.org/x/gcengine/gcwork"
	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/layout"
	"golang.org/x/gcengine/metadata"
	"golang.org/x/gcengine/options"
	"golang.org/x/gcengine/refproc"
	"golang.org/x/gcengine/space"
	"golang.org/x/gcengine/stats"
)

// Plan is a collection strategy.
type Plan interface {
	Base() *BasePlan

	// ConfigureMutator installs the allocators and barrier of a newly
	// bound mutator.
	ConfigureMutator(m *Mutator)
	// NewCopyContext returns the copy context of collector thread t, or
	// nil if the strategy never moves objects.
	NewCopyContext(t host.Thread) CopyContext

	// Schedule returns the phases of one collection.
	Schedule() Phase
	GlobalPhase(id PhaseID)
	CollectorPhase(c *Collector, id PhaseID, primary bool)
	MutatorPhase(m *Mutator, id PhaseID)

	// CollectionRequired reports whether an allocation in s must wait for
	// a collection. spaceFull is set if s could not satisfy it.
	CollectionRequired(spaceFull bool, s space.Space) bool

	// TraceObject marks or copies o and returns its current address.
	TraceObject(t *TraceLocal, o heap.ObjectReference) heap.ObjectReference
	IsLive(o heap.ObjectReference) bool
	SpaceOf(o heap.ObjectReference) space.Space

	// PagesUsed returns the pages reserved by all spaces.
	PagesUsed() int
	// CollectionReserve returns the pages a collection may need to copy
	// into.
	CollectionReserve() int
}

// GCStatus is the collection state as mutators may observe it.
type GCStatus int32

const (
	NotInGC GCStatus = iota
	// GCPrepare lasts from stopping the mutators until the collection
	// kind is chosen.
	GCPrepare
	// GCProper covers tracing and release.
	GCProper
)

func (s GCStatus) String() string {
	switch s {
	case NotInGC:
		return "not-in-gc"
	case GCPrepare:
		return "gc-prepare"
	case GCProper:
		return "gc-proper"
	}
	return "unknown"
}

// Config holds what every strategy is created from.
type Config struct {
	Options options.Options
	VM      host.VM
	VMMap   *layout.VMMap
	// Moving creates a forwarding protocol, in object headers or in side
	// metadata as Options.SideForwarding selects.
	Moving bool
}

// BasePlan implements the parts of Plan shared by every strategy.
type BasePlan struct {
	self Plan

	Options  options.Options
	VM       host.VM
	VMMap    *layout.VMMap
	Registry *space.Registry
	Alloc    *alloc.Context
	Fwd      *forward.Protocol // nil unless the strategy moves objects
	Refs     *refproc.Processor
	Stats    *stats.GC

	// Kind describes the running or the last collection. Strategies
	// complete it in SetCollectionKind.
	Kind stats.Kind

	observer atomic.Pointer[Observer]

	controller *collector.Controller
	workers    *collector.Group
	pool       *gcwork.Pool
	collectors []*Collector
	schedule   []Phase

	mu       sync.Mutex
	mutators map[host.Thread]*Mutator

	status          atomic.Int32
	userTriggered   atomic.Bool
	attempts        atomic.Int32
	lastStressPages atomic.Int64
	heapPages       int
	initialized     atomic.Bool
	enabled         atomic.Bool
}

// NewBasePlan returns the base of the strategy self.
func NewBasePlan(self Plan, cfg Config) *BasePlan {
	o := cfg.Options
	p := &BasePlan{
		self:     self,
		Options:  o,
		VM:       cfg.VM,
		VMMap:    cfg.VMMap,
		Registry: space.NewRegistry(cfg.VMMap, cfg.VM.ActivePlan, cfg.VM.Collection),
		Alloc: &alloc.Context{
			Collection:            cfg.VM.Collection,
			Threads:               cfg.VM.ActivePlan,
			MaxCollectionAttempts: o.MaxCollectionAttempts,
		},
		Refs:     refproc.New(cfg.VM.References),
		Stats:    new(stats.GC),
		mutators: make(map[host.Thread]*Mutator),
	}
	if cfg.Moving {
		var side *metadata.Table
		if o.SideForwarding {
			side = metadata.New(forward.SideSpec, cfg.VMMap.Range())
		}
		p.Fwd = forward.New(cfg.VM.Objects, side)
	}
	return p
}

func (p *BasePlan) Base() *BasePlan { return p }

// SetObserver installs f to receive every phase event. A nil f removes
// the observer.
func (p *BasePlan) SetObserver(f Observer) {
	if f == nil {
		p.observer.Store(nil)
		return
	}
	p.observer.Store(&f)
}

func (p *BasePlan) observe(e Event) {
	if f := p.observer.Load(); f != nil {
		(*f)(e)
	}
}

// GCInit sizes the heap and creates the collector machinery. The
// strategy must have created all of its spaces. It may be called once.
func (p *BasePlan) GCInit(heapSize heap.Bytes) {
	if !p.initialized.CompareAndSwap(false, true) {
		base.Throw("plan initialized twice")
	}
	p.heapPages = heapSize.Pages()
	p.VMMap.Finalize()
	p.Registry.SetPoller(p)

	n := p.Options.Threads
	p.pool = gcwork.NewPool(n)
	p.workers = collector.NewGroup("stw", n)
	p.controller = collector.NewController(p.VM.Collection, p.workers, nil, p.ResetCollectionTrigger)
	p.schedule = p.self.Schedule().Flatten()
	p.collectors = make([]*Collector, n)
	for i := range p.collectors {
		p.collectors[i] = &Collector{plan: p.self, trace: newTraceLocal(p.self, p.pool)}
	}
	base.Logf(1, "PLAN", "%s: %s heap, %d collector workers, %d phases", p.Options.Plan, heapSize, n, len(p.schedule))
}

// EnableCollection starts the controller and the collector workers on
// host threads and allows allocation to trigger collections.
func (p *BasePlan) EnableCollection(t host.Thread) {
	if !p.initialized.Load() {
		base.Throw("collection enabled before GCInit")
	}
	if !p.enabled.CompareAndSwap(false, true) {
		base.Throw("collection enabled twice")
	}
	p.workers.Init(p.spawn("worker"), func(w *collector.Worker) {
		p.collectors[w.Ordinal()].collect(w)
	})
	p.spawn("controller")(p.controller.Run)
	p.Registry.SetInitialized()
	base.Logf(2, "PLAN", "collection enabled by thread %d", t)
}

func (p *BasePlan) spawn(role string) func(func(host.Thread)) {
	return func(run func(host.Thread)) {
		p.VM.Collection.SpawnCollectorThread(func(t host.Thread) {
			pprof.Do(context.Background(), pprof.Labels("gcengine", role), func(context.Context) {
				run(t)
			})
		})
	}
}

// Stop ends the controller and the collector workers. No collection may
// be requested afterwards.
func (p *BasePlan) Stop() {
	if !p.enabled.Load() {
		return
	}
	p.controller.Stop()
	p.workers.Stop()
}

func (p *BasePlan) Initialized() bool { return p.initialized.Load() }

// Controller returns the collection controller. It is nil before GCInit.
func (p *BasePlan) Controller() *collector.Controller { return p.controller }

// BindMutator creates the allocation context of host thread t.
func (p *BasePlan) BindMutator(t host.Thread) *Mutator {
	m := &Mutator{Thread: t, plan: p.self}
	p.self.ConfigureMutator(m)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.mutators[t]; ok {
		base.Throwf("thread %d bound twice", t)
	}
	p.mutators[t] = m
	return m
}

// UnbindMutator forgets m. Its barrier state is handed to the plan.
func (p *BasePlan) UnbindMutator(m *Mutator) {
	m.Flush()
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.mutators, m.Thread)
}

// Mutators returns the bound mutators ordered by thread.
func (p *BasePlan) Mutators() []*Mutator {
	p.mu.Lock()
	ms := make([]*Mutator, 0, len(p.mutators))
	for _, m := range p.mutators {
		ms = append(ms, m)
	}
	p.mu.Unlock()
	slices.SortFunc(ms, func(a, b *Mutator) int { return int(a.Thread) - int(b.Thread) })
	return ms
}

// Poll implements space.Poller. It requests a collection if the strategy
// requires one.
func (p *BasePlan) Poll(spaceFull bool, s space.Space) bool {
	if !p.self.CollectionRequired(spaceFull, s) {
		return false
	}
	if spaceFull {
		base.Logf(1, "POLL", "%s is full, triggering collection", s.Common().Name())
	} else {
		base.Logf(2, "POLL", "%s: triggering collection", s.Common().Name())
	}
	p.controller.Request()
	return true
}

// CollectionRequired triggers on a full space, on stress, or when the
// reserved pages exceed the heap.
func (p *BasePlan) CollectionRequired(spaceFull bool, s space.Space) bool {
	stress := p.StressTestGCRequired()
	heapFull := p.PagesReserved() > p.TotalPages()
	return spaceFull || stress || heapFull
}

// StressTestGCRequired reports whether StressFactor pages were committed
// since the last stress collection.
func (p *BasePlan) StressTestGCRequired() bool {
	f := p.Options.StressFactor
	if f <= 0 || !p.Registry.Initialized() {
		return false
	}
	now := int64(p.Registry.CumulativeCommittedPages())
	last := p.lastStressPages.Load()
	if now-last < int64(f) || !p.lastStressPages.CompareAndSwap(last, now) {
		return false
	}
	base.Logf(2, "STRESS", "%d pages committed since the last stress collection", now-last)
	return true
}

func (p *BasePlan) TotalPages() int { return p.heapPages }

// PagesReserved returns the pages in use plus the collection reserve.
func (p *BasePlan) PagesReserved() int {
	return p.self.PagesUsed() + p.self.CollectionReserve()
}

// PagesAvail returns the pages that may still be reserved. It is
// negative when the heap is overcommitted.
func (p *BasePlan) PagesAvail() int {
	return p.TotalPages() - p.PagesReserved()
}

func (p *BasePlan) PagesUsed() int         { return 0 }
func (p *BasePlan) CollectionReserve() int { return 0 }

// HandleUserCollectionRequest runs a collection for the host and blocks
// thread t until it finished. It does nothing if IgnoreSystemGC is set.
func (p *BasePlan) HandleUserCollectionRequest(t host.Thread) {
	if p.Options.IgnoreSystemGC {
		base.Logf(2, "GC", "ignoring user collection request from thread %d", t)
		return
	}
	p.userTriggered.Store(true)
	p.controller.Request()
	p.VM.Collection.BlockForGC(t)
}

// ResetCollectionTrigger runs after every collection.
func (p *BasePlan) ResetCollectionTrigger() {
	p.userTriggered.Store(false)
}

func (p *BasePlan) IsUserTriggeredCollection() bool { return p.userTriggered.Load() }

func (p *BasePlan) IsInternalTriggeredCollection() bool { return !p.userTriggered.Load() }

func (p *BasePlan) IsEmergencyCollection() bool { return p.Alloc.IsEmergencyCollection() }

// CollectionAttempts returns how many collections ran since an
// allocation last succeeded, counting the running one.
func (p *BasePlan) CollectionAttempts() int { return int(p.attempts.Load()) }

// DetermineCollectionAttempts counts the running collection as another
// attempt unless an allocation succeeded since the last one.
func (p *BasePlan) DetermineCollectionAttempts() {
	if p.Alloc.AllocationSucceeded() {
		p.attempts.Store(1)
	} else {
		p.attempts.Add(1)
	}
}

func (p *BasePlan) LastCollectionFullHeap() bool { return p.Kind.FullHeap }

func (p *BasePlan) GCStatus() GCStatus { return GCStatus(p.status.Load()) }

func (p *BasePlan) setGCStatus(s GCStatus) {
	p.status.Store(int32(s))
	base.Logf(3, "GC", "status %v", s)
}

// ModifyCheck is fatal if o may move and the collector is tracing.
func (p *BasePlan) ModifyCheck(o heap.ObjectReference) {
	if p.GCStatus() != GCProper {
		return
	}
	if s := p.self.SpaceOf(o); s != nil && s.IsMovable() {
		base.Throwf("%v modified during collection", o)
	}
}

// SpaceOf returns the space holding o, or nil.
func (p *BasePlan) SpaceOf(o heap.ObjectReference) space.Space {
	return p.Registry.SpaceOf(o.Addr())
}

func (p *BasePlan) IsLive(o heap.ObjectReference) bool {
	s := p.self.SpaceOf(o)
	return s != nil && s.IsLive(o)
}

// WillNeverMove reports whether o stays at its address for good.
func (p *BasePlan) WillNeverMove(o heap.ObjectReference) bool {
	s := p.self.SpaceOf(o)
	return s == nil || !s.IsMovable()
}

// IsMappedObject reports whether o lies in a space.
func (p *BasePlan) IsMappedObject(o heap.ObjectReference) bool {
	return !o.IsNull() && p.self.SpaceOf(o) != nil
}

// IsMappedAddress reports whether a lies in memory the engine committed.
func (p *BasePlan) IsMappedAddress(a heap.Address) bool {
	return p.VMMap.IsMapped(a)
}

// IsValidRef reports whether o could be a reference to an object.
func (p *BasePlan) IsValidRef(o heap.ObjectReference) bool {
	return o.Addr().IsAligned(heap.WordBytes) && p.IsMappedObject(o)
}

// Forward returns the current address of the live object o.
func (p *BasePlan) Forward(o heap.ObjectReference) heap.ObjectReference {
	if p.Fwd == nil || o.IsNull() {
		return o
	}
	s := p.Registry.SpaceOf(o.Addr())
	if s == nil || !s.IsMovable() {
		return o
	}
	if p.Fwd.IsForwarded(o) {
		return p.Fwd.ReadForwardingPointer(o)
	}
	return o
}

func (p *BasePlan) NewCopyContext(t host.Thread) CopyContext { return nil }

func (p *BasePlan) Schedule() Phase { return CollectionPhase }

func (p *BasePlan) TraceObject(t *TraceLocal, o heap.ObjectReference) heap.ObjectReference {
	base.Throwf("%v is not in a traced space", o)
	return o
}

func (p *BasePlan) GlobalPhase(id PhaseID) {
	switch id {
	case StopMutators:
		p.setGCStatus(GCPrepare)
		p.Stats.StartGC(p.self.PagesUsed())
	case SetCollectionKind:
		p.DetermineCollectionAttempts()
		emergency := p.CollectionAttempts() > 1
		p.Alloc.SetEmergencyCollection(emergency)
		p.Kind = stats.Kind{
			Emergency: emergency,
			FullHeap:  true,
			User:      p.IsUserTriggeredCollection(),
		}
		if emergency {
			base.Logf(1, "GC", "emergency collection, attempt %d", p.CollectionAttempts())
		}
	case Initiate:
		p.setGCStatus(GCProper)
	case Prepare, Release:
	case Complete:
		p.setGCStatus(NotInGC)
		used := p.self.PagesUsed()
		pause := p.Stats.EndGC(used, p.Kind)
		base.Logf(1, "GC", "collection %d: %d of %d pages in use, paused %v",
			p.Stats.Collections.Load(), used, p.TotalPages(), pause)
	default:
		base.Throwf("global phase %v not handled", id)
	}
}

func (p *BasePlan) CollectorPhase(c *Collector, id PhaseID, primary bool) {
	t := c.trace
	refs := !p.Options.NoReferenceTypes
	switch id {
	case Prepare:
		t.prepare()
		if c.copy != nil {
			c.copy.Prepare()
		}
	case StackRoots:
		if primary {
			p.VM.Scanning.ComputeThreadRoots(t.ProcessEdge)
		}
	case Roots:
		p.VM.Scanning.ComputeStaticRoots(c.Ordinal(), c.Workers(), t.ProcessEdge)
		if primary {
			p.VM.Scanning.ComputeGlobalRoots(t.ProcessEdge)
		}
	case Closure:
		t.CompleteTrace()
	case SoftRefs:
		if primary && refs {
			p.Refs.Scan(refproc.Soft, t, !p.IsEmergencyCollection())
		}
	case WeakRefs:
		if primary && refs {
			p.Refs.Scan(refproc.Weak, t, false)
		}
	case PhantomRefs:
		if primary && refs {
			p.Refs.Scan(refproc.Phantom, t, false)
		}
	case ForwardRefs:
		if primary {
			p.Refs.Forward(t)
		}
	case Release:
		t.release()
		if c.copy != nil {
			c.copy.Release()
		}
	case Complete:
	default:
		base.Throwf("collector phase %v not handled", id)
	}
}

func (p *BasePlan) MutatorPhase(m *Mutator, id PhaseID) {
	switch id {
	case Prepare:
		m.Flush()
	case Release:
	default:
		base.Throwf("mutator phase %v not handled", id)
	}
}
