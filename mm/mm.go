// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mm is the interface between a host runtime and the engine.
//
// A host creates one Engine with its host.VM, optionally adjusts options
// with Process, calls Init and, once it can run collector threads,
// EnableCollection. Each host thread that allocates binds a mutator and
// passes it to Alloc, PostAlloc and ObjectReferenceWrite.
package mm

import (
	"io"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/internal/base"
	"golang.org/x/gcengine/internal/invivo"
	"golang.org/x/gcengine/layout"
	"golang.org/x/gcengine/options"
	"golang.org/x/gcengine/plan"
	"golang.org/x/gcengine/plan/gencopy"
	"golang.org/x/gcengine/plan/immix"
	"golang.org/x/gcengine/plan/mallocms"
	"golang.org/x/gcengine/plan/nogc"
	"golang.org/x/gcengine/plan/semispace"
	"golang.org/x/gcengine/refproc"
)

// Engine is one instance of the memory manager.
type Engine struct {
	vm   host.VM
	opts options.Options

	initialized atomic.Bool
	vmmap       *layout.VMMap
	plan        plan.Plan
	base        *plan.BasePlan

	harness harness
}

// New returns an engine for vm configured from the GCENGINE environment
// variable.
func New(vm host.VM) (*Engine, error) {
	o, err := options.FromEnv()
	if err != nil {
		return nil, err
	}
	return NewWithOptions(vm, o), nil
}

func NewWithOptions(vm host.VM, o options.Options) *Engine {
	e := &Engine{vm: vm, opts: o}
	e.harness.out = os.Stdout
	return e
}

// Options returns the engine's options. After Init they include derived
// defaults.
func (e *Engine) Options() options.Options {
	return e.opts
}

// Process sets an option by name. It reports false if the name or value
// is invalid, or if the engine is already initialized.
func (e *Engine) Process(name, value string) bool {
	if e.initialized.Load() {
		base.Logf(0, "OPTIONS", "%s=%s: engine already initialized", name, value)
		return false
	}
	if err := e.opts.Process(name, value); err != nil {
		base.Logf(0, "OPTIONS", "%v", err)
		return false
	}
	return true
}

// Init creates the heap and the plan. A heapSize of zero keeps the
// configured size. Calling Init twice, or with options that do not
// validate, is fatal.
func (e *Engine) Init(heapSize heap.Bytes) {
	if !e.initialized.CompareAndSwap(false, true) {
		base.Throw("engine initialized twice")
	}
	if heapSize != 0 {
		e.opts.HeapSize = heapSize
	}
	base.Verbosity.Store(int32(e.opts.Verbose))
	if err := e.opts.Validate(); err != nil {
		base.Throwf("invalid options: %v", err)
	}
	vmmap, err := layout.NewVMMap(e.opts.VMSize)
	if err != nil {
		base.Throwf("reserving %s of address space: %v", e.opts.VMSize, err)
	}
	e.vmmap = vmmap

	cfg := plan.Config{Options: e.opts, VM: e.vm, VMMap: vmmap}
	switch e.opts.Plan {
	case options.NoGC:
		e.plan = nogc.New(cfg)
	case options.SemiSpace:
		e.plan = semispace.New(cfg)
	case options.GenCopy:
		e.plan = gencopy.New(cfg)
	case options.Immix:
		e.plan = immix.New(cfg)
	case options.MallocMS:
		e.plan = mallocms.New(cfg)
	default:
		base.Throwf("unknown plan %v", e.opts.Plan)
	}
	e.base = e.plan.Base()
	e.base.GCInit(e.opts.HeapSize)
	e.harness.init(e.opts.Plan.String())
	base.Logf(1, "INIT", "%v, heap %s at %s", e.opts, e.opts.HeapSize, vmmap.Range())
}

// EnableCollection starts the collector threads. t is the calling host
// thread.
func (e *Engine) EnableCollection(t host.Thread) {
	e.mustInit().EnableCollection(t)
}

// Plan returns the running plan.
func (e *Engine) Plan() plan.Plan {
	e.mustInit()
	return e.plan
}

// Close stops the collector threads and releases the heap. Objects must
// not be used afterwards.
func (e *Engine) Close() error {
	if !e.initialized.Load() {
		return nil
	}
	e.base.Stop()
	return e.vmmap.Release()
}

func (e *Engine) mustInit() *plan.BasePlan {
	if e.base == nil {
		base.Throw("engine used before Init")
	}
	return e.base
}

// BindMutator returns the allocation context of host thread t.
func (e *Engine) BindMutator(t host.Thread) *plan.Mutator {
	return e.mustInit().BindMutator(t)
}

// DestroyMutator flushes m and forgets it. The thread must not allocate
// with m afterwards.
func (e *Engine) DestroyMutator(m *plan.Mutator) {
	e.mustInit().UnbindMutator(m)
}

// Alloc allocates an object of size bytes whose address plus offset is
// aligned to align. It returns 0 when the heap is exhausted, after
// telling the host through OutOfMemory.
func (e *Engine) Alloc(m *plan.Mutator, size, align, offset heap.Bytes, sem host.AllocationSemantics) heap.Address {
	return m.Alloc(size, align, offset, sem)
}

func (e *Engine) AllocSlow(m *plan.Mutator, size, align, offset heap.Bytes, sem host.AllocationSemantics) heap.Address {
	return m.AllocSlow(size, align, offset, sem)
}

// PostAlloc must be called once the host initialized the header of a new
// object.
func (e *Engine) PostAlloc(m *plan.Mutator, o heap.ObjectReference, size heap.Bytes, sem host.AllocationSemantics) {
	m.PostAlloc(o, size, sem)
}

// ObjectReferenceWrite stores target in slot, a field of src, with the
// plan's write barrier.
func (e *Engine) ObjectReferenceWrite(m *plan.Mutator, src heap.ObjectReference, slot heap.Address, target heap.ObjectReference) {
	m.ObjectReferenceWrite(src, slot, target)
}

// HandleUserCollectionRequest runs a collection on behalf of the host
// and returns once it finished.
func (e *Engine) HandleUserCollectionRequest(t host.Thread) {
	e.mustInit().HandleUserCollectionRequest(t)
}

func (e *Engine) WillNeverMove(o heap.ObjectReference) bool { return e.mustInit().WillNeverMove(o) }
func (e *Engine) IsValidRef(o heap.ObjectReference) bool    { return e.mustInit().IsValidRef(o) }
func (e *Engine) IsMappedObject(o heap.ObjectReference) bool {
	return e.mustInit().IsMappedObject(o)
}
func (e *Engine) IsMappedAddress(a heap.Address) bool { return e.mustInit().IsMappedAddress(a) }

// ModifyCheck is fatal if o may be moved by a running collection.
func (e *Engine) ModifyCheck(o heap.ObjectReference) { e.mustInit().ModifyCheck(o) }

func (e *Engine) UsedBytes() heap.Bytes {
	e.mustInit()
	return heap.PagesToBytes(e.plan.PagesUsed())
}

func (e *Engine) FreeBytes() heap.Bytes {
	b := e.mustInit()
	return heap.PagesToBytes(max(b.TotalPages()-e.plan.PagesUsed(), 0))
}

func (e *Engine) TotalBytes() heap.Bytes {
	return heap.PagesToBytes(e.mustInit().TotalPages())
}

// StartingHeapAddress and LastHeapAddress bound the address range the
// engine may allocate in. Objects of a malloc space lie outside it.
func (e *Engine) StartingHeapAddress() heap.Address {
	e.mustInit()
	return e.vmmap.Range().Start
}

func (e *Engine) LastHeapAddress() heap.Address {
	e.mustInit()
	return e.vmmap.Range().End()
}

// AddWeakCandidate registers a weak reference object. Its referent is
// cleared once it is otherwise unreachable.
func (e *Engine) AddWeakCandidate(ref heap.ObjectReference) {
	e.mustInit().Refs.Add(refproc.Weak, ref)
}

// AddSoftCandidate registers a soft reference object. Its referent is
// kept alive except by emergency collections.
func (e *Engine) AddSoftCandidate(ref heap.ObjectReference) {
	e.mustInit().Refs.Add(refproc.Soft, ref)
}

func (e *Engine) AddPhantomCandidate(ref heap.ObjectReference) {
	e.mustInit().Refs.Add(refproc.Phantom, ref)
}

// SetOutput sets where Report writes. The default is standard output.
func (e *Engine) SetOutput(w io.Writer) {
	e.harness.mu.Lock()
	e.harness.out = w
	e.harness.mu.Unlock()
}

// HarnessBegin starts a measured interval. It first runs a collection so
// the interval starts from a clean heap.
func (e *Engine) HarnessBegin(t host.Thread) {
	b := e.mustInit()
	b.HandleUserCollectionRequest(t)
	b.Stats.StartAll()
	e.harness.begin()
}

// HarnessEnd ends the measured interval HarnessBegin started.
func (e *Engine) HarnessEnd() {
	b := e.mustInit()
	b.Stats.StopAll()
	e.harness.end(b)
}

// Report writes the collection statistics and the harness benchmarks.
func (e *Engine) Report(w io.Writer) error {
	b := e.mustInit()
	b.Stats.Report(w)
	return e.harness.report()
}

// harness records harness intervals as in-vivo benchmark runs.
type harness struct {
	mu  sync.Mutex
	out io.Writer

	suite     *invivo.Suite
	bench     *invivo.Benchmark
	gcs       *invivo.MetricAvg
	pause     *invivo.MetricAvg
	reclaimed *invivo.MetricRate

	run     invivo.Run
	running bool
}

func (h *harness) init(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.suite = invivo.NewSuite(writerFunc(h.write))
	h.gcs = h.suite.NewMetricAvg("gcs/op")
	h.pause = h.suite.NewMetricAvg("pause-ns/gc")
	h.reclaimed = h.suite.NewMetricRate("reclaimed-pages/gc")
	h.bench = h.suite.NewBenchmark("Harness/" + name)
}

func (h *harness) write(p []byte) (int, error) {
	h.mu.Lock()
	w := h.out
	h.mu.Unlock()
	return w.Write(p)
}

func (h *harness) begin() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		base.Throw("HarnessBegin called twice")
	}
	h.run = h.bench.Start()
	h.running = true
}

func (h *harness) end(b *plan.BasePlan) {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		base.Throw("HarnessEnd without HarnessBegin")
	}
	r := h.run
	h.running = false
	h.mu.Unlock()

	r.StopTimer()
	n := b.Stats.Collections.Load()
	h.gcs.Set(r, float64(n))
	if n > 0 {
		h.pause.Set(r, b.Stats.Pauses.Mean())
		h.reclaimed.Set(r, float64(b.Stats.Reclaimed.Sum()), float64(n))
	}
	r.Done()
}

func (h *harness) report() error {
	return h.suite.Report()
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
