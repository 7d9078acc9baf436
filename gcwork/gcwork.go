// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gcwork implements the work pool shared by tracing workers.
//
// This is a producer/consumer model for grey entries: addresses of slots
// or objects that still have to be processed. Root enumeration and object
// scanning produce entries. Tracing consumes them, possibly producing
// more. A closure is complete when every worker is waiting for work and
// no buffered work remains.
package gcwork

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"golang.org/x/gcengine/internal/base"
)

const bufEntries = 256

type workbuf struct {
	n   int
	obj [bufEntries]uint64
}

// A Pool holds full buffers that any worker may take.
type Pool struct {
	mu    sync.Mutex
	cond  sync.Cond
	full  []*workbuf
	empty []*workbuf

	nproc int // workers taking part in closures
	nwait int // workers blocked in Get
	done  bool

	_       cpu.CacheLinePad
	waiting atomic.Int32 // mirror of nwait for the Put fast path
	_       cpu.CacheLinePad
	handoffs atomic.Int64
}

// NewPool returns a pool whose closures terminate when nproc workers are
// idle at once.
func NewPool(nproc int) *Pool {
	if nproc <= 0 {
		base.Throwf("gcwork: %d workers", nproc)
	}
	p := &Pool{nproc: nproc}
	p.cond.L = &p.mu
	return p
}

// Procs returns the number of workers the pool expects.
func (p *Pool) Procs() int { return p.nproc }

// Handoffs returns how many buffers were split to feed idle workers.
func (p *Pool) Handoffs() int64 { return p.handoffs.Load() }

func (p *Pool) getEmpty() *workbuf {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.empty); n > 0 {
		b := p.empty[n-1]
		p.empty = p.empty[:n-1]
		return b
	}
	return new(workbuf)
}

func (p *Pool) putEmpty(b *workbuf) {
	if b.n != 0 {
		base.Throw("gcwork: putEmpty of a non-empty buffer")
	}
	p.mu.Lock()
	p.empty = append(p.empty, b)
	p.mu.Unlock()
}

func (p *Pool) putFull(b *workbuf) {
	if b.n == 0 {
		base.Throw("gcwork: putFull of an empty buffer")
	}
	p.mu.Lock()
	p.full = append(p.full, b)
	p.cond.Signal()
	p.mu.Unlock()
}

// tryGetFull pops a full buffer, or returns nil. p.mu must be held.
func (p *Pool) tryGetFull() *workbuf {
	if n := len(p.full); n > 0 {
		b := p.full[n-1]
		p.full = p.full[:n-1]
		return b
	}
	return nil
}

// getFull blocks until a full buffer is available or every worker is
// waiting. It returns nil in the second case.
//
// Each worker must have returned from getFull with nil before any worker
// produces work for the next closure. Workers synchronize at a
// rendezvous between closures, which ensures this.
func (p *Pool) getFull() *workbuf {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.tryGetFull(); b != nil {
		return b
	}
	p.nwait++
	p.waiting.Store(int32(p.nwait))
	if p.nwait > p.nproc {
		base.Throwf("gcwork: %d waiting workers but only %d procs", p.nwait, p.nproc)
	}
	for {
		if !p.done {
			if b := p.tryGetFull(); b != nil {
				p.nwait--
				p.waiting.Store(int32(p.nwait))
				return b
			}
			if p.nwait == p.nproc {
				p.done = true
				p.cond.Broadcast()
			}
		}
		if p.done {
			p.nwait--
			p.waiting.Store(int32(p.nwait))
			if p.nwait == 0 {
				p.done = false
			}
			return nil
		}
		p.cond.Wait()
	}
}

// IsEmpty reports whether the pool has no full buffers.
func (p *Pool) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.full) == 0
}

// Work is one worker's view of a Pool. It caches a partially filled
// buffer so that most Puts and Gets touch no shared state. A Work is not
// safe for concurrent use.
type Work struct {
	pool *Pool
	buf  *workbuf // never full and, once set, never empty

	// Processed counts the entries this worker consumed.
	Processed int64
}

// NewWork returns a worker cache over p.
func NewWork(p *Pool) *Work {
	return &Work{pool: p}
}

// Put enqueues v.
func (w *Work) Put(v uint64) {
	b := w.buf
	if b == nil {
		b = w.pool.getEmpty()
		w.buf = b
	}
	b.obj[b.n] = v
	b.n++
	if b.n == bufEntries {
		w.pool.putFull(b)
		w.buf = nil
		return
	}
	if w.pool.waiting.Load() > 0 {
		w.balance()
	}
}

// balance gives half of a large local buffer to idle workers.
func (w *Work) balance() {
	b := w.buf
	if b == nil || b.n <= 4 {
		return
	}
	nb := w.pool.getEmpty()
	half := b.n / 2
	nb.n = copy(nb.obj[:], b.obj[b.n-half:b.n])
	b.n -= half
	w.pool.handoffs.Add(1)
	w.pool.putFull(nb)
}

func (w *Work) take() uint64 {
	b := w.buf
	b.n--
	v := b.obj[b.n]
	if b.n == 0 {
		w.pool.putEmpty(b)
		w.buf = nil
	}
	w.Processed++
	return v
}

// TryGet dequeues an entry without blocking. It reports false when
// neither this cache nor the pool has work, although other workers may
// still hold some.
func (w *Work) TryGet() (uint64, bool) {
	if w.buf == nil {
		w.pool.mu.Lock()
		b := w.pool.tryGetFull()
		w.pool.mu.Unlock()
		if b == nil {
			return 0, false
		}
		w.buf = b
	}
	return w.take(), true
}

// Get dequeues an entry, blocking while other workers may still produce
// work. It reports false once the closure is complete.
func (w *Work) Get() (uint64, bool) {
	if w.buf == nil {
		b := w.pool.getFull()
		if b == nil {
			return 0, false
		}
		w.buf = b
	}
	return w.take(), true
}

// Flush publishes the cached buffer so that other workers can take it.
func (w *Work) Flush() {
	if b := w.buf; b != nil {
		w.buf = nil
		w.pool.putFull(b)
	}
}

// Empty reports whether the local cache is empty.
func (w *Work) Empty() bool {
	return w.buf == nil
}
