// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package invivo measures benchmarks that run inside a host program,
// such as the region between two harness calls, and reports them in the
// Go benchmark format.
package invivo

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// A Suite is a set of benchmarks and the metrics they report.
type Suite struct {
	w io.Writer

	mu         sync.Mutex
	benchmarks []*Benchmark
	metrics    []*metric
	started    bool

	valid   atomic.Uint64
	numRuns atomic.Int64

	nsPerOp *MetricAvg
}

// NewSuite returns a suite that reports to w. Every suite has an ns/op
// metric.
func NewSuite(w io.Writer) *Suite {
	s := &Suite{w: w}
	s.nsPerOp = s.NewMetricAvg("ns/op")
	return s
}

type Benchmark struct {
	suite *Suite
	name  string

	reportAll bool

	once    sync.Once
	runPool sync.Pool // of *runInternal, with metrics that are children of rootMetrics

	lock        sync.Mutex
	runs        int
	invalid     int
	rootMetrics []metricAccum
}

// A Run is one measured iteration of a benchmark.
type Run struct {
	runInternal *runInternal
	poolSeq     uint32
}

type runInternal struct {
	poolSeq uint32

	b     *Benchmark
	accum time.Duration
	start time.Time

	validSeq uint64
	invalid  bool

	metrics []metricAccum
}

func (s *Suite) NewBenchmark(name string) *Benchmark {
	b := &Benchmark{suite: s, name: name}
	s.mu.Lock()
	s.benchmarks = append(s.benchmarks, b)
	s.mu.Unlock()
	return b
}

// ReportAll makes b report every run on its own instead of a summary.
func (b *Benchmark) ReportAll() *Benchmark {
	b.reportAll = true
	return b
}

func (b *Benchmark) Start() Run {
	b.once.Do(func() {
		s := b.suite
		s.mu.Lock()
		s.started = true
		metrics := s.metrics
		s.mu.Unlock()
		root := make([]metricAccum, len(metrics))
		for i := range root {
			root[i] = metrics[i].new()
		}
		b.rootMetrics = root
		b.runPool.New = func() any {
			accums := make([]metricAccum, len(root))
			for i := range accums {
				accums[i] = root[i].new()
			}
			return &runInternal{b: b, metrics: accums}
		}
	})

	// Run internals are pooled. Run carries a sequence number so a
	// copy used after Done is caught.
	b.suite.numRuns.Add(1)
	internal := b.runPool.Get().(*runInternal)
	r := Run{internal, internal.poolSeq}
	r.StartTimer()
	return r
}

func (r Run) internal() *runInternal {
	if r.runInternal == nil || r.poolSeq != r.runInternal.poolSeq {
		panic("invivo: Run reused after Done")
	}
	return r.runInternal
}

func (r Run) StopTimer() {
	ri := r.internal()
	if ri.start.IsZero() {
		return
	}
	ri.accum += time.Since(ri.start)
	ri.start = time.Time{}
	ri.invalid = ri.invalid || ri.validSeq != ri.b.suite.valid.Load()
}

func (r Run) StartTimer() {
	ri := r.internal()
	if !ri.start.IsZero() {
		return
	}
	ri.validSeq = ri.b.suite.valid.Load()
	ri.start = time.Now()
}

func (r Run) Elapsed() time.Duration {
	ri := r.internal()
	e := ri.accum
	if !ri.start.IsZero() {
		e += time.Since(ri.start)
	}
	return e
}

func (r Run) Done() {
	r.doneInternal(false, "")
}

// DoneImmediate is like Done, but immediately reports this run, optionally
// under a sub-benchmark name.
func (r Run) DoneImmediate(subBenchmark string) {
	r.doneInternal(true, subBenchmark)
}

func (r Run) doneInternal(report bool, subBenchmark string) {
	r.StopTimer()
	ri := r.internal()
	b := ri.b
	b.suite.nsPerOp.Set(r, float64(ri.accum))

	b.lock.Lock()
	defer b.lock.Unlock()

	b.runs++
	if ri.invalid {
		b.invalid++
	}
	if !ri.invalid {
		if report {
			b.suite.reportOne(b.name, subBenchmark, 1, ri.metrics)
		} else if b.reportAll {
			b.suite.reportOne(b.name+"One", "", 1, ri.metrics)
		}
	}

	for _, m := range ri.metrics {
		m.commit()
	}

	ri.accum = 0
	ri.invalid = false
	ri.poolSeq++
	b.runPool.Put(ri)
	b.suite.numRuns.Add(-1)
}

// Invalidate invalidates the results of all runs in progress.
func (s *Suite) Invalidate() {
	s.valid.Add(1)
}

// Runs returns the number of runs started and not yet done.
func (s *Suite) Runs() int {
	return int(s.numRuns.Load())
}

// Report writes a summary of every benchmark that completed runs since
// the last Report and resets them.
func (s *Suite) Report() error {
	if v := s.numRuns.Load(); v != 0 {
		return fmt.Errorf("invivo: %d runs still pending", v)
	}
	s.mu.Lock()
	benchmarks := s.benchmarks
	s.mu.Unlock()

	for _, b := range benchmarks {
		b.lock.Lock()
		if b.runs == 0 || b.reportAll {
			b.lock.Unlock()
			continue
		}
		if b.runs == b.invalid {
			fmt.Fprintf(s.w, "# Warning: All runs invalid\n# ")
		} else if b.invalid > 0 {
			fmt.Fprintf(s.w, "# Warning: %d runs invalid\n", b.invalid)
		}
		s.reportOne(b.name, "", b.runs, b.rootMetrics)

		b.runs = 0
		b.invalid = 0
		for _, m := range b.rootMetrics {
			m.reset()
		}
		b.lock.Unlock()
	}
	return nil
}

func (s *Suite) reportOne(name, subName string, runs int, metrics []metricAccum) {
	for i, d := range metrics {
		if d.count() != 0 && d.count() != runs {
			fmt.Fprintf(s.w, "# Warning: %q has samples from %d runs of %d\n", s.metrics[i].name, d.count(), runs)
		}
	}

	if subName == "" {
		fmt.Fprintf(s.w, "Benchmark%s\t%d", name, runs)
	} else {
		fmt.Fprintf(s.w, "Benchmark%s/%s\t%d", name, subName, runs)
	}
	for i, d := range metrics {
		if d.count() == 0 {
			continue
		}
		fmt.Fprintf(s.w, "\t%f %s", d.report(), s.metrics[i].name)
	}
	fmt.Fprintf(s.w, "\n")
}
