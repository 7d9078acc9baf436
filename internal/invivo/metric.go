// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package invivo

// metricAccum is a metric accumulator.
type metricAccum interface {
	// new returns a child that commits its results to this accumulator.
	new() metricAccum
	// commit adds the child's value to its parent and clears the child.
	commit()
	// count returns the number of samples accumulated.
	count() int
	// report returns the accumulated value.
	report() float64
	reset()
}

// metric is a registered metric.
type metric struct {
	name string
	new  func() metricAccum // returns a new root accumulator
}

// register adds a metric to the suite. Metrics must be registered before
// the first benchmark starts.
func (s *Suite) register(name string, new func(id int) metricAccum) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("invivo: metric " + name + " registered after a benchmark started")
	}
	id := len(s.metrics)
	s.metrics = append(s.metrics, &metric{name, func() metricAccum { return new(id) }})
	return id
}

// MetricAvg is a metric that takes the average of its samples.
type MetricAvg struct {
	id int
}

func (s *Suite) NewMetricAvg(name string) *MetricAvg {
	return &MetricAvg{s.register(name, func(id int) metricAccum { return &metricAvgAccum{id: id} })}
}

func (m *MetricAvg) Set(r Run, val float64) {
	accum := r.internal().metrics[m.id].(*metricAvgAccum)
	accum.n = 1
	accum.total = val
}

type metricAvgAccum struct {
	id     int
	parent *metricAvgAccum

	n     int
	total float64
}

func (m *metricAvgAccum) new() metricAccum {
	return &metricAvgAccum{id: m.id, parent: m}
}

func (m *metricAvgAccum) commit() {
	p := m.parent
	p.n += m.n
	p.total += m.total
	m.n, m.total = 0, 0
}

func (m *metricAvgAccum) count() int { return m.n }

func (m *metricAvgAccum) report() float64 {
	return m.total / float64(m.n)
}

func (m *metricAvgAccum) reset() { m.n, m.total = 0, 0 }

// MetricRate is a metric that accumulates a total rate.
type MetricRate struct {
	id int
}

func (s *Suite) NewMetricRate(name string) *MetricRate {
	return &MetricRate{s.register(name, func(id int) metricAccum { return &metricRateAccum{id: id} })}
}

func (m *MetricRate) Set(r Run, numer, denom float64) {
	if denom == 0 {
		if numer == 0 {
			return
		}
		panic("invivo: divide by zero")
	}
	accum := r.internal().metrics[m.id].(*metricRateAccum)
	accum.n = 1
	accum.numer = numer
	accum.denom = denom
}

type metricRateAccum struct {
	id     int
	parent *metricRateAccum

	n     int
	numer float64
	denom float64
}

func (m *metricRateAccum) new() metricAccum {
	return &metricRateAccum{id: m.id, parent: m}
}

func (m *metricRateAccum) commit() {
	p := m.parent
	p.n += m.n
	p.numer += m.numer
	p.denom += m.denom
	m.n, m.numer, m.denom = 0, 0, 0
}

func (m *metricRateAccum) count() int { return m.n }

func (m *metricRateAccum) report() float64 {
	if m.denom == 0 {
		return 0
	}
	return m.numer / m.denom
}

func (m *metricRateAccum) reset() { m.n, m.numer, m.denom = 0, 0, 0 }
