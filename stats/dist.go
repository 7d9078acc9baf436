// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stats collects per-collection distributions and counters.
package stats

import (
	"fmt"
	"math"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/aclements/go-moremath/stats"
)

// A Number is a value a Dist can hold.
type Number interface {
	~int | ~int64 | ~uint64 | ~float64
}

// Dist is a distribution of samples. It is safe for concurrent use.
type Dist[T Number] struct {
	mu   sync.Mutex
	vals []T
}

// DistCommon is the part of Dist that does not depend on the sample type.
type DistCommon interface {
	Len() int
	Reset()
	String() string
}

func (d *Dist[T]) Add(v T) {
	d.mu.Lock()
	d.vals = append(d.vals, v)
	d.mu.Unlock()
}

func (d *Dist[T]) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.vals)
}

func (d *Dist[T]) Reset() {
	d.mu.Lock()
	d.vals = nil
	d.mu.Unlock()
}

// Values returns the samples in ascending order.
func (d *Dist[T]) Values() []T {
	d.mu.Lock()
	vals := slices.Clone(d.vals)
	d.mu.Unlock()
	slices.Sort(vals)
	return vals
}

func (d *Dist[T]) sample() (stats.Sample, []T) {
	vals := d.Values()
	xs := make([]float64, len(vals))
	for i, v := range vals {
		xs[i] = float64(v)
	}
	return stats.Sample{Xs: xs, Sorted: true}, vals
}

// Quantiles returns the nearest-rank quantiles qs of d. It returns zeros if
// d is empty.
func (d *Dist[T]) Quantiles(qs ...float64) []T {
	return quantiles(d.Values(), qs...)
}

func quantiles[T Number](sorted []T, qs ...float64) []T {
	out := make([]T, len(qs))
	if len(sorted) == 0 {
		return out
	}
	for i, q := range qs {
		k := int(q*float64(len(sorted)) + 0.5)
		k = min(max(k-1, 0), len(sorted)-1)
		out[i] = sorted[k]
	}
	return out
}

// Mean returns the arithmetic mean of d, or NaN if d is empty.
func (d *Dist[T]) Mean() float64 {
	s, vals := d.sample()
	if len(vals) == 0 {
		return math.NaN()
	}
	return s.Mean()
}

// StdDev returns the sample standard deviation of d.
func (d *Dist[T]) StdDev() float64 {
	s, _ := d.sample()
	return s.StdDev()
}

// Sum returns the total of all samples.
func (d *Dist[T]) Sum() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	var sum T
	for _, v := range d.vals {
		sum += v
	}
	return sum
}

func (d *Dist[T]) String() string {
	s, vals := d.sample()
	if len(vals) == 0 {
		return "n=0"
	}
	lo, hi := s.Bounds()
	q := quantiles(vals, 0.5, 0.95, 0.99)
	return fmt.Sprintf("n=%d min=%s p50=%s p95=%s p99=%s max=%s mean=%s",
		len(vals), fmtFloat[T](lo), fmtVal(q[0]), fmtVal(q[1]), fmtVal(q[2]), fmtFloat[T](hi), fmtFloat[T](s.Mean()))
}

func fmtVal[T Number](v T) string {
	if d, ok := any(v).(time.Duration); ok {
		return d.String()
	}
	return fmt.Sprint(v)
}

// fmtFloat formats a float computed from samples of type T.
func fmtFloat[T Number](f float64) string {
	var zero T
	switch any(zero).(type) {
	case time.Duration:
		return time.Duration(f).String()
	case float64:
		return fmt.Sprintf("%.3g", f)
	}
	return fmt.Sprintf("%.4g", f)
}

// ForEachDist calls f for each Dist field of the struct s points to.
func ForEachDist(s any, f func(dist DistCommon, tag reflect.StructTag)) {
	rv := reflect.ValueOf(s).Elem()
	rt := rv.Type()
	for i := range rt.NumField() {
		if !rt.Field(i).IsExported() {
			continue
		}
		field := rv.Field(i)
		if d, ok := field.Addr().Interface().(DistCommon); ok {
			f(d, rt.Field(i).Tag)
		}
	}
}

// Summary formats every non-empty Dist of the struct s points to, one per
// line, labeled by its "label" struct tag.
func Summary(s any) string {
	var b strings.Builder
	ForEachDist(s, func(d DistCommon, tag reflect.StructTag) {
		if d.Len() == 0 {
			return
		}
		fmt.Fprintf(&b, "%s: %s\n", tag.Get("label"), d)
	})
	return b.String()
}
