// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stats

import (
	"bytes"
	"math"
	"math/rand/v2"
	"strings"
	"testing"
	"time"
)

func TestDistQuantiles(t *testing.T) {
	var d Dist[int]
	r := rand.New(rand.NewPCG(1, 2))
	for _, i := range r.Perm(100) {
		d.Add(i + 1)
	}
	got := d.Quantiles(0, 0.5, 0.95, 1)
	want := []int{1, 50, 95, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("want quantiles %v, got %v", want, got)
		}
	}
	if m := d.Mean(); m != 50.5 {
		t.Fatalf("want mean 50.5, got %v", m)
	}
	if d.Sum() != 5050 {
		t.Fatalf("want sum 5050, got %d", d.Sum())
	}
}

func TestDistEmpty(t *testing.T) {
	var d Dist[float64]
	if q := d.Quantiles(0.5); q[0] != 0 {
		t.Fatalf("want zero quantile of an empty dist, got %v", q)
	}
	if !math.IsNaN(d.Mean()) {
		t.Fatalf("want NaN mean, got %v", d.Mean())
	}
	if d.String() != "n=0" {
		t.Fatalf("want n=0, got %q", d.String())
	}
}

func TestGCRecords(t *testing.T) {
	var g GC
	g.StartGC(100)
	g.EndGC(40, Kind{FullHeap: true})
	g.StartGC(60)
	g.EndGC(70, Kind{Emergency: true, Defrag: true})
	// Unpaired ends are ignored.
	g.EndGC(10, Kind{})

	if n := g.Collections.Load(); n != 2 {
		t.Fatalf("want 2 collections, got %d", n)
	}
	if g.FullHeap.Load() != 1 || g.Emergency.Load() != 1 || g.Defrag.Load() != 1 || g.User.Load() != 0 {
		t.Fatalf("wrong kind counters")
	}
	if got := g.Reclaimed.Values(); len(got) != 2 || got[0] != 0 || got[1] != 60 {
		t.Fatalf("want reclaimed [0 60], got %v", got)
	}

	var buf bytes.Buffer
	g.Report(&buf)
	for _, want := range []string{"collections 2", "stop-the-world pause: n=2", "pages in use after collection"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("report lacks %q:\n%s", want, buf.String())
		}
	}

	g.StartAll()
	if g.Collections.Load() != 0 || g.Pauses.Len() != 0 {
		t.Fatalf("StartAll kept old records")
	}
	g.StopAll()
}

func TestPlot(t *testing.T) {
	var d Dist[time.Duration]
	for i := range 50 {
		d.Add(time.Duration(i+1) * time.Millisecond)
	}
	var buf bytes.Buffer
	d.Plot(&buf, "pause.png", "pause", "collections")
	out := buf.String()
	for _, want := range []string{`set output "pause.png"`, "set xtics (", "min 1ms", "max 50ms", "reset\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("plot script lacks %q:\n%s", want, out)
		}
	}
}
