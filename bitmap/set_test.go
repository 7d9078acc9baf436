// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bitmap

import (
	"math/rand/v2"
	"slices"
	"testing"
)

func TestSetBasic(t *testing.T) {
	for i := range uint64(256) {
		set := NewSet[uint64](256)
		set.Add(i)
		if !set.Has(i) {
			t.Log(set.bits)
			t.Fatalf("bit %d not set", i)
		}
		if set.Len() != 1 {
			t.Fatalf("want 1 member, got %d", set.Len())
		}
		set.Remove(i)
		if set.Has(i) {
			t.Fatalf("bit %d still set", i)
		}
	}
}

func TestSetRanges(t *testing.T) {
	const n = 300
	rnd := rand.New(rand.NewPCG(0, 0))
	for range 64 {
		set := NewSet[uint64](n)
		ref := make([]bool, n)
		for range 8 {
			lo := rnd.Uint64N(n)
			hi := lo + rnd.Uint64N(n-lo+1)
			if rnd.IntN(2) == 0 {
				set.AddRange(lo, hi)
				for i := lo; i < hi; i++ {
					ref[i] = true
				}
			} else {
				set.RemoveRange(lo, hi)
				for i := lo; i < hi; i++ {
					ref[i] = false
				}
			}
		}
		lo := rnd.Uint64N(n)
		hi := lo + rnd.Uint64N(n-lo+1)
		want := uint64(0)
		for i := lo; i < hi; i++ {
			if ref[i] != set.Has(i) {
				t.Fatalf("bit %d: want %v, got %v", i, ref[i], set.Has(i))
			}
			if ref[i] {
				want++
			}
		}
		if got := set.LenRange(lo, hi); got != want {
			t.Fatalf("LenRange(%d, %d): want %d, got %d", lo, hi, want, got)
		}
	}
}

func TestSetFindRun(t *testing.T) {
	set := NewSet[uint64](200)
	set.AddRange(10, 12)
	set.AddRange(70, 140)
	if got, ok := set.FindRun(2, 0, 200); !ok || got != 10 {
		t.Fatalf("want 10, got %d (%v)", got, ok)
	}
	if got, ok := set.FindRun(3, 0, 200); !ok || got != 70 {
		t.Fatalf("want 70, got %d (%v)", got, ok)
	}
	if _, ok := set.FindRun(71, 0, 200); ok {
		t.Fatalf("found impossible run")
	}
	if got, ok := set.Next(12); !ok || got != 70 {
		t.Fatalf("Next(12): want 70, got %d (%v)", got, ok)
	}
	if _, ok := set.Next(140); ok {
		t.Fatalf("Next(140) should be empty")
	}
}

func TestSetAll(t *testing.T) {
	set := NewSet[uint64](256)
	want := []uint64{1, 63, 64, 200}
	for _, i := range want {
		set.Add(i)
	}
	got := slices.Collect(set.All())
	if !slices.Equal(got, want) {
		t.Fatalf("want %v, got %v", want, got)
	}
	got = slices.Collect(set.Range(64, 256))
	if !slices.Equal(got, want[2:]) {
		t.Fatalf("want %v, got %v", want[2:], got)
	}
}
