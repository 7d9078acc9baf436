// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package bitmap

import (
	"iter"
	"math/bits"
)

// Set is a fixed-size set of small integers.
type Set[K ~uint64] struct {
	bits []uint64
	n    K
}

func NewSet[K ~uint64](nBits K) Set[K] {
	return Set[K]{make([]uint64, (nBits+63)/64), nBits}
}

// Cap returns the number of bits the set can hold.
func (b Set[K]) Cap() K {
	return b.n
}

func (b Set[K]) Has(i K) bool {
	return i/64 < K(len(b.bits)) && (b.bits[i/64]&(1<<(i%64))) != 0
}

func (b Set[K]) Add(i K) {
	b.bits[i/64] |= 1 << (i % 64)
}

func (b Set[K]) Remove(i K) {
	b.bits[i/64] &^= 1 << (i % 64)
}

// AddRange adds [start, end) to the set.
func (b Set[K]) AddRange(start, end K) {
	for i := start; i < end; {
		if i%64 == 0 && end-i >= 64 {
			b.bits[i/64] = ^uint64(0)
			i += 64
			continue
		}
		b.Add(i)
		i++
	}
}

// RemoveRange removes [start, end) from the set.
func (b Set[K]) RemoveRange(start, end K) {
	for i := start; i < end; {
		if i%64 == 0 && end-i >= 64 {
			b.bits[i/64] = 0
			i += 64
			continue
		}
		b.Remove(i)
		i++
	}
}

func (b Set[K]) Len() int {
	var sum int
	for _, w := range b.bits {
		sum += bits.OnesCount64(w)
	}
	return sum
}

func (b Set[K]) LenRange(start, end K) K {
	if start >= end {
		return 0
	}
	if start/64 == end/64 {
		word := b.bits[start/64] >> (start % 64)
		word &= (1 << (end - start)) - 1
		return K(bits.OnesCount64(word))
	}
	var sum K
	if start%64 != 0 {
		word := b.bits[start/64] >> (start % 64)
		sum += K(bits.OnesCount64(word))
	}
	if end%64 != 0 {
		word := b.bits[end/64] << (64 - end%64)
		sum += K(bits.OnesCount64(word))
	}

	for _, w := range b.bits[(start+63)/64 : end/64] {
		sum += K(bits.OnesCount64(w))
	}
	return sum
}

// Next returns the smallest member of the set that is >= i.
func (b Set[K]) Next(i K) (K, bool) {
	if i >= b.n {
		return 0, false
	}
	wi := int(i / 64)
	w := b.bits[wi] >> (i % 64)
	if w != 0 {
		j := i + K(bits.TrailingZeros64(w))
		return j, j < b.n
	}
	for wi++; wi < len(b.bits); wi++ {
		if w := b.bits[wi]; w != 0 {
			j := K(wi*64 + bits.TrailingZeros64(w))
			return j, j < b.n
		}
	}
	return 0, false
}

// FindRun returns the start of the first run of n consecutive members in
// [start, end).
func (b Set[K]) FindRun(n, start, end K) (K, bool) {
	if n == 0 {
		return start, true
	}
	run, runStart := K(0), start
	for i := start; i < end; i++ {
		if i%64 == 0 && b.bits[i/64] == 0 && end-i >= 64 {
			run = 0
			i += 63
			continue
		}
		if !b.Has(i) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = i
		}
		run++
		if run == n {
			return runStart, true
		}
	}
	return 0, false
}

func (b Set[K]) All() iter.Seq[K] {
	return func(yield func(K) bool) {
		for i, val := range b.bits {
			for range bits.OnesCount64(val) {
				bitI := bits.TrailingZeros64(val)
				if !yield(K(i*64 + bitI)) {
					return
				}
				val &^= 1 << bitI
			}
		}
	}
}

func (b Set[K]) Range(start, end K) iter.Seq[K] {
	if start%64 != 0 || end%64 != 0 {
		// We could of course support this, but we don't need it and it
		// complicates a hot path.
		panic("start and len must be multiples of 64")
	}

	return func(yield func(K) bool) {
		for i, val := range b.bits[start/64 : end/64] {
			base := start + K(i*64)
			for range bits.OnesCount64(val) {
				bitI := bits.TrailingZeros64(val)
				if !yield(base + K(bitI)) {
					return
				}
				val &^= 1 << bitI
			}
		}
	}
}

// Clear removes every member.
func (b Set[K]) Clear() {
	clear(b.bits)
}
