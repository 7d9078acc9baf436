// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"slices"
	"sync"

	"golang.org/x/gcengine/heap"
)

// chunkMap records every chunk the space has allocated blocks in.
// Chunks are never removed: free blocks stay with the space.
type chunkMap struct {
	mu     sync.Mutex
	seen   map[heap.Address]bool
	chunks []heap.Address
}

func (m *chunkMap) add(c heap.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[c] {
		return
	}
	if m.seen == nil {
		m.seen = make(map[heap.Address]bool)
	}
	m.seen[c] = true
	m.chunks = append(m.chunks, c)
}

// snapshot returns the allocated chunks in address order.
func (m *chunkMap) snapshot() []heap.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := slices.Clone(m.chunks)
	slices.Sort(s)
	return s
}

// share returns the chunks the worker with the given ordinal handles
// when n workers split chunk work between them.
func share(chunks []heap.Address, ordinal, n int) []heap.Address {
	var out []heap.Address
	for i := ordinal; i < len(chunks); i += n {
		out = append(out, chunks[i])
	}
	return out
}

// blockList is the list of reusable blocks built by the last sweep.
type blockList struct {
	mu     sync.Mutex
	blocks []Block
}

func (l *blockList) push(b Block) {
	l.mu.Lock()
	l.blocks = append(l.blocks, b)
	l.mu.Unlock()
}

func (l *blockList) pop() (Block, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.blocks)
	if n == 0 {
		return 0, false
	}
	b := l.blocks[n-1]
	l.blocks = l.blocks[:n-1]
	return b, true
}

func (l *blockList) reset() {
	l.mu.Lock()
	l.blocks = nil
	l.mu.Unlock()
}

func (l *blockList) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.blocks)
}
