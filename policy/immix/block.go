// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package immix

import (
	"fmt"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/metadata"
)

const (
	LogBytesInLine  = 8
	LogBytesInBlock = 15

	LineBytes     = heap.Bytes(1) << LogBytesInLine
	BlockBytes    = heap.Bytes(1) << LogBytesInBlock
	LinesInBlock  = int(BlockBytes / LineBytes)
	BlockPages    = int(BlockBytes / heap.PageBytes)
	BlocksInChunk = int(heap.ChunkBytes / BlockBytes)
	linesInPage   = int(heap.PageBytes / LineBytes)

	// Line mark states rotate through [ResetMarkState, MaxMarkState].
	// Zero never marks a line.
	ResetMarkState uint8 = 1
	MaxMarkState   uint8 = 127
)

// Side metadata used by an ImmixSpace.
var (
	LineMarkSpec    = metadata.Spec{Name: "immix-line-mark", NumBits: 8, LogRegion: LogBytesInLine}
	BlockStateSpec  = metadata.Spec{Name: "immix-block-state", NumBits: 8, LogRegion: LogBytesInBlock}
	BlockDefragSpec = metadata.Spec{Name: "immix-block-defrag", NumBits: 8, LogRegion: LogBytesInBlock}
	ObjectMarkSpec  = metadata.Spec{Name: "immix-object-mark", NumBits: 1, LogRegion: heap.LogBytesInWord}
	ObjectPinSpec   = metadata.Spec{Name: "immix-object-pin", NumBits: 1, LogRegion: heap.LogBytesInWord}
)

// BlockState is the coarse state of a block. Values between the named
// states are Reusable blocks, encoding their number of marked lines.
type BlockState uint8

const (
	Unallocated BlockState = 0
	Unmarked    BlockState = 0xff
	Marked      BlockState = 0xfe
)

// Reusable returns the state of a block with marked live lines.
func Reusable(marked int) BlockState {
	if marked <= 0 || marked >= LinesInBlock {
		panic(fmt.Sprintf("immix: reusable block with %d marked lines", marked))
	}
	return BlockState(marked)
}

func (s BlockState) IsReusable() bool {
	return s != Unallocated && s != Unmarked && s != Marked
}

// UnavailableLines returns the marked line count of a Reusable state.
func (s BlockState) UnavailableLines() int {
	if !s.IsReusable() {
		return 0
	}
	return int(s)
}

func (s BlockState) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Unmarked:
		return "unmarked"
	case Marked:
		return "marked"
	}
	return fmt.Sprintf("reusable(%d)", int(s))
}

// defragSource is the defrag table value of a block being evacuated.
// Other values count the block's holes.
const defragSource = 0xff

// A Block is the address of a block-aligned region of an ImmixSpace.
type Block heap.Address

// BlockOf returns the block containing a.
func BlockOf(a heap.Address) Block {
	return Block(a.AlignDown(BlockBytes))
}

func (b Block) Start() heap.Address { return heap.Address(b) }
func (b Block) End() heap.Address   { return heap.Address(b).Plus(BlockBytes) }

// Line returns the address of line i of b.
func (b Block) Line(i int) heap.Address {
	return heap.Address(b).Plus(LineBytes.Mul(i))
}

func (b Block) Chunk() heap.Address { return heap.Address(b).Chunk() }

func (b Block) String() string {
	return fmt.Sprintf("block(%s)", heap.Address(b))
}

// LineIndex returns the index within its block of the line containing a.
func LineIndex(a heap.Address) int {
	return int(a.Minus(a.AlignDown(BlockBytes)) >> LogBytesInLine)
}

// FindHole searches marks, the line mark bytes of one block, for the
// first run of free lines at or after from. A line is free unless it
// carries the unavailable state of the last collection or the current
// state. FindHole returns the hole as [start, end) line indices.
func FindHole(marks []uint8, from int, unavail, current uint8) (start, end int, ok bool) {
	busy := func(m uint8) bool { return m == unavail || m == current }
	i := from
	for i < len(marks) && busy(marks[i]) {
		i++
	}
	if i >= len(marks) {
		return 0, 0, false
	}
	start = i
	for i < len(marks) && !busy(marks[i]) {
		i++
	}
	return start, i, true
}

// holes counts the maximal runs of lines not marked with state.
func holes(marks []uint8, state uint8) (holes, marked int) {
	prevMarked := true
	for _, m := range marks {
		if m == state {
			marked++
			prevMarked = true
			continue
		}
		if prevMarked {
			holes++
		}
		prevMarked = false
	}
	return holes, marked
}
