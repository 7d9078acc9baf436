// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package forward implements lock-free object forwarding for copying
// collectors.
//
// Each object carries a two-bit forwarding state:
//
//	00  not forwarded
//	10  being forwarded: one thread won the race and is copying
//	11  forwarded: the status word holds the new address
//
// Exactly one thread moves an object from 00 to 10 by compare-and-swap.
// That thread copies the object and publishes 11 with the new address.
// Every other thread spins until the state leaves 10. The state returns to
// 00 only when the collector clears it between cycles, or when the winner
// decides not to move the object after all.
package forward

import (
	"runtime"

	"golang.org/x/gcengine/heap"
	"golang.org/x/gcengine/host"
	"golang.org/x/gcengine/metadata"
)

const (
	NotForwarded   uint64 = 0b00
	BeingForwarded uint64 = 0b10
	Forwarded      uint64 = 0b11

	StateMask uint64 = 0b11
)

// SideSpec describes the side table used when forwarding state is kept
// out of object headers.
var SideSpec = metadata.Spec{Name: "forwarding", NumBits: 2, LogRegion: heap.LogBytesInWord}

// spinsBeforeYield bounds how long a loser busy-waits before letting
// another goroutine run. The winner needs no scheduler help to finish, so
// this only matters when there are more goroutines than threads.
const spinsBeforeYield = 64

// Protocol forwards objects whose headers are described by an ObjectModel.
//
// By default the state bits are the low bits of the object's status word.
// With a side table, the state lives in the table and the status word is
// only overwritten with the forwarding pointer.
type Protocol struct {
	objects host.ObjectModel
	side    *metadata.Table // nil for in-header state
}

func New(objects host.ObjectModel, side *metadata.Table) *Protocol {
	return &Protocol{objects: objects, side: side}
}

// state returns the current status of o. The forwarding state is in the
// low bits; in header mode the rest is the status word.
func (p *Protocol) state(o heap.ObjectReference) uint64 {
	if p.side != nil {
		s := uint64(p.side.Load(o.Addr()))
		if s == Forwarded {
			return p.objects.LoadStatusWord(o)&^StateMask | Forwarded
		}
		return s
	}
	return p.objects.LoadStatusWord(o)
}

// AttemptToForward tries to claim o for copying. It returns the status
// observed before the claim. A result whose state is NotForwarded means
// the caller won and must call ForwardObject (or ClearForwardingBits to
// back out). Any other result means another thread is responsible and the
// caller should use SpinAndGetForwardedObject.
func (p *Protocol) AttemptToForward(o heap.ObjectReference) uint64 {
	if p.side != nil {
		for {
			old := p.side.Load(o.Addr())
			if uint64(old) != NotForwarded {
				return p.state(o)
			}
			if p.side.CompareAndSwap(o.Addr(), uint32(NotForwarded), uint32(BeingForwarded)) {
				return NotForwarded
			}
		}
	}
	for {
		old := p.objects.LoadStatusWord(o)
		if old&StateMask != NotForwarded {
			return old
		}
		if p.objects.CompareAndSwapStatusWord(o, old, old|BeingForwarded) {
			return old
		}
	}
}

// ForwardObject copies o, which the caller claimed with AttemptToForward,
// and publishes the new address.
func (p *Protocol) ForwardObject(o heap.ObjectReference, semantics host.AllocationSemantics, c host.Copier) heap.ObjectReference {
	to := p.objects.Copy(o, semantics, c)
	if p.side == nil {
		// The copy inherited our claim bits.
		s := p.objects.LoadStatusWord(to)
		p.objects.StoreStatusWord(to, s&^StateMask)
	}
	p.SetForwardingPointer(o, to)
	return to
}

// SetForwardingPointer publishes to as the new location of o.
func (p *Protocol) SetForwardingPointer(o, to heap.ObjectReference) {
	if p.side != nil {
		p.objects.StoreStatusWord(o, uint64(to))
		p.side.Store(o.Addr(), uint32(Forwarded))
		return
	}
	p.objects.StoreStatusWord(o, uint64(to)|Forwarded)
}

// SpinAndGetForwardedObject waits until o is no longer being forwarded
// and returns where it ended up. status is the value AttemptToForward
// returned.
func (p *Protocol) SpinAndGetForwardedObject(o heap.ObjectReference, status uint64) heap.ObjectReference {
	for i := 0; status&StateMask == BeingForwarded; i++ {
		if i%spinsBeforeYield == spinsBeforeYield-1 {
			runtime.Gosched()
		}
		status = p.state(o)
	}
	if status&StateMask == Forwarded {
		return ExtractForwardingPointer(status)
	}
	return o
}

// ExtractForwardingPointer decodes the new address from a forwarded
// status.
func ExtractForwardingPointer(status uint64) heap.ObjectReference {
	return heap.ObjectReference(status &^ StateMask)
}

// ReadForwardingPointer returns the new address of a forwarded object.
func (p *Protocol) ReadForwardingPointer(o heap.ObjectReference) heap.ObjectReference {
	return ExtractForwardingPointer(p.state(o))
}

func (p *Protocol) IsForwarded(o heap.ObjectReference) bool {
	return p.state(o)&StateMask == Forwarded
}

func (p *Protocol) IsForwardedOrBeingForwarded(o heap.ObjectReference) bool {
	return StateIsForwardedOrBeingForwarded(p.state(o))
}

func StateIsForwardedOrBeingForwarded(status uint64) bool {
	return status&BeingForwarded != 0
}

// ClearForwardingBits resets the state of o to NotForwarded. It is used
// by a winner that decides not to move o, and to reset objects that stay
// in place between cycles.
func (p *Protocol) ClearForwardingBits(o heap.ObjectReference) {
	if p.side != nil {
		p.side.Store(o.Addr(), uint32(NotForwarded))
		return
	}
	for {
		old := p.objects.LoadStatusWord(o)
		if old&StateMask == NotForwarded || p.objects.CompareAndSwapStatusWord(o, old, old&^StateMask) {
			return
		}
	}
}

// ClearSide clears the side-table state for [start, start+n). It does
// nothing for in-header state.
func (p *Protocol) ClearSide(start heap.Address, n heap.Bytes) {
	if p.side != nil {
		p.side.Zero(start, n)
	}
}

// UsesSideTable reports whether state is kept outside object headers.
func (p *Protocol) UsesSideTable() bool {
	return p.side != nil
}
