// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package plan

import (
	"fmt"
	"strings"

	"golang.org/x/gcengine/host"
)

// PhaseID names a step of a collection.
type PhaseID int

const (
	StopMutators PhaseID = iota
	SetCollectionKind
	Initiate
	Prepare
	StackRoots
	Roots
	RememberedSets
	Closure
	SoftRefs
	WeakRefs
	PhantomRefs
	ForwardRefs
	Release
	Sweep
	Complete
)

var phaseNames = [...]string{
	StopMutators:      "stop-mutators",
	SetCollectionKind: "set-collection-kind",
	Initiate:          "initiate",
	Prepare:           "prepare",
	StackRoots:        "stack-roots",
	Roots:             "roots",
	RememberedSets:    "remembered-sets",
	Closure:           "closure",
	SoftRefs:          "soft-refs",
	WeakRefs:          "weak-refs",
	PhantomRefs:       "phantom-refs",
	ForwardRefs:       "forward-refs",
	Release:           "release",
	Sweep:             "sweep",
	Complete:          "complete",
}

func (id PhaseID) String() string {
	if id >= 0 && int(id) < len(phaseNames) {
		return phaseNames[id]
	}
	return fmt.Sprintf("PhaseID(%d)", int(id))
}

// PhaseKind says who runs a phase.
type PhaseKind int

const (
	// KindGlobal phases run once, on the first collector worker.
	KindGlobal PhaseKind = iota
	// KindCollector phases run on every collector worker.
	KindCollector
	// KindMutator phases run once per bound mutator, on the first
	// collector worker.
	KindMutator
	// KindComplex phases are lists of other phases.
	KindComplex
	// KindPlaceholder phases mark a position that a plan may fill in.
	// They are skipped when left in place.
	KindPlaceholder
)

func (k PhaseKind) String() string {
	switch k {
	case KindGlobal:
		return "global"
	case KindCollector:
		return "collector"
	case KindMutator:
		return "mutator"
	case KindComplex:
		return "complex"
	case KindPlaceholder:
		return "placeholder"
	}
	return "unknown"
}

// A Phase is a step of a collection or a list of steps.
type Phase struct {
	Kind PhaseKind
	ID   PhaseID // unless Kind is KindComplex
	Name string  // KindComplex only
	Sub  []Phase // KindComplex only
}

func Global(id PhaseID) Phase      { return Phase{Kind: KindGlobal, ID: id} }
func Collector(id PhaseID) Phase   { return Phase{Kind: KindCollector, ID: id} }
func Mutator(id PhaseID) Phase     { return Phase{Kind: KindMutator, ID: id} }
func Placeholder(id PhaseID) Phase { return Phase{Kind: KindPlaceholder, ID: id} }

func Complex(name string, sub ...Phase) Phase {
	return Phase{Kind: KindComplex, Name: name, Sub: sub}
}

// Replace returns a copy of p in which every placeholder for id is
// replaced by with.
func (p Phase) Replace(id PhaseID, with Phase) Phase {
	switch p.Kind {
	case KindPlaceholder:
		if p.ID == id {
			return with
		}
	case KindComplex:
		sub := make([]Phase, len(p.Sub))
		for i, s := range p.Sub {
			sub[i] = s.Replace(id, with)
		}
		p.Sub = sub
	}
	return p
}

// Flatten returns the simple phases of p in execution order, leaving out
// placeholders.
func (p Phase) Flatten() []Phase {
	var out []Phase
	var walk func(Phase)
	walk = func(p Phase) {
		switch p.Kind {
		case KindComplex:
			for _, s := range p.Sub {
				walk(s)
			}
		case KindPlaceholder:
		default:
			out = append(out, p)
		}
	}
	walk(p)
	return out
}

func (p Phase) String() string {
	if p.Kind != KindComplex {
		return p.Kind.String() + "/" + p.ID.String()
	}
	parts := make([]string, len(p.Sub))
	for i, s := range p.Sub {
		parts[i] = s.String()
	}
	return p.Name + "(" + strings.Join(parts, " ") + ")"
}

// The canonical phase lists. Plans fill the placeholders.
var (
	InitPhase = Complex("init",
		Global(StopMutators),
		Global(SetCollectionKind),
		Global(Initiate))

	RootClosurePhase = Complex("root-closure",
		Mutator(Prepare),
		Global(Prepare),
		Collector(Prepare),
		Collector(StackRoots),
		Collector(Roots),
		Placeholder(RememberedSets),
		Collector(Closure))

	RefTypeClosurePhase = Complex("ref-type-closure",
		Collector(SoftRefs),
		Collector(Closure),
		Collector(WeakRefs),
		Collector(PhantomRefs))

	ForwardPhase = Complex("forward",
		Collector(ForwardRefs))

	CompleteClosurePhase = Complex("complete-closure",
		Mutator(Release),
		Collector(Release),
		Global(Release),
		Placeholder(Sweep))

	FinishPhase = Complex("finish",
		Collector(Complete),
		Global(Complete))

	CollectionPhase = Complex("collection",
		InitPhase,
		RootClosurePhase,
		RefTypeClosurePhase,
		ForwardPhase,
		CompleteClosurePhase,
		FinishPhase)
)

// An Event reports that a participant is about to run a phase.
type Event struct {
	Phase   Phase
	Ordinal int         // collector worker running the phase
	Mutator host.Thread // mutator phases only
}

func (e Event) String() string {
	if e.Phase.Kind == KindMutator {
		return fmt.Sprintf("%v@%d[m%d]", e.Phase, e.Ordinal, e.Mutator)
	}
	return fmt.Sprintf("%v@%d", e.Phase, e.Ordinal)
}

// An Observer is called for every phase event. Collector phases produce
// one event per worker, concurrently, so an Observer must be safe for
// concurrent use.
type Observer func(Event)
