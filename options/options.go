// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package options holds the engine configuration.
//
// Options start from Default, are overridden by the GCENGINE environment
// variable, which holds comma-separated name=value pairs in the manner of
// GODEBUG:
//
//	GCENGINE=plan=immix,threads=4,heap_size=64M
//
// and may then be changed one at a time with Process until the engine is
// initialized.
package options

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/gcengine/heap"
)

// EnvVar is the environment variable FromEnv reads.
const EnvVar = "GCENGINE"

// PlanKind selects a collection strategy.
type PlanKind int

const (
	NoGC PlanKind = iota
	SemiSpace
	GenCopy
	Immix
	MallocMS
)

var planNames = [...]string{
	NoGC:      "nogc",
	SemiSpace: "semispace",
	GenCopy:   "gencopy",
	Immix:     "immix",
	MallocMS:  "mallocms",
}

func (k PlanKind) String() string {
	if k >= 0 && int(k) < len(planNames) {
		return planNames[k]
	}
	return "PlanKind(" + strconv.Itoa(int(k)) + ")"
}

// ParsePlanKind accepts plan names in any case.
func ParsePlanKind(s string) (PlanKind, error) {
	for k, name := range planNames {
		if strings.EqualFold(s, name) {
			return PlanKind(k), nil
		}
	}
	return 0, fmt.Errorf("unknown plan %q", s)
}

// Options configures an engine.
type Options struct {
	Plan PlanKind
	// Threads is the number of collector workers.
	Threads int
	// HeapSize bounds the pages all spaces may reserve.
	HeapSize heap.Bytes
	// VMSize is the address space reserved for the heap. Zero selects
	// four times the heap size.
	VMSize heap.Bytes
	// StressFactor forces a collection each time this many pages were
	// committed since the last one. Zero disables it.
	StressFactor int
	NurserySize  heap.Bytes

	IgnoreSystemGC   bool
	FullHeapSystemGC bool
	NoReferenceTypes bool

	Verbose int

	// SideForwarding keeps forwarding state in side metadata rather than
	// in object headers.
	SideForwarding bool
	Defrag         bool
	// MaxCollectionAttempts bounds the collections one allocation waits
	// for before the host is told the heap is exhausted.
	MaxCollectionAttempts int
}

// Default returns the default options.
func Default() Options {
	return Options{
		Plan:                  SemiSpace,
		Threads:               runtime.GOMAXPROCS(0),
		HeapSize:              64 << 20,
		NurserySize:           8 << 20,
		Defrag:                true,
		MaxCollectionAttempts: 8,
	}
}

// FromEnv returns the defaults overridden by the GCENGINE environment
// variable.
func FromEnv() (Options, error) {
	o := Default()
	err := o.Parse(os.Getenv(EnvVar))
	return o, err
}

type option struct {
	name string
	set  func(o *Options, v string) error
}

var optionTable = []option{
	{"plan", func(o *Options, v string) (err error) { o.Plan, err = ParsePlanKind(v); return }},
	{"threads", intOption(func(o *Options) *int { return &o.Threads }, 1)},
	{"heap_size", bytesOption(func(o *Options) *heap.Bytes { return &o.HeapSize })},
	{"vm_size", bytesOption(func(o *Options) *heap.Bytes { return &o.VMSize })},
	{"stress_factor", intOption(func(o *Options) *int { return &o.StressFactor }, 0)},
	{"nursery_size", bytesOption(func(o *Options) *heap.Bytes { return &o.NurserySize })},
	{"ignore_system_gc", boolOption(func(o *Options) *bool { return &o.IgnoreSystemGC })},
	{"full_heap_system_gc", boolOption(func(o *Options) *bool { return &o.FullHeapSystemGC })},
	{"no_reference_types", boolOption(func(o *Options) *bool { return &o.NoReferenceTypes })},
	{"verbose", intOption(func(o *Options) *int { return &o.Verbose }, 0)},
	{"side_forwarding", boolOption(func(o *Options) *bool { return &o.SideForwarding })},
	{"defrag", boolOption(func(o *Options) *bool { return &o.Defrag })},
	{"max_collection_attempts", intOption(func(o *Options) *int { return &o.MaxCollectionAttempts }, 1)},
}

func intOption(field func(*Options) *int, lo int) func(*Options, string) error {
	return func(o *Options, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		if n < lo {
			return fmt.Errorf("%d is below the minimum %d", n, lo)
		}
		*field(o) = n
		return nil
	}
}

func boolOption(field func(*Options) *bool) func(*Options, string) error {
	return func(o *Options, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(o) = b
		return nil
	}
}

func bytesOption(field func(*Options) *heap.Bytes) func(*Options, string) error {
	return func(o *Options, v string) error {
		n, err := ParseBytes(v)
		if err != nil {
			return err
		}
		*field(o) = n
		return nil
	}
}

// ParseBytes parses a byte count with an optional K, M or G suffix.
func ParseBytes(s string) (heap.Bytes, error) {
	shift := 0
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'k', 'K':
			shift = 10
		case 'm', 'M':
			shift = 20
		case 'g', 'G':
			shift = 30
		}
		if shift != 0 {
			s = s[:n-1]
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n > (1<<63)>>shift {
		return 0, fmt.Errorf("%s overflows", s)
	}
	return heap.Bytes(n) << shift, nil
}

// Process sets the option called name.
func (o *Options) Process(name, value string) error {
	for _, opt := range optionTable {
		if opt.name == name {
			if err := opt.set(o, value); err != nil {
				return fmt.Errorf("option %s=%q: %w", name, value, err)
			}
			return nil
		}
	}
	return fmt.Errorf("unknown option %q", name)
}

// Parse applies comma-separated name=value pairs. Every field is applied
// even if an earlier one fails. The errors of all bad fields are joined.
func (o *Options) Parse(s string) error {
	var errs []error
	for p := s; p != ""; {
		field := ""
		if i := strings.IndexByte(p, ','); i < 0 {
			field, p = p, ""
		} else {
			field, p = p[:i], p[i+1:]
		}
		if field == "" {
			continue
		}
		name, value, ok := strings.Cut(field, "=")
		if !ok {
			errs = append(errs, fmt.Errorf("option %q has no value", field))
			continue
		}
		if err := o.Process(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks the options against each other and fills in derived
// defaults.
func (o *Options) Validate() error {
	if o.HeapSize < heap.ChunkBytes {
		return fmt.Errorf("heap size %s is below one chunk (%s)", o.HeapSize, heap.ChunkBytes)
	}
	if o.VMSize == 0 {
		o.VMSize = o.HeapSize.Mul(4)
	}
	o.VMSize = o.VMSize.AlignUp(heap.ChunkBytes)
	if o.VMSize < o.HeapSize {
		return fmt.Errorf("address space %s is smaller than the heap %s", o.VMSize, o.HeapSize)
	}
	if o.Plan == GenCopy && o.NurserySize >= o.HeapSize {
		return fmt.Errorf("nursery %s does not fit the heap %s", o.NurserySize, o.HeapSize)
	}
	if o.Threads < 1 {
		return fmt.Errorf("%d collector threads", o.Threads)
	}
	return nil
}

func (o Options) String() string {
	return fmt.Sprintf("plan=%s,threads=%d,heap_size=%d,vm_size=%d,stress_factor=%d,nursery_size=%d,defrag=%v",
		o.Plan, o.Threads, o.HeapSize, o.VMSize, o.StressFactor, o.NurserySize, o.Defrag)
}
