// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package base holds the engine's fatal-error and logging primitives.
package base

import (
	"fmt"
	"log"
	"sync/atomic"
)

// A FatalError reports a broken configuration or safety contract. The
// engine never recovers from one.
type FatalError string

func (e FatalError) Error() string {
	return "gcengine: fatal error: " + string(e)
}

// Throw reports a fatal error by panicking with a FatalError.
func Throw(s string) {
	log.Print("fatal error: ", s)
	panic(FatalError(s))
}

func Throwf(format string, args ...any) {
	Throw(fmt.Sprintf(format, args...))
}

// Verbosity is the engine-wide logging level. Messages logged at a level
// above it are discarded.
var Verbosity atomic.Int32

// Logf logs a message tagged with tag when the verbosity is at least
// level.
func Logf(level int, tag, format string, args ...any) {
	if int(Verbosity.Load()) < level {
		return
	}
	log.Printf("["+tag+"] "+format, args...)
}
