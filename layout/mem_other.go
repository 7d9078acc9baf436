// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package layout

import "os"

// Without mmap control the reservation is backed by the Go heap. The
// runtime never moves large objects, so addresses stay stable for as long
// as the Mmapper holds the slice.

func sysReserve(n uintptr) ([]byte, error) {
	return make([]byte, n), nil
}

func sysMap(b []byte) error {
	return nil
}

func sysUnused(b []byte) error {
	clear(b)
	return nil
}

func sysFree(b []byte) error {
	return nil
}

func osPageSize() int {
	return os.Getpagesize()
}
