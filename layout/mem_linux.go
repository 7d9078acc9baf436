// Copyright 2024 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package layout

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// sysReserve reserves address space without backing it. Accessing the
// returned memory faults until sysMap is called on it.
func sysReserve(n uintptr) ([]byte, error) {
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserving %d bytes: %w", n, err)
	}
	return b, nil
}

// sysMap transitions reserved memory to the ready state.
func sysMap(b []byte) error {
	if err := unix.Mprotect(b, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mapping %d bytes: %w", len(b), err)
	}
	return nil
}

// sysUnused tells the OS the contents of b are no longer needed. The
// memory stays mapped and reads back as zero.
func sysUnused(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise %d bytes: %w", len(b), err)
	}
	return nil
}

// sysFree returns the whole reservation to the OS.
func sysFree(b []byte) error {
	return unix.Munmap(b)
}

func osPageSize() int {
	return unix.Getpagesize()
}
