// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mallocutil adapts a raw malloc-style allocator to the aligned
// and offset allocations a managed space needs, without ever looking at
// addresses the allocator did not itself return.
package mallocutil

import (
	"sync"
	"unsafe"

	"modernc.org/memory"
)

// RawAllocator is the narrow surface of the host allocator: C's malloc,
// free and malloc_usable_size, expressed over uintptr. Malloc returns 0
// when the allocator is out of memory; that is the only failure mode.
// Implementations must be safe for concurrent use.
type RawAllocator interface {
	Malloc(size uintptr) uintptr
	Free(ptr uintptr)

	// UsableSize reports the full number of bytes reserved for the
	// block at ptr, which may exceed the requested size. ptr must be
	// a live address returned by Malloc.
	UsableSize(ptr uintptr) uintptr
}

// sysAllocator is the default RawAllocator. The backing allocator keeps
// per-size-class pages like C mallocs do, so usable sizes round up to
// power-of-two slots; it is not goroutine-safe, hence the mutex.
type sysAllocator struct {
	mu    sync.Mutex
	alloc memory.Allocator
}

// NewSystemAllocator returns the default allocator: a modernc.org/memory
// Allocator behind a mutex.
func NewSystemAllocator() RawAllocator {
	return &sysAllocator{}
}

func (a *sysAllocator) Malloc(size uintptr) uintptr {
	a.mu.Lock()
	p, err := a.alloc.UnsafeMalloc(int(size))
	a.mu.Unlock()
	if err != nil {
		return 0
	}
	return uintptr(p)
}

func (a *sysAllocator) Free(ptr uintptr) {
	a.mu.Lock()
	err := a.alloc.UnsafeFree(unsafe.Pointer(ptr))
	a.mu.Unlock()
	if err != nil {
		throw("mallocutil: free of address not owned by the allocator")
	}
}

func (a *sysAllocator) UsableSize(ptr uintptr) uintptr {
	// Reads only the block's page header, which is immutable while the
	// block is live. No lock.
	return uintptr(memory.UnsafeUsableSize(unsafe.Pointer(ptr)))
}

func throw(msg string) {
	panic(msg)
}
