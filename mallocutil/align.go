// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocutil

import (
	"unsafe"

	"github.com/jopemachine/mallocgc/internal/sys"
)

const (
	// MinAlignment is the alignment every raw allocation already
	// satisfies, like C malloc's 16-byte guarantee.
	MinAlignment = 16

	// Every returned address is at least word aligned; offset
	// allocations stash the raw pointer in the word before the
	// returned address, so they need word alignment too.
	wordSize = sys.PtrSize
)

// Alloc obtains a block of at least size bytes such that addr+offset is
// a multiple of align. When padding was needed, the returned address
// differs from the raw allocator's and isOffset is true; the block must
// then be released through OffsetFree. A zero address means the
// allocator is out of memory.
func Alloc(a RawAllocator, size, align, offset uintptr) (addr uintptr, isOffset bool) {
	if align == 0 || align&(align-1) != 0 {
		throw("mallocutil: alignment is not a power of two")
	}
	if offset%wordSize != 0 {
		throw("mallocutil: offset is not word aligned")
	}

	if offset == 0 && align <= MinAlignment {
		return a.Malloc(size), false
	}
	if align < wordSize {
		// Raising a power-of-two alignment keeps addr+offset aligned
		// and gives the returned address the word alignment the
		// stashed pointer needs.
		align = wordSize
	}

	// Over-allocate so that some word-aligned address with the wanted
	// residue lies inside the block with room for the stashed raw
	// pointer before it and size bytes after it.
	total := size + align + wordSize
	if total < size {
		return 0, false
	}
	raw := a.Malloc(total)
	if raw == 0 {
		return 0, false
	}
	addr = sys.AlignUp(raw+wordSize+offset, align) - offset
	*(*uintptr)(unsafe.Pointer(addr - wordSize)) = raw
	return addr, true
}

// UsableSize reports the allocator's usable size for the block backing
// addr, jumping to the raw allocation first if addr is offset.
func UsableSize(a RawAllocator, addr uintptr, isOffset bool) uintptr {
	if isOffset {
		addr = rawPointer(addr)
	}
	return a.UsableSize(addr)
}

// Free releases a block returned by Alloc with isOffset false.
func Free(a RawAllocator, addr uintptr) {
	a.Free(addr)
}

// OffsetFree releases a block returned by Alloc with isOffset true.
func OffsetFree(a RawAllocator, addr uintptr) {
	a.Free(rawPointer(addr))
}

// rawPointer recovers the raw allocation backing an offset address.
func rawPointer(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr - wordSize))
}
