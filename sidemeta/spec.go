// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sidemeta implements address-indexed side metadata: bitmaps that
// describe user data while living in dedicated mappings disjoint from it.
//
// Each Spec is one bitmap. A metadata unit of 1<<LogNumOfBits bits covers
// 1<<LogBytesInRegion bytes of data. Backing storage is chunk-granular and
// mapped lazily: the first contact with a chunk maps one block per spec,
// found afterwards through a two-level index keyed by chunk number.
package sidemeta

import (
	"unsafe"

	"github.com/jopemachine/mallocgc/internal/atomic"
	"github.com/jopemachine/mallocgc/internal/sys"
)

const (
	// The chunk index is split in two levels, like the heap arena map:
	// blocks[l1()][l2()] is the metadata block of a chunk.
	l1Bits = 13
	l2Bits = sys.HeapAddrBits - sys.ChunkShift - l1Bits
)

// A Spec names one side-metadata bitmap and fixes its geometry.
// Specs are used through pointers and never copied; the backing index
// tables live inside the Spec itself.
type Spec struct {
	Name string

	// Global specs are shared by every space in the process; local
	// specs belong to a single space. The distinction only matters
	// to sanity checking and reserved-page accounting.
	Global bool

	// Log2 of the number of metadata bits per region. 0 is a bitmap,
	// 3 is a byte map.
	LogNumOfBits uint

	// Log2 of the data bytes covered by one metadata unit.
	LogBytesInRegion uint

	blocks [1 << l1Bits]unsafe.Pointer // each entry is a *metaL2
}

// metaL2 is the second level of the block index. Entries are the base
// addresses of per-chunk metadata blocks.
type metaL2 [1 << l2Bits]unsafe.Pointer

// BytesPerChunk returns the size of one chunk's metadata block.
func (s *Spec) BytesPerChunk() uintptr {
	bits := (sys.ChunkSize >> s.LogBytesInRegion) << s.LogNumOfBits
	if bits < 8 {
		throw("sidemeta: spec finer than one byte per chunk")
	}
	return uintptr(bits >> 3)
}

func chunkL1(ci uintptr) uintptr { return ci >> l2Bits }
func chunkL2(ci uintptr) uintptr { return ci & (1<<l2Bits - 1) }

// blockFor returns the metadata block base for the chunk containing addr,
// or nil if that chunk has never been mapped for this spec.
func (s *Spec) blockFor(addr uintptr) *byte {
	ci := sys.ChunkIndex(addr)
	l2 := (*metaL2)(atomic.Loadp(unsafe.Pointer(&s.blocks[chunkL1(ci)])))
	if l2 == nil {
		return nil
	}
	return (*byte)(atomic.Loadp(unsafe.Pointer(&l2[chunkL2(ci)])))
}

// Mapped reports whether metadata backing exists for the chunk
// containing addr.
func (s *Spec) Mapped(addr uintptr) bool {
	return s.blockFor(addr) != nil
}

// metaSlot locates the metadata byte holding addr's unit, plus the unit's
// first bit within that byte. The chunk must be mapped.
func (s *Spec) metaSlot(addr uintptr) (*byte, uint) {
	block := s.blockFor(addr)
	if block == nil {
		throw("sidemeta: access to unmapped metadata")
	}
	region := (addr & sys.ChunkMask) >> s.LogBytesInRegion
	bit := region << s.LogNumOfBits
	p := (*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(block)) + uintptr(bit>>3)))
	return p, uint(bit & 7)
}

func throw(msg string) {
	panic(msg)
}
