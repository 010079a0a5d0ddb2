// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import (
	"github.com/jopemachine/mallocgc/internal/sys"
	"github.com/jopemachine/mallocgc/sidemeta"
)

// logMinObjSize is the minimum object granularity: one alloc/mark bit
// covers 1<<logMinObjSize bytes, and every object start is aligned to it.
const logMinObjSize = 3

// newMetadata builds the side-metadata specs one space consumes. The
// alloc bit and the chunk mark are global in kind (every space in a
// process agrees on them); the page mark and the offset-malloc bit are
// private to this space.
func newMetadata() (allocBit, pageMark, chunkMark, offsetMalloc *sidemeta.Spec) {
	allocBit = &sidemeta.Spec{
		Name:             "alloc-bit",
		Global:           true,
		LogNumOfBits:     0,
		LogBytesInRegion: logMinObjSize,
	}
	chunkMark = &sidemeta.Spec{
		Name:             "chunk-mark",
		Global:           true,
		LogNumOfBits:     3,
		LogBytesInRegion: sys.ChunkShift,
	}
	pageMark = &sidemeta.Spec{
		Name:             "page-mark",
		LogNumOfBits:     0,
		LogBytesInRegion: sys.PageShift,
	}
	offsetMalloc = &sidemeta.Spec{
		Name:             "offset-malloc",
		LogNumOfBits:     0,
		LogBytesInRegion: logMinObjSize,
	}
	return
}

// NewSideMarkBitSpec returns a mark-bit bitmap with the granularity the
// sweep's bulk path requires. Runtimes that keep mark state on the side
// hand this to the space through ObjectModel.MarkBit.
func NewSideMarkBitSpec() *sidemeta.Spec {
	return &sidemeta.Spec{
		Name:             "mark-bit",
		LogNumOfBits:     0,
		LogBytesInRegion: logMinObjSize,
	}
}

// Per-object predicates and mutators. Everything below goes through the
// space's specs; the "NonAtomic" forms are reserved for sweep, where the
// calling worker owns the chunk.

// isAlloced reports whether an object begins at addr. It is safe on
// addresses this space has never touched.
func (s *Space) isAlloced(addr uintptr) bool {
	return s.allocBit.Mapped(addr) && s.allocBit.BitIsSet(addr)
}

func (s *Space) setAllocBit(obj ObjectReference) {
	s.allocBit.SetBit(obj.Address())
}

func (s *Space) unsetAllocBitUnsafe(obj ObjectReference) {
	s.allocBit.ClearBitNonAtomic(obj.Address())
}

// isMarked reads obj's mark bit: sequentially consistent when atomic is
// true, relaxed otherwise.
func (s *Space) isMarked(obj ObjectReference, atomic bool) bool {
	if s.markSide != nil {
		if atomic {
			return s.markSide.BitIsSet(obj.Address())
		}
		return s.markSide.BitIsSetNonAtomic(obj.Address())
	}
	if atomic {
		return s.header.IsMarkedAtomic(obj)
	}
	return s.header.IsMarked(obj)
}

// testAndSetMark sets obj's mark bit with sequentially consistent
// ordering and reports whether it was already set.
func (s *Space) testAndSetMark(obj ObjectReference) bool {
	if s.markSide != nil {
		return s.markSide.TestAndSetBit(obj.Address())
	}
	return s.header.TestAndSetMarked(obj)
}

// unsetMarkUnsafe clears obj's mark bit without synchronization.
func (s *Space) unsetMarkUnsafe(obj ObjectReference) {
	if s.markSide != nil {
		s.markSide.ClearBitNonAtomic(obj.Address())
		return
	}
	s.header.ClearMarked(obj)
}

func (s *Space) setPageMark(page uintptr) {
	s.pageMark.SetBit(page)
}

func (s *Space) unsetPageMarkUnsafe(page uintptr) {
	s.pageMark.ClearBitNonAtomic(page)
}

func (s *Space) setChunkMark(chunk uintptr) {
	s.chunkMark.StoreByte(chunk, 1)
}

func (s *Space) unsetChunkMarkUnsafe(chunk uintptr) {
	s.chunkMark.StoreByteNonAtomic(chunk, 0)
}

func (s *Space) isChunkMarked(chunk uintptr) bool {
	return s.chunkMark.Mapped(chunk) && s.chunkMark.LoadByte(chunk) != 0
}

func (s *Space) isOffsetMalloc(addr uintptr) bool {
	return s.offsetMalloc.BitIsSet(addr)
}

func (s *Space) setOffsetMallocBit(addr uintptr) {
	s.offsetMalloc.SetBit(addr)
}

func (s *Space) unsetOffsetMallocBitUnsafe(addr uintptr) {
	s.offsetMalloc.ClearBitNonAtomic(addr)
}
