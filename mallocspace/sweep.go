// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Garbage collector: chunk-scoped sweeping.
//
// A sweep worker owns its chunk outright: all mutator and tracing work
// has quiesced before sweep_chunk runs, so the worker reads and writes
// the chunk's side metadata without atomics. When the mark bits live on
// the side the sweeper compares alloc and mark bitmaps 128 bits at a
// time and only linear-scans strides that contain a dead object; when
// the marks live in object headers every object is visited.

package mallocspace

import "github.com/jopemachine/mallocgc/internal/sys"

// SweepChunk sweeps the chunk starting at chunkStart: dead objects are
// freed, empty page spans lose their page marks, and a fully empty
// chunk is torn down. Disjoint chunks may sweep concurrently; the same
// chunk must not.
func (s *Space) SweepChunk(chunkStart uintptr) {
	if !sys.IsAligned(chunkStart, sys.ChunkSize) {
		throw("mallocspace: sweep of misaligned chunk")
	}
	if !s.meta.IsMapped(chunkStart, 1) {
		throw("mallocspace: sweep of unmapped chunk")
	}
	if s.markSide != nil {
		s.sweepChunkMarkOnSide(chunkStart)
	} else {
		s.sweepChunkMarkInHeader(chunkStart)
	}
}

// sweepChunkMarkOnSide is the bulk path, used when mark bits sit on the
// side: strides whose alloc and mark words agree hold no dead objects
// and are skipped whole.
func (s *Space) sweepChunkMarkOnSide(chunkStart uintptr) {
	if s.allocBit.LogBytesInRegion != s.markSide.LogBytesInRegion {
		throw("mallocspace: alloc-bit and mark-bit granularity differ")
	}

	// 128 bits per bulk load, one bit per minimum-granularity region.
	const bulkLoadSize = 128 << logMinObjSize

	chunkEnd := chunkStart + sys.ChunkSize

	// The start of a possibly-empty span. Zero until the first live
	// object is seen; afterwards the page boundary after the last
	// confirmed live object, or the end of the last fully live stride.
	emptyPageStart := uintptr(0)

	for addr := chunkStart; addr < chunkEnd; addr += bulkLoadSize {
		allocLo, allocHi := s.allocBit.Load128(addr)
		markLo, markHi := s.markSide.Load128(addr)

		if (allocLo^markLo)|(allocHi^markHi) != 0 {
			// At least one dead object in this stride.
			it := s.objects(addr, addr+bulkLoadSize)
			for obj, ok := it.next(); ok; obj, ok = it.next() {
				s.sweepObject(obj, &emptyPageStart)
			}
		} else if allocLo|allocHi != 0 {
			// Fully live stride. The empty span restarts at the
			// stride end, which need not be a page boundary, so a
			// later live object can clear the page mark of the page
			// this stride lies on, and pages an object extends into
			// past the stride end are not kept. The page mark is a
			// heuristic and tolerates that.
			emptyPageStart = addr + bulkLoadSize
		}
	}

	liveBytes := s.debugCountLive(chunkStart, chunkEnd)

	s.markSide.BZero(chunkStart, sys.ChunkSize)

	// If emptyPageStart never advanced, no live object was seen: the
	// whole chunk is empty.
	if emptyPageStart == 0 {
		s.cleanUpEmptyChunk(chunkStart)
	}
	s.dbg.sweepChunkDone(s, liveBytes)
}

// sweepChunkMarkInHeader linear-scans the whole chunk and clears the
// header mark of each survivor.
func (s *Space) sweepChunkMarkInHeader(chunkStart uintptr) {
	liveBytes := uintptr(0)
	emptyPageStart := uintptr(0)

	it := s.objects(chunkStart, chunkStart+sys.ChunkSize)
	for obj, ok := it.next(); ok; obj, ok = it.next() {
		s.dbg.checkSweptObject(s, obj)
		if !s.sweepObject(obj, &emptyPageStart) {
			s.unsetMarkUnsafe(obj)
			if debugAssertions {
				_, _, bytes := s.objectBlock(obj)
				liveBytes += bytes
			}
		}
	}

	if emptyPageStart == 0 {
		s.cleanUpEmptyChunk(chunkStart)
	}
	s.dbg.sweepChunkDone(s, liveBytes)
}

// sweepObject frees obj if it is dead and reports whether it did. For a
// live object it instead closes out the empty page span behind it:
// page marks are cleared for every whole page between the last live
// object and this one.
func (s *Space) sweepObject(obj ObjectReference, emptyPageStart *uintptr) bool {
	objStart, isOffset, bytes := s.objectBlock(obj)

	if !s.isMarked(obj, false) {
		s.freeInternal(objStart, bytes, isOffset)
		s.unsetAllocBitUnsafe(obj)
		return true
	}

	if *emptyPageStart != 0 {
		current := sys.PageAlignDown(obj.Address())
		for page := *emptyPageStart; page < current; page += sys.PageSize {
			s.unsetPageMarkUnsafe(page)
		}
	}
	*emptyPageStart = sys.AlignUp(objStart+bytes, sys.PageSize)
	return false
}

// cleanUpEmptyChunk retires a chunk the sweep found empty. The chunk
// mark is a byte written only by this worker, so no synchronization.
func (s *Space) cleanUpEmptyChunk(chunkStart uintptr) {
	s.unsetChunkMarkUnsafe(chunkStart)
	spaceMapClear(chunkStart)
}

// debugCountLive re-walks a swept chunk and returns the usable bytes of
// its survivors, asserting no dead object outlived the sweep. Zero cost
// unless debug assertions are on.
func (s *Space) debugCountLive(chunkStart, chunkEnd uintptr) uintptr {
	if !debugAssertions {
		return 0
	}
	live := uintptr(0)
	it := s.objects(chunkStart, chunkEnd)
	for obj, ok := it.next(); ok; obj, ok = it.next() {
		s.dbg.checkSweptObject(s, obj)
		if !s.isMarked(obj, false) {
			throw("mallocspace: dead object found after sweep")
		}
		_, _, bytes := s.objectBlock(obj)
		live += bytes
	}
	return live
}
