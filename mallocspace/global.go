// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mallocspace implements a non-moving mark-sweep space whose
// backing store is the host process's general-purpose allocator.
//
// The space never reasons about addresses the allocator has not itself
// returned. All per-object state lives in side metadata mapped lazily on
// first contact with a chunk: an alloc bit marks object starts, a mark
// bit carries liveness through a collection, a page mark and a chunk
// mark summarize occupancy for the reclaimers. Sweeping is chunk-scoped
// and runs in parallel across disjoint chunks.
package mallocspace

import (
	"github.com/jopemachine/mallocgc/internal/atomic"
	"github.com/jopemachine/mallocgc/internal/sys"
	"github.com/jopemachine/mallocgc/mallocutil"
	"github.com/jopemachine/mallocgc/sidemeta"
)

// A Space is one malloc-backed mark-sweep space. All methods are safe
// for concurrent use except as documented on the sweep entry points.
type Space struct {
	name string
	raw  mallocutil.RawAllocator
	om   ObjectModel
	plan ActivePlan
	coll Collection

	// activeBytes is the sum of usable sizes of all live objects. It
	// is exact at any quiescent point.
	activeBytes uint64

	// [chunkAddrMin, chunkAddrMax] bounds every chunk a live object
	// ever touched. Overapproximate, never underapproximate.
	chunkAddrMin uintptr
	chunkAddrMax uintptr

	meta sidemeta.Context

	allocBit     *sidemeta.Spec
	pageMark     *sidemeta.Spec
	chunkMark    *sidemeta.Spec
	offsetMalloc *sidemeta.Spec

	// Exactly one of markSide, header is in use; fixed at construction
	// from the object model's declaration.
	markSide *sidemeta.Spec
	header   HeaderMarker

	dbg spaceDebug
}

// Config carries the collaborators a Space is constructed over.
type Config struct {
	Name        string
	ObjectModel ObjectModel

	// Allocator is the raw backing allocator. Nil selects the system
	// allocator.
	Allocator mallocutil.RawAllocator

	// Plan and Collection drive GC triggering. Both may be nil, in
	// which case allocation never parks.
	Plan       ActivePlan
	Collection Collection

	// GlobalSpecs are side-metadata bitmaps the wider runtime asks
	// every space to map alongside its own.
	GlobalSpecs []*sidemeta.Spec
}

// New constructs a Space from cfg. The metadata spec list is fixed here
// for the life of the space.
func New(cfg Config) *Space {
	if cfg.ObjectModel == nil {
		throw("mallocspace: nil object model")
	}
	raw := cfg.Allocator
	if raw == nil {
		raw = mallocutil.NewSystemAllocator()
	}
	name := cfg.Name
	if name == "" {
		name = "MallocSpace"
	}

	s := &Space{
		name:         name,
		raw:          raw,
		om:           cfg.ObjectModel,
		plan:         cfg.Plan,
		coll:         cfg.Collection,
		chunkAddrMin: ^uintptr(0),
	}
	s.allocBit, s.pageMark, s.chunkMark, s.offsetMalloc = newMetadata()

	global := append([]*sidemeta.Spec{s.allocBit, s.chunkMark}, cfg.GlobalSpecs...)
	local := []*sidemeta.Spec{s.pageMark, s.offsetMalloc}

	loc := cfg.ObjectModel.MarkBit()
	switch {
	case loc.Side != nil:
		s.markSide = loc.Side
		local = append(local, loc.Side)
	case loc.Header != nil:
		s.header = loc.Header
	default:
		throw("mallocspace: object model declares no mark bit location")
	}

	s.meta = sidemeta.Context{Global: global, Local: local}
	s.dbg.init()
	return s
}

// Name returns the space's name.
func (s *Space) Name() string { return s.name }

// IsMovable reports whether this space ever moves objects. It does not.
func (s *Space) IsMovable() bool { return false }

// ActiveBytes returns the current live-byte count.
func (s *Space) ActiveBytes() uintptr {
	return uintptr(atomic.Load64(&s.activeBytes))
}

// ChunkRange returns the inclusive chunk-aligned interval every touched
// chunk lies in. min > max means nothing was ever allocated.
func (s *Space) ChunkRange() (min, max uintptr) {
	return atomic.Loaduintptr(&s.chunkAddrMin), atomic.Loaduintptr(&s.chunkAddrMax)
}

// Alloc obtains size bytes such that the returned address plus offset is
// aligned to align. A zero return means either the allocator failed or a
// collection was triggered; in the latter case the caller was parked and
// must retry after it resumes.
func (s *Space) Alloc(t Thread, size, align, offset uintptr) uintptr {
	if s.plan != nil && s.plan.Poll(s) {
		if !s.plan.IsMutator(t) {
			throw("mallocspace: GC worker polled for collection")
		}
		s.coll.BlockForGC(t)
		return 0
	}

	addr, isOffset := mallocutil.Alloc(s.raw, size, align, offset)
	if addr == 0 {
		return 0
	}
	actual := mallocutil.UsableSize(s.raw, addr, isOffset)

	// Map side metadata for [addr, addr+actual) on first contact, and
	// publish this space as the owner of the touched chunks.
	if !s.meta.IsMapped(addr, actual) {
		s.mapMetadataAndUpdateBound(addr, actual)
		spaceMapUpdate(s, addr, actual)
	}
	atomic.Xadd64(&s.activeBytes, int64(actual))

	if isOffset {
		s.setOffsetMallocBit(addr)
	}
	s.dbg.recordAlloc(addr, actual)
	return addr
}

// Free releases the block at addr and retires its alloc bit. Intended
// for tests and debugging; the normal way an object dies is the sweep.
func (s *Space) Free(addr uintptr) {
	isOffset := s.isOffsetMalloc(addr)
	bytes := mallocutil.UsableSize(s.raw, addr, isOffset)
	s.freeInternal(addr, bytes, isOffset)
	s.allocBit.ClearBit(addr)
}

// freeInternal takes bytes from the caller so the sweep's hot loop
// queries the usable size only once per object.
func (s *Space) freeInternal(addr, bytes uintptr, isOffset bool) {
	if isOffset {
		mallocutil.OffsetFree(s.raw, addr)
		s.unsetOffsetMallocBitUnsafe(addr)
	} else {
		mallocutil.Free(s.raw, addr)
	}
	atomic.Xadd64(&s.activeBytes, -int64(bytes))
	s.dbg.recordFree(addr)
}

// TraceObject marks obj, records its chunk as live and enqueues it for
// scanning, exactly once per collection across all racing workers. The
// object is returned unmoved.
func (s *Space) TraceObject(q ObjectQueue, obj ObjectReference) ObjectReference {
	if obj.IsNil() {
		return obj
	}
	if !s.InSpace(obj) {
		throw("mallocspace: traced object was not allocated by this space")
	}
	if !s.isMarked(obj, true) {
		chunk := sys.ChunkAlignDown(obj.Address())
		if !s.testAndSetMark(obj) {
			s.setChunkMark(chunk)
			q.Enqueue(obj)
		}
	}
	return obj
}

// InSpace reports whether obj currently exists in this space.
func (s *Space) InSpace(obj ObjectReference) bool {
	ret := s.isAlloced(obj.Address())
	if debugAssertions {
		s.dbg.checkInSpace(s.om.ObjectStart(obj), ret)
	}
	return ret
}

// IsLive reports whether obj was reached in the current collection.
func (s *Space) IsLive(obj ObjectReference) bool {
	return s.isMarked(obj, true)
}

// IsMallocObject reports whether some object begins at addr. Unlike
// InSpace it is meaningful for arbitrary addresses, including ones this
// space has never touched.
func (s *Space) IsMallocObject(addr uintptr) bool {
	if addr == 0 {
		return false
	}
	return s.isAlloced(addr)
}

// InitializeObjectMetadata records obj's birth: the page it starts on is
// marked live and its alloc bit is set.
func (s *Space) InitializeObjectMetadata(obj ObjectReference) {
	s.setPageMark(sys.PageAlignDown(obj.Address()))
	s.setAllocBit(obj)
}

// ReservedPages returns the pages this space accounts for: live data
// rounded up to pages, plus its share of metadata backing.
func (s *Space) ReservedPages() uintptr {
	dataPages := sys.BytesToPagesUp(s.ActiveBytes())
	return dataPages + s.meta.ReservedPages(dataPages)
}

// VerifySideMetadataSanity checks this space's metadata context against
// every other registered space.
func (s *Space) VerifySideMetadataSanity(sc *sidemeta.Sanity) {
	sc.VerifyContext(s.name, &s.meta)
}

// mapMetadataAndUpdateBound maps metadata over [addr, addr+size), marks
// the touched chunks active and widens the global chunk interval.
// Lockless compare-and-swap loops perform better than a locking variant.
func (s *Space) mapMetadataAndUpdateBound(addr, size uintptr) {
	s.meta.Map(addr, size)
	for c := sys.ChunkAlignDown(addr); c < addr+size; c += sys.ChunkSize {
		s.setChunkMark(c)
	}

	minChunk := sys.ChunkAlignDown(addr)
	for {
		min := atomic.Loaduintptr(&s.chunkAddrMin)
		if minChunk >= min || atomic.Casuintptr(&s.chunkAddrMin, min, minChunk) {
			break
		}
	}

	maxChunk := sys.ChunkAlignDown(addr + size)
	for {
		max := atomic.Loaduintptr(&s.chunkAddrMax)
		if maxChunk <= max || atomic.Casuintptr(&s.chunkAddrMax, max, maxChunk) {
			break
		}
	}
}

// objectBlock returns obj's block start, whether the block is an offset
// allocation, and its usable size.
func (s *Space) objectBlock(obj ObjectReference) (start uintptr, isOffset bool, bytes uintptr) {
	start = s.om.ObjectStart(obj)
	isOffset = s.isOffsetMalloc(start)
	bytes = mallocutil.UsableSize(s.raw, start, isOffset)
	return
}

func throw(msg string) {
	panic(msg)
}
