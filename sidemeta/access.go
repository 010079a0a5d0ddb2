// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sidemeta

import (
	"math/bits"
	"unsafe"

	"github.com/jopemachine/mallocgc/internal/atomic"
	"github.com/jopemachine/mallocgc/internal/sys"
)

// Single-bit accessors. The non-atomic variants may only be used while
// the caller has exclusive access to the affected chunk.

// BitIsSet atomically reads the bit covering addr.
func (s *Spec) BitIsSet(addr uintptr) bool {
	p, shift := s.metaSlot(addr)
	return atomic.Load8(p)>>shift&1 != 0
}

// BitIsSetNonAtomic reads the bit covering addr without synchronization.
func (s *Spec) BitIsSetNonAtomic(addr uintptr) bool {
	p, shift := s.metaSlot(addr)
	return *p>>shift&1 != 0
}

// SetBit atomically sets the bit covering addr.
func (s *Spec) SetBit(addr uintptr) {
	p, shift := s.metaSlot(addr)
	atomic.Or8(p, 1<<shift)
}

// TestAndSetBit atomically sets the bit covering addr and reports whether
// it was already set. Exactly one of any set of racing callers observes
// false.
func (s *Spec) TestAndSetBit(addr uintptr) bool {
	p, shift := s.metaSlot(addr)
	return atomic.Or8(p, 1<<shift)>>shift&1 != 0
}

// ClearBit atomically clears the bit covering addr.
func (s *Spec) ClearBit(addr uintptr) {
	p, shift := s.metaSlot(addr)
	atomic.And8(p, ^uint8(1<<shift))
}

// SetBitNonAtomic sets the bit covering addr without synchronization.
func (s *Spec) SetBitNonAtomic(addr uintptr) {
	p, shift := s.metaSlot(addr)
	*p |= 1 << shift
}

// ClearBitNonAtomic clears the bit covering addr without synchronization.
func (s *Spec) ClearBitNonAtomic(addr uintptr) {
	p, shift := s.metaSlot(addr)
	*p &^= 1 << shift
}

// Whole-byte accessors for byte-granularity specs (LogNumOfBits == 3).

func (s *Spec) LoadByte(addr uintptr) uint8 {
	p, _ := s.metaSlot(addr)
	return atomic.Load8(p)
}

func (s *Spec) StoreByte(addr uintptr, v uint8) {
	p, _ := s.metaSlot(addr)
	atomic.Store8(p, v)
}

func (s *Spec) StoreByteNonAtomic(addr uintptr, v uint8) {
	p, _ := s.metaSlot(addr)
	*p = v
}

// Load128 bulk-loads the 128 metadata bits whose first unit covers addr.
// The spec must be a bitmap and addr's region index must be a multiple
// of 128. The load is not atomic; callers must own the chunk.
func (s *Spec) Load128(addr uintptr) (lo, hi uint64) {
	if s.LogNumOfBits != 0 {
		throw("sidemeta: Load128 on a non-bitmap spec")
	}
	region := (addr & sys.ChunkMask) >> s.LogBytesInRegion
	if region&127 != 0 {
		throw("sidemeta: misaligned Load128")
	}
	p, _ := s.metaSlot(addr)
	lo = *(*uint64)(unsafe.Pointer(p))
	hi = *(*uint64)(unsafe.Pointer(uintptr(unsafe.Pointer(p)) + 8))
	return
}

// BZero clears the metadata covering the data range [addr, addr+bytes).
// The range must cover whole metadata bytes and must not leave the
// chunk. Not atomic; callers must own the chunk.
func (s *Spec) BZero(addr, bytes uintptr) {
	units := bytes >> s.LogBytesInRegion << s.LogNumOfBits
	if units&7 != 0 {
		throw("sidemeta: BZero range not byte aligned")
	}
	p, _ := s.metaSlot(addr)
	b := unsafe.Slice(p, units>>3)
	clear(b)
}

// NextSet returns the lowest data address in [start, end) whose bit is
// set, or end if there is none. start and end must lie in one chunk.
// Reads are not atomic; callers must own the chunk.
func (s *Spec) NextSet(start, end uintptr) uintptr {
	if start >= end {
		return end
	}
	if sys.ChunkAlignDown(start) != sys.ChunkAlignDown(end-1) {
		throw("sidemeta: NextSet range spans chunks")
	}
	chunk := sys.ChunkAlignDown(start)
	block := s.blockFor(start)
	if block == nil {
		throw("sidemeta: access to unmapped metadata")
	}
	base := uintptr(unsafe.Pointer(block))

	r := (start & sys.ChunkMask) >> s.LogBytesInRegion
	rEnd := (((end - 1) & sys.ChunkMask) >> s.LogBytesInRegion) + 1
	for r < rEnd {
		b := *(*uint8)(unsafe.Pointer(base + r>>3))
		b &= 0xff << (r & 7) // ignore units before r in this byte
		if b != 0 {
			rr := r&^7 + uintptr(bits.TrailingZeros8(b))
			if rr >= rEnd {
				return end
			}
			return chunk + rr<<s.LogBytesInRegion
		}
		r = r&^7 + 8
	}
	return end
}
