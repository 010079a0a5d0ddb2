// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import (
	"unsafe"

	"github.com/jopemachine/mallocgc/internal/atomic"
	"github.com/jopemachine/mallocgc/internal/sys"
)

// The address-to-space map is a process-wide table answering "which
// space owns this chunk". It is a two-level index over chunk numbers:
// spaceMap.l1[l1(c)][l2(c)] holds the owning *Space. Publication happens
// under allocation, revocation only from sweep; both are per-chunk
// atomic pointer stores.

const (
	sfL1Bits = 13
	sfL2Bits = sys.HeapAddrBits - sys.ChunkShift - sfL1Bits
)

type sfL2 [1 << sfL2Bits]unsafe.Pointer

var spaceMap struct {
	l1 [1 << sfL1Bits]unsafe.Pointer // each entry is a *sfL2
}

func sfIndex(addr uintptr) (uintptr, uintptr) {
	ci := sys.ChunkIndex(addr)
	return ci >> sfL2Bits, ci & (1<<sfL2Bits - 1)
}

// SpaceOf returns the space owning the chunk containing addr, or nil if
// the chunk is unowned.
func SpaceOf(addr uintptr) *Space {
	i1, i2 := sfIndex(addr)
	l2 := (*sfL2)(atomic.Loadp(unsafe.Pointer(&spaceMap.l1[i1])))
	if l2 == nil {
		return nil
	}
	return (*Space)(atomic.Loadp(unsafe.Pointer(&l2[i2])))
}

// spaceMapUpdate publishes s as the owner of every chunk fully or
// partially overlapping [addr, addr+size).
func spaceMapUpdate(s *Space, addr, size uintptr) {
	for c := sys.ChunkAlignDown(addr); c < addr+size; c += sys.ChunkSize {
		i1, i2 := sfIndex(c)
		l2p := &spaceMap.l1[i1]
		l2 := (*sfL2)(atomic.Loadp(unsafe.Pointer(l2p)))
		for l2 == nil {
			fresh := new(sfL2)
			if atomic.Casp(l2p, nil, unsafe.Pointer(fresh)) {
				l2 = fresh
				break
			}
			l2 = (*sfL2)(atomic.Loadp(unsafe.Pointer(l2p)))
		}
		atomic.Storep(unsafe.Pointer(&l2[i2]), unsafe.Pointer(s))
	}
}

// spaceMapClear revokes ownership of the chunk starting at chunk.
func spaceMapClear(chunk uintptr) {
	i1, i2 := sfIndex(chunk)
	l2 := (*sfL2)(atomic.Loadp(unsafe.Pointer(&spaceMap.l1[i1])))
	if l2 == nil {
		return
	}
	atomic.Storep(unsafe.Pointer(&l2[i2]), nil)
}
