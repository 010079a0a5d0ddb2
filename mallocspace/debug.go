// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import (
	"sync"

	"github.com/jopemachine/mallocgc/internal/atomic"
)

// Debug accounting, enabled by the gcdebug build tag. When on, every
// allocation is recorded in a table keyed by block start (size zero
// meaning freed) and cross-checked on free and in-space queries, and a
// parallel sweep counts its work packets so the last one can assert
// that the live bytes it observed equal the space's active bytes.
type spaceDebug struct {
	mu        sync.Mutex
	activeMem map[uintptr]uintptr

	totalWorkPackets     uint32
	completedWorkPackets uint32
	workLiveBytes        uint64
}

func (d *spaceDebug) init() {
	if !debugAssertions {
		return
	}
	d.activeMem = make(map[uintptr]uintptr)
}

func (d *spaceDebug) recordAlloc(addr, bytes uintptr) {
	if !debugAssertions {
		return
	}
	if bytes == 0 {
		throw("mallocspace: allocation with zero usable size")
	}
	d.mu.Lock()
	d.activeMem[addr] = bytes
	d.mu.Unlock()
}

func (d *spaceDebug) recordFree(addr uintptr) {
	if !debugAssertions {
		return
	}
	d.mu.Lock()
	if _, ok := d.activeMem[addr]; !ok {
		d.mu.Unlock()
		throw("mallocspace: free of address never allocated")
	}
	d.activeMem[addr] = 0
	d.mu.Unlock()
}

// checkInSpace validates an in-space answer against the allocation
// table: a set alloc bit must match a live entry, a clear one an absent
// or freed entry. start is the object's block start.
func (d *spaceDebug) checkInSpace(start uintptr, inSpace bool) {
	if !debugAssertions {
		return
	}
	d.mu.Lock()
	size, ok := d.activeMem[start]
	d.mu.Unlock()
	if inSpace && !(ok && size != 0) {
		throw("mallocspace: object with alloc bit set is not in the allocation table")
	}
	if !inSpace && ok && size != 0 {
		throw("mallocspace: live table entry for object without alloc bit")
	}
}

// checkSweptObject validates one iterated object's block against the
// allocation table.
func (d *spaceDebug) checkSweptObject(s *Space, obj ObjectReference) {
	if !debugAssertions {
		return
	}
	start, _, bytes := s.objectBlock(obj)
	d.mu.Lock()
	size, ok := d.activeMem[start]
	d.mu.Unlock()
	if !ok || size == 0 {
		throw("mallocspace: swept object not in the allocation table")
	}
	if size != bytes {
		throw("mallocspace: allocation table size disagrees with usable size")
	}
}

func (d *spaceDebug) sweepBegin(packets int) {
	if !debugAssertions {
		return
	}
	atomic.Store(&d.totalWorkPackets, uint32(packets))
	atomic.Store(&d.completedWorkPackets, 0)
	atomic.Store64(&d.workLiveBytes, 0)
}

// sweepChunkDone retires one work packet. The final packet checks the
// summed live bytes against the space's active-byte counter; the two
// disagreeing means the sweep or the tracer miscounted.
func (d *spaceDebug) sweepChunkDone(s *Space, liveBytes uintptr) {
	if !debugAssertions {
		return
	}
	atomic.Xadd64(&d.workLiveBytes, int64(liveBytes))
	completed := atomic.Xadd(&d.completedWorkPackets, 1)
	if completed == atomic.Load(&d.totalWorkPackets) {
		if atomic.Load64(&d.workLiveBytes) != uint64(s.ActiveBytes()) {
			throw("mallocspace: live bytes after sweep disagree with active bytes")
		}
	}
}
