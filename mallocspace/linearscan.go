// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import "github.com/jopemachine/mallocgc/internal/sys"

// An objectIterator yields, in address order, every object whose alloc
// bit is set in [start, end). It reads the alloc bitmap without
// synchronization, so it may only run where the caller owns the range
// (sweep, or a stopped world). Not restartable.
type objectIterator struct {
	s           *Space
	cursor, end uintptr
}

// objects returns an iterator over [start, end). The range must lie
// within one chunk.
func (s *Space) objects(start, end uintptr) objectIterator {
	return objectIterator{s: s, cursor: start, end: end}
}

// next returns the next object, or false when the range is exhausted.
// After yielding an object the cursor skips its whole block, aligned up
// to the minimum object granularity.
func (it *objectIterator) next() (ObjectReference, bool) {
	if it.cursor >= it.end {
		return Nil, false
	}
	addr := it.s.allocBit.NextSet(it.cursor, it.end)
	if addr == it.end {
		it.cursor = it.end
		return Nil, false
	}
	obj := ObjectReference(addr)
	_, _, bytes := it.s.objectBlock(obj)
	it.cursor = addr + sys.AlignUp(bytes, 1<<logMinObjSize)
	return obj, true
}
