// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import "github.com/jopemachine/mallocgc/sidemeta"

// An ObjectReference identifies one object managed by the space. The
// reference itself is an address; the runtime's object model maps it to
// the start address of the block the object lives in.
type ObjectReference uintptr

// Nil is the null object reference.
const Nil ObjectReference = 0

func (o ObjectReference) IsNil() bool { return o == 0 }

func (o ObjectReference) Address() uintptr { return uintptr(o) }

// A Thread is an opaque handle to a runtime thread. The space never
// inspects it; it only passes it back to the runtime.
type Thread uintptr

// ObjectModel is the runtime's description of its objects.
type ObjectModel interface {
	// ObjectStart returns the address the allocator returned for the
	// block holding obj (obj minus any header displacement).
	ObjectStart(obj ObjectReference) uintptr

	// MarkBit reports where the runtime keeps each object's mark bit.
	// It is consulted once, at space construction.
	MarkBit() MarkBitLocation
}

// MarkBitLocation is either a side-metadata bitmap or an accessor for a
// header bit. Side is preferred when non-nil.
type MarkBitLocation struct {
	Side   *sidemeta.Spec
	Header HeaderMarker
}

// HeaderMarker reads and writes a mark bit kept in object headers.
// The non-atomic methods are only called from sweep, on a chunk owned
// by the calling worker.
type HeaderMarker interface {
	IsMarked(obj ObjectReference) bool
	IsMarkedAtomic(obj ObjectReference) bool

	// TestAndSetMarked sets the mark bit with sequentially consistent
	// ordering and reports whether it was already set.
	TestAndSetMarked(obj ObjectReference) bool

	ClearMarked(obj ObjectReference)
}

// ActivePlan is the GC trigger surface of the runtime's plan.
type ActivePlan interface {
	// Poll reports whether a collection should start now.
	Poll(space *Space) bool

	// IsMutator reports whether t is a mutator thread.
	IsMutator(t Thread) bool
}

// Collection parks threads for a collection cycle.
type Collection interface {
	// BlockForGC parks the calling mutator until the collection
	// completes.
	BlockForGC(t Thread)
}

// An ObjectQueue accepts objects discovered during tracing. Each worker
// owns its queue; Enqueue is not required to be goroutine-safe.
type ObjectQueue interface {
	Enqueue(obj ObjectReference)
}

// VectorQueue is the basic ObjectQueue: an in-memory buffer drained by
// the caller between trace steps.
type VectorQueue struct {
	buf []ObjectReference
}

func (q *VectorQueue) Enqueue(obj ObjectReference) {
	q.buf = append(q.buf, obj)
}

func (q *VectorQueue) Len() int { return len(q.buf) }

// Drain empties the queue and returns its contents.
func (q *VectorQueue) Drain() []ObjectReference {
	b := q.buf
	q.buf = nil
	return b
}
