// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build gcdebug

package mallocspace

import (
	"testing"

	"github.com/jopemachine/mallocgc/internal/atomic"
)

// With debug accounting on, a full parallel sweep must retire exactly
// one work packet per swept chunk and reconcile live bytes against the
// active-byte counter (sweepChunkDone panics on mismatch).
func TestWorkPacketAccounting(t *testing.T) {
	s := newTestSpace(t.Name())
	const n = 500
	objs := make([]ObjectReference, n)
	for i := range objs {
		objs[i] = alloc(t, s, 64)
	}
	var q VectorQueue
	for i := 0; i < n; i += 2 {
		s.TraceObject(&q, objs[i])
	}

	s.SweepAll(4)

	total := atomic.Load(&s.dbg.totalWorkPackets)
	completed := atomic.Load(&s.dbg.completedWorkPackets)
	if total == 0 {
		t.Fatal("no work packets recorded")
	}
	if completed != total {
		t.Fatalf("completed %d of %d work packets", completed, total)
	}
	if got := atomic.Load64(&s.dbg.workLiveBytes); got != uint64(s.ActiveBytes()) {
		t.Fatalf("work live bytes %d, active bytes %d", got, s.ActiveBytes())
	}

	s.SweepAll(4)
}

func TestDebugFreeOfUnknownAddressFatal(t *testing.T) {
	s := newTestSpace(t.Name())
	alloc(t, s, 64)
	mustPanic(t, func() { s.dbg.recordFree(0xdead0) })
}
