// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import (
	"sync"
	"testing"

	"github.com/jopemachine/mallocgc/internal/sys"
	"github.com/jopemachine/mallocgc/sidemeta"
)

// identityModel is the simplest binding: references point at block
// starts and mark bits live on the side.
type identityModel struct {
	mark *sidemeta.Spec
}

func (m identityModel) ObjectStart(obj ObjectReference) uintptr { return obj.Address() }

func (m identityModel) MarkBit() MarkBitLocation { return MarkBitLocation{Side: m.mark} }

func newTestSpace(name string) *Space {
	return New(Config{
		Name:        name,
		ObjectModel: identityModel{mark: NewSideMarkBitSpec()},
	})
}

// alloc allocates and initializes one object, the way a binding's
// post-alloc hook would.
func alloc(t *testing.T, s *Space, size uintptr) ObjectReference {
	t.Helper()
	addr := s.Alloc(0, size, 8, 0)
	if addr == 0 {
		t.Fatal("Alloc failed")
	}
	obj := ObjectReference(addr)
	s.InitializeObjectMetadata(obj)
	return obj
}

func TestAllocFreeAccounting(t *testing.T) {
	s := newTestSpace(t.Name())
	for i := 0; i < 10000; i++ {
		before := s.ActiveBytes()
		obj := alloc(t, s, 100)
		active := s.ActiveBytes()
		if active < before+100 {
			t.Fatalf("iteration %d: active bytes %d after 100-byte alloc over %d", i, active, before)
		}
		_, _, usable := s.objectBlock(obj)
		if active != before+usable {
			t.Fatalf("iteration %d: active bytes %d, want %d", i, active, before+usable)
		}
		s.Free(obj.Address())
		if got := s.ActiveBytes(); got != before {
			t.Fatalf("iteration %d: active bytes %d after free, want %d", i, got, before)
		}
	}
	if got := s.ActiveBytes(); got != 0 {
		t.Fatalf("final active bytes = %d, want 0", got)
	}
}

func TestAllocSetsMetadata(t *testing.T) {
	s := newTestSpace(t.Name())
	obj := alloc(t, s, 64)
	addr := obj.Address()

	if !s.InSpace(obj) {
		t.Fatal("allocated object not in space")
	}
	if !s.IsMallocObject(addr) {
		t.Fatal("IsMallocObject false for fresh allocation")
	}
	if !s.pageMark.BitIsSet(sys.PageAlignDown(addr)) {
		t.Fatal("page mark not set at birth")
	}
	if !s.isChunkMarked(sys.ChunkAlignDown(addr)) {
		t.Fatal("chunk mark not set on first contact")
	}
	if SpaceOf(addr) != s {
		t.Fatal("space map does not report this space as owner")
	}

	s.Free(addr)
	if s.IsMallocObject(addr) {
		t.Fatal("IsMallocObject true after free")
	}
	if s.InSpace(obj) {
		t.Fatal("freed object still in space")
	}
}

func TestIsMallocObjectUntouchedAddress(t *testing.T) {
	s := newTestSpace(t.Name())
	if s.IsMallocObject(0) {
		t.Fatal("IsMallocObject(0)")
	}
	// An address in a chunk this space never touched must answer
	// false, not fault.
	if s.IsMallocObject(uintptr(12345) << sys.ChunkShift) {
		t.Fatal("IsMallocObject true for untouched chunk")
	}
}

func TestOffsetAllocation(t *testing.T) {
	s := newTestSpace(t.Name())
	before := s.ActiveBytes()

	addr := s.Alloc(0, 64, 4096, 8)
	if addr == 0 {
		t.Fatal("offset Alloc failed")
	}
	if (addr+8)%4096 != 0 {
		t.Fatalf("addr = %#x; addr+8 not 4096-aligned", addr)
	}
	if !s.isOffsetMalloc(addr) {
		t.Fatal("offset-malloc bit not set")
	}
	s.InitializeObjectMetadata(ObjectReference(addr))
	if !s.InSpace(ObjectReference(addr)) {
		t.Fatal("offset object not in space")
	}

	s.Free(addr)
	if got := s.ActiveBytes(); got != before {
		t.Fatalf("active bytes = %d after free, want %d", got, before)
	}
	if s.isOffsetMalloc(addr) {
		t.Fatal("offset-malloc bit survived free")
	}
}

func TestSingleChunkMarkSweep(t *testing.T) {
	s := newTestSpace(t.Name())
	const n = 1000

	objs := make([]ObjectReference, n)
	usable := make([]uintptr, n)
	for i := range objs {
		objs[i] = alloc(t, s, 64)
		_, _, usable[i] = s.objectBlock(objs[i])
	}

	// Mark the even-indexed objects.
	var q VectorQueue
	liveBytes := uintptr(0)
	for i := 0; i < n; i += 2 {
		if got := s.TraceObject(&q, objs[i]); got != objs[i] {
			t.Fatal("trace moved an object")
		}
		liveBytes += usable[i]
	}
	if q.Len() != n/2 {
		t.Fatalf("traced %d objects, enqueued %d", n/2, q.Len())
	}
	for i := 0; i < n; i++ {
		marked := s.isMarked(objs[i], true)
		if marked != (i%2 == 0) {
			t.Fatalf("object %d marked = %v", i, marked)
		}
		if marked && !s.isAlloced(objs[i].Address()) {
			t.Fatalf("object %d marked but not alloced", i)
		}
	}

	s.SweepAll(4)

	for i, obj := range objs {
		if in := s.InSpace(obj); in != (i%2 == 0) {
			t.Fatalf("object %d in space = %v after sweep", i, in)
		}
		if i%2 == 0 && s.isMarked(obj, true) {
			t.Fatalf("object %d still marked after sweep", i)
		}
	}
	if got := s.ActiveBytes(); got != liveBytes {
		t.Fatalf("active bytes = %d after sweep, want %d", got, liveBytes)
	}

	// A second sweep with nothing marked reclaims the rest.
	s.SweepAll(4)
	if got := s.ActiveBytes(); got != 0 {
		t.Fatalf("active bytes = %d after full sweep, want 0", got)
	}
}

func TestEmptyChunkTeardown(t *testing.T) {
	s := newTestSpace(t.Name())

	chunks := make(map[uintptr]bool)
	for i := 0; i < 200; i++ {
		obj := alloc(t, s, 256)
		chunks[sys.ChunkAlignDown(obj.Address())] = true
	}

	// Nothing is marked: everything dies.
	s.SweepAll(2)

	if got := s.ActiveBytes(); got != 0 {
		t.Fatalf("active bytes = %d after sweep of all-dead space", got)
	}
	for c := range chunks {
		if s.isChunkMarked(c) {
			t.Fatalf("chunk %#x still marked after teardown", c)
		}
		for page := c; page < c+sys.ChunkSize; page += sys.PageSize {
			if SpaceOf(page) != nil {
				t.Fatalf("page %#x still owned after teardown", page)
			}
		}
	}
}

func TestConcurrentTraceRace(t *testing.T) {
	s := newTestSpace(t.Name())
	obj := alloc(t, s, 64)

	const workers = 8
	queues := make([]VectorQueue, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10000; i++ {
				s.TraceObject(&queues[w], obj)
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for w := range queues {
		total += queues[w].Len()
	}
	if total != 1 {
		t.Fatalf("%d enqueues of one object, want exactly 1", total)
	}
	if !s.IsLive(obj) {
		t.Fatal("object not marked after concurrent trace")
	}
}

func TestTraceNil(t *testing.T) {
	s := newTestSpace(t.Name())
	var q VectorQueue
	if got := s.TraceObject(&q, Nil); got != Nil {
		t.Fatal("trace of nil did not return nil")
	}
	if q.Len() != 0 {
		t.Fatal("trace of nil enqueued")
	}
}

func TestTraceOutsideSpaceFatal(t *testing.T) {
	s := newTestSpace(t.Name())
	alloc(t, s, 64) // map some metadata so the failure is the contract check
	var q VectorQueue
	mustPanic(t, func() {
		s.TraceObject(&q, ObjectReference(uintptr(999)<<sys.ChunkShift))
	})
}

func TestChunkRangeTracking(t *testing.T) {
	s := newTestSpace(t.Name())

	type block struct{ addr, size uintptr }
	const workers = 16
	results := make([][]block, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				addr := s.Alloc(0, 512, 8, 0)
				if addr == 0 {
					t.Error("Alloc failed")
					return
				}
				_, _, size := s.objectBlock(ObjectReference(addr))
				results[w] = append(results[w], block{addr, size})
			}
		}(w)
	}
	wg.Wait()

	min, max := s.ChunkRange()
	if min > max {
		t.Fatalf("empty chunk range [%#x, %#x] after allocation", min, max)
	}
	for _, blocks := range results {
		for _, b := range blocks {
			if c := sys.ChunkAlignDown(b.addr); c < min {
				t.Fatalf("block %#x below chunk_addr_min %#x", b.addr, min)
			}
			if c := sys.ChunkAlignDown(b.addr + b.size); c > max {
				t.Fatalf("block end %#x above chunk_addr_max %#x", b.addr+b.size, max)
			}
		}
	}
}

func TestLinearScan(t *testing.T) {
	s := newTestSpace(t.Name())

	objs := make(map[ObjectReference]bool)
	for i := 0; i < 100; i++ {
		objs[alloc(t, s, 96)] = true
	}

	min, max := s.ChunkRange()
	seen := make(map[ObjectReference]bool)
	last := uintptr(0)
	for c := min; c <= max; c += sys.ChunkSize {
		if SpaceOf(c) != s {
			continue
		}
		it := s.objects(c, c+sys.ChunkSize)
		for obj, ok := it.next(); ok; obj, ok = it.next() {
			if obj.Address() <= last {
				t.Fatal("iterator yielded objects out of order")
			}
			last = obj.Address()
			if seen[obj] {
				t.Fatalf("object %#x yielded twice", obj.Address())
			}
			seen[obj] = true
		}
	}
	for obj := range objs {
		if !seen[obj] {
			t.Fatalf("object %#x not yielded", obj.Address())
		}
	}
}

func TestReservedPages(t *testing.T) {
	s := newTestSpace(t.Name())
	if got := s.ReservedPages(); got != 0 {
		t.Fatalf("fresh space reserves %d pages", got)
	}
	alloc(t, s, 3*sys.PageSize)
	dataPages := sys.BytesToPagesUp(s.ActiveBytes())
	got := s.ReservedPages()
	if got < dataPages {
		t.Fatalf("ReservedPages = %d, want >= %d data pages", got, dataPages)
	}
	if got == dataPages {
		t.Fatal("ReservedPages does not account for metadata")
	}
}

func TestPollParksMutator(t *testing.T) {
	plan := &stubPlan{trigger: true, mutator: true}
	coll := &stubCollection{}
	s := New(Config{
		Name:        t.Name(),
		ObjectModel: identityModel{mark: NewSideMarkBitSpec()},
		Plan:        plan,
		Collection:  coll,
	})

	if addr := s.Alloc(7, 64, 8, 0); addr != 0 {
		t.Fatalf("Alloc = %#x during triggered collection, want 0", addr)
	}
	if coll.blocked != Thread(7) {
		t.Fatal("mutator was not parked")
	}

	plan.trigger = false
	if addr := s.Alloc(7, 64, 8, 0); addr == 0 {
		t.Fatal("Alloc failed after collection completed")
	}
}

func TestPollInWorkerFatal(t *testing.T) {
	plan := &stubPlan{trigger: true, mutator: false}
	s := New(Config{
		Name:        t.Name(),
		ObjectModel: identityModel{mark: NewSideMarkBitSpec()},
		Plan:        plan,
		Collection:  &stubCollection{},
	})
	mustPanic(t, func() { s.Alloc(7, 64, 8, 0) })
}

type stubPlan struct {
	trigger bool
	mutator bool
}

func (p *stubPlan) Poll(*Space) bool      { return p.trigger }
func (p *stubPlan) IsMutator(Thread) bool { return p.mutator }

type stubCollection struct {
	blocked Thread
}

func (c *stubCollection) BlockForGC(t Thread) { c.blocked = t }

func TestSweepChunkContractChecks(t *testing.T) {
	s := newTestSpace(t.Name())
	// Misaligned chunk address.
	mustPanic(t, func() { s.SweepChunk(12345) })
	// Aligned but never mapped.
	mustPanic(t, func() { s.SweepChunk(uintptr(4321) << sys.ChunkShift) })
}

func TestVerifySideMetadataSanity(t *testing.T) {
	sc := sidemeta.NewSanity()
	a := newTestSpace(t.Name() + "-a")
	b := newTestSpace(t.Name() + "-b")
	a.VerifySideMetadataSanity(sc)
	b.VerifySideMetadataSanity(sc)
}

func TestSpaceIdentity(t *testing.T) {
	s := newTestSpace("msTest")
	if s.Name() != "msTest" {
		t.Fatalf("Name = %q", s.Name())
	}
	if s.IsMovable() {
		t.Fatal("malloc space claims to move objects")
	}
}

func mustPanic(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	f()
}
