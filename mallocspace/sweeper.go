// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mallocspace

import (
	"sync"

	"github.com/jopemachine/mallocgc/internal/sys"
)

// SweepAll sweeps every active chunk of the space across workers
// goroutines, one chunk per work packet. The caller must have quiesced
// all mutator and tracing work first; SweepAll is the post-trace step
// of a collection cycle.
func (s *Space) SweepAll(workers int) {
	if workers < 1 {
		workers = 1
	}
	min, max := s.ChunkRange()
	if min > max {
		return
	}

	// Snapshot the chunks to sweep: those inside the covered interval
	// that this space owns and that saw allocation or tracing. The
	// interval may cover chunks that became empty earlier; they are
	// skipped here.
	var chunks []uintptr
	for c := min; c <= max; c += sys.ChunkSize {
		if SpaceOf(c) == s && s.isChunkMarked(c) {
			chunks = append(chunks, c)
		}
	}
	if len(chunks) == 0 {
		return
	}
	s.dbg.sweepBegin(len(chunks))

	work := make(chan uintptr)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range work {
				s.SweepChunk(c)
			}
		}()
	}
	for _, c := range chunks {
		work <- c
	}
	close(work)
	wg.Wait()
}
