// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sidemeta

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jopemachine/mallocgc/internal/atomic"
	"github.com/jopemachine/mallocgc/internal/sys"
)

// A Context is the full set of side metadata one space consumes. It is
// immutable after construction; the space owns it for its whole life.
type Context struct {
	Global []*Spec
	Local  []*Spec
}

// mapLock serializes the slow path of metadata mapping. Lookups never
// take it.
var mapLock sync.Mutex

// mappings pins every block we ever mapped. Metadata backing pages are
// immortal within the process lifetime.
var mappings [][]byte

// IsMapped reports whether metadata for every spec in the context exists
// over the whole data range [addr, addr+size).
func (ctx *Context) IsMapped(addr, size uintptr) bool {
	for c := sys.ChunkAlignDown(addr); c < addr+size; c += sys.ChunkSize {
		for _, s := range ctx.Global {
			if s.blockFor(c) == nil {
				return false
			}
		}
		for _, s := range ctx.Local {
			if s.blockFor(c) == nil {
				return false
			}
		}
	}
	return true
}

// Map ensures metadata backing exists for [addr, addr+size) for every
// spec in the context. Mapping failure is fatal: a space that cannot
// describe an allocation it already holds has no way to continue.
func (ctx *Context) Map(addr, size uintptr) {
	for c := sys.ChunkAlignDown(addr); c < addr+size; c += sys.ChunkSize {
		for _, s := range ctx.Global {
			s.mapChunk(c)
		}
		for _, s := range ctx.Local {
			s.mapChunk(c)
		}
	}
}

// mapChunk lazily maps the metadata block of the chunk containing addr.
func (s *Spec) mapChunk(addr uintptr) {
	if s.blockFor(addr) != nil {
		return
	}
	mapLock.Lock()
	defer mapLock.Unlock()
	if s.blockFor(addr) != nil {
		return
	}

	ci := sys.ChunkIndex(addr)
	l2p := &s.blocks[chunkL1(ci)]
	l2 := (*metaL2)(atomic.Loadp(unsafe.Pointer(l2p)))
	if l2 == nil {
		l2 = new(metaL2)
		atomic.Storep(unsafe.Pointer(l2p), unsafe.Pointer(l2))
	}

	n := sys.AlignUp(s.BytesPerChunk(), sys.PageSize)
	b, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		throw("sidemeta: out of memory mapping metadata")
	}
	mappings = append(mappings, b)
	atomic.Storep(unsafe.Pointer(&l2[chunkL2(ci)]), unsafe.Pointer(&b[0]))
}

// ReservedPages returns the page overhead this context imposes for a
// space currently holding dataPages of data.
func (ctx *Context) ReservedPages(dataPages uintptr) uintptr {
	total := uintptr(0)
	for _, s := range ctx.Global {
		total += s.reservedPages(dataPages)
	}
	for _, s := range ctx.Local {
		total += s.reservedPages(dataPages)
	}
	return total
}

func (s *Spec) reservedPages(dataPages uintptr) uintptr {
	metaBytes := (dataPages << sys.PageShift) >> (s.LogBytesInRegion + 3 - s.LogNumOfBits)
	return sys.BytesToPagesUp(metaBytes)
}
