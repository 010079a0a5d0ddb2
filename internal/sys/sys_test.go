// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sys

import "testing"

func TestAlign(t *testing.T) {
	tests := []struct {
		n, a, up, down uintptr
	}{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{9, 8, 16, 8},
		{4095, PageSize, PageSize, 0},
		{4096, PageSize, PageSize, PageSize},
		{4097, PageSize, 2 * PageSize, PageSize},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.n, tt.a); got != tt.up {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.n, tt.a, got, tt.up)
		}
		if got := AlignDown(tt.n, tt.a); got != tt.down {
			t.Errorf("AlignDown(%d, %d) = %d, want %d", tt.n, tt.a, got, tt.down)
		}
	}
}

func TestChunkGeometry(t *testing.T) {
	if ChunkSize%PageSize != 0 {
		t.Fatal("chunk size is not a multiple of page size")
	}
	if PagesPerChunk != ChunkSize/PageSize {
		t.Fatal("PagesPerChunk inconsistent")
	}
	addr := uintptr(3*ChunkSize + 12345)
	if got := ChunkAlignDown(addr); got != 3*ChunkSize {
		t.Errorf("ChunkAlignDown = %#x, want %#x", got, 3*ChunkSize)
	}
	if got := ChunkIndex(addr); got != 3 {
		t.Errorf("ChunkIndex = %d, want 3", got)
	}
	if got := PageAlignDown(addr); got != AlignDown(addr, PageSize) {
		t.Errorf("PageAlignDown = %#x", got)
	}
}

func TestBytesToPagesUp(t *testing.T) {
	tests := []struct{ bytes, pages uintptr }{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
	}
	for _, tt := range tests {
		if got := BytesToPagesUp(tt.bytes); got != tt.pages {
			t.Errorf("BytesToPagesUp(%d) = %d, want %d", tt.bytes, got, tt.pages)
		}
	}
}
