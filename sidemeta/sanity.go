// Copyright 2022 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sidemeta

import "sync"

// Sanity cross-checks the metadata contexts of every space in a
// process: all spaces must agree on the set of global specs, and a
// local spec may belong to only one space. Verification runs once per
// space at startup; a failure is a programmer error and fatal.
type Sanity struct {
	mu       sync.Mutex
	contexts int
	global   map[string]bool
	local    map[*Spec]string // local spec -> owning space
}

func NewSanity() *Sanity {
	return &Sanity{
		global: make(map[string]bool),
		local:  make(map[*Spec]string),
	}
}

// VerifyContext registers space's context and checks it against every
// context registered before it.
func (sc *Sanity) VerifyContext(space string, ctx *Context) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	seen := make(map[string]bool, len(ctx.Global))
	for _, s := range ctx.Global {
		if !s.Global {
			throw("sidemeta: local spec " + s.Name + " declared global by " + space)
		}
		if seen[s.Name] {
			throw("sidemeta: duplicate global spec " + s.Name + " in " + space)
		}
		seen[s.Name] = true
		if sc.contexts > 0 && !sc.global[s.Name] {
			throw("sidemeta: global metadata specs differ between spaces")
		}
		sc.global[s.Name] = true
	}
	if sc.contexts > 0 && len(seen) != len(sc.global) {
		throw("sidemeta: global metadata specs differ between spaces")
	}

	for _, s := range ctx.Local {
		if s.Global {
			throw("sidemeta: global spec " + s.Name + " declared local by " + space)
		}
		if owner, ok := sc.local[s]; ok {
			throw("sidemeta: local spec " + s.Name + " already owned by " + owner)
		}
		sc.local[s] = space
	}
	sc.contexts++
}
