// Copyright 2025 The go-vbci Authors
// This file is part of the go-vbci library.
//
// The go-vbci library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-vbci library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-vbci library. If not, see <http://www.gnu.org/licenses/>.

package vm

import (
	mapset "github.com/deckarep/golang-set"

	"github.com/probeum/go-vbci/log"
)

// dragAllocation relocates the frame-local subgraph reachable from h into
// the destination: another frame-local region (an older frame) or a real
// region. Frame-local headers move; regions encountered on the way become
// children of a non-frame-local destination. Fails when the graph points
// at the stack, would break the region forest, or would give a region a
// second entry point.
func dragAllocation(t *Thread, destLoc Location, h Heaped, isMove bool) bool {
	r := destLoc.toRegion()
	frameLocal := destLoc.isFrameLocal()

	wl := []Heaped{h}
	rcMap := make(map[Heaped]uint32)
	regions := mapset.NewThreadUnsafeSet()

	// Borrows of the destination that the drag internalises.
	stackRCDecs := 0

	for len(wl) > 0 {
		next := wl[len(wl)-1]
		wl = wl[:len(wl)-1]

		if _, ok := rcMap[next]; ok {
			// Already tracked; one more internal edge.
			rcMap[next]++
			continue
		}

		loc := next.Header().loc

		switch loc.kind {
		case locImmutable, locImmortal:
			continue

		case locStack:
			// No region, even a frame-local one, can point to the stack.
			return false

		case locFrameLocal:
			// Younger frames can point to older frames; older frame-local
			// allocations stay put as ancestors.
			if frameLocal && destLoc.frame >= loc.frame {
				continue
			}

			// First internal edge.
			rcMap[next] = 1
			next.Trace(&wl)

		case locRegion:
			if frameLocal {
				// The region keeps its own identity below a frame-local
				// destination; nothing to record.
				continue
			}

			hr := loc.region

			if hr == r {
				// A borrow of the destination becomes internal.
				stackRCDecs++
				continue
			}

			// A region with a parent already has its entry point; adding
			// another breaks the single-entry invariant. An ancestor of
			// the destination would close a cycle.
			if hr.parent != nil || hr.isAncestorOf(r) {
				return false
			}

			if !regions.Add(hr) {
				// Second entry point into the same region.
				return false
			}
		}
	}

	// Captured regions hang off the destination; their frame-scoped entry
	// point is replaced by the parent link.
	if !frameLocal {
		for _, e := range regions.ToSlice() {
			hr := e.(*Region)
			hr.setParent(r)
			hr.stackDec(t)
		}
	}

	// Move the frame-local headers. The difference between a header's RC
	// and its internal edge count is the stack-held references it keeps;
	// those transfer to the destination's stack RC.
	for hh, rc := range rcMap {
		if hh == h && !isMove {
			rc--
		}

		log.Trace("Dragging header", "rc", hh.Header().rc, "internal", rc)

		ext := hh.Header().rc - rc
		for i := uint32(0); i < ext; i++ {
			r.stackInc()
		}

		old := hh.Header().loc.region
		if old != nil {
			old.remove(hh)
		}
		r.insert(hh)
		hh.Header().loc = regionLoc(r)
	}

	if !frameLocal {
		for i := 0; i < stackRCDecs; i++ {
			r.stackDec(t)
		}
	}

	return true
}
