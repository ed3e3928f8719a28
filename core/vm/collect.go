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

// Teardown of objects, arrays and regions is re-entrant: a finalizer or an
// RC decrement can trigger further teardown. Each interpreter thread keeps
// a worklist so that nested collection requests are queued and drained by
// the outermost caller, bounding the Go stack and keeping deallocation
// order stable.

type workKind uint8

const (
	workHeader workKind = iota
	workRegion
)

type workItem struct {
	kind   workKind
	header Heaped
	region *Region
}

// collect either enqueues the item (when a collection is already running on
// this thread) or becomes the driver and drains the worklist.
func collect(t *Thread, kind workKind, h Heaped, r *Region) {
	t.worklist = append(t.worklist, workItem{kind, h, r})

	if t.collecting {
		return
	}

	t.collecting = true

	for len(t.worklist) > 0 {
		item := t.worklist[0]
		t.worklist = t.worklist[1:]

		switch item.kind {
		case workHeader:
			item.header.deallocate(t)
		case workRegion:
			item.region.deallocate(t)
		}
	}

	t.collecting = false
}
