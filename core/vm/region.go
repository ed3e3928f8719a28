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
	"sync/atomic"

	mapset "github.com/deckarep/golang-set"

	"github.com/probeum/go-vbci/log"
)

var regionSeq uint64

// Region owns a set of mutable objects and arrays. Its stack RC counts the
// register handles and incoming cross-region pointers keeping it alive;
// when the count reaches zero the region and its contents are freed.
// Regions form a forest: a region has at most one parent, recorded when
// another region stores an entry point to it.
type Region struct {
	id       uint64
	kind     RegionKind
	members  mapset.Set // of Heaped
	children mapset.Set // of *Region
	parent   *Region
	stackRC  uint32
	readonly bool

	// frameLocal regions are owned by a single frame at the given level;
	// they are never parents of other regions.
	frameLocal bool
	frame      uint32

	finalizing bool
	freed      bool
}

// NewRegion creates an empty region of the given kind.
func NewRegion(kind RegionKind) (*Region, error) {
	switch kind {
	case RegionRC, RegionGC, RegionArena:
	default:
		return nil, trap(ErrUnknownRegionType)
	}

	// The allocation that creates the region's entry point adds the first
	// stack reference, so the count starts empty.
	r := &Region{
		id:       atomic.AddUint64(&regionSeq, 1),
		kind:     kind,
		members:  mapset.NewThreadUnsafeSet(),
		children: mapset.NewThreadUnsafeSet(),
	}
	log.Trace("Created region", "kind", kind, "region", r.id)
	return r, nil
}

func newFrameLocalRegion(frame uint32) *Region {
	// The frame-local region always carries one stack reference; its
	// lifetime is the frame's, not the count's.
	r := &Region{
		id:         atomic.AddUint64(&regionSeq, 1),
		kind:       RegionRC,
		members:    mapset.NewThreadUnsafeSet(),
		children:   mapset.NewThreadUnsafeSet(),
		stackRC:    1,
		frameLocal: true,
		frame:      frame,
	}
	return r
}

// Kind returns the memory discipline of the region.
func (r *Region) Kind() RegionKind {
	return r.kind
}

// StackRC returns the current stack reference count.
func (r *Region) StackRC() uint32 {
	return r.stackRC
}

// Parent returns the owning region, if any.
func (r *Region) Parent() *Region {
	return r.parent
}

// IsFrameLocal reports whether the region is tied to a stack frame.
func (r *Region) IsFrameLocal() bool {
	return r.frameLocal
}

// Freed reports whether the region has been torn down.
func (r *Region) Freed() bool {
	return r.freed
}

// enableRC reports whether per-object reference counting is live. GC and
// arena regions never count; a region being finalized suspends counting so
// field drops during teardown cannot recurse into it.
func (r *Region) enableRC() bool {
	return !r.readonly && !r.finalizing && r.kind == RegionRC
}

// Object allocates a zero-initialised object of the class in this region.
func (r *Region) Object(cls *Class) *Object {
	obj := newObject(cls, regionLoc(r))
	r.members.Add(Heaped(obj))
	r.stackInc()
	return obj
}

// Array allocates an array with the given element layout in this region.
func (r *Region) Array(p *Program, typeID TypeID, size uint64) (*Array, error) {
	arr, err := newArray(p, regionLoc(r), typeID, size)
	if err != nil {
		return nil, err
	}
	r.members.Add(Heaped(arr))
	r.stackInc()
	return arr, nil
}

func (r *Region) insert(h Heaped) {
	r.members.Add(h)
}

func (r *Region) remove(h Heaped) {
	r.members.Remove(h)
}

func (r *Region) stackInc() {
	if !r.readonly {
		r.stackRC++
	}
}

// stackDec drops one stack reference. Driving the count to zero schedules
// the region for destruction through the collection worklist.
func (r *Region) stackDec(t *Thread) {
	if r.readonly {
		return
	}

	r.stackRC--

	if r.stackRC == 0 && !r.frameLocal && !r.freed {
		collect(t, workRegion, nil, r)
	}
}

func (r *Region) setParent(p *Region) {
	if r.parent == p {
		return
	}
	r.parent = p
	p.children.Add(r)
}

func (r *Region) clearParent() {
	if r.parent == nil {
		return
	}
	r.parent.children.Remove(r)
	r.parent = nil
}

// isAncestorOf reports whether this region is an ancestor of the other in
// the region forest.
func (r *Region) isAncestorOf(other *Region) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == r {
			return true
		}
	}
	return false
}

// sendable reports whether the region may cross a cown boundary: exactly
// one incoming reference (the handle being sent) and no parent.
func (r *Region) sendable() bool {
	return r.parent == nil && r.stackRC == 1
}

// trace appends every member's outgoing mutable references to the list.
func (r *Region) trace(wl *[]Heaped) {
	for _, m := range r.members.ToSlice() {
		m.(Heaped).Trace(wl)
	}
}

// freeContents finalizes every member and releases them. Per-object RC is
// disabled for the duration so cascading drops cannot re-enter.
func (r *Region) freeContents(t *Thread) {
	if r.finalizing {
		return
	}
	r.finalizing = true

	members := r.members.ToSlice()

	for _, m := range members {
		m.(Heaped).Finalize(t)
	}

	for _, m := range members {
		m.(Heaped).Header().dead = true
	}

	r.members.Clear()
}

// deallocate is the worklist entry point; never call directly.
func (r *Region) deallocate(t *Thread) {
	if r.freed {
		return
	}
	log.Trace("Destroying region", "region", r.id)
	r.freed = true
	r.freeContents(t)
	r.clearParent()

	for _, c := range r.children.ToSlice() {
		c.(*Region).parent = nil
	}
	r.children.Clear()
}
