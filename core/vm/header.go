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

import "sync/atomic"

// sccBlock is the shared control block of a frozen strongly-connected
// component. All members of the SCC share one atomic refcount; the block
// keeps the member list so the whole component can be collected when the
// count reaches zero.
type sccBlock struct {
	arc     int64
	members []Heaped
}

// Header is the common prefix of objects and arrays: a refcount and a
// packed location, plus the runtime type id. In the original this is a
// 16-byte rc|loc word pair; here the location is a typed struct.
type Header struct {
	rc     uint32
	loc    Location
	typeID TypeID
	dead   bool
}

// Heaped is the view shared by objects and arrays: anything with a Header
// that can be traced, finalized and deallocated.
type Heaped interface {
	Header() *Header
	// Trace appends every mutable, heap-allocated object or array reachable
	// through one level of fields or elements.
	Trace(wl *[]Heaped)
	// Finalize drops every field or element. Idempotent.
	Finalize(t *Thread)
	// SizeBytes is the allocation footprint used for stack accounting.
	SizeBytes() uint64

	deallocate(t *Thread)
}

// Location returns the header's position in the ownership lattice.
func (h *Header) Location() Location {
	return h.loc
}

// TypeID returns the runtime type id stamped on the allocation.
func (h *Header) TypeID() TypeID {
	return h.typeID
}

// RC returns the current refcount; meaningful only for members of counting
// regions.
func (h *Header) RC() uint32 {
	return h.rc
}

// Region returns the containing region, or nil for stack, immortal and
// immutable headers.
func (h *Header) Region() *Region {
	if !h.loc.isRegion() {
		return nil
	}
	return h.loc.region
}

// Sendable reports whether the allocation may cross a cown boundary: it is
// immutable, immortal, or the unparented root of its own region with no
// other incoming references.
func (h *Header) Sendable() bool {
	switch h.loc.kind {
	case locImmortal, locImmutable:
		return true
	case locRegion:
		r := h.loc.region
		return r.parent == nil && r.stackRC == 1
	default:
		return false
	}
}

// inc records a new live reference to the allocation. Register references
// carry one unit of regional presence, so the containing region's stack RC
// moves with them; field references move only the per-object count.
func (h *Header) inc(isReg bool) {
	switch h.loc.kind {
	case locImmutable:
		atomic.AddInt64(&h.loc.block.arc, 1)
	case locRegion, locFrameLocal:
		r := h.loc.region
		if isReg {
			r.stackInc()
		}
		if r.enableRC() {
			h.rc++
		}
	}
}

// dec drops a live reference. The self argument carries the concrete
// object or array so a zero count can tear it down.
func (h *Header) dec(isReg bool, self Heaped, t *Thread) {
	switch h.loc.kind {
	case locImmutable:
		decBlock(h.loc.block, t)
	case locRegion, locFrameLocal:
		r := h.loc.region
		if r.enableRC() {
			h.rc--
			if h.rc == 0 {
				collect(t, workHeader, self, nil)
			}
		}
		if isReg {
			r.stackDec(t)
		}
	}
}

func decBlock(block *sccBlock, t *Thread) {
	if atomic.AddInt64(&block.arc, -1) == 0 {
		for _, m := range block.members {
			collect(t, workHeader, m, nil)
		}
	}
}

// safeStore checks invariants 5-7 of the store discipline: no stores into
// immutable memory, no younger-into-older stack escapes, no stack sources
// into regions, and no region sources that would break the region forest.
func (h *Header) safeStore(v *Value) bool {
	if h.loc.isImmutable() || h.loc.isImmortal() {
		return false
	}

	vloc := v.Location()

	if h.loc.isStack() {
		// A younger stack value can't be stored into an older target.
		if vloc.isStack() && vloc.frame > h.loc.frame {
			return false
		}
		return true
	}

	r := h.loc.region

	// Regions can never point at the stack.
	if vloc.isStack() {
		return false
	}

	if vloc.isRegion() {
		vr := vloc.region
		if r != vr && (vr.parent != nil || vr.isAncestorOf(r)) {
			return false
		}
	}

	return true
}

// ownerRegion returns the region a cross-region field reference held by
// this header would hang off: the containing region for non-frame-local
// region members, nil otherwise.
func (h *Header) ownerRegion() *Region {
	if h.loc.kind == locRegion {
		return h.loc.region
	}
	return nil
}

// baseStore performs the full "old out, new in" exchange on a field or
// element slot. A region's stack RC counts register handles plus incoming
// cross-region pointers, so the exchange moves those counts whenever the
// stored or displaced value crosses a region boundary, and maintains the
// parent link for entry points reached from another region.
// The previous slot value is returned as a register value.
func (h *Header) baseStore(t *Thread, dst *Value, src *Value, move bool) (Value, error) {
	if !h.safeStore(src) {
		return Value{}, trap(ErrBadStore)
	}

	prev := dst.take()
	ploc := prev.Location()
	vloc := src.Location()

	// Detach the previous value: a field reference becomes a register
	// reference. Internal fields carry no stack RC, so promoting one to a
	// register adds a unit; external ones already carried it.
	if ploc.isRegion() {
		pr := ploc.region
		if sameLoc(ploc, h.loc) {
			pr.stackInc()
		} else if or := h.ownerRegion(); or != nil && pr.parent == or {
			pr.clearParent()
		}
	}

	if move {
		*dst = src.take()
	} else {
		*dst = src.copyInc(false)
	}

	// Attach the stored value as a field of the owner.
	if vloc.isRegion() {
		vr := vloc.region
		internal := sameLoc(vloc, h.loc)

		if !internal {
			if or := h.ownerRegion(); or != nil && vr != or {
				vr.setParent(or)
			}
		}

		if move {
			// The register's unit transfers to the new field reference;
			// it only disappears when the field is internal.
			if internal {
				vr.stackDec(t)
			}
		} else if !internal {
			// The register keeps its unit; an external field adds one.
			vr.stackInc()
		}
	}

	return prev, nil
}

// fieldDrop invalidates a field or element of this header, releasing the
// per-object count and, for cross-region references, the stack RC unit and
// parent link the field carried.
func (h *Header) fieldDrop(t *Thread, v *Value) {
	vloc := v.Location()

	if vloc.isRegion() && !v.readonly {
		vr := vloc.region
		if !sameLoc(vloc, h.loc) {
			if or := h.ownerRegion(); or != nil && vr.parent == or {
				vr.clearParent()
			}
			vr.stackDec(t)
		}
	}

	v.dropField(t)
}
