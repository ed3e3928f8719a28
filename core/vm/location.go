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

// locKind tags an entry in the ownership lattice.
type locKind uint8

const (
	locImmortal locKind = iota
	locImmutable
	locStack
	locFrameLocal
	locRegion
	locPending
)

// Location places a value in the ownership lattice: immortal, immutable
// (inside a frozen SCC), stack allocated at a frame level, in a frame-local
// region, in a mutable region, or transiently pending during a freeze.
//
// The original packs this into a tagged uintptr; here it is a small struct
// holding the typed handle directly.
type Location struct {
	kind   locKind
	frame  uint32 // stack and frame-local levels; older frames are lower
	region *Region
	block  *sccBlock
}

func immortalLoc() Location {
	return Location{kind: locImmortal}
}

func immutableLoc(b *sccBlock) Location {
	return Location{kind: locImmutable, block: b}
}

func stackLoc(frame uint32) Location {
	return Location{kind: locStack, frame: frame}
}

func regionLoc(r *Region) Location {
	if r.frameLocal {
		return Location{kind: locFrameLocal, frame: r.frame, region: r}
	}
	return Location{kind: locRegion, region: r}
}

func (l Location) isStack() bool {
	return l.kind == locStack
}

func (l Location) isFrameLocal() bool {
	return l.kind == locFrameLocal
}

func (l Location) isRegion() bool {
	return l.kind == locRegion || l.kind == locFrameLocal
}

func (l Location) isImmutable() bool {
	return l.kind == locImmutable
}

func (l Location) isImmortal() bool {
	return l.kind == locImmortal
}

func (l Location) isPending() bool {
	return l.kind == locPending
}

// noRC reports whether inc/dec is a no-op for values at this location.
func (l Location) noRC() bool {
	return l.kind == locStack || l.kind == locImmortal
}

func (l Location) toRegion() *Region {
	return l.region
}

func sameLoc(a, b Location) bool {
	return a.kind == b.kind && a.frame == b.frame &&
		a.region == b.region && a.block == b.block
}

// youngerThan reports whether a stack or frame-local location belongs to a
// strictly younger frame than the given level.
func (l Location) youngerThan(frame uint32) bool {
	return (l.kind == locStack || l.kind == locFrameLocal) && l.frame > frame
}
