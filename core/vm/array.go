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
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Array is a sized sequence with the common header. Primitive elements are
// stored inline by stride in a byte buffer whose base address is handed to
// foreign calls; non-primitive elements are boxed values.
type Array struct {
	hdr       Header
	elemType  ValueType // layout representation; TInvalid means boxed
	stride    uint64
	size      uint64
	data      []byte
	vals      []Value
	finalized bool
}

// newArray allocates a zero-initialised array at the given location. The
// element layout comes from the program's type table.
func newArray(p *Program, loc Location, typeID TypeID, size uint64) (*Array, error) {
	content, err := p.Unarray(typeID)
	if err != nil {
		return nil, err
	}

	vt, ft, err := p.LayoutTypeID(content)
	if err != nil {
		return nil, err
	}

	a := &Array{
		hdr:      Header{rc: 1, loc: loc, typeID: typeID},
		elemType: vt,
		size:     size,
	}

	if vt == TInvalid {
		a.stride = valueBytes
		a.vals = make([]Value, size)
		for i := range a.vals {
			a.vals[i] = Value{tag: TInvalid}
		}
	} else {
		a.stride = uint64(ft.Size)
		a.data = make([]byte, size*a.stride)
	}

	return a, nil
}

// newStringArray builds an immortal u8 array holding the bytes, used for
// interned strings and argv.
func newStringArray(p *Program, s string) *Array {
	a := &Array{
		hdr:      Header{rc: 1, loc: immortalLoc(), typeID: p.ArrayOf(ValID(TU8))},
		elemType: TU8,
		stride:   1,
		size:     uint64(len(s)),
		data:     []byte(s),
	}
	return a
}

// Header returns the allocation header.
func (a *Array) Header() *Header {
	return &a.hdr
}

// Size returns the element count.
func (a *Array) Size() uint64 {
	return a.size
}

// SetSize can only shrink the apparent size of the array.
func (a *Array) SetSize(n uint64) {
	if n < a.size {
		a.size = n
	}
}

// Bytes returns the primitive element storage, or nil for boxed arrays.
func (a *Array) Bytes() []byte {
	return a.data
}

func (a *Array) contentTypeID(p *Program) TypeID {
	content, err := p.Unarray(a.hdr.typeID)
	if err != nil {
		return InvalidTypeID
	}
	return content
}

// dataPointer returns the address of the first element for FFI use.
func (a *Array) dataPointer() uintptr {
	if len(a.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&a.data[0]))
}

// load synthesises a fresh value of the element's layout type.
func (a *Array) load(idx uint64) (Value, error) {
	if idx >= a.size {
		return Value{}, trap(ErrBadArrayIndex)
	}

	if a.elemType == TInvalid {
		return a.vals[idx], nil
	}

	return FromBits(a.elemType, a.readBits(idx)), nil
}

// exchange writes through an element slot, first rejecting sources whose
// type is not a subtype of the element type, and returns the previous
// element.
func (a *Array) exchange(t *Thread, idx uint64, move bool, src *Value) (Value, error) {
	if idx >= a.size {
		return Value{}, trap(ErrBadArrayIndex)
	}

	if !t.prog.Subtype(src.TypeID(t.prog), a.contentTypeID(t.prog)) {
		return Value{}, trap(ErrBadType)
	}

	if a.elemType == TInvalid {
		return a.hdr.baseStore(t, &a.vals[idx], src, move)
	}

	// Primitive elements carry no ownership; only the immutability of the
	// array itself gates the store.
	if a.hdr.loc.isImmutable() || a.hdr.loc.isImmortal() {
		return Value{}, trap(ErrBadStore)
	}

	prev := FromBits(a.elemType, a.readBits(idx))
	a.writeBits(idx, src.bits)
	if move {
		src.tag = TInvalid
	}
	return prev, nil
}

func (a *Array) readBits(idx uint64) uint64 {
	off := idx * a.stride
	switch a.stride {
	case 1:
		return uint64(a.data[off])
	case 2:
		return uint64(binary.LittleEndian.Uint16(a.data[off:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(a.data[off:]))
	default:
		return binary.LittleEndian.Uint64(a.data[off:])
	}
}

func (a *Array) writeBits(idx uint64, bits uint64) {
	off := idx * a.stride
	switch a.stride {
	case 1:
		a.data[off] = byte(bits)
	case 2:
		binary.LittleEndian.PutUint16(a.data[off:], uint16(bits))
	case 4:
		binary.LittleEndian.PutUint32(a.data[off:], uint32(bits))
	default:
		binary.LittleEndian.PutUint64(a.data[off:], bits)
	}
}

// Trace appends every mutable object or array reachable through one level
// of elements.
func (a *Array) Trace(wl *[]Heaped) {
	for i := range a.vals {
		if h := a.vals[i].heaped(); h != nil {
			if h.Header().Region() != nil {
				*wl = append(*wl, h)
			}
		}
	}
}

// Finalize drops every boxed element. Idempotent.
func (a *Array) Finalize(t *Thread) {
	if a.finalized {
		return
	}
	a.finalized = true

	for i := range a.vals {
		a.hdr.fieldDrop(t, &a.vals[i])
	}
}

// SizeBytes is the allocation footprint used for stack accounting.
func (a *Array) SizeBytes() uint64 {
	return headerBytes + a.size*a.stride
}

func (a *Array) deallocate(t *Thread) {
	if a.hdr.dead {
		return
	}
	a.Finalize(t)
	a.hdr.dead = true

	if r := a.hdr.Region(); r != nil {
		r.remove(Heaped(a))
	}
}

func (a *Array) String() string {
	return fmt.Sprintf("array[%d]: %p", a.size, a)
}
