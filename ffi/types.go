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

// Package ffi resolves symbols in dynamic libraries and calls them with
// C-ABI argument marshalling. It plays the role libffi plays in the
// original runtime: describing parameter and return types, laying out
// structs with C alignment rules, and dispatching variadic calls whose
// trailing types are only known at call time.
package ffi

import "unsafe"

// Kind classifies a C type.
type Kind uint8

const (
	Void Kind = iota
	Sint8
	Sint16
	Sint32
	Sint64
	Uint8
	Uint16
	Uint32
	Uint64
	Float
	Double
	Pointer
)

// Type describes a C type: its size, alignment and kind. The predeclared
// singletons below mirror the libffi builtin types.
type Type struct {
	Size  uintptr
	Align uintptr
	Kind  Kind
}

var (
	TypeVoid    = &Type{0, 1, Void}
	TypeSint8   = &Type{1, 1, Sint8}
	TypeSint16  = &Type{2, 2, Sint16}
	TypeSint32  = &Type{4, 4, Sint32}
	TypeSint64  = &Type{8, 8, Sint64}
	TypeUint8   = &Type{1, 1, Uint8}
	TypeUint16  = &Type{2, 2, Uint16}
	TypeUint32  = &Type{4, 4, Uint32}
	TypeUint64  = &Type{8, 8, Uint64}
	TypeFloat   = &Type{4, 4, Float}
	TypeDouble  = &Type{8, 8, Double}
	TypePointer = &Type{unsafe.Sizeof(uintptr(0)), unsafe.Alignof(uintptr(0)), Pointer}

	// TypeSlong and friends follow the platform long model.
	TypeSlong = longType(true)
	TypeUlong = longType(false)
	TypeSsize = &Type{unsafe.Sizeof(uintptr(0)), unsafe.Alignof(uintptr(0)), Sint64}
	TypeUsize = &Type{unsafe.Sizeof(uintptr(0)), unsafe.Alignof(uintptr(0)), Uint64}
)

func longType(signed bool) *Type {
	size := unsafe.Sizeof(uintptr(0)) // LP64 everywhere we run
	k := Uint64
	if signed {
		k = Sint64
	}
	if size == 4 {
		k = Uint32
		if signed {
			k = Sint32
		}
	}
	return &Type{size, size, k}
}

// StructLayout lays out a sequence of fields with C struct rules and
// returns the total size plus the offset of every field, matching what
// ffi_get_struct_offsets computes.
func StructLayout(fields []*Type) (uintptr, []uintptr) {
	offsets := make([]uintptr, len(fields))
	var off uintptr
	var maxAlign uintptr = 1

	for i, f := range fields {
		align := f.Align
		if align == 0 {
			align = 1
		}
		off = alignUp(off, align)
		offsets[i] = off
		off += f.Size
		if align > maxAlign {
			maxAlign = align
		}
	}

	return alignUp(off, maxAlign), offsets
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}
