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

// TypeID is a reified type identifier. The low two bits select the flavour:
//
//	0  primitive: the payload is a ValueType ordinal
//	1  class: the payload is an index into the class table
//	2  dyn: the top type
//	3  complex: the payload indexes the program's complex type table,
//	   which holds array/ref/cown constructors
type TypeID uint32

const (
	typeTagMask = 0x3
	typeTagVal  = 0x0
	typeTagCls  = 0x1
	typeTagDyn  = 0x2
	typeTagCpx  = 0x3

	// DynID is the type id of dyn, the top of the subtype lattice.
	DynID TypeID = typeTagDyn

	// InvalidTypeID never names a type.
	InvalidTypeID TypeID = ^TypeID(0)
)

// ValID returns the type id of a primitive value type.
func ValID(t ValueType) TypeID {
	return TypeID(t)<<2 | typeTagVal
}

// ClsID returns the type id of the user class with the given index.
func ClsID(idx uint32) TypeID {
	return TypeID(idx)<<2 | typeTagCls
}

func cpxID(idx uint32) TypeID {
	return TypeID(idx)<<2 | typeTagCpx
}

func (id TypeID) isVal() bool {
	return id&typeTagMask == typeTagVal
}

func (id TypeID) isCls() bool {
	return id&typeTagMask == typeTagCls
}

func (id TypeID) isDyn() bool {
	return id == DynID
}

func (id TypeID) isCpx() bool {
	return id&typeTagMask == typeTagCpx
}

func (id TypeID) payload() uint32 {
	return uint32(id) >> 2
}

// Val decodes a primitive type id into its ValueType.
func (id TypeID) Val() ValueType {
	return ValueType(id.payload())
}

// TypeTag discriminates the complex type table entries.
type TypeTag uint8

const (
	TagArray TypeTag = iota
	TagRef
	TagCown
)

type complexType struct {
	tag   TypeTag
	child TypeID
}
