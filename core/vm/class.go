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

import "github.com/probeum/go-vbci/ffi"

// headerBytes is the footprint of the common allocation header, used for
// stack chunk accounting.
const headerBytes = 16

// valueBytes is the footprint of one boxed value slot.
const valueBytes = 16

// Field describes one object field: its interned name, declared type, the
// layout representation of that type, and the C-ABI offset libffi computed
// for it.
type Field struct {
	NameID    uint64
	TypeID    TypeID
	ValueType ValueType
	Offset    uintptr
	Size      uintptr
}

// Class is a loaded class: sized field descriptors in declaration order
// and a method table keyed by interned method id. Empty classes own one
// immortal singleton.
type Class struct {
	ID        uint32
	TypeID    TypeID
	Name      string
	DebugInfo uint64
	Size      uint64

	Fields   []Field
	fieldMap map[uint64]uint64
	methods  map[uint64]*Function

	singleton *Object
}

// calcSize computes the field layout and allocation size. Field offsets
// follow the platform C ABI so that object layout stays FFI-compatible;
// empty classes materialise their immortal singleton here.
func (c *Class) calcSize(p *Program) error {
	if len(c.Fields) == 0 {
		c.Size = headerBytes
		c.singleton = newObject(c, immortalLoc())
		return nil
	}

	types := make([]*ffi.Type, len(c.Fields))
	for i := range c.Fields {
		vt, ft, err := p.LayoutTypeID(c.Fields[i].TypeID)
		if err != nil {
			return err
		}
		c.Fields[i].ValueType = vt
		if ft == nil {
			ft = ffi.TypePointer
		}
		types[i] = ft
	}

	size, offsets := ffi.StructLayout(types)
	c.Size = headerBytes + uint64(size)

	for i := range c.Fields {
		c.Fields[i].Offset = offsets[i]
		c.Fields[i].Size = types[i].Size
	}

	return nil
}

// Method returns the function bound to the interned method id, or nil.
func (c *Class) Method(methodID uint64) *Function {
	if c == nil {
		return nil
	}
	return c.methods[methodID]
}

// Finalizer returns the class finalizer, or nil.
func (c *Class) Finalizer() *Function {
	return c.Method(FinalMethodID)
}

func (c *Class) fieldIndex(nameID uint64) (uint64, bool) {
	idx, ok := c.fieldMap[nameID]
	return idx, ok
}
