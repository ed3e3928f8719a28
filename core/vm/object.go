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

import "fmt"

// Object is a class instance: the common header followed by one boxed
// value per field, in declaration order.
type Object struct {
	hdr       Header
	cls       *Class
	fields    []Value
	finalized bool
}

// newObject allocates a zero-initialised instance at the given location.
// The refcount starts at one for the creating register handle.
func newObject(cls *Class, loc Location) *Object {
	o := &Object{
		hdr:    Header{rc: 1, loc: loc, typeID: cls.TypeID},
		cls:    cls,
		fields: make([]Value, len(cls.Fields)),
	}
	for i := range o.fields {
		o.fields[i] = Value{tag: TInvalid}
	}
	return o
}

// Header returns the allocation header.
func (o *Object) Header() *Header {
	return &o.hdr
}

// Class returns the object's class.
func (o *Object) Class() *Class {
	return o.cls
}

// init populates the fields from the current argument window in
// declaration order with ownership-checked moves. The argument types were
// checked against the field types by the allocating opcode.
func (o *Object) init(t *Thread, args []Value) (*Object, error) {
	for i := range args {
		if _, err := o.hdr.baseStore(t, &o.fields[i], &args[i], true); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// load returns the field's value without adjusting any counts; the caller
// decides whether the copy lands in a register or a field.
func (o *Object) load(idx uint64) Value {
	return o.fields[idx]
}

func (o *Object) fieldTypeID(idx uint64) TypeID {
	if idx >= uint64(len(o.cls.Fields)) {
		return InvalidTypeID
	}
	return o.cls.Fields[idx].TypeID
}

// store exchanges a field's value, enforcing the declared field type and
// the ownership invariants.
func (o *Object) store(t *Thread, idx uint64, move bool, src *Value) (Value, error) {
	if idx >= uint64(len(o.fields)) {
		return Value{}, trap(ErrBadField)
	}

	if !t.prog.Subtype(src.TypeID(t.prog), o.cls.Fields[idx].TypeID) {
		return Value{}, trap(ErrBadType)
	}

	return o.hdr.baseStore(t, &o.fields[idx], src, move)
}

// Trace appends every mutable object or array reachable through one level
// of fields.
func (o *Object) Trace(wl *[]Heaped) {
	for i := range o.fields {
		if h := o.fields[i].heaped(); h != nil {
			if h.Header().Region() != nil {
				*wl = append(*wl, h)
			}
		}
	}
}

// Finalize runs the class finalizer once and drops every field.
func (o *Object) Finalize(t *Thread) {
	if o.finalized {
		return
	}
	o.finalized = true

	if t != nil && o.cls.Finalizer() != nil {
		t.runFinalizer(o)
	}

	for i := range o.fields {
		o.hdr.fieldDrop(t, &o.fields[i])
	}
}

// SizeBytes is the allocation footprint used for stack accounting.
func (o *Object) SizeBytes() uint64 {
	return o.cls.Size
}

func (o *Object) deallocate(t *Thread) {
	if o.hdr.dead {
		return
	}
	o.Finalize(t)
	o.hdr.dead = true

	if r := o.hdr.Region(); r != nil {
		r.remove(Heaped(o))
	}
}

func (o *Object) String() string {
	return fmt.Sprintf("%s: %p", o.cls.Name, o)
}
