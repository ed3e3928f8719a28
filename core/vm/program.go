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
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/probeum/go-vbci/ffi"
)

// subtypeCacheSize bounds the memoised subtype decisions.
const subtypeCacheSize = 4096

// HostFunc is a built-in foreign symbol implemented in the host rather
// than resolved from a dynamic library.
type HostFunc func(t *Thread, args []Value) (Value, error)

// Symbol is one entry of the program's FFI table: either a resolved
// dynamic-library function with its call interface, or a host builtin.
type Symbol struct {
	Name      string
	FFI       *ffi.Symbol
	Host      HostFunc
	Params    []TypeID
	ParamVals []ValueType
	Return    TypeID
	RetVal    ValueType
	Vararg    bool
}

// Program is a loaded bytecode file: classes, functions, globals, interned
// strings, the complex type table, FFI symbols and debug info. Programs
// are loaded once; everything here is immortal and read-only after load.
type Program struct {
	File string

	code []byte
	di   []byte

	functions  []Function
	primitives []Class
	classes    []Class
	globals    []Value
	strings    []string
	stringVals []*Array
	symbols    []*Symbol
	dynlibs    []*ffi.Dynlib

	typeMu    sync.Mutex
	types     []complexType
	typeIndex map[complexType]TypeID

	subtypeCache *lru.Cache

	argv *Array
}

func newProgram() *Program {
	cache, _ := lru.New(subtypeCacheSize)
	return &Program{
		typeIndex:    make(map[complexType]TypeID),
		subtypeCache: cache,
	}
}

// Function returns a function by id.
func (p *Program) Function(id uint64) (*Function, error) {
	if id >= uint64(len(p.functions)) {
		return nil, trap(ErrUnknownFunction)
	}
	return &p.functions[id], nil
}

// Global returns a copy of a program global.
func (p *Program) Global(id uint64) (Value, error) {
	if id >= uint64(len(p.globals)) {
		return Value{}, trap(ErrUnknownGlobal)
	}
	return p.globals[id].copyInc(true), nil
}

// GetString returns the interned string array value.
func (p *Program) GetString(id uint64) (Value, error) {
	if id >= uint64(len(p.stringVals)) {
		return Value{}, trap(ErrUnknownGlobal)
	}
	return ArrayValue(p.stringVals[id]), nil
}

// StringLit returns the raw interned string.
func (p *Program) StringLit(id uint64) string {
	if id >= uint64(len(p.strings)) {
		return ""
	}
	return p.strings[id]
}

// Symbol returns an FFI table entry.
func (p *Program) Symbol(id uint64) (*Symbol, error) {
	if id >= uint64(len(p.symbols)) {
		return nil, trap(ErrUnknownFunction)
	}
	return p.symbols[id], nil
}

// Argv returns the argument array built at startup.
func (p *Program) Argv() *Array {
	return p.argv
}

// SetArgv installs the CLI arguments as an immortal array of u8 arrays.
func (p *Program) SetArgv(args []string) {
	inner := p.ArrayOf(ValID(TU8))
	arr := &Array{
		hdr:      Header{rc: 1, loc: immortalLoc(), typeID: p.ArrayOf(inner)},
		elemType: TInvalid,
		stride:   valueBytes,
		size:     uint64(len(args)),
		vals:     make([]Value, len(args)),
	}
	for i, a := range args {
		arr.vals[i] = ArrayValue(newStringArray(p, a))
	}
	p.argv = arr
}

// internType interns a complex type constructor and returns its id.
func (p *Program) internType(tag TypeTag, child TypeID) TypeID {
	p.typeMu.Lock()
	defer p.typeMu.Unlock()

	key := complexType{tag: tag, child: child}
	if id, ok := p.typeIndex[key]; ok {
		return id
	}

	id := cpxID(uint32(len(p.types)))
	p.types = append(p.types, key)
	p.typeIndex[key] = id
	return id
}

func (p *Program) complexAt(id TypeID) (complexType, bool) {
	if !id.isCpx() {
		return complexType{}, false
	}

	p.typeMu.Lock()
	defer p.typeMu.Unlock()

	idx := id.payload()
	if idx >= uint32(len(p.types)) {
		return complexType{}, false
	}
	return p.types[idx], true
}

// Ref constructs the reified reference type id for a content type.
func (p *Program) Ref(id TypeID) TypeID {
	if id == InvalidTypeID {
		return DynID
	}
	return p.internType(TagRef, id)
}

// ArrayOf constructs the array type id of an element type.
func (p *Program) ArrayOf(id TypeID) TypeID {
	return p.internType(TagArray, id)
}

// CownOf constructs the cown type id of a content type.
func (p *Program) CownOf(id TypeID) TypeID {
	return p.internType(TagCown, id)
}

// IsArray reports whether the id names an array type.
func (p *Program) IsArray(id TypeID) bool {
	c, ok := p.complexAt(id)
	return ok && c.tag == TagArray
}

func (p *Program) isCownType(id TypeID) bool {
	c, ok := p.complexAt(id)
	return ok && c.tag == TagCown
}

// Unarray returns the element type of an array type id.
func (p *Program) Unarray(id TypeID) (TypeID, error) {
	c, ok := p.complexAt(id)
	if !ok || c.tag != TagArray {
		return InvalidTypeID, trap(ErrBadType)
	}
	return c.child, nil
}

// Subtype answers "is a a subtype of b" over the tag lattice and the type
// table. Decisions are memoised.
func (p *Program) Subtype(a, b TypeID) bool {
	if a == b || b == DynID {
		return true
	}
	if a == DynID {
		return false
	}

	key := uint64(a)<<32 | uint64(b)
	if hit, ok := p.subtypeCache.Get(key); ok {
		return hit.(bool)
	}

	res := p.subtype(a, b)
	p.subtypeCache.Add(key, res)
	return res
}

func (p *Program) subtype(a, b TypeID) bool {
	ca, oka := p.complexAt(a)
	cb, okb := p.complexAt(b)

	if oka && okb && ca.tag == cb.tag {
		switch ca.tag {
		case TagRef:
			// Load-side covariance; stores are checked dynamically.
			return p.Subtype(ca.child, cb.child)
		default:
			// Arrays and cowns are invariant in their element type.
			return ca.child == cb.child
		}
	}

	return false
}

// classOf maps a runtime type id to the class carrying its method table:
// primitive method tables for value types, the class table for classes.
func (p *Program) classOf(id TypeID) *Class {
	switch {
	case id.isVal():
		ord := id.payload()
		if ord < uint32(len(p.primitives)) {
			return &p.primitives[ord]
		}
	case id.isCls():
		idx := id.payload()
		if idx < uint32(len(p.classes)) {
			return &p.classes[idx]
		}
	}
	return nil
}

// Cls returns a user class by index.
func (p *Program) Cls(idx uint64) (*Class, error) {
	if idx >= uint64(len(p.classes)) {
		return nil, trap(ErrUnknownPrimitiveType)
	}
	return &p.classes[idx], nil
}

// LayoutTypeID returns the layout representation of an element or field
// type: the inline ValueType plus its C type, or (TInvalid, nil) for boxed
// values.
func (p *Program) LayoutTypeID(id TypeID) (ValueType, *ffi.Type, error) {
	if !id.isVal() {
		// Classes, dyn and complex types are boxed.
		return TInvalid, nil, nil
	}

	vt := id.Val()
	ft := ffiTypeOf(vt)
	if ft == nil {
		return TInvalid, nil, trap(ErrUnknownPrimitiveType)
	}
	return vt, ft, nil
}

func ffiTypeOf(t ValueType) *ffi.Type {
	switch t {
	case TNone:
		return ffi.TypeVoid
	case TBool, TU8:
		return ffi.TypeUint8
	case TI8:
		return ffi.TypeSint8
	case TI16:
		return ffi.TypeSint16
	case TI32:
		return ffi.TypeSint32
	case TI64:
		return ffi.TypeSint64
	case TU16:
		return ffi.TypeUint16
	case TU32:
		return ffi.TypeUint32
	case TU64:
		return ffi.TypeUint64
	case TILong:
		return ffi.TypeSlong
	case TULong:
		return ffi.TypeUlong
	case TISize:
		return ffi.TypeSsize
	case TUSize:
		return ffi.TypeUsize
	case TF32:
		return ffi.TypeFloat
	case TF64:
		return ffi.TypeDouble
	case TPtr:
		return ffi.TypePointer
	default:
		return nil
	}
}

// debugName reads the LEB128 string id at the given debug blob offset.
func (p *Program) debugName(offset uint64) string {
	if offset == ^uint64(0) || offset >= uint64(len(p.di)) {
		return ""
	}
	id, _, err := uvarint(p.di, offset)
	if err != nil {
		return ""
	}
	return p.StringLit(id)
}
