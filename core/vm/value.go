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
	"fmt"
	"math"
	"strconv"
)

// Value is the universal runtime datum passed in registers and stored in
// fields. It is a tagged union of scalars, heap handles, four reference
// flavours, function handles and error values. The original packs this
// into 16 bytes; the Go rendition is a struct of typed handles so that no
// raw pointer reinterpretation is needed.
//
// A moved-from Value has tag TInvalid. Copies of heap-bearing values issue
// the appropriate refcount increment; moves transfer the bits and
// invalidate the source.
type Value struct {
	tag      ValueType
	readonly bool

	bits uint64 // scalar payload, including raw pointers

	obj  *Object
	arr  *Array
	cown *Cown
	fn   *Function

	idx uint64 // field/element index, frame level, or trap PC

	// Register references address the shared register vector by absolute
	// index (the vector may be regrown), with the target's type captured
	// at reference creation.
	regType TypeID

	errKind ErrorKind
	errFn   *Function
}

// None returns the unit value.
func None() Value {
	return Value{tag: TNone}
}

// Null returns a null raw pointer.
func Null() Value {
	return Value{tag: TPtr}
}

// BoolValue returns a bool value.
func BoolValue(b bool) Value {
	v := Value{tag: TBool}
	if b {
		v.bits = 1
	}
	return v
}

// IntValue returns a signed integer value of the given width tag.
func IntValue(t ValueType, i int64) Value {
	return Value{tag: t, bits: uint64(truncSigned(t, i))}
}

// UintValue returns an unsigned integer value of the given width tag.
func UintValue(t ValueType, u uint64) Value {
	return Value{tag: t, bits: truncUnsigned(t, u)}
}

// F32Value returns an f32 value.
func F32Value(f float32) Value {
	return Value{tag: TF32, bits: uint64(math.Float32bits(f))}
}

// F64Value returns an f64 value.
func F64Value(f float64) Value {
	return Value{tag: TF64, bits: math.Float64bits(f)}
}

// PtrValue returns a raw pointer value.
func PtrValue(p uint64) Value {
	return Value{tag: TPtr, bits: p}
}

// ObjectValue returns an object handle.
func ObjectValue(o *Object) Value {
	return Value{tag: TObject, obj: o}
}

// ArrayValue returns an array handle.
func ArrayValue(a *Array) Value {
	return Value{tag: TArray, arr: a}
}

// CownValue returns a cown handle.
func CownValue(c *Cown) Value {
	return Value{tag: TCown, cown: c}
}

// FuncValue returns a function handle; a nil function is MethodNotFound.
func FuncValue(f *Function) (Value, error) {
	if f == nil {
		return Value{}, trap(ErrMethodNotFound)
	}
	return Value{tag: TFunction, fn: f}, nil
}

// FieldRef returns a reference to a field of an object.
func FieldRef(o *Object, field uint64, ro bool) Value {
	return Value{tag: TFieldRef, obj: o, idx: field, readonly: ro}
}

// ArrayRef returns a reference to an array element.
func ArrayRef(a *Array, idx uint64, ro bool) Value {
	return Value{tag: TArrayRef, arr: a, idx: idx, readonly: ro}
}

// CownRef returns a reference to a cown's content.
func CownRef(c *Cown, ro bool) Value {
	return Value{tag: TCownRef, cown: c, readonly: ro}
}

// RegisterRef returns a reference to a register at a frame level. The
// register is addressed by its absolute index into the shared register
// vector; the target's reified type rides along.
func RegisterRef(regIdx uint64, frame uint32, targetType TypeID) Value {
	return Value{tag: TRegisterRef, bits: regIdx, idx: uint64(frame), regType: targetType}
}

// ErrValue returns an in-band error value carrying the trap kind plus the
// function and PC where it was raised.
func ErrValue(kind ErrorKind, fn *Function, pc uint64) Value {
	return Value{tag: TError, errKind: kind, errFn: fn, idx: pc}
}

// FromBits builds a scalar value of the given tag from raw bits, as
// returned by a foreign call.
func FromBits(t ValueType, bits uint64) Value {
	switch {
	case t == TNone:
		return None()
	case t == TBool:
		return BoolValue(bits != 0)
	case t.isSigned():
		return IntValue(t, signExtend(t, bits))
	case t.isInteger(), t == TPtr:
		return UintValue(t, bits)
	case t == TF32:
		return Value{tag: TF32, bits: bits & 0xffffffff}
	case t == TF64:
		return Value{tag: TF64, bits: bits}
	default:
		return Value{tag: TInvalid}
	}
}

// Tag returns the value's type tag.
func (v *Value) Tag() ValueType {
	return v.tag
}

// IsInvalid reports whether the value has been moved from or dropped.
func (v *Value) IsInvalid() bool {
	return v.tag == TInvalid
}

// IsError reports whether the value is an in-band error.
func (v *Value) IsError() bool {
	return v.tag == TError
}

// ErrorKind returns the trap kind of an error value.
func (v *Value) ErrorKind() ErrorKind {
	return v.errKind
}

// IsReadonly reports whether the value rides a read-only reference.
func (v *Value) IsReadonly() bool {
	return v.readonly
}

func (v *Value) isHeader() bool {
	return v.tag == TObject || v.tag == TArray
}

func (v *Value) heaped() Heaped {
	switch v.tag {
	case TObject, TFieldRef:
		return v.obj
	case TArray, TArrayRef:
		return v.arr
	}
	return nil
}

// IsCown reports whether the value is a cown handle.
func (v *Value) IsCown() bool {
	return v.tag == TCown
}

// Function returns the function handle, or nil.
func (v *Value) Function() *Function {
	if v.tag != TFunction {
		return nil
	}
	return v.fn
}

// Bool extracts a bool or fails with BadConversion.
func (v *Value) Bool() (bool, error) {
	if v.tag != TBool {
		return false, trap(ErrBadConversion)
	}
	return v.bits != 0, nil
}

// I32 extracts an i32 or fails with BadConversion.
func (v *Value) I32() (int32, error) {
	if v.tag != TI32 {
		return 0, trap(ErrBadConversion)
	}
	return int32(v.bits), nil
}

// Size extracts an unsigned quantity usable as an array size or index.
func (v *Value) Size() (uint64, error) {
	switch v.tag {
	case TU8, TU16, TU32, TU64, TULong, TUSize:
		return v.bits, nil
	default:
		return 0, trap(ErrBadRefTarget)
	}
}

// Cown extracts the cown handle or fails with BadConversion.
func (v *Value) Cown() (*Cown, error) {
	if v.tag != TCown {
		return nil, trap(ErrBadConversion)
	}
	return v.cown, nil
}

func (v *Value) sint() int64 {
	return int64(v.bits)
}

func (v *Value) uint() uint64 {
	return v.bits
}

func (v *Value) float() float64 {
	if v.tag == TF32 {
		return float64(math.Float32frombits(uint32(v.bits)))
	}
	return math.Float64frombits(v.bits)
}

// IsSendable reports whether the value may cross a cown boundary.
func (v *Value) IsSendable() bool {
	switch v.tag {
	case TObject:
		return v.obj.hdr.Sendable()
	case TArray:
		return v.arr.hdr.Sendable()
	case TCown:
		return true
	case TPtr, TRegisterRef, TFieldRef, TArrayRef, TCownRef:
		return false
	default:
		return true
	}
}

// Location returns the value's place in the ownership lattice.
func (v *Value) Location() Location {
	switch v.tag {
	case TRegisterRef:
		return stackLoc(uint32(v.idx))
	case TObject, TFieldRef:
		return v.obj.hdr.loc
	case TArray, TArrayRef:
		return v.arr.hdr.loc
	case TCown, TCownRef:
		return Location{kind: locImmutable}
	default:
		return immortalLoc()
	}
}

// Region returns the mutable region holding the value, or a BadAllocTarget
// trap for regionless values.
func (v *Value) Region() (*Region, error) {
	if h := v.heaped(); h != nil {
		if r := h.Header().Region(); r != nil {
			return r, nil
		}
	}
	return nil, trap(ErrBadAllocTarget)
}

// take moves the raw bits out, invalidating the receiver. No refcounts are
// touched: the claim transfers with the bits.
func (v *Value) take() Value {
	out := *v
	*v = Value{tag: TInvalid}
	return out
}

// copyInc returns a bitwise copy after issuing the increment appropriate
// for the destination: register copies also carry regional presence.
func (v *Value) copyInc(isReg bool) Value {
	out := *v
	out.inc(isReg)
	return out
}

// Copy returns a register copy of the value.
func (v *Value) Copy() Value {
	return v.copyInc(true)
}

func (v *Value) inc(isReg bool) {
	switch v.tag {
	case TObject, TFieldRef:
		if !v.readonly {
			v.obj.hdr.inc(isReg)
		}
	case TArray, TArrayRef:
		if !v.readonly {
			v.arr.hdr.inc(isReg)
		}
	case TCown, TCownRef:
		// Cowns are not in a region, so there is no stack RC half.
		v.cown.inc()
	}
}

func (v *Value) dec(isReg bool, t *Thread) {
	switch v.tag {
	case TObject, TFieldRef:
		if !v.readonly {
			v.obj.hdr.dec(isReg, v.obj, t)
		}
	case TArray, TArrayRef:
		if !v.readonly {
			v.arr.hdr.dec(isReg, v.arr, t)
		}
	case TCown, TCownRef:
		v.cown.dec(t)
	}
}

// Drop invalidates a register value, sequencing the right decrement for
// its tag.
func (v *Value) Drop(t *Thread) {
	v.dec(true, t)
	v.tag = TInvalid
	v.obj, v.arr, v.cown, v.fn = nil, nil, nil, nil
}

// dropField invalidates a field value: only the per-object count moves;
// regional accounting is the owner's job (see Header.fieldDrop).
func (v *Value) dropField(t *Thread) {
	v.dec(false, t)
	v.tag = TInvalid
	v.obj, v.arr, v.cown, v.fn = nil, nil, nil, nil
}

// assignMove moves src into the register v, dropping whatever v held.
func (v *Value) assignMove(t *Thread, src *Value) {
	if v == src {
		return
	}
	v.dec(true, t)
	*v = src.take()
}

// assignCopy copies src into the register v, dropping whatever v held.
func (v *Value) assignCopy(t *Thread, src *Value) {
	if v == src {
		return
	}
	v.dec(true, t)
	*v = src.copyInc(true)
}

// set overwrites the register v with a freshly constructed value that
// already carries its refcounts (allocations, literals).
func (v *Value) set(t *Thread, nv Value) {
	v.dec(true, t)
	*v = nv
}

// TypeID returns the reified runtime type of the value.
func (v *Value) TypeID(p *Program) TypeID {
	switch v.tag {
	case TObject:
		return v.obj.hdr.typeID
	case TArray:
		return v.arr.hdr.typeID
	case TCown:
		return p.CownOf(v.cown.typeID)
	case TRegisterRef:
		return p.Ref(v.regType)
	case TFieldRef:
		return p.Ref(v.obj.fieldTypeID(v.idx))
	case TArrayRef:
		return p.Ref(v.arr.contentTypeID(p))
	case TCownRef:
		return p.Ref(v.cown.typeID)
	case TFunction, TError, TInvalid:
		return DynID
	default:
		return ValID(v.tag)
	}
}

// Convert performs a numeric cast across integer and float widths.
func (v *Value) Convert(to ValueType) (Value, error) {
	if !to.IsPrimitive() || to == TNone || to == TPtr {
		return Value{}, trap(ErrBadConversion)
	}

	if v.tag == to {
		return v.copyInc(true), nil
	}

	switch {
	case v.tag == TBool:
		u := v.bits
		if to == TBool {
			return BoolValue(u != 0), nil
		}
		return convertFromUint(to, u), nil
	case v.tag.isSigned():
		return convertFromInt(to, signExtend(v.tag, v.bits)), nil
	case v.tag.isInteger():
		return convertFromUint(to, v.bits), nil
	case v.tag.isFloat():
		return convertFromFloat(to, v.float()), nil
	default:
		return Value{}, trap(ErrBadConversion)
	}
}

func convertFromInt(to ValueType, i int64) Value {
	switch {
	case to == TBool:
		return BoolValue(i != 0)
	case to.isSigned():
		return IntValue(to, i)
	case to.isInteger():
		return UintValue(to, uint64(i))
	case to == TF32:
		return F32Value(float32(i))
	default:
		return F64Value(float64(i))
	}
}

func convertFromUint(to ValueType, u uint64) Value {
	switch {
	case to == TBool:
		return BoolValue(u != 0)
	case to.isSigned():
		return IntValue(to, int64(u))
	case to.isInteger():
		return UintValue(to, u)
	case to == TF32:
		return F32Value(float32(u))
	default:
		return F64Value(float64(u))
	}
}

func convertFromFloat(to ValueType, f float64) Value {
	switch {
	case to == TBool:
		return BoolValue(f != 0)
	case to.isSigned():
		return IntValue(to, int64(f))
	case to.isInteger():
		return UintValue(to, uint64(f))
	case to == TF32:
		return F32Value(float32(f))
	default:
		return F64Value(f)
	}
}

func signExtend(t ValueType, bits uint64) int64 {
	switch t {
	case TI8:
		return int64(int8(bits))
	case TI16:
		return int64(int16(bits))
	case TI32:
		return int64(int32(bits))
	default:
		return int64(bits)
	}
}

func truncSigned(t ValueType, i int64) int64 {
	switch t {
	case TI8:
		return int64(int8(i))
	case TI16:
		return int64(int16(i))
	case TI32:
		return int64(int32(i))
	default:
		return i
	}
}

func truncUnsigned(t ValueType, u uint64) uint64 {
	switch t {
	case TU8:
		return uint64(uint8(u))
	case TU16:
		return uint64(uint16(u))
	case TU32:
		return uint64(uint32(u))
	default:
		return u
	}
}

// String renders the value for diagnostics and the printval host symbol.
func (v *Value) String() string {
	switch v.tag {
	case TNone:
		return "none"
	case TBool:
		if v.bits != 0 {
			return "true"
		}
		return "false"
	case TI8, TI16, TI32, TI64, TILong, TISize:
		return strconv.FormatInt(signExtend(v.tag, v.bits), 10)
	case TU8, TU16, TU32, TU64, TULong, TUSize:
		return strconv.FormatUint(v.bits, 10)
	case TF32, TF64:
		return strconv.FormatFloat(v.float(), 'g', -1, 64)
	case TPtr:
		return fmt.Sprintf("ptr 0x%x", v.bits)
	case TObject:
		return v.obj.String()
	case TArray:
		return v.arr.String()
	case TCown:
		return v.cown.String()
	case TRegisterRef:
		return fmt.Sprintf("ref r%d", v.bits)
	case TFieldRef:
		return fmt.Sprintf("ref [%d] %s", v.idx, v.obj.String())
	case TArrayRef:
		return fmt.Sprintf("ref [%d] %s", v.idx, v.arr.String())
	case TCownRef:
		return fmt.Sprintf("ref %s", v.cown.String())
	case TFunction:
		return fmt.Sprintf("function %s", v.fn.Name)
	case TError:
		name := "?"
		if v.errFn != nil {
			name = v.errFn.Name
		}
		return fmt.Sprintf("%v\n  in %s at %d", v.errKind, name, v.idx)
	case TInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}
