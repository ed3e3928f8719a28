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

// Ref builds a reference into the value: a field reference for objects, a
// content reference for cowns. A move consumes the handle; a copy keeps it
// and issues the register increment.
func (v *Value) Ref(p *Program, move bool, fieldID uint64) (Value, error) {
	switch v.tag {
	case TObject:
		idx, ok := v.obj.cls.fieldIndex(fieldID)
		if !ok {
			return Value{}, trap(ErrBadField)
		}

		ro := v.readonly
		if move {
			v.tag = TInvalid
		} else {
			v.inc(true)
		}
		return FieldRef(v.obj, idx, ro), nil

	case TCown:
		c, ro := v.cown, v.readonly
		if move {
			v.tag = TInvalid
		} else {
			// Cowns are unregioned; no stack RC rides on the copy.
			v.inc(false)
		}
		return CownRef(c, ro), nil

	default:
		return Value{}, trap(ErrBadRefTarget)
	}
}

// ArrayRefAt builds a bounds-checked reference to an array element.
func (v *Value) ArrayRefAt(move bool, idx uint64) (Value, error) {
	if v.tag != TArray {
		return Value{}, trap(ErrBadRefTarget)
	}

	if idx >= v.arr.size {
		return Value{}, trap(ErrBadArrayIndex)
	}

	a, ro := v.arr, v.readonly
	if move {
		v.tag = TInvalid
	} else {
		v.inc(true)
	}
	return ArrayRef(a, idx, ro), nil
}

// Load dereferences one level of reference. The result is a fresh register
// value; the reference's read-only bit propagates.
func (v *Value) Load(t *Thread) (Value, error) {
	switch v.tag {
	case TRegisterRef:
		out := t.locals[v.bits].copyInc(true)
		return out, nil

	case TFieldRef:
		out := v.obj.load(v.idx)
		out.inc(true)
		out.readonly = v.readonly
		return out, nil

	case TArrayRef:
		out, err := v.arr.load(v.idx)
		if err != nil {
			return Value{}, err
		}
		out.inc(true)
		out.readonly = v.readonly
		return out, nil

	case TCownRef:
		out := v.cown.load()
		out.readonly = v.readonly
		return out, nil

	default:
		return Value{}, trap(ErrBadLoadTarget)
	}
}

// Store writes through a reference, enforcing the ownership invariants,
// and returns the previous value so the caller can dispose of it.
func (v *Value) Store(t *Thread, move bool, src *Value) (Value, error) {
	if v.readonly {
		return Value{}, trap(ErrBadStoreTarget)
	}

	// Only cowns provide read-only access, so a read-only value can never
	// be stored anywhere.
	if src.readonly {
		return Value{}, trap(ErrBadStore)
	}

	switch v.tag {
	case TRegisterRef:
		vloc := src.Location()
		frame := uint32(v.idx)

		if vloc.isStack() && vloc.frame > frame {
			return Value{}, trap(ErrBadStoreTarget)
		}

		// A frame-local allocation from a younger frame would outlive its
		// region if parked in an older register.
		if vloc.isFrameLocal() && vloc.frame > frame {
			return Value{}, trap(ErrBadStoreTarget)
		}

		reg := &t.locals[v.bits]
		prev := reg.take()
		if move {
			*reg = src.take()
		} else {
			*reg = src.copyInc(true)
		}
		return prev, nil

	case TFieldRef:
		return v.obj.store(t, v.idx, move, src)

	case TArrayRef:
		return v.arr.exchange(t, v.idx, move, src)

	case TCownRef:
		return v.cown.store(t, move, src)

	default:
		return Value{}, trap(ErrBadStoreTarget)
	}
}

// Method looks up a method by interned method id via the value's runtime
// class.
func (v *Value) Method(p *Program, methodID uint64) *Function {
	cls := p.classOf(v.TypeID(p))
	if cls == nil {
		return nil
	}
	return cls.Method(methodID)
}

// OpBits reflects the value as its raw bits in the matching unsigned width.
func (v *Value) OpBits() (Value, error) {
	switch v.tag {
	case TNone, TBool, TI8, TU8:
		return v.Convert(TU8)
	case TI16, TU16:
		return v.Convert(TU16)
	case TI32, TU32:
		return v.Convert(TU32)
	case TI64, TU64:
		return v.Convert(TU64)
	case TILong, TULong:
		return v.Convert(TULong)
	case TF32:
		return UintValue(TU32, v.bits), nil
	case TF64:
		return UintValue(TU64, v.bits), nil
	case TISize, TUSize, TPtr:
		return UintValue(TUSize, v.bits), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

// OpLen reports an array's length.
func (v *Value) OpLen() (Value, error) {
	if v.tag != TArray {
		return Value{}, trap(ErrBadOperand)
	}
	return UintValue(TUSize, v.arr.size), nil
}

// OpPtr takes the FFI address of the value.
func (v *Value) OpPtr() (Value, error) {
	switch v.tag {
	case TNone:
		return Null(), nil
	case TPtr:
		return PtrValue(v.bits), nil
	case TArray:
		return PtrValue(uint64(v.arr.dataPointer())), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

// OpRead acquires a read-only alias of a cown.
func (v *Value) OpRead() (Value, error) {
	if v.tag != TCown {
		return Value{}, trap(ErrBadOperand)
	}
	out := v.copyInc(false)
	out.readonly = true
	return out, nil
}
