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
	"math"

	"github.com/probeum/go-vbci/log"
)

// Thread is one interpreter: a stack of frames over a shared register
// vector, a stack allocator, a finalizer stack and the pending-argument
// counter. Each scheduler worker owns exactly one Thread.
type Thread struct {
	vm   *VM
	prog *Program

	stack  Stack
	frames []*Frame
	frame  *Frame
	locals []Value

	finalize []*Object
	args     uint64

	behavior  *Function
	currentPC uint64

	worklist   []workItem
	collecting bool

	ffiWords []uintptr
}

func newThread(vm *VM) *Thread {
	t := &Thread{
		vm:     vm,
		prog:   vm.prog,
		frames: make([]*Frame, 0, 16),
		locals: make([]Value, 1024),
	}
	for i := range t.locals {
		t.locals[i] = Value{tag: TInvalid}
	}
	return t
}

// Program returns the loaded program this thread executes.
func (t *Thread) Program() *Program {
	return t.prog
}

// leb reads one LEB128 operand at the current PC.
func (t *Thread) leb() (uint64, error) {
	v, pc, err := uvarint(t.prog.code, t.frame.pc)
	if err != nil {
		return 0, trap(ErrUnknownOpcode)
	}
	t.frame.pc = pc
	return v, nil
}

func (t *Thread) raw4() (uint32, error) {
	pc := t.frame.pc
	if pc+4 > uint64(len(t.prog.code)) {
		return 0, trap(ErrUnknownOpcode)
	}
	t.frame.pc += 4
	return binary.LittleEndian.Uint32(t.prog.code[pc:]), nil
}

func (t *Thread) raw8() (uint64, error) {
	pc := t.frame.pc
	if pc+8 > uint64(len(t.prog.code)) {
		return 0, trap(ErrUnknownOpcode)
	}
	t.frame.pc += 8
	return binary.LittleEndian.Uint64(t.prog.code[pc:]), nil
}

// step decodes and executes one instruction. A trap becomes a thrown
// error value that unwinds through popframe.
func (t *Thread) step() {
	t.currentPC = t.frame.pc

	opv, err := t.leb()
	if err == nil {
		err = t.exec(Op(opv))
	}

	if err != nil {
		t.throw(err)
	}
}

// throw converts a Go-side trap into an in-band error value and unwinds.
func (t *Thread) throw(err error) {
	kind := ErrUnknownOpcode
	if tr, ok := err.(*Trap); ok {
		kind = tr.Kind
	}

	fn := t.behavior
	if t.frame != nil {
		fn = t.frame.fn
	}

	t.popframe(ErrValue(kind, fn, t.currentPC), CondThrow)
}

func (t *Thread) exec(op Op) error {
	switch op {
	case OpGlobal:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		v, err := t.prog.Global(id)
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpConst:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		tv, err := t.leb()
		if err != nil {
			return err
		}
		v, err := t.readConst(ValueType(tv))
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpString:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		v, err := t.prog.GetString(id)
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpConvert:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		tv, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		v, err := t.local(src).Convert(ValueType(tv))
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpNew:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		classID, err := t.leb()
		if err != nil {
			return err
		}
		cls, err := t.prog.Cls(classID)
		if err != nil {
			return err
		}
		if cls.singleton != nil {
			t.local(dst).set(t, ObjectValue(cls.singleton))
			break
		}
		if err := t.checkFieldArgs(cls); err != nil {
			return err
		}
		obj, err := t.frame.region.Object(cls).init(t, t.argWindow(uint64(len(cls.Fields))))
		if err != nil {
			return err
		}
		t.local(dst).set(t, ObjectValue(obj))

	case OpStack:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		classID, err := t.leb()
		if err != nil {
			return err
		}
		cls, err := t.prog.Cls(classID)
		if err != nil {
			return err
		}
		if cls.singleton != nil {
			t.local(dst).set(t, ObjectValue(cls.singleton))
			break
		}
		if err := t.checkFieldArgs(cls); err != nil {
			return err
		}
		obj, err := t.stack.object(cls, t.frame.frameID)
		if err != nil {
			return err
		}
		if _, err := obj.init(t, t.argWindow(uint64(len(cls.Fields)))); err != nil {
			return err
		}
		t.frame.pushFinalizer(t, obj)
		t.local(dst).set(t, ObjectValue(obj))

	case OpHeap:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		regionReg, err := t.leb()
		if err != nil {
			return err
		}
		classID, err := t.leb()
		if err != nil {
			return err
		}
		region, err := t.local(regionReg).Region()
		if err != nil {
			return err
		}
		cls, err := t.prog.Cls(classID)
		if err != nil {
			return err
		}
		if cls.singleton != nil {
			t.local(dst).set(t, ObjectValue(cls.singleton))
			break
		}
		if err := t.checkFieldArgs(cls); err != nil {
			return err
		}
		obj, err := region.Object(cls).init(t, t.argWindow(uint64(len(cls.Fields))))
		if err != nil {
			return err
		}
		t.local(dst).set(t, ObjectValue(obj))

	case OpRegion:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		kind, err := t.leb()
		if err != nil {
			return err
		}
		classID, err := t.leb()
		if err != nil {
			return err
		}
		cls, err := t.prog.Cls(classID)
		if err != nil {
			return err
		}
		if cls.singleton != nil {
			return trap(ErrBadRegionEntryPoint)
		}
		if err := t.checkFieldArgs(cls); err != nil {
			return err
		}
		region, err := NewRegion(RegionKind(kind))
		if err != nil {
			return err
		}
		obj, err := region.Object(cls).init(t, t.argWindow(uint64(len(cls.Fields))))
		if err != nil {
			return err
		}
		t.local(dst).set(t, ObjectValue(obj))

	case OpNewArray, OpNewArrayConst, OpStackArray, OpStackArrayConst,
		OpHeapArray, OpHeapArrayConst, OpRegionArray, OpRegionArrayConst:
		return t.execArray(op)

	case OpCopy:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		srcv := t.local(src)
		t.local(dst).assignCopy(t, srcv)

	case OpMove:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		srcv := t.local(src)
		t.local(dst).assignMove(t, srcv)

	case OpDrop:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		t.local(dst).Drop(t)

	case OpRegisterRef:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		abs := t.frame.base + src
		ref := RegisterRef(abs, t.frame.frameID, t.local(src).TypeID(t.prog))
		t.local(dst).set(t, ref)

	case OpFieldRefMove, OpFieldRefCopy:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		fieldID, err := t.leb()
		if err != nil {
			return err
		}
		ref, err := t.local(src).Ref(t.prog, op == OpFieldRefMove, fieldID)
		if err != nil {
			return err
		}
		t.local(dst).set(t, ref)

	case OpArrayRefMove, OpArrayRefCopy:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		idxReg, err := t.leb()
		if err != nil {
			return err
		}
		idx, err := t.local(idxReg).Size()
		if err != nil {
			return err
		}
		ref, err := t.local(src).ArrayRefAt(op == OpArrayRefMove, idx)
		if err != nil {
			return err
		}
		t.local(dst).set(t, ref)

	case OpArrayRefMoveConst, OpArrayRefCopyConst:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		idx, err := t.leb()
		if err != nil {
			return err
		}
		ref, err := t.local(src).ArrayRefAt(op == OpArrayRefMoveConst, idx)
		if err != nil {
			return err
		}
		t.local(dst).set(t, ref)

	case OpLoad:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		v, err := t.local(src).Load(t)
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpStoreMove, OpStoreCopy:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		refReg, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		srcv := t.local(src)
		prev, err := t.local(refReg).Store(t, op == OpStoreMove, srcv)
		if err != nil {
			return err
		}
		t.local(dst).set(t, prev)

	case OpLookupStatic:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		fn, err := t.prog.Function(id)
		if err != nil {
			return err
		}
		v, err := FuncValue(fn)
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpLookupDynamic:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		methodID, err := t.leb()
		if err != nil {
			return err
		}
		fn := t.local(src).Method(t.prog, methodID)
		if fn == nil {
			return trap(ErrMethodNotFound)
		}
		v, err := FuncValue(fn)
		if err != nil {
			return err
		}
		t.local(dst).set(t, v)

	case OpLookupFFI:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		sym, err := t.prog.Symbol(id)
		if err != nil {
			return err
		}
		var addr uint64
		if sym.FFI != nil {
			addr = uint64(sym.FFI.Addr())
		}
		t.local(dst).set(t, PtrValue(addr))

	case OpArgMove, OpArgCopy:
		src, err := t.leb()
		if err != nil {
			return err
		}
		// Resolve the slot first: growing the register vector would leave
		// a previously taken source pointer aimed at the old backing.
		slot := t.argSlot(t.args)
		srcv := t.local(src)
		t.args++
		if op == OpArgMove {
			slot.assignMove(t, srcv)
		} else {
			slot.assignCopy(t, srcv)
		}

	case OpCallStatic, OpSubcallStatic, OpTryStatic:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		fn, err := t.prog.Function(id)
		if err != nil {
			return err
		}
		return t.pushframe(fn, dst, staticCallType(op))

	case OpCallDynamic, OpSubcallDynamic, OpTryDynamic:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		fnReg, err := t.leb()
		if err != nil {
			return err
		}
		fn := t.local(fnReg).Function()
		return t.pushframe(fn, dst, dynamicCallType(op))

	case OpFFI:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		return t.ffiCall(dst, id)

	case OpWhenStatic:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		typeID, err := t.leb()
		if err != nil {
			return err
		}
		id, err := t.leb()
		if err != nil {
			return err
		}
		fn, err := t.prog.Function(id)
		if err != nil {
			return err
		}
		return t.queueBehavior(dst, TypeID(typeID), fn)

	case OpWhenDynamic:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		typeID, err := t.leb()
		if err != nil {
			return err
		}
		fnReg, err := t.leb()
		if err != nil {
			return err
		}
		return t.queueBehavior(dst, TypeID(typeID), t.local(fnReg).Function())

	case OpTypetest:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		typeID, err := t.leb()
		if err != nil {
			return err
		}
		res := t.prog.Subtype(t.local(src).TypeID(t.prog), TypeID(typeID))
		t.local(dst).set(t, BoolValue(res))

	case OpTailcallStatic:
		id, err := t.leb()
		if err != nil {
			return err
		}
		fn, err := t.prog.Function(id)
		if err != nil {
			return err
		}
		return t.tailcall(fn)

	case OpTailcallDynamic:
		fnReg, err := t.leb()
		if err != nil {
			return err
		}
		return t.tailcall(t.local(fnReg).Function())

	case OpReturn, OpRaise, OpThrow:
		src, err := t.leb()
		if err != nil {
			return err
		}
		ret := t.local(src).take()
		t.popframe(ret, returnCondition(op))

	case OpCond:
		condReg, err := t.leb()
		if err != nil {
			return err
		}
		onTrue, err := t.leb()
		if err != nil {
			return err
		}
		onFalse, err := t.leb()
		if err != nil {
			return err
		}
		b, err := t.local(condReg).Bool()
		if err != nil {
			return trap(ErrBadConditional)
		}
		if b {
			return t.branch(onTrue)
		}
		return t.branch(onFalse)

	case OpJump:
		target, err := t.leb()
		if err != nil {
			return err
		}
		return t.branch(target)

	case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow, OpAnd, OpOr, OpXor,
		OpShl, OpShr, OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpMin, OpMax,
		OpLogBase, OpAtan2:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		lhs, err := t.leb()
		if err != nil {
			return err
		}
		rhs, err := t.leb()
		if err != nil {
			return err
		}
		res, err := binop(op, t.local(lhs), t.local(rhs))
		if err != nil {
			return err
		}
		t.local(dst).set(t, res)

	case OpNeg, OpNot, OpAbs, OpCeil, OpFloor, OpExp, OpLog, OpSqrt,
		OpCbrt, OpIsInf, OpIsNaN, OpSin, OpCos, OpTan, OpAsin, OpAcos,
		OpAtan, OpSinh, OpCosh, OpTanh, OpAsinh, OpAcosh, OpAtanh,
		OpBits, OpLen, OpPtr, OpRead, OpFreeze:
		dst, err := t.leb()
		if err != nil {
			return err
		}
		src, err := t.leb()
		if err != nil {
			return err
		}
		res, err := t.execUnop(op, t.local(src))
		if err != nil {
			return err
		}
		t.local(dst).set(t, res)

	case OpConstE:
		return t.execConst(mathE)
	case OpConstPi:
		return t.execConst(mathPi)
	case OpConstInf:
		return t.execConst(mathInf)
	case OpConstNaN:
		return t.execConst(mathNaN)

	default:
		log.Debug("Unknown opcode", "op", uint64(op), "pc", t.currentPC)
		return trap(ErrUnknownOpcode)
	}

	return nil
}

func (t *Thread) execUnop(op Op, src *Value) (Value, error) {
	switch op {
	case OpBits:
		return src.OpBits()
	case OpLen:
		return src.OpLen()
	case OpPtr:
		return src.OpPtr()
	case OpRead:
		return src.OpRead()
	case OpFreeze:
		if err := freeze(t, src); err != nil {
			return Value{}, err
		}
		return src.take(), nil
	default:
		return unop(op, src)
	}
}

func (t *Thread) execArray(op Op) error {
	dst, err := t.leb()
	if err != nil {
		return err
	}

	var region *Region

	switch op {
	case OpHeapArray, OpHeapArrayConst:
		regionReg, err := t.leb()
		if err != nil {
			return err
		}
		if region, err = t.local(regionReg).Region(); err != nil {
			return err
		}
	case OpRegionArray, OpRegionArrayConst:
		kind, err := t.leb()
		if err != nil {
			return err
		}
		if region, err = NewRegion(RegionKind(kind)); err != nil {
			return err
		}
	}

	var size uint64
	var typeID uint64

	switch op {
	case OpNewArray, OpStackArray, OpHeapArray, OpRegionArray:
		sizeReg, err := t.leb()
		if err != nil {
			return err
		}
		if typeID, err = t.leb(); err != nil {
			return err
		}
		if size, err = t.local(sizeReg).Size(); err != nil {
			return err
		}
	default:
		if typeID, err = t.leb(); err != nil {
			return err
		}
		if size, err = t.leb(); err != nil {
			return err
		}
	}

	var arr *Array

	switch op {
	case OpNewArray, OpNewArrayConst:
		arr, err = t.frame.region.Array(t.prog, TypeID(typeID), size)
	case OpStackArray, OpStackArrayConst:
		arr, err = t.stack.array(t.prog, t.frame.frameID, TypeID(typeID), size)
	default:
		arr, err = region.Array(t.prog, TypeID(typeID), size)
	}
	if err != nil {
		return err
	}

	t.local(dst).set(t, ArrayValue(arr))
	return nil
}

type mathConst uint8

const (
	mathE mathConst = iota
	mathPi
	mathInf
	mathNaN
)

func (t *Thread) execConst(c mathConst) error {
	dst, err := t.leb()
	if err != nil {
		return err
	}

	var v Value
	switch c {
	case mathE:
		v = F64Value(2.718281828459045)
	case mathPi:
		v = F64Value(3.141592653589793)
	case mathInf:
		v = F64Value(math.Inf(1))
	case mathNaN:
		v = F64Value(math.NaN())
	}

	t.local(dst).set(t, v)
	return nil
}

func (t *Thread) readConst(vt ValueType) (Value, error) {
	switch vt {
	case TNone:
		return None(), nil

	case TBool:
		b, err := t.leb()
		if err != nil {
			return Value{}, err
		}
		return BoolValue(b != 0), nil

	case TI8, TI16, TI32, TI64, TILong, TISize,
		TU8, TU16, TU32, TU64, TULong, TUSize:
		bits, err := t.leb()
		if err != nil {
			return Value{}, err
		}
		return FromBits(vt, bits), nil

	case TF32:
		bits, err := t.raw4()
		if err != nil {
			return Value{}, err
		}
		return FromBits(TF32, uint64(bits)), nil

	case TF64:
		bits, err := t.raw8()
		if err != nil {
			return Value{}, err
		}
		return FromBits(TF64, bits), nil

	default:
		return Value{}, trap(ErrBadConversion)
	}
}

func (t *Thread) branch(label uint64) error {
	if label >= uint64(len(t.frame.fn.Labels)) {
		return trap(ErrBadLabel)
	}
	t.frame.pc = t.frame.fn.Labels[label]
	return nil
}

func staticCallType(op Op) CallType {
	switch op {
	case OpSubcallStatic:
		return CallTypeSubcall
	case OpTryStatic:
		return CallTypeCatch
	default:
		return CallTypeCall
	}
}

func dynamicCallType(op Op) CallType {
	switch op {
	case OpSubcallDynamic:
		return CallTypeSubcall
	case OpTryDynamic:
		return CallTypeCatch
	default:
		return CallTypeCall
	}
}

func returnCondition(op Op) Condition {
	switch op {
	case OpRaise:
		return CondRaise
	case OpThrow:
		return CondThrow
	default:
		return CondReturn
	}
}
