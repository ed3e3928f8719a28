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

import "math"

// Arithmetic fans out over four operand classes: bool, signed integers,
// unsigned integers and floats. Operand tags must agree exactly; the
// result keeps the operand tag except for comparisons, which produce bool.
// Combinations with no meaning for a class fail with BadOperand, mirroring
// the nounop/nobinop functors of the original.

func binop(op Op, lhs, rhs *Value) (Value, error) {
	if lhs.tag != rhs.tag {
		return Value{}, trap(ErrMismatchedTypes)
	}

	t := lhs.tag

	switch {
	case t == TBool:
		return boolBinop(op, lhs.bits != 0, rhs.bits != 0)
	case t.isSigned():
		return intBinop(op, t, signExtend(t, lhs.bits), signExtend(t, rhs.bits))
	case t.isInteger():
		return uintBinop(op, t, lhs.bits, rhs.bits)
	case t.isFloat():
		return floatBinop(op, t, lhs.float(), rhs.float())
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

func boolBinop(op Op, a, b bool) (Value, error) {
	switch op {
	case OpAnd:
		return BoolValue(a && b), nil
	case OpOr:
		return BoolValue(a || b), nil
	case OpXor:
		return BoolValue(a != b), nil
	case OpEq:
		return BoolValue(a == b), nil
	case OpNe:
		return BoolValue(a != b), nil
	case OpLt:
		return BoolValue(!a && b), nil
	case OpLe:
		return BoolValue(!a || b), nil
	case OpGt:
		return BoolValue(a && !b), nil
	case OpGe:
		return BoolValue(a || !b), nil
	case OpMin:
		return BoolValue(a && b), nil
	case OpMax:
		return BoolValue(a || b), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

func intBinop(op Op, t ValueType, a, b int64) (Value, error) {
	switch op {
	case OpAdd:
		return IntValue(t, a+b), nil
	case OpSub:
		return IntValue(t, a-b), nil
	case OpMul:
		return IntValue(t, a*b), nil
	case OpDiv:
		if b == 0 {
			return Value{}, trap(ErrBadOperand)
		}
		return IntValue(t, a/b), nil
	case OpMod:
		if b == 0 {
			return Value{}, trap(ErrBadOperand)
		}
		return IntValue(t, a%b), nil
	case OpAnd:
		return IntValue(t, a&b), nil
	case OpOr:
		return IntValue(t, a|b), nil
	case OpXor:
		return IntValue(t, a^b), nil
	case OpShl:
		return IntValue(t, a<<(uint64(b)&63)), nil
	case OpShr:
		return IntValue(t, a>>(uint64(b)&63)), nil
	case OpEq:
		return BoolValue(a == b), nil
	case OpNe:
		return BoolValue(a != b), nil
	case OpLt:
		return BoolValue(a < b), nil
	case OpLe:
		return BoolValue(a <= b), nil
	case OpGt:
		return BoolValue(a > b), nil
	case OpGe:
		return BoolValue(a >= b), nil
	case OpMin:
		if a < b {
			return IntValue(t, a), nil
		}
		return IntValue(t, b), nil
	case OpMax:
		if a > b {
			return IntValue(t, a), nil
		}
		return IntValue(t, b), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

func uintBinop(op Op, t ValueType, a, b uint64) (Value, error) {
	switch op {
	case OpAdd:
		return UintValue(t, a+b), nil
	case OpSub:
		return UintValue(t, a-b), nil
	case OpMul:
		return UintValue(t, a*b), nil
	case OpDiv:
		if b == 0 {
			return Value{}, trap(ErrBadOperand)
		}
		return UintValue(t, a/b), nil
	case OpMod:
		if b == 0 {
			return Value{}, trap(ErrBadOperand)
		}
		return UintValue(t, a%b), nil
	case OpAnd:
		return UintValue(t, a&b), nil
	case OpOr:
		return UintValue(t, a|b), nil
	case OpXor:
		return UintValue(t, a^b), nil
	case OpShl:
		return UintValue(t, a<<(b&63)), nil
	case OpShr:
		return UintValue(t, a>>(b&63)), nil
	case OpEq:
		return BoolValue(a == b), nil
	case OpNe:
		return BoolValue(a != b), nil
	case OpLt:
		return BoolValue(a < b), nil
	case OpLe:
		return BoolValue(a <= b), nil
	case OpGt:
		return BoolValue(a > b), nil
	case OpGe:
		return BoolValue(a >= b), nil
	case OpMin:
		if a < b {
			return UintValue(t, a), nil
		}
		return UintValue(t, b), nil
	case OpMax:
		if a > b {
			return UintValue(t, a), nil
		}
		return UintValue(t, b), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

func floatBinop(op Op, t ValueType, a, b float64) (Value, error) {
	wrap := func(f float64) Value {
		if t == TF32 {
			return F32Value(float32(f))
		}
		return F64Value(f)
	}

	switch op {
	case OpAdd:
		return wrap(a + b), nil
	case OpSub:
		return wrap(a - b), nil
	case OpMul:
		return wrap(a * b), nil
	case OpDiv:
		return wrap(a / b), nil
	case OpMod:
		return wrap(math.Mod(a, b)), nil
	case OpPow:
		return wrap(math.Pow(a, b)), nil
	case OpEq:
		return BoolValue(a == b), nil
	case OpNe:
		return BoolValue(a != b), nil
	case OpLt:
		return BoolValue(a < b), nil
	case OpLe:
		return BoolValue(a <= b), nil
	case OpGt:
		return BoolValue(a > b), nil
	case OpGe:
		return BoolValue(a >= b), nil
	case OpMin:
		return wrap(math.Min(a, b)), nil
	case OpMax:
		return wrap(math.Max(a, b)), nil
	case OpLogBase:
		return wrap(math.Log(a) / math.Log(b)), nil
	case OpAtan2:
		return wrap(math.Atan2(a, b)), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}

func unop(op Op, src *Value) (Value, error) {
	t := src.tag

	switch {
	case t == TBool:
		if op == OpNot {
			return BoolValue(src.bits == 0), nil
		}
		return Value{}, trap(ErrBadOperand)

	case t.isSigned():
		a := signExtend(t, src.bits)
		switch op {
		case OpNeg:
			return IntValue(t, -a), nil
		case OpNot:
			return IntValue(t, ^a), nil
		case OpAbs:
			if a < 0 {
				return IntValue(t, -a), nil
			}
			return IntValue(t, a), nil
		}
		return Value{}, trap(ErrBadOperand)

	case t.isInteger():
		switch op {
		case OpNeg:
			return UintValue(t, -src.bits), nil
		case OpNot:
			return UintValue(t, ^src.bits), nil
		}
		return Value{}, trap(ErrBadOperand)

	case t.isFloat():
		return floatUnop(op, t, src.float())

	default:
		return Value{}, trap(ErrBadOperand)
	}
}

func floatUnop(op Op, t ValueType, a float64) (Value, error) {
	wrap := func(f float64) Value {
		if t == TF32 {
			return F32Value(float32(f))
		}
		return F64Value(f)
	}

	switch op {
	case OpNeg:
		return wrap(-a), nil
	case OpAbs:
		return wrap(math.Abs(a)), nil
	case OpCeil:
		return wrap(math.Ceil(a)), nil
	case OpFloor:
		return wrap(math.Floor(a)), nil
	case OpExp:
		return wrap(math.Exp(a)), nil
	case OpLog:
		return wrap(math.Log(a)), nil
	case OpSqrt:
		return wrap(math.Sqrt(a)), nil
	case OpCbrt:
		return wrap(math.Cbrt(a)), nil
	case OpIsInf:
		return BoolValue(math.IsInf(a, 0)), nil
	case OpIsNaN:
		return BoolValue(math.IsNaN(a)), nil
	case OpSin:
		return wrap(math.Sin(a)), nil
	case OpCos:
		return wrap(math.Cos(a)), nil
	case OpTan:
		return wrap(math.Tan(a)), nil
	case OpAsin:
		return wrap(math.Asin(a)), nil
	case OpAcos:
		return wrap(math.Acos(a)), nil
	case OpAtan:
		return wrap(math.Atan(a)), nil
	case OpSinh:
		return wrap(math.Sinh(a)), nil
	case OpCosh:
		return wrap(math.Cosh(a)), nil
	case OpTanh:
		return wrap(math.Tanh(a)), nil
	case OpAsinh:
		return wrap(math.Asinh(a)), nil
	case OpAcosh:
		return wrap(math.Acosh(a)), nil
	case OpAtanh:
		return wrap(math.Atanh(a)), nil
	default:
		return Value{}, trap(ErrBadOperand)
	}
}
