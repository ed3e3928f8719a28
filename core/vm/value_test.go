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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinopBasics(t *testing.T) {
	cases := []struct {
		name string
		op   Op
		lhs  Value
		rhs  Value
		want Value
	}{
		{"add i32", OpAdd, IntValue(TI32, 3), IntValue(TI32, 4), IntValue(TI32, 7)},
		{"sub wraps u8", OpSub, UintValue(TU8, 0), UintValue(TU8, 1), UintValue(TU8, 255)},
		{"mul i64", OpMul, IntValue(TI64, -3), IntValue(TI64, 5), IntValue(TI64, -15)},
		{"div i32", OpDiv, IntValue(TI32, 7), IntValue(TI32, 2), IntValue(TI32, 3)},
		{"mod u32", OpMod, UintValue(TU32, 7), UintValue(TU32, 4), UintValue(TU32, 3)},
		{"and bool", OpAnd, BoolValue(true), BoolValue(false), BoolValue(false)},
		{"xor u16", OpXor, UintValue(TU16, 0xff00), UintValue(TU16, 0x0ff0), UintValue(TU16, 0xf0f0)},
		{"shl u64", OpShl, UintValue(TU64, 1), UintValue(TU64, 8), UintValue(TU64, 256)},
		{"lt i8", OpLt, IntValue(TI8, -1), IntValue(TI8, 1), BoolValue(true)},
		{"eq f64", OpEq, F64Value(2.5), F64Value(2.5), BoolValue(true)},
		{"min i32", OpMin, IntValue(TI32, 3), IntValue(TI32, -4), IntValue(TI32, -4)},
		{"max u64", OpMax, UintValue(TU64, 3), UintValue(TU64, 9), UintValue(TU64, 9)},
		{"pow f64", OpPow, F64Value(2), F64Value(10), F64Value(1024)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := binop(tc.op, &tc.lhs, &tc.rhs)
			require.NoError(t, err)
			assert.Equal(t, tc.want.tag, got.tag)
			assert.Equal(t, tc.want.bits, got.bits)
		})
	}
}

func TestBinopErrors(t *testing.T) {
	l := IntValue(TI32, 1)
	r := UintValue(TU32, 1)
	_, err := binop(OpAdd, &l, &r)
	require.Error(t, err)
	assert.Equal(t, ErrMismatchedTypes, err.(*Trap).Kind)

	z := IntValue(TI32, 0)
	_, err = binop(OpDiv, &l, &z)
	require.Error(t, err)
	assert.Equal(t, ErrBadOperand, err.(*Trap).Kind)

	// Pow has no integer meaning.
	one := IntValue(TI32, 1)
	two := IntValue(TI32, 2)
	_, err = binop(OpPow, &one, &two)
	require.Error(t, err)
	assert.Equal(t, ErrBadOperand, err.(*Trap).Kind)

	// Shifts have no float meaning.
	f := F64Value(1)
	g := F64Value(2)
	_, err = binop(OpShl, &f, &g)
	require.Error(t, err)
	assert.Equal(t, ErrBadOperand, err.(*Trap).Kind)
}

func TestUnopBasics(t *testing.T) {
	v := IntValue(TI32, -5)
	got, err := unop(OpAbs, &v)
	require.NoError(t, err)
	assert.Equal(t, IntValue(TI32, 5).bits, got.bits)

	b := BoolValue(false)
	got, err = unop(OpNot, &b)
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true).bits, got.bits)

	u := UintValue(TU8, 1)
	got, err = unop(OpNot, &u)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xfe), got.bits)

	// Abs is meaningless for unsigned operands.
	_, err = unop(OpAbs, &u)
	require.Error(t, err)
	assert.Equal(t, ErrBadOperand, err.(*Trap).Kind)

	f := F64Value(2.25)
	got, err = unop(OpSqrt, &f)
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.float())

	inf := F64Value(math.Inf(1))
	got, err = unop(OpIsInf, &inf)
	require.NoError(t, err)
	assert.Equal(t, BoolValue(true).bits, got.bits)
}

func TestConvertWidths(t *testing.T) {
	v := IntValue(TI8, -5)

	got, err := v.Convert(TI64)
	require.NoError(t, err)
	assert.Equal(t, int64(-5), got.sint())

	got, err = v.Convert(TU8)
	require.NoError(t, err)
	assert.Equal(t, uint64(251), got.uint())

	got, err = v.Convert(TF64)
	require.NoError(t, err)
	assert.Equal(t, -5.0, got.float())

	f := F64Value(300.9)
	got, err = f.Convert(TU8)
	require.NoError(t, err)
	assert.Equal(t, uint64(300&0xff), got.uint())

	// Pointers and references don't convert.
	p := Null()
	_, err = p.Convert(TI32)
	require.Error(t, err)
	assert.Equal(t, ErrBadConversion, err.(*Trap).Kind)
}

func TestOpBits(t *testing.T) {
	f := F32Value(1.0)
	got, err := f.OpBits()
	require.NoError(t, err)
	assert.Equal(t, TU32, got.tag)
	assert.Equal(t, uint64(math.Float32bits(1.0)), got.bits)

	i := IntValue(TI16, -1)
	got, err = i.OpBits()
	require.NoError(t, err)
	assert.Equal(t, TU16, got.tag)
	assert.Equal(t, uint64(0xffff), got.bits)
}

func TestMoveInvalidatesSource(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	obj := r.Object(cls)
	v := ObjectValue(obj)

	moved := v.take()
	assert.True(t, v.IsInvalid())
	assert.False(t, moved.IsInvalid())
	assert.Equal(t, uint32(1), obj.Header().RC(), "a move transfers the claim")

	moved.Drop(th)
	assert.True(t, r.Freed())
}

func TestValueStrings(t *testing.T) {
	none := None()
	assert.Equal(t, "none", none.String())
	b := BoolValue(true)
	assert.Equal(t, "true", b.String())
	v := IntValue(TI32, -7)
	assert.Equal(t, "-7", v.String())
	assert.Equal(t, "invalid", (&Value{tag: TInvalid}).String())
}
