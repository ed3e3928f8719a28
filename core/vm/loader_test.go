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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validImage() []byte {
	p := newProg()
	main := p.fn(2, ValID(TI32))
	main.label().constI32(0, 0).op(OpReturn, 0)
	return p.build()
}

func TestParseValid(t *testing.T) {
	prog, err := Parse(validImage(), nil)
	require.NoError(t, err)

	fn, err := prog.Function(MainFuncID)
	require.NoError(t, err)
	assert.Empty(t, fn.ParamTypes)
	assert.Equal(t, NumPrimitiveClasses, len(prog.primitives))
}

func TestParseRejectsTruncated(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3}, nil)
	assert.Equal(t, ErrTooSmall, err)
}

func TestParseRejectsBadMagic(t *testing.T) {
	img := validImage()
	binary.LittleEndian.PutUint32(img, 0xdeadbeef)
	_, err := Parse(img, nil)
	assert.Equal(t, ErrBadMagic, err)
}

func TestParseRejectsBadVersion(t *testing.T) {
	img := validImage()
	binary.LittleEndian.PutUint32(img[4:], 99)
	_, err := Parse(img, nil)
	assert.Equal(t, ErrBadVersion, err)
}

func TestParseRejectsBadDebugOffset(t *testing.T) {
	img := validImage()
	binary.LittleEndian.PutUint64(img[8:], uint64(len(img))+100)
	_, err := Parse(img, nil)
	assert.Equal(t, ErrBadDebugInfo, err)
}

func TestParseRejectsNoFunctions(t *testing.T) {
	var img []byte
	img = u32(img, MagicNumber)
	img = u32(img, CurrentVersion)
	img = u64(img, 0)
	img = u32(img, 0)
	_, err := Parse(img, nil)
	assert.Equal(t, ErrNoFunctions, err)
}

func TestParseRejectsMainWithParams(t *testing.T) {
	p := newProg()
	main := p.fn(2, ValID(TI32), ValID(TI32))
	main.label().constI32(0, 0).op(OpReturn, 0)
	_, err := Parse(p.build(), nil)
	assert.Equal(t, ErrBadMain, err)
}

func TestParseRejectsBadFinalizer(t *testing.T) {
	p := newProg()
	main := p.fn(2, ValID(TI32))
	main.label().constI32(0, 0).op(OpReturn, 0)

	// A finalizer must take exactly one parameter; fn 1 takes none.
	fin := p.fn(2, ValID(TNone))
	fin.label().op(OpReturn, 0)
	p.class([]testField{{100, ValID(TI32)}}, testMethod{method: FinalMethodID, fn: 1})

	_, err := Parse(p.build(), nil)
	assert.Equal(t, ErrBadFinalizer, err)
}

func TestParseUnknownHostSymbol(t *testing.T) {
	p := newProg()
	main := p.fn(2, ValID(TI32))
	main.label().constI32(0, 0).op(OpReturn, 0)
	p.hostSymbol("definitely_not_a_symbol_vbci_test", ValID(TNone))

	_, err := Parse(p.build(), nil)
	assert.Error(t, err)
}

func TestSubtypeLattice(t *testing.T) {
	prog, err := Parse(validImage(), nil)
	require.NoError(t, err)

	i32 := ValID(TI32)
	u8 := ValID(TU8)

	assert.True(t, prog.Subtype(i32, i32))
	assert.True(t, prog.Subtype(i32, DynID))
	assert.False(t, prog.Subtype(DynID, i32))
	assert.False(t, prog.Subtype(i32, u8))

	// Arrays are invariant; refs are covariant.
	assert.True(t, prog.Subtype(prog.ArrayOf(i32), prog.ArrayOf(i32)))
	assert.False(t, prog.Subtype(prog.ArrayOf(i32), prog.ArrayOf(u8)))
	assert.True(t, prog.Subtype(prog.Ref(i32), prog.Ref(DynID)))
	assert.False(t, prog.Subtype(prog.Ref(DynID), prog.Ref(i32)))

	// Decisions are cached and stable.
	assert.True(t, prog.Subtype(prog.Ref(i32), prog.Ref(DynID)))
}

func TestLEB128Roundtrip(t *testing.T) {
	vals := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 + 5}

	var buf []byte
	for _, v := range vals {
		buf = putUvarint(buf, v)
	}

	off := uint64(0)
	for _, want := range vals {
		got, next, err := uvarint(buf, off)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		off = next
	}

	_, _, err := uvarint(buf, off)
	assert.Error(t, err, "reading past the end must fail")
}
