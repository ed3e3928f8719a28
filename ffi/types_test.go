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

package ffi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Struct layout follows C alignment rules, as ffi_get_struct_offsets
// would compute them.
func TestStructLayout(t *testing.T) {
	size, offsets := StructLayout([]*Type{TypeSint32, TypeSint8, TypeSint64})
	assert.Equal(t, []uintptr{0, 4, 8}, offsets)
	assert.Equal(t, uintptr(16), size)

	size, offsets = StructLayout([]*Type{TypeSint8, TypeSint8, TypeSint16})
	assert.Equal(t, []uintptr{0, 1, 2}, offsets)
	assert.Equal(t, uintptr(4), size)

	size, offsets = StructLayout([]*Type{TypeSint8, TypeDouble})
	assert.Equal(t, []uintptr{0, 8}, offsets)
	assert.Equal(t, uintptr(16), size)

	size, offsets = StructLayout(nil)
	assert.Empty(t, offsets)
	assert.Equal(t, uintptr(0), size)
}

// The long model matches the platform.
func TestLongModel(t *testing.T) {
	assert.Equal(t, TypePointer.Size, TypeSlong.Size)
	assert.Equal(t, TypePointer.Size, TypeUsize.Size)
}

// A symbol must be prepared before it can be called.
func TestSymbolPrepare(t *testing.T) {
	s := NewSymbol("x", 0)
	assert.Error(t, s.Prepare(), "nil function must not prepare")

	s = NewSymbol("x", 1)
	s.Param(TypeSint32)
	s.Ret(TypeSint32)
	assert.NoError(t, s.Prepare())

	unprepared := NewSymbol("y", 1)
	_, err := unprepared.Call(nil)
	assert.Equal(t, ErrNotPrepared, err)
}
