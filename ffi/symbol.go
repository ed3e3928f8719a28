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

//go:build linux || darwin
// +build linux darwin

package ffi

import (
	"errors"

	"github.com/ebitengine/purego"
)

// ErrNotPrepared is returned when Call runs before Prepare.
var ErrNotPrepared = errors.New("ffi: symbol not prepared")

// ErrTooManyArgs is returned when a call exceeds the dispatch limit.
var ErrTooManyArgs = errors.New("ffi: too many arguments")

// Symbol is a resolved C function plus its call interface: the fixed
// parameter types, the return type, and a variadic flag. It is the analog
// of a libffi CIF; variadic tails are appended per call with Varparam.
type Symbol struct {
	Name string

	addr      uintptr
	params    []*Type
	varParams []*Type
	ret       *Type
	vararg    bool
	prepared  bool
}

// NewSymbol wraps a resolved address. Parameter and return types are added
// before Prepare.
func NewSymbol(name string, addr uintptr) *Symbol {
	return &Symbol{Name: name, addr: addr}
}

// Param appends a fixed parameter type.
func (s *Symbol) Param(t *Type) {
	s.params = append(s.params, t)
}

// Ret sets the return type.
func (s *Symbol) Ret(t *Type) {
	s.ret = t
}

// SetVararg marks the symbol variadic.
func (s *Symbol) SetVararg() {
	s.vararg = true
}

// Vararg reports whether the symbol is variadic.
func (s *Symbol) Vararg() bool {
	return s.vararg
}

// NumParams returns the fixed parameter count.
func (s *Symbol) NumParams() int {
	return len(s.params)
}

// Addr returns the raw function pointer.
func (s *Symbol) Addr() uintptr {
	return s.addr
}

// Prepare finalises the call interface.
func (s *Symbol) Prepare() error {
	if s.addr == 0 {
		return errors.New("ffi: nil function")
	}
	s.prepared = true
	return nil
}

// Varparam appends an argument type discovered at call time for a
// variadic symbol.
func (s *Symbol) Varparam(t *Type) {
	s.varParams = append(s.varParams, t)
}

// Call invokes the function with the given argument words and returns the
// raw 64-bit result. The caller re-wraps the result using the symbol's
// known return kind. The variadic tail is consumed by the call.
func (s *Symbol) Call(args []uintptr) (uint64, error) {
	if !s.prepared {
		return 0, ErrNotPrepared
	}

	s.varParams = s.varParams[:0]

	if len(args) > 15 {
		return 0, ErrTooManyArgs
	}

	r1, _, _ := purego.SyscallN(s.addr, args...)
	return uint64(r1), nil
}
