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
	"testing"
)

// ---- Bytecode builder helpers ----------------------------------------------
//
// Tests assemble literal bytecode files through this builder, mirroring the
// wire format the loader parses. Label targets are byte offsets into the
// code section, recorded as each label block is closed.

type asmBlock struct {
	buf []byte
}

func (a *asmBlock) op(op Op, args ...uint64) *asmBlock {
	a.buf = putUvarint(a.buf, uint64(op))
	for _, v := range args {
		a.buf = putUvarint(a.buf, v)
	}
	return a
}

// constI32 emits Const dst i32 v.
func (a *asmBlock) constI32(dst uint64, v int32) *asmBlock {
	a.op(OpConst, dst, uint64(TI32))
	a.buf = putUvarint(a.buf, uint64(uint32(v)))
	return a
}

// constU64 emits Const dst u64 v.
func (a *asmBlock) constU64(dst uint64, v uint64) *asmBlock {
	a.op(OpConst, dst, uint64(TU64))
	a.buf = putUvarint(a.buf, v)
	return a
}

// constUSize emits Const dst usize v.
func (a *asmBlock) constUSize(dst uint64, v uint64) *asmBlock {
	a.op(OpConst, dst, uint64(TUSize))
	a.buf = putUvarint(a.buf, v)
	return a
}

// constBool emits Const dst bool v.
func (a *asmBlock) constBool(dst uint64, v bool) *asmBlock {
	a.op(OpConst, dst, uint64(TBool))
	bit := uint64(0)
	if v {
		bit = 1
	}
	a.buf = putUvarint(a.buf, bit)
	return a
}

// constF64 emits Const dst f64 v.
func (a *asmBlock) constF64(dst uint64, v float64) *asmBlock {
	a.op(OpConst, dst, uint64(TF64))
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], math.Float64bits(v))
	a.buf = append(a.buf, raw[:]...)
	return a
}

type testFn struct {
	params    []TypeID
	ret       TypeID
	registers uint32
	labels    []*asmBlock
	nameID    uint32
	hasName   bool
}

// label opens a new label block in the function.
func (f *testFn) label() *asmBlock {
	b := &asmBlock{}
	f.labels = append(f.labels, b)
	return b
}

type testField struct {
	name uint32
	typ  TypeID
}

type testMethod struct {
	method uint32
	fn     uint32
}

type testClass struct {
	fields  []testField
	methods []testMethod
}

type testSymbol struct {
	lib     uint32
	name    uint32
	version uint32
	vararg  bool
	params  []TypeID
	ret     TypeID
}

type progBuilder struct {
	fns     []*testFn
	classes []*testClass
	cpx     []complexType
	cpxIdx  map[complexType]TypeID
	globals [][2]uint64
	strings []string
	libs    []uint32
	symbols []*testSymbol
}

func newProg() *progBuilder {
	return &progBuilder{cpxIdx: make(map[complexType]TypeID)}
}

// fn declares a function; the first declared is main.
func (p *progBuilder) fn(registers uint32, ret TypeID, params ...TypeID) *testFn {
	f := &testFn{params: params, ret: ret, registers: registers}
	p.fns = append(p.fns, f)
	return f
}

// class declares a class and returns its index.
func (p *progBuilder) class(fields []testField, methods ...testMethod) uint64 {
	p.classes = append(p.classes, &testClass{fields: fields, methods: methods})
	return uint64(len(p.classes) - 1)
}

func (p *progBuilder) complex(tag TypeTag, child TypeID) TypeID {
	key := complexType{tag: tag, child: child}
	if id, ok := p.cpxIdx[key]; ok {
		return id
	}
	id := cpxID(uint32(len(p.cpx)))
	p.cpx = append(p.cpx, key)
	p.cpxIdx[key] = id
	return id
}

func (p *progBuilder) arrayOf(elem TypeID) TypeID {
	return p.complex(TagArray, elem)
}

func (p *progBuilder) refOf(content TypeID) TypeID {
	return p.complex(TagRef, content)
}

func (p *progBuilder) str(s string) uint32 {
	for i, have := range p.strings {
		if have == s {
			return uint32(i)
		}
	}
	p.strings = append(p.strings, s)
	return uint32(len(p.strings) - 1)
}

// hostSymbol declares a symbol resolved against the host builtins.
func (p *progBuilder) hostSymbol(name string, ret TypeID, params ...TypeID) uint64 {
	if len(p.libs) == 0 {
		p.libs = append(p.libs, p.str(""))
	}
	p.symbols = append(p.symbols, &testSymbol{
		lib:     0,
		name:    p.str(name),
		version: ^uint32(0),
		params:  params,
		ret:     ret,
	})
	return uint64(len(p.symbols) - 1)
}

func u32(buf []byte, v uint32) []byte {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], v)
	return append(buf, raw[:]...)
}

func u64(buf []byte, v uint64) []byte {
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], v)
	return append(buf, raw[:]...)
}

// build assembles the file image.
func (p *progBuilder) build() []byte {
	// Lay out the code section to learn the label offsets.
	var code []byte
	offsets := make([][]uint64, len(p.fns))

	for i, f := range p.fns {
		for _, l := range f.labels {
			offsets[i] = append(offsets[i], uint64(len(code)))
			code = append(code, l.buf...)
		}
	}

	var out []byte
	out = u32(out, MagicNumber)
	out = u32(out, CurrentVersion)
	out = u64(out, 0) // no debug blob

	out = u32(out, uint32(len(p.fns)))
	for i, f := range p.fns {
		packed := uint32(len(f.labels)) | uint32(len(f.params))<<8 | f.registers<<16
		out = u32(out, packed)
		for _, off := range offsets[i] {
			out = u64(out, off)
		}
		out = u64(out, ^uint64(0))
		for _, pt := range f.params {
			out = u32(out, uint32(pt))
		}
		out = u32(out, uint32(f.ret))
	}

	for i := 0; i < NumPrimitiveClasses; i++ {
		out = u32(out, 0)
	}

	out = u32(out, uint32(len(p.classes)))
	for _, c := range p.classes {
		out = u64(out, ^uint64(0))
		out = u32(out, uint32(len(c.fields)))
		for _, fld := range c.fields {
			out = u32(out, fld.name)
			out = u32(out, uint32(fld.typ))
		}
		out = u32(out, uint32(len(c.methods)))
		for _, m := range c.methods {
			out = u32(out, m.method)
			out = u32(out, m.fn)
		}
	}

	out = u32(out, uint32(len(p.cpx)))
	for _, c := range p.cpx {
		out = u32(out, uint32(c.tag))
		out = u32(out, uint32(c.child))
	}

	out = u32(out, uint32(len(p.globals)))
	for _, g := range p.globals {
		out = u32(out, uint32(g[0]))
		out = u64(out, g[1])
	}

	out = u32(out, uint32(len(p.strings)))
	for _, s := range p.strings {
		out = u32(out, uint32(len(s)))
		padded := (len(s) + 3) &^ 3
		raw := make([]byte, padded)
		copy(raw, s)
		out = append(out, raw...)
	}

	out = u32(out, uint32(len(p.libs)))
	for _, l := range p.libs {
		out = u32(out, l)
	}

	out = u32(out, uint32(len(p.symbols)))
	for _, s := range p.symbols {
		out = u32(out, s.lib)
		out = u32(out, s.name)
		out = u32(out, s.version)
		flags := uint32(0)
		if s.vararg {
			flags = 1
		}
		out = u32(out, flags)
		out = u32(out, uint32(len(s.params)))
		for _, pt := range s.params {
			out = u32(out, uint32(pt))
		}
		out = u32(out, uint32(s.ret))
	}

	out = u32(out, uint32(len(code)))
	out = append(out, code...)

	return out
}

// parse builds and loads the program, failing the test on error.
func (p *progBuilder) parse(t *testing.T) *Program {
	t.Helper()
	prog, err := Parse(p.build(), DefaultHostSymbols())
	if err != nil {
		t.Fatalf("Parse returned unexpected error: %v", err)
	}
	return prog
}

// run executes main on a fresh synchronous thread and returns the result.
func (p *progBuilder) run(t *testing.T) (Value, *Thread) {
	t.Helper()
	prog := p.parse(t)
	v := New(prog, 1)
	th := newThread(v)
	fn, err := prog.Function(MainFuncID)
	if err != nil {
		t.Fatalf("no main: %v", err)
	}
	return th.runSync(fn), th
}

// runI32 executes main and extracts an i32 result.
func (p *progBuilder) runI32(t *testing.T) int32 {
	t.Helper()
	ret, th := p.run(t)
	got, err := ret.I32()
	if err != nil {
		t.Fatalf("main did not return an i32: %v (%s)", err, ret.String())
	}
	ret.Drop(th)
	return got
}
