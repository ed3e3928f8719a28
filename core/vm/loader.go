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
	"fmt"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/probeum/go-vbci/ffi"
	"github.com/probeum/go-vbci/log"
)

const (
	// MagicNumber opens every bytecode file ("vbci" in ASCII).
	MagicNumber = 0x76626369

	// CurrentVersion is the only file version this loader accepts.
	CurrentVersion = 1

	// codeWordSize is the granularity of the word-addressed file prefix.
	codeWordSize = 4
)

// LoadFile maps the bytecode file and parses it. The file is mapped
// read-only where the platform allows, with a plain read as fallback.
func LoadFile(path string, host map[string]HostFunc) (*Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var data []byte
	if m, err := mmap.Map(f, mmap.RDONLY, 0); err == nil {
		data = make([]byte, len(m))
		copy(data, m)
		m.Unmap()
	} else if data, err = os.ReadFile(path); err != nil {
		return nil, err
	}

	p, err := Parse(data, host)
	if err != nil {
		log.Error("Failed to load bytecode", "file", path, "err", err)
		return nil, err
	}

	p.File = path
	return p, nil
}

// reader is a bounds-checked cursor over the file bytes.
type reader struct {
	data []byte
	off  uint64
}

func (r *reader) u32() (uint32, error) {
	if r.off+4 > uint64(len(r.data)) {
		return 0, ErrTooSmall
	}
	v := binary.LittleEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > uint64(len(r.data)) {
		return 0, ErrTooSmall
	}
	v := binary.LittleEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if r.off+n > uint64(len(r.data)) {
		return nil, ErrTooSmall
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

// Parse validates and materialises a bytecode image. The host map supplies
// built-in symbols resolvable without a dynamic library.
func Parse(data []byte, host map[string]HostFunc) (*Program, error) {
	p := newProgram()
	r := &reader{data: data}

	if len(data) < 4*codeWordSize {
		return nil, ErrTooSmall
	}

	if magic, _ := r.u32(); magic != MagicNumber {
		return nil, ErrBadMagic
	}

	if version, _ := r.u32(); version != CurrentVersion {
		return nil, ErrBadVersion
	}

	debugOffset, err := r.u64()
	if err != nil {
		return nil, err
	}

	if debugOffset > uint64(len(data)) {
		return nil, ErrBadDebugInfo
	}

	if debugOffset > 0 {
		p.di = data[debugOffset:]
		data = data[:debugOffset]
		r.data = data
	}

	if err := p.parseFunctions(r); err != nil {
		return nil, err
	}

	// Primitive classes hold the method tables of the scalar value types.
	p.primitives = make([]Class, NumPrimitiveClasses)
	for i := range p.primitives {
		p.primitives[i].TypeID = ValID(ValueType(i))
		p.primitives[i].Name = ValueType(i).String()
		if err := p.parseMethods(r, &p.primitives[i]); err != nil {
			return nil, err
		}
	}

	if err := p.parseClasses(r); err != nil {
		return nil, err
	}

	if err := p.parseTypes(r); err != nil {
		return nil, err
	}

	if err := p.parseGlobals(r); err != nil {
		return nil, err
	}

	if err := p.parseStrings(r); err != nil {
		return nil, err
	}

	if err := p.parseSymbols(r, host); err != nil {
		return nil, err
	}

	codeLen, err := r.u32()
	if err != nil {
		return nil, err
	}

	code, err := r.bytes(uint64(codeLen))
	if err != nil {
		return nil, err
	}
	p.code = code

	// The word-addressed prefix must be a whole number of words; the code
	// section after it is a byte stream of any length.
	if (uint64(len(data))-uint64(codeLen))%codeWordSize != 0 {
		return nil, ErrBadSize
	}

	// Names are only available once strings are interned.
	for i := range p.functions {
		fn := &p.functions[i]
		fn.Name = p.debugName(fn.DebugInfo)
		if fn.Name == "" {
			fn.Name = fmt.Sprintf("fn%d", fn.ID)
		}
	}
	for i := range p.classes {
		c := &p.classes[i]
		c.Name = p.debugName(c.DebugInfo)
		if c.Name == "" {
			c.Name = fmt.Sprintf("class%d", c.ID)
		}
	}

	return p, nil
}

func (p *Program) parseFunctions(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}

	if count == 0 {
		return ErrNoFunctions
	}

	p.functions = make([]Function, count)

	for i := range p.functions {
		fn := &p.functions[i]
		fn.ID = uint32(i)

		packed, err := r.u32()
		if err != nil {
			return err
		}

		labels := packed & 0xff
		params := (packed >> 8) & 0xff
		registers := (packed >> 16) & 0xff

		if labels == 0 {
			return fmt.Errorf("vm: function %d has no labels", i)
		}

		fn.Labels = make([]uint64, labels)
		for j := range fn.Labels {
			if fn.Labels[j], err = r.u64(); err != nil {
				return err
			}
		}

		if fn.DebugInfo, err = r.u64(); err != nil {
			return err
		}

		fn.ParamTypes = make([]TypeID, params)
		for j := range fn.ParamTypes {
			id, err := r.u32()
			if err != nil {
				return err
			}
			fn.ParamTypes[j] = TypeID(id)
		}

		ret, err := r.u32()
		if err != nil {
			return err
		}
		fn.ReturnType = TypeID(ret)
		fn.Registers = registers
	}

	if len(p.functions[MainFuncID].ParamTypes) != 0 {
		return ErrBadMain
	}

	return nil
}

func (p *Program) parseMethods(r *reader, cls *Class) error {
	count, err := r.u32()
	if err != nil {
		return err
	}

	cls.methods = make(map[uint64]*Function, count)

	for i := uint32(0); i < count; i++ {
		methodID, err := r.u32()
		if err != nil {
			return err
		}
		funcID, err := r.u32()
		if err != nil {
			return err
		}

		if funcID >= uint32(len(p.functions)) {
			return fmt.Errorf("vm: method %d binds unknown function %d", methodID, funcID)
		}
		fn := &p.functions[funcID]

		if methodID == FinalMethodID && len(fn.ParamTypes) != 1 {
			return ErrBadFinalizer
		}

		cls.methods[uint64(methodID)] = fn
	}

	return nil
}

func (p *Program) parseClasses(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}

	p.classes = make([]Class, count)

	for i := range p.classes {
		cls := &p.classes[i]
		cls.ID = uint32(i)
		cls.TypeID = ClsID(uint32(i))

		if cls.DebugInfo, err = r.u64(); err != nil {
			return err
		}

		fields, err := r.u32()
		if err != nil {
			return err
		}

		if fields > MaxFields {
			return ErrTooManyFields
		}

		cls.Fields = make([]Field, fields)
		cls.fieldMap = make(map[uint64]uint64, fields)

		for j := range cls.Fields {
			name, err := r.u32()
			if err != nil {
				return err
			}
			typ, err := r.u32()
			if err != nil {
				return err
			}
			cls.Fields[j] = Field{NameID: uint64(name), TypeID: TypeID(typ)}
			cls.fieldMap[uint64(name)] = uint64(j)
		}

		if err := p.parseMethods(r, cls); err != nil {
			return err
		}

		if err := cls.calcSize(p); err != nil {
			return err
		}
	}

	return nil
}

func (p *Program) parseTypes(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}

	p.types = make([]complexType, count)

	for i := range p.types {
		tag, err := r.u32()
		if err != nil {
			return err
		}
		child, err := r.u32()
		if err != nil {
			return err
		}

		if tag > uint32(TagCown) {
			return fmt.Errorf("vm: unknown type constructor %d", tag)
		}

		p.types[i] = complexType{tag: TypeTag(tag), child: TypeID(child)}
		p.typeIndex[p.types[i]] = cpxID(uint32(i))
	}

	return nil
}

func (p *Program) parseGlobals(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}

	p.globals = make([]Value, count)

	for i := range p.globals {
		vt, err := r.u32()
		if err != nil {
			return err
		}
		bits, err := r.u64()
		if err != nil {
			return err
		}

		if vt > uint32(TPtr) {
			return fmt.Errorf("vm: global %d has non-primitive type %d", i, vt)
		}

		p.globals[i] = FromBits(ValueType(vt), bits)
	}

	return nil
}

func (p *Program) parseStrings(r *reader) error {
	count, err := r.u32()
	if err != nil {
		return err
	}

	p.strings = make([]string, count)
	p.stringVals = make([]*Array, count)

	for i := range p.strings {
		n, err := r.u32()
		if err != nil {
			return err
		}

		padded := (uint64(n) + 3) &^ 3
		raw, err := r.bytes(padded)
		if err != nil {
			return err
		}

		p.strings[i] = string(raw[:n])
		p.stringVals[i] = newStringArray(p, p.strings[i])
	}

	return nil
}

func (p *Program) parseSymbols(r *reader, host map[string]HostFunc) error {
	libCount, err := r.u32()
	if err != nil {
		return err
	}

	libPaths := make([]string, libCount)
	p.dynlibs = make([]*ffi.Dynlib, libCount)

	for i := range libPaths {
		pathID, err := r.u32()
		if err != nil {
			return err
		}
		libPaths[i] = p.StringLit(uint64(pathID))
	}

	symCount, err := r.u32()
	if err != nil {
		return err
	}

	p.symbols = make([]*Symbol, symCount)

	for i := range p.symbols {
		lib, err := r.u32()
		if err != nil {
			return err
		}
		nameID, err := r.u32()
		if err != nil {
			return err
		}
		versionID, err := r.u32()
		if err != nil {
			return err
		}
		flags, err := r.u32()
		if err != nil {
			return err
		}
		nparams, err := r.u32()
		if err != nil {
			return err
		}

		sym := &Symbol{
			Name:   p.StringLit(uint64(nameID)),
			Vararg: flags&1 != 0,
		}

		sym.Params = make([]TypeID, nparams)
		sym.ParamVals = make([]ValueType, nparams)
		for j := range sym.Params {
			id, err := r.u32()
			if err != nil {
				return err
			}
			sym.Params[j] = TypeID(id)
			vt, _, err := p.LayoutTypeID(TypeID(id))
			if err != nil {
				return err
			}
			sym.ParamVals[j] = vt
		}

		ret, err := r.u32()
		if err != nil {
			return err
		}
		sym.Return = TypeID(ret)
		if vt, _, err := p.LayoutTypeID(sym.Return); err == nil {
			sym.RetVal = vt
		} else {
			return err
		}

		if uint64(lib) >= uint64(len(libPaths)) {
			return fmt.Errorf("vm: symbol %s names unknown library %d", sym.Name, lib)
		}

		// Host builtins shadow process-local symbols.
		if libPaths[lib] == "" {
			if fn, ok := host[sym.Name]; ok {
				sym.Host = fn
				p.symbols[i] = sym
				continue
			}
		}

		if p.dynlibs[lib] == nil {
			d, err := ffi.Open(libPaths[lib])
			if err != nil {
				return err
			}
			p.dynlibs[lib] = d
		}

		version := ""
		if versionID != ^uint32(0) {
			version = p.StringLit(uint64(versionID))
		}

		addr, err := p.dynlibs[lib].Symbol(sym.Name, version)
		if err != nil {
			return ErrUnknownSymbol
		}

		fsym := ffi.NewSymbol(sym.Name, addr)
		for j := range sym.Params {
			_, ft, err := p.LayoutTypeID(sym.Params[j])
			if err != nil {
				return err
			}
			if ft == nil {
				ft = ffi.TypePointer
			}
			fsym.Param(ft)
		}

		_, rt, err := p.LayoutTypeID(sym.Return)
		if err != nil {
			return err
		}
		if rt == nil {
			rt = ffi.TypePointer
		}
		fsym.Ret(rt)

		if sym.Vararg {
			fsym.SetVararg()
		}

		if err := fsym.Prepare(); err != nil {
			return err
		}

		sym.FFI = fsym
		p.symbols[i] = sym
	}

	return nil
}
