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
	"fmt"

	"github.com/ebitengine/purego"
)

// Dynlib is an open dynamic library handle. An empty path opens the host
// process itself, so built-in and already-linked symbols resolve.
type Dynlib struct {
	path   string
	handle uintptr
	host   bool
}

// Open loads a shared object. The empty path means the host process.
func Open(path string) (*Dynlib, error) {
	if path == "" {
		return &Dynlib{path: path, handle: purego.RTLD_DEFAULT, host: true}, nil
	}

	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("ffi: open %s: %w", path, err)
	}
	return &Dynlib{path: path, handle: h}, nil
}

// Symbol resolves a symbol address. Versioned lookup (dlvsym) is not
// portable through purego; the version is accepted and ignored, with the
// unversioned default binding used instead.
func (d *Dynlib) Symbol(name, version string) (uintptr, error) {
	_ = version

	addr, err := purego.Dlsym(d.handle, name)
	if err != nil || addr == 0 {
		return 0, fmt.Errorf("ffi: symbol %s in %q: %w", name, d.path, err)
	}
	return addr, nil
}

// Close releases the library. The host process handle is never closed.
func (d *Dynlib) Close() error {
	if d.host || d.handle == 0 {
		return nil
	}
	return purego.Dlclose(d.handle)
}
