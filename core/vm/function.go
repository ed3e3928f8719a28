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

// Function is a loaded bytecode function: a label table of entry PCs, the
// parameter and return types, and the register window size.
type Function struct {
	ID         uint32
	Name       string
	Labels     []uint64
	ParamTypes []TypeID
	ReturnType TypeID
	Registers  uint32
	DebugInfo  uint64
}
