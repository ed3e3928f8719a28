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
	"errors"
	"fmt"
)

// Load-time failures. These never enter the interpreter; they surface as a
// negative exit code with a logged message.
var (
	ErrTooSmall      = errors.New("vm: file too small")
	ErrBadMagic      = errors.New("vm: does not start with the magic number")
	ErrBadVersion    = errors.New("vm: unknown version number")
	ErrBadSize       = errors.New("vm: invalid size")
	ErrNoFunctions   = errors.New("vm: no functions")
	ErrBadMain       = errors.New("vm: `main` must take zero parameters")
	ErrTooManyFields = errors.New("vm: too many fields in class")
	ErrBadFinalizer  = errors.New("vm: finalizer must have one parameter")
	ErrBadDebugInfo  = errors.New("vm: invalid debug offset")
	ErrUnknownSymbol = errors.New("vm: unresolved foreign symbol")
)

// ErrorKind enumerates the interpreter traps. A trap becomes an in-band
// value of tag TError carrying the kind plus the function and PC where it
// was raised.
type ErrorKind uint8

const (
	ErrUnknownGlobal ErrorKind = iota
	ErrUnknownFunction
	ErrUnknownPrimitiveType
	ErrUnknownRegionType
	ErrUnknownOpcode
	ErrUnknownMathOp
	ErrBadAllocTarget
	ErrBadLabel
	ErrBadField
	ErrBadArrayIndex
	ErrBadRefTarget
	ErrBadLoadTarget
	ErrBadStoreTarget
	ErrBadStore
	ErrBadMethodTarget
	ErrBadConditional
	ErrBadConversion
	ErrBadOperand
	ErrMismatchedTypes
	ErrMethodNotFound
	ErrBadStackEscape
	ErrBadArgs
	ErrBadType
	ErrBadRegionEntryPoint
)

var errorMessages = [...]string{
	ErrUnknownGlobal:        "unknown global",
	ErrUnknownFunction:      "unknown function",
	ErrUnknownPrimitiveType: "unknown primitive type",
	ErrUnknownRegionType:    "unknown region type",
	ErrUnknownOpcode:        "unknown opcode",
	ErrUnknownMathOp:        "unknown math op",
	ErrBadAllocTarget:       "bad alloc target",
	ErrBadLabel:             "bad label",
	ErrBadField:             "bad field",
	ErrBadArrayIndex:        "bad array index",
	ErrBadRefTarget:         "bad ref target",
	ErrBadLoadTarget:        "bad load target",
	ErrBadStoreTarget:       "bad store target",
	ErrBadStore:             "bad store",
	ErrBadMethodTarget:      "bad method target",
	ErrBadConditional:       "bad conditional",
	ErrBadConversion:        "bad conversion",
	ErrBadOperand:           "bad operand",
	ErrMismatchedTypes:      "mismatched types",
	ErrMethodNotFound:       "method not found",
	ErrBadStackEscape:       "bad stack escape",
	ErrBadArgs:              "bad args",
	ErrBadType:              "bad type",
	ErrBadRegionEntryPoint:  "bad region entry point",
}

func (k ErrorKind) String() string {
	if int(k) >= len(errorMessages) {
		return "unknown error"
	}
	return errorMessages[k]
}

// Trap is the Go error an opcode handler returns when execution must
// unwind. The dispatch loop converts it into a thrown Error value.
type Trap struct {
	Kind ErrorKind
	Func *Function
	PC   uint64
}

func (t *Trap) Error() string {
	if t.Func != nil {
		return fmt.Sprintf("%v at %s+%d", t.Kind, t.Func.Name, t.PC)
	}
	return t.Kind.String()
}

func trap(kind ErrorKind) *Trap {
	return &Trap{Kind: kind}
}
