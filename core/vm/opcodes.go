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

// Package vm implements the vbci bytecode virtual machine: a frame-based
// interpreter over 16-byte tagged values, with region-based mutable memory,
// frozen immutable graphs and cown-mediated concurrency.
//
// The instruction stream is LEB128 encoded: every instruction begins with
// the opcode ordinal followed by its operands, each as a LEB128 quantity.
// There is no alignment requirement; program counters and label targets are
// byte offsets into the code section.
package vm

// Op is a vbci opcode.
type Op uint8

const (
	// OpGlobal loads a program global into dst. Operands: dst, global id.
	OpGlobal Op = iota
	// OpConst materialises a typed literal. Operands: dst, value type,
	// literal (encoding depends on the type; None has no literal).
	OpConst
	// OpString materialises a reference to an interned u8 array.
	// Operands: dst, string id.
	OpString
	// OpConvert performs a numeric cast. Operands: dst, value type, src.
	OpConvert

	// OpNew allocates an object in the current frame-local region.
	// Operands: dst, class id. Pending arguments become the fields.
	OpNew
	// OpStack allocates an object on the frame's stack chunk.
	OpStack
	// OpHeap allocates an object in the region of another object.
	// Operands: dst, region register, class id.
	OpHeap
	// OpRegion allocates an object as the entry point of a fresh region.
	// Operands: dst, region type, class id.
	OpRegion

	// Array allocation: dynamic-size and constant-size variants of the four
	// placement flavours above.
	OpNewArray
	OpNewArrayConst
	OpStackArray
	OpStackArrayConst
	OpHeapArray
	OpHeapArrayConst
	OpRegionArray
	OpRegionArrayConst

	// OpCopy copies src into dst. Operands: dst, src.
	OpCopy
	// OpMove moves src into dst, invalidating src.
	OpMove
	// OpDrop invalidates dst, releasing whatever it held.
	OpDrop

	// Reference construction.
	OpRegisterRef
	OpFieldRefMove
	OpFieldRefCopy
	OpArrayRefMove
	OpArrayRefCopy
	OpArrayRefMoveConst
	OpArrayRefCopyConst

	// OpLoad dereferences one level of reference. Operands: dst, src.
	OpLoad
	// OpStoreMove / OpStoreCopy store through a reference; the previous
	// value lands in dst. Operands: dst, ref, src.
	OpStoreMove
	OpStoreCopy

	// Callable lookup.
	OpLookupStatic
	OpLookupDynamic
	OpLookupFFI

	// Argument pushing. Operands: src.
	OpArgMove
	OpArgCopy

	// Calls. Operands: dst, function id (static) or function register
	// (dynamic). The discipline decides how non-local returns unwind.
	OpCallStatic
	OpCallDynamic
	OpSubcallStatic
	OpSubcallDynamic
	OpTryStatic
	OpTryDynamic

	// OpFFI calls a foreign symbol with the pending arguments.
	// Operands: dst, symbol id.
	OpFFI

	// OpWhenStatic / OpWhenDynamic schedule a behaviour over the pending
	// cown arguments. Operands: dst, result type id, function id/register.
	OpWhenStatic
	OpWhenDynamic

	// OpTypetest produces a bool from a subtype query.
	// Operands: dst, src, type id.
	OpTypetest

	// Tailcalls replace the current frame. Operands: function id/register.
	OpTailcallStatic
	OpTailcallDynamic

	// Non-local returns. Operands: src.
	OpReturn
	OpRaise
	OpThrow

	// Intra-function control flow.
	OpCond
	OpJump

	// Binary operators. Operands: dst, lhs, rhs.
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpMod
	OpPow
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpEq
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
	OpMin
	OpMax
	OpLogBase
	OpAtan2

	// Unary operators. Operands: dst, src.
	OpNeg
	OpNot
	OpAbs
	OpCeil
	OpFloor
	OpExp
	OpLog
	OpSqrt
	OpCbrt
	OpIsInf
	OpIsNaN
	OpSin
	OpCos
	OpTan
	OpAsin
	OpAcos
	OpAtan
	OpSinh
	OpCosh
	OpTanh
	OpAsinh
	OpAcosh
	OpAtanh
	OpBits
	OpLen
	OpPtr
	OpRead
	OpFreeze

	// Nullary constants. Operands: dst.
	OpConstE
	OpConstPi
	OpConstInf
	OpConstNaN

	opCount
)

var opNames = [...]string{
	OpGlobal:            "Global",
	OpConst:             "Const",
	OpString:            "String",
	OpConvert:           "Convert",
	OpNew:               "New",
	OpStack:             "Stack",
	OpHeap:              "Heap",
	OpRegion:            "Region",
	OpNewArray:          "NewArray",
	OpNewArrayConst:     "NewArrayConst",
	OpStackArray:        "StackArray",
	OpStackArrayConst:   "StackArrayConst",
	OpHeapArray:         "HeapArray",
	OpHeapArrayConst:    "HeapArrayConst",
	OpRegionArray:       "RegionArray",
	OpRegionArrayConst:  "RegionArrayConst",
	OpCopy:              "Copy",
	OpMove:              "Move",
	OpDrop:              "Drop",
	OpRegisterRef:       "RegisterRef",
	OpFieldRefMove:      "FieldRefMove",
	OpFieldRefCopy:      "FieldRefCopy",
	OpArrayRefMove:      "ArrayRefMove",
	OpArrayRefCopy:      "ArrayRefCopy",
	OpArrayRefMoveConst: "ArrayRefMoveConst",
	OpArrayRefCopyConst: "ArrayRefCopyConst",
	OpLoad:              "Load",
	OpStoreMove:         "StoreMove",
	OpStoreCopy:         "StoreCopy",
	OpLookupStatic:      "LookupStatic",
	OpLookupDynamic:     "LookupDynamic",
	OpLookupFFI:         "LookupFFI",
	OpArgMove:           "ArgMove",
	OpArgCopy:           "ArgCopy",
	OpCallStatic:        "CallStatic",
	OpCallDynamic:       "CallDynamic",
	OpSubcallStatic:     "SubcallStatic",
	OpSubcallDynamic:    "SubcallDynamic",
	OpTryStatic:         "TryStatic",
	OpTryDynamic:        "TryDynamic",
	OpFFI:               "FFI",
	OpWhenStatic:        "WhenStatic",
	OpWhenDynamic:       "WhenDynamic",
	OpTypetest:          "Typetest",
	OpTailcallStatic:    "TailcallStatic",
	OpTailcallDynamic:   "TailcallDynamic",
	OpReturn:            "Return",
	OpRaise:             "Raise",
	OpThrow:             "Throw",
	OpCond:              "Cond",
	OpJump:              "Jump",
	OpAdd:               "Add",
	OpSub:               "Sub",
	OpMul:               "Mul",
	OpDiv:               "Div",
	OpMod:               "Mod",
	OpPow:               "Pow",
	OpAnd:               "And",
	OpOr:                "Or",
	OpXor:               "Xor",
	OpShl:               "Shl",
	OpShr:               "Shr",
	OpEq:                "Eq",
	OpNe:                "Ne",
	OpLt:                "Lt",
	OpLe:                "Le",
	OpGt:                "Gt",
	OpGe:                "Ge",
	OpMin:               "Min",
	OpMax:               "Max",
	OpLogBase:           "LogBase",
	OpAtan2:             "Atan2",
	OpNeg:               "Neg",
	OpNot:               "Not",
	OpAbs:               "Abs",
	OpCeil:              "Ceil",
	OpFloor:             "Floor",
	OpExp:               "Exp",
	OpLog:               "Log",
	OpSqrt:              "Sqrt",
	OpCbrt:              "Cbrt",
	OpIsInf:             "IsInf",
	OpIsNaN:             "IsNaN",
	OpSin:               "Sin",
	OpCos:               "Cos",
	OpTan:               "Tan",
	OpAsin:              "Asin",
	OpAcos:              "Acos",
	OpAtan:              "Atan",
	OpSinh:              "Sinh",
	OpCosh:              "Cosh",
	OpTanh:              "Tanh",
	OpAsinh:             "Asinh",
	OpAcosh:             "Acosh",
	OpAtanh:             "Atanh",
	OpBits:              "Bits",
	OpLen:               "Len",
	OpPtr:               "Ptr",
	OpRead:              "Read",
	OpFreeze:            "Freeze",
	OpConstE:            "Const_E",
	OpConstPi:           "Const_Pi",
	OpConstInf:          "Const_Inf",
	OpConstNaN:          "Const_NaN",
}

func (op Op) String() string {
	if int(op) >= len(opNames) || opNames[op] == "" {
		return "Unknown"
	}
	return opNames[op]
}

// ValueType enumerates the tags of the 16-byte tagged value union.
type ValueType uint8

const (
	TNone ValueType = iota
	TBool
	TI8
	TI16
	TI32
	TI64
	TU8
	TU16
	TU32
	TU64
	TILong
	TULong
	TISize
	TUSize
	TF32
	TF64
	TPtr
	TObject
	TArray
	TCown
	TRegisterRef
	TFieldRef
	TArrayRef
	TCownRef
	TFunction
	TError
	TInvalid
)

// NumPrimitiveClasses is the number of primitive method tables in the
// bytecode file, one per ValueType up to and including TPtr.
const NumPrimitiveClasses = int(TPtr) + 1

var valueTypeNames = [...]string{
	TNone: "none", TBool: "bool",
	TI8: "i8", TI16: "i16", TI32: "i32", TI64: "i64",
	TU8: "u8", TU16: "u16", TU32: "u32", TU64: "u64",
	TILong: "ilong", TULong: "ulong", TISize: "isize", TUSize: "usize",
	TF32: "f32", TF64: "f64", TPtr: "ptr",
	TObject: "object", TArray: "array", TCown: "cown",
	TRegisterRef: "registerref", TFieldRef: "fieldref",
	TArrayRef: "arrayref", TCownRef: "cownref",
	TFunction: "function", TError: "error", TInvalid: "invalid",
}

func (t ValueType) String() string {
	if int(t) >= len(valueTypeNames) {
		return "unknown"
	}
	return valueTypeNames[t]
}

// IsPrimitive reports whether the tag is a primitive scalar.
func (t ValueType) IsPrimitive() bool {
	return t <= TPtr
}

func (t ValueType) isNumeric() bool {
	return t >= TI8 && t <= TF64
}

func (t ValueType) isInteger() bool {
	return t >= TI8 && t <= TUSize
}

func (t ValueType) isSigned() bool {
	switch t {
	case TI8, TI16, TI32, TI64, TILong, TISize:
		return true
	}
	return false
}

func (t ValueType) isFloat() bool {
	return t == TF32 || t == TF64
}

// RegionKind selects the memory management discipline of a region.
type RegionKind uint8

const (
	// RegionRC enables per-object reference counting.
	RegionRC RegionKind = iota
	// RegionGC disables per-object counting and relies on tracing.
	RegionGC
	// RegionArena frees all members together; per-object counting is off.
	RegionArena
)

func (k RegionKind) String() string {
	switch k {
	case RegionRC:
		return "rc"
	case RegionGC:
		return "gc"
	case RegionArena:
		return "arena"
	}
	return "unknown"
}

// CallType is the non-local-return discipline a caller selected for the
// frame it pushed.
type CallType uint8

const (
	// CallTypeCall unwraps a Raise into a Return and rethrows a Throw.
	CallTypeCall CallType = iota
	// CallTypeSubcall rethrows both Raise and Throw.
	CallTypeSubcall
	// CallTypeCatch converts all three conditions into a plain Return.
	CallTypeCatch
)

// Condition is the way a frame is being left.
type Condition uint8

const (
	CondReturn Condition = iota
	CondRaise
	CondThrow
)

func (c Condition) String() string {
	switch c {
	case CondReturn:
		return "return"
	case CondRaise:
		return "raise"
	case CondThrow:
		return "throw"
	}
	return "unknown"
}

const (
	// FinalMethodID is the reserved method id of finalizers. A finalizer
	// must take exactly one parameter.
	FinalMethodID = 0

	// ApplyMethodID is the reserved method id invoked on async closures.
	ApplyMethodID = 1

	// MainFuncID is the function id of the program entry point.
	MainFuncID = 0

	// MaxFields bounds the field count of a class.
	MaxFields = 256

	// FrameInc is the distance between consecutive frame levels in the
	// location lattice.
	FrameInc = 1
)
