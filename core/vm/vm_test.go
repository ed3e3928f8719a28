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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probeum/go-vbci/rt"
)

// runProgram schedules main as a behaviour, waits for quiescence and
// returns the result cown's content.
func runProgram(t *testing.T, p *progBuilder, workers int) (*Cown, *Thread) {
	t.Helper()

	prog := p.parse(t)
	v := New(prog, workers)
	boot := newThread(v)

	mainFn, err := prog.Function(MainFuncID)
	require.NoError(t, err)

	result, err := NewCown(boot, DynID)
	require.NoError(t, err)

	var invalid Value
	invalid.tag = TInvalid

	v.sched.Schedule(rt.NewBehaviour(func(ctx interface{}) {
		th := ctx.(*Thread)
		th.runBehaviorBody(mainFn, invalid, nil, nil, result)
	}, []*rt.Cown{result.sched}, []bool{false}))

	v.sched.Wait()
	return result, boot
}

// The exit code mirrors main's i32 return through the full scheduler.
func TestVMRunExitCode(t *testing.T) {
	p := newProg()
	main := p.fn(4, ValID(TI32))
	main.label().
		constI32(0, 3).
		constI32(1, 4).
		op(OpAdd, 2, 0, 1).
		op(OpReturn, 2)

	prog := p.parse(t)
	v := New(prog, 2)
	assert.Equal(t, 7, v.Run())
}

// Two behaviours issued in order on the same writer cown run in order:
// the second observes the first's write.
func TestWhenCownFIFO(t *testing.T) {
	p := newProg()
	refI32 := p.refOf(ValID(TI32))

	main := p.fn(8, DynID)              // fn 0
	initFn := p.fn(4, ValID(TI32))      // fn 1
	b1 := p.fn(8, ValID(TI32), refI32)  // fn 2
	b2 := p.fn(8, ValID(TI32), refI32)  // fn 3

	// C = when(i32) { 0 }; when(C) { C := 1 }; when(C) { C := C + 1 }.
	main.label().
		op(OpWhenStatic, 0, uint64(ValID(TI32)), 1).
		op(OpArgCopy, 0).
		op(OpWhenStatic, 1, uint64(ValID(TI32)), 2).
		op(OpArgCopy, 0).
		op(OpWhenStatic, 2, uint64(ValID(TI32)), 3).
		op(OpReturn, 0)

	initFn.label().
		constI32(0, 0).
		op(OpReturn, 0)

	b1.label().
		constI32(1, 1).
		op(OpStoreMove, 2, 0, 1).
		op(OpDrop, 2).
		op(OpLoad, 3, 0).
		op(OpReturn, 3)

	b2.label().
		op(OpLoad, 1, 0).
		constI32(2, 1).
		op(OpAdd, 3, 1, 2).
		op(OpStoreCopy, 4, 0, 3).
		op(OpDrop, 4).
		op(OpReturn, 3)

	result, th := runProgram(t, p, 2)

	c, err := result.content.Cown()
	require.NoError(t, err, "main must return the cown")

	got, err := c.content.I32()
	require.NoError(t, err)
	assert.Equal(t, int32(2), got, "B2 must observe B1's write")
	_ = th
}

// Build an object graph, freeze it, and hand it to a behaviour as a
// sendable closure; the behaviour reads a field out of the frozen SCC.
func TestFreezeShareAcrossBehaviour(t *testing.T) {
	p := newProg()
	cls := p.class([]testField{{100, ValID(TI32)}})

	main := p.fn(8, DynID)                 // fn 0
	reader := p.fn(8, ValID(TI32), ClsID(0)) // fn 1

	main.label().
		constI32(0, 33).
		op(OpArgMove, 0).
		op(OpRegion, 1, uint64(RegionRC), cls).
		op(OpFreeze, 2, 1).
		op(OpArgMove, 2).
		op(OpWhenStatic, 3, uint64(ValID(TI32)), 1).
		op(OpReturn, 3)

	reader.label().
		op(OpFieldRefCopy, 1, 0, 100).
		op(OpLoad, 2, 1).
		op(OpDrop, 1).
		op(OpReturn, 2)

	result, _ := runProgram(t, p, 2)

	c, err := result.content.Cown()
	require.NoError(t, err)

	got, err := c.content.I32()
	require.NoError(t, err)
	assert.Equal(t, int32(33), got)
}

// A behaviour body that throws leaves the error in its result cown.
func TestBehaviourErrorLandsInCown(t *testing.T) {
	p := newProg()

	main := p.fn(8, DynID)         // fn 0
	bad := p.fn(8, ValID(TI32))    // fn 1

	main.label().
		op(OpWhenStatic, 0, uint64(ValID(TI32)), 1).
		op(OpReturn, 0)

	bad.label().
		constI32(0, 0).
		constI32(1, 0).
		op(OpDiv, 2, 0, 1).
		op(OpReturn, 2)

	result, _ := runProgram(t, p, 2)

	c, err := result.content.Cown()
	require.NoError(t, err)
	assert.True(t, c.content.IsError())
	assert.Equal(t, ErrBadOperand, c.content.ErrorKind())
}

// Read-only cown aliases load but refuse stores.
func TestReadonlyCownRef(t *testing.T) {
	p := newProg()
	refI32 := p.refOf(ValID(TI32))

	main := p.fn(8, DynID)             // fn 0
	initFn := p.fn(4, ValID(TI32))     // fn 1
	rdr := p.fn(8, ValID(TI32), refI32) // fn 2

	// when(read C) { C := 1 } throws BadStoreTarget; the behaviour's
	// result cown holds the error, C keeps its value.
	main.label().
		op(OpWhenStatic, 0, uint64(ValID(TI32)), 1).
		op(OpRead, 1, 0).
		op(OpArgMove, 1).
		op(OpWhenStatic, 2, uint64(ValID(TI32)), 2).
		op(OpReturn, 2)

	initFn.label().
		constI32(0, 5).
		op(OpReturn, 0)

	rdr.label().
		constI32(1, 1).
		op(OpStoreMove, 2, 0, 1).
		op(OpDrop, 2).
		constI32(3, 0).
		op(OpReturn, 3)

	result, _ := runProgram(t, p, 2)

	c, err := result.content.Cown()
	require.NoError(t, err)
	assert.True(t, c.content.IsError())
	assert.Equal(t, ErrBadStoreTarget, c.content.ErrorKind())
}
