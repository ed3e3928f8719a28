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
)

// heapFixture builds a program with one two-field dyn class and returns a
// thread to run heap operations on.
func heapFixture(t *testing.T) (*Thread, *Class) {
	t.Helper()

	p := newProg()
	p.class([]testField{{100, DynID}, {101, DynID}})
	main := p.fn(1, ValID(TI32))
	main.label().constI32(0, 0).op(OpReturn, 0)

	prog := p.parse(t)
	th := newThread(New(prog, 1))
	cls, err := prog.Cls(0)
	require.NoError(t, err)
	return th, cls
}

// The region stack RC tracks live register handles: one per allocation,
// one more per copy, gone on drop; the region dies with its last handle.
func TestRegionStackRC(t *testing.T) {
	th, cls := heapFixture(t)

	r, err := NewRegion(RegionRC)
	require.NoError(t, err)

	obj := r.Object(cls)
	v := ObjectValue(obj)

	assert.Equal(t, uint32(1), r.StackRC())
	assert.Equal(t, uint32(1), obj.Header().RC())

	cp := v.Copy()
	assert.Equal(t, uint32(2), r.StackRC())
	assert.Equal(t, uint32(2), obj.Header().RC())

	cp.Drop(th)
	assert.Equal(t, uint32(1), r.StackRC())
	assert.Equal(t, uint32(1), obj.Header().RC())

	v.Drop(th)
	assert.True(t, r.Freed(), "last handle must free the region")
}

// A cross-region store parents the source region; the stack RC unit
// transfers from the register to the new field reference.
func TestCrossRegionStoreParents(t *testing.T) {
	th, cls := heapFixture(t)

	parent, _ := NewRegion(RegionRC)
	child, _ := NewRegion(RegionRC)

	pobj := parent.Object(cls)
	cobj := child.Object(cls)

	pv := ObjectValue(pobj)
	cv := ObjectValue(cobj)

	prev, err := pobj.store(th, 0, true, &cv)
	require.NoError(t, err)
	assert.True(t, prev.IsInvalid())

	assert.Equal(t, parent, child.Parent())
	assert.Equal(t, uint32(1), child.StackRC(), "register unit transfers to the cross-region pointer")
	assert.True(t, cv.IsInvalid())

	// A region that already has a parent cannot gain a second entry point.
	other, _ := NewRegion(RegionRC)
	oobj := other.Object(cls)
	childRef := ObjectValue(cobj)
	childRef.inc(true)

	_, err = oobj.store(th, 0, true, &childRef)
	require.Error(t, err)
	assert.Equal(t, ErrBadStore, err.(*Trap).Kind)
	childRef.Drop(th)

	ov := ObjectValue(oobj)
	ov.Drop(th)
	pv.Drop(th)
	assert.True(t, parent.Freed())
	assert.True(t, child.Freed(), "children die with the parent's graph")
}

// Stack sources can never be stored into a region.
func TestStoreRejectsStackSource(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	robj := r.Object(cls)

	sobj, err := th.stack.object(cls, 0)
	require.NoError(t, err)
	sv := ObjectValue(sobj)

	_, err = robj.store(th, 0, true, &sv)
	require.Error(t, err)
	assert.Equal(t, ErrBadStore, err.(*Trap).Kind)

	// The reverse direction is fine: a stack object may hold a region
	// value of the same or older frame.
	rv2 := ObjectValue(robj)
	rv2.inc(true)
	_, err = sobj.store(th, 0, true, &rv2)
	assert.NoError(t, err)

	rv := ObjectValue(robj)
	rv.Drop(th)
}

// A younger stack value can't be stored into an older stack object.
func TestStoreRejectsYoungerStack(t *testing.T) {
	th, cls := heapFixture(t)

	older, err := th.stack.object(cls, 0)
	require.NoError(t, err)
	younger, err := th.stack.object(cls, 3)
	require.NoError(t, err)

	yv := ObjectValue(younger)
	_, err = older.store(th, 0, true, &yv)
	require.Error(t, err)
	assert.Equal(t, ErrBadStore, err.(*Trap).Kind)

	ov := ObjectValue(older)
	yv2 := ObjectValue(younger)
	_, err = younger.store(th, 0, true, &ov)
	assert.NoError(t, err)
	yv2.Drop(th)
}

// A root with a single handle and no parent is sendable; extra handles or
// a parent break it.
func TestSendable(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	obj := r.Object(cls)
	v := ObjectValue(obj)

	assert.True(t, v.IsSendable())

	cp := v.Copy()
	assert.False(t, v.IsSendable(), "second handle breaks sendability")
	cp.Drop(th)
	assert.True(t, v.IsSendable())

	v.Drop(th)
}

// Dragging fails when the graph would give a region a second entry point.
func TestDragMultiEntryFails(t *testing.T) {
	th, cls := heapFixture(t)

	fl := newFrameLocalRegion(1)
	a := fl.Object(cls)

	r, _ := NewRegion(RegionRC)
	root := r.Object(cls)

	// Two fields of the frame-local object reach the same region.
	rv1 := ObjectValue(root)
	rv1.inc(true)
	_, err := a.store(th, 0, true, &rv1)
	require.NoError(t, err)

	rv2 := ObjectValue(root)
	rv2.inc(true)
	_, err = a.store(th, 1, true, &rv2)
	require.NoError(t, err)

	dest, _ := NewRegion(RegionRC)
	assert.False(t, dragAllocation(th, regionLoc(dest), a, true),
		"two entry points into one region must fail the drag")

	// Dragging into an older frame-local region tolerates both edges.
	destFL := newFrameLocalRegion(0)
	assert.True(t, dragAllocation(th, regionLoc(destFL), a, true))
	assert.Equal(t, regionLoc(destFL), a.Header().Location())

	rootv := ObjectValue(root)
	rootv.Drop(th)
}

// visitHeaders walks stack records between save points in order.
func TestStackVisitHeaders(t *testing.T) {
	th, cls := heapFixture(t)

	mark := th.stack.save()

	var objs []*Object
	for i := 0; i < 5; i++ {
		o, err := th.stack.object(cls, 0)
		require.NoError(t, err)
		objs = append(objs, o)
	}

	var seen []Heaped
	th.stack.visitHeaders(mark, th.stack.save(), func(h Heaped) {
		seen = append(seen, h)
	})

	require.Len(t, seen, 5)
	for i, h := range seen {
		assert.Equal(t, Heaped(objs[i]), h)
	}

	th.stack.restore(mark)
	var after []Heaped
	th.stack.visitHeaders(mark, th.stack.save(), func(h Heaped) {
		after = append(after, h)
	})
	assert.Empty(t, after)
}

// Oversized stack allocations fail; chunk turnover keeps recording.
func TestStackChunkLimits(t *testing.T) {
	var s Stack

	big := &Array{hdr: Header{rc: 1, loc: stackLoc(0)}, stride: 1, size: StackChunkSize * 2}
	assert.False(t, s.alloc(big, big.SizeBytes()))

	for i := 0; i < 100; i++ {
		a := &Array{hdr: Header{rc: 1, loc: stackLoc(0)}, stride: 1, size: 100}
		assert.True(t, s.alloc(a, a.SizeBytes()))
	}
	assert.True(t, len(s.chunks) > 1)
}
