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

// Freezing a region graph makes every reachable header immutable, frees
// the regions, and leaves the data readable.
func TestFreezeRegionGraph(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	root := r.Object(cls)
	leaf := r.Object(cls)

	lv := ObjectValue(leaf)
	_, err := root.store(th, 0, true, &lv)
	require.NoError(t, err)

	v := ObjectValue(root)
	require.NoError(t, freeze(th, &v))

	assert.True(t, root.Header().Location().isImmutable())
	assert.True(t, leaf.Header().Location().isImmutable())
	assert.True(t, r.Freed())

	// Reads keep working through the frozen graph.
	ref, err := v.Ref(th.prog, false, 100)
	require.NoError(t, err)
	got, err := ref.Load(th)
	require.NoError(t, err)
	assert.Equal(t, Heaped(leaf), got.heaped())

	// Writes into immutable memory are rejected.
	iv := IntValue(TI32, 1)
	_, err = ref.Store(th, true, &iv)
	require.Error(t, err)
	assert.Equal(t, ErrBadStore, err.(*Trap).Kind)

	got.Drop(th)
	ref.Drop(th)
	v.Drop(th)
}

// Freezing an already-immutable value is a no-op.
func TestFreezeIdempotent(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	root := r.Object(cls)
	v := ObjectValue(root)

	require.NoError(t, freeze(th, &v))
	block := root.Header().loc.block
	require.NoError(t, freeze(th, &v))
	assert.Equal(t, block, root.Header().loc.block)

	// Primitives freeze trivially.
	iv := IntValue(TI32, 3)
	assert.NoError(t, freeze(th, &iv))

	v.Drop(th)
}

// The shared atomic count follows handle copies across the SCC.
func TestFreezeSharedCount(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	root := r.Object(cls)
	v := ObjectValue(root)

	require.NoError(t, freeze(th, &v))
	block := root.Header().loc.block
	assert.Equal(t, int64(1), block.arc)

	cp := v.Copy()
	assert.Equal(t, int64(2), block.arc)

	cp.Drop(th)
	assert.Equal(t, int64(1), block.arc)

	v.Drop(th)
	assert.True(t, root.Header().dead)
}

// A cyclic graph collapses into one SCC with one count.
func TestFreezeCycleSingleSCC(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	a := r.Object(cls)
	b := r.Object(cls)

	bv := ObjectValue(b)
	_, err := a.store(th, 0, true, &bv)
	require.NoError(t, err)

	av := ObjectValue(a)
	av.inc(true)
	_, err = b.store(th, 0, true, &av)
	require.NoError(t, err)

	v := ObjectValue(a)
	require.NoError(t, freeze(th, &v))

	require.True(t, a.Header().Location().isImmutable())
	require.True(t, b.Header().Location().isImmutable())
	assert.Equal(t, a.Header().loc.block, b.Header().loc.block,
		"a cycle must share one SCC block")

	v.Drop(th)
}

// A region with extra stack references cannot be frozen.
func TestFreezeRejectsExtraHandles(t *testing.T) {
	th, cls := heapFixture(t)

	r, _ := NewRegion(RegionRC)
	root := r.Object(cls)

	v := ObjectValue(root)
	cp := v.Copy()

	err := freeze(th, &v)
	require.Error(t, err)
	assert.Equal(t, ErrBadStore, err.(*Trap).Kind)

	cp.Drop(th)
	v.Drop(th)
}

// End to end: build a graph, freeze it, read a field through the frozen
// value.
func TestFreezeOpcode(t *testing.T) {
	p := newProg()
	cls := p.class([]testField{{100, ValID(TI32)}})

	main := p.fn(8, ValID(TI32))
	main.label().
		constI32(0, 42).
		op(OpArgMove, 0).
		op(OpRegion, 1, uint64(RegionRC), cls).
		op(OpFreeze, 2, 1).
		op(OpFieldRefCopy, 3, 2, 100).
		op(OpLoad, 4, 3).
		op(OpDrop, 3).
		op(OpDrop, 2).
		op(OpReturn, 4)

	assert.Equal(t, int32(42), p.runI32(t))
}
