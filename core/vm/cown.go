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
	"fmt"
	"sync/atomic"

	"github.com/probeum/go-vbci/rt"
)

// Cown is a concurrent owner: a typed content cell plus the scheduler's
// cown half. It holds at most one value, acquired exclusively by writer
// behaviours and shared by readers. Cowns are not in any region; they are
// scheduler resources with their own refcount.
type Cown struct {
	sched  *rt.Cown
	typeID TypeID
	content Value
	rc      int64
}

// NewCown allocates a cown whose content must be a subtype of typeID.
// Nested cowns are rejected.
func NewCown(t *Thread, typeID TypeID) (*Cown, error) {
	if t.prog.isCownType(typeID) {
		return nil, trap(ErrBadType)
	}

	c := &Cown{
		sched:  t.vm.sched.NewCown(),
		typeID: typeID,
		rc:     1,
	}
	return c, nil
}

// ContentTypeID returns the declared content type.
func (c *Cown) ContentTypeID() TypeID {
	return c.typeID
}

func (c *Cown) inc() {
	atomic.AddInt64(&c.rc, 1)
}

func (c *Cown) dec(t *Thread) {
	if atomic.AddInt64(&c.rc, -1) == 0 {
		c.content.Drop(t)
	}
}

// load returns a copy of the content.
func (c *Cown) load() Value {
	return c.content.copyInc(true)
}

// store swaps the content, enforcing that the value is sendable and a
// subtype of the content type (any cown may carry an error), and returns
// the previous content.
func (c *Cown) store(t *Thread, move bool, v *Value) (Value, error) {
	if !v.IsError() && !t.prog.Subtype(v.TypeID(t.prog), c.typeID) {
		return Value{}, trap(ErrBadType)
	}

	if !v.IsSendable() {
		return Value{}, trap(ErrBadStore)
	}

	var next Value
	if move {
		next = v.take()
	} else {
		next = v.copyInc(true)
	}

	prev := c.content.take()
	c.content = next
	return prev, nil
}

func (c *Cown) String() string {
	return fmt.Sprintf("cown: %p", c)
}
