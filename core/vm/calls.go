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
	"github.com/probeum/go-vbci/rt"
)

// pendingArg addresses the i'th pending argument: the argument window of
// the current frame, or the base of the register vector when a behaviour
// is being set up with no frame.
func (t *Thread) pendingArg(i uint64) *Value {
	if t.frame != nil {
		return t.argSlot(i)
	}
	t.growLocals(i + 1)
	return &t.locals[i]
}

func (t *Thread) dropPendingArgs() {
	if t.frame != nil {
		t.frame.dropArgs(t, t.args)
		return
	}
	for i := uint64(0); i < t.args; i++ {
		t.locals[i].Drop(t)
	}
	t.args = 0
}

// checkArgs verifies the pending argument count against the arity (at
// least, for variadics) and each argument's type against its declared
// parameter type. On failure the pending arguments are dropped.
func (t *Thread) checkArgs(types []TypeID, vararg bool) error {
	if t.args < uint64(len(types)) || (!vararg && t.args > uint64(len(types))) {
		t.dropPendingArgs()
		return trap(ErrBadArgs)
	}

	for i := range types {
		if !t.prog.Subtype(t.pendingArg(uint64(i)).TypeID(t.prog), types[i]) {
			t.dropPendingArgs()
			return trap(ErrBadType)
		}
	}

	t.args = 0
	return nil
}

// checkFieldArgs verifies the pending arguments against a class's fields
// for object construction.
func (t *Thread) checkFieldArgs(cls *Class) error {
	if t.args != uint64(len(cls.Fields)) {
		t.dropPendingArgs()
		return trap(ErrBadArgs)
	}

	for i := range cls.Fields {
		if !t.prog.Subtype(t.pendingArg(uint64(i)).TypeID(t.prog), cls.Fields[i].TypeID) {
			t.dropPendingArgs()
			return trap(ErrBadType)
		}
	}

	t.args = 0
	return nil
}

// pushframe begins a call. The caller's frame records the discipline so
// popframe knows how to treat the callee's non-local returns; the pending
// argument window becomes the callee's first registers.
func (t *Thread) pushframe(fn *Function, dst uint64, calltype CallType) error {
	if fn == nil {
		return trap(ErrMethodNotFound)
	}

	if err := t.checkArgs(fn.ParamTypes, false); err != nil {
		return err
	}

	var frameID uint32
	var base uint64
	finalizeBase := 0

	if t.frame != nil {
		t.frame.calltype = calltype
		frameID = t.frame.frameID + FrameInc
		base = t.frame.base + uint64(t.frame.fn.Registers)
		finalizeBase = t.frame.finalizeTop
	}

	t.growLocals(base + uint64(fn.Registers))

	f := &Frame{
		fn:           fn,
		frameID:      frameID,
		save:         t.stack.save(),
		base:         base,
		finalizeBase: finalizeBase,
		finalizeTop:  finalizeBase,
		region:       newFrameLocalRegion(frameID),
		pc:           fn.Labels[0],
		dst:          dst,
		calltype:     CallTypeCall,
	}

	t.frames = append(t.frames, f)
	t.frame = f
	return nil
}

// popframe leaves the current frame with a value and a condition,
// dispatching on the caller's call discipline. Stack escapes are caught
// here: a value living in the dying frame is an error, and a frame-local
// allocation is dragged into the caller's scope.
func (t *Thread) popframe(ret Value, cond Condition) {
	for {
		f := t.frame
		dst := f.dst

		f.dropArgs(t, t.args)

		retloc := ret.Location()

		if retloc.isStack() && retloc.frame == f.frameID {
			// The return value can't be stack allocated in this frame.
			ret = ErrValue(ErrBadStackEscape, f.fn, t.currentPC)
			cond = CondThrow
		} else if retloc.isFrameLocal() && retloc.frame == f.frameID {
			if len(t.frames) > 1 {
				// Drag the frame-local allocation to the previous frame.
				prev := t.frames[len(t.frames)-2]
				if !dragAllocation(t, regionLoc(prev.region), ret.heaped(), true) {
					ret = ErrValue(ErrBadStackEscape, f.fn, t.currentPC)
					cond = CondThrow
				}
			} else {
				// Drag the frame-local allocation to a fresh region. The
				// returning handle carries the region's first stack
				// reference.
				r, _ := NewRegion(RegionRC)
				if dragAllocation(t, regionLoc(r), ret.heaped(), true) {
					r.stackInc()
				} else {
					ret = ErrValue(ErrBadStackEscape, f.fn, t.currentPC)
					cond = CondThrow
					r.freed = true
				}
			}
		}

		if cond == CondReturn && !ret.IsError() &&
			!t.prog.Subtype(ret.TypeID(t.prog), f.fn.ReturnType) {
			ret.Drop(t)
			ret = ErrValue(ErrBadType, f.fn, t.currentPC)
			cond = CondThrow
		}

		t.teardown(false)
		t.frames = t.frames[:len(t.frames)-1]

		if len(t.frames) == 0 {
			t.growLocals(1)
			t.locals[0] = ret
			t.frame = nil
			return
		}

		t.frame = t.frames[len(t.frames)-1]

		switch t.frame.calltype {
		case CallTypeCall:
			// One level of unwrap: a Raise becomes a Return in the caller.
			if cond == CondRaise {
				cond = CondReturn
				continue
			}
			if cond == CondThrow {
				continue
			}

		case CallTypeSubcall:
			// No unwrap: both Raise and Throw keep unwinding.
			if cond != CondReturn {
				continue
			}

		case CallTypeCatch:
			// Any condition becomes a plain Return. This also catches
			// internal traps arriving as Throw.
		}

		t.local(dst).assignMove(t, &ret)
		t.frame.calltype = CallTypeCall
		return
	}
}

// tailcall replaces the current frame's function. The frame-local region
// survives; stack-allocated arguments cannot, so they fail the call.
func (t *Thread) tailcall(fn *Function) error {
	if fn == nil {
		return trap(ErrMethodNotFound)
	}

	f := t.frame
	t.teardown(true)

	if err := t.checkArgs(fn.ParamTypes, false); err != nil {
		return err
	}

	// Move the arguments down into the register base.
	stackEscape := false
	for i := uint64(0); i < uint64(len(fn.ParamTypes)); i++ {
		arg := t.argSlot(i)
		loc := arg.Location()
		if loc.isStack() && loc.frame == f.frameID {
			stackEscape = true
		}
		t.growLocals(f.base + i + 1)
		t.locals[f.base+i] = arg.take()
	}

	if stackEscape {
		return trap(ErrBadStackEscape)
	}

	f.fn = fn
	f.pc = fn.Labels[0]
	f.calltype = CallTypeCall
	t.growLocals(f.base + uint64(fn.Registers))
	return nil
}

// teardown drops the frame's registers, runs its recorded finalizers,
// frees the frame-local region (unless the frame is being reused by a
// tailcall) and restores the stack allocator.
func (t *Thread) teardown(tailcall bool) {
	f := t.frame

	f.drop(t)

	for i := f.finalizeBase; i < f.finalizeTop; i++ {
		t.finalize[i].Finalize(t)
	}
	t.finalize = t.finalize[:f.finalizeBase]
	f.finalizeTop = f.finalizeBase

	if !tailcall {
		collect(t, workRegion, nil, f.region)
	}

	t.stack.restore(f.save)
}

// runSync pushes a function and steps until it returns, yielding the
// result value. Used for the body of a behaviour.
func (t *Thread) runSync(fn *Function) Value {
	depth := len(t.frames)

	if err := t.pushframe(fn, 0, CallTypeCatch); err != nil {
		kind := ErrBadArgs
		if tr, ok := err.(*Trap); ok {
			kind = tr.Kind
		}
		return ErrValue(kind, fn, 0)
	}

	for len(t.frames) != depth {
		t.step()
	}

	t.growLocals(1)
	return t.locals[0].take()
}

// runFinalizer invokes an object's finalizer with the object as its only
// argument. Runs nested inside teardown or collection; the delivery slot
// is scratch space beyond the live registers.
func (t *Thread) runFinalizer(obj *Object) {
	fin := obj.cls.Finalizer()
	if fin == nil {
		return
	}

	savedArgs := t.args
	t.args = 0

	// The callee's teardown drops its receiver register; balance that
	// against the borrowed handle.
	obj.hdr.rc++

	if t.frame == nil {
		t.growLocals(1)
		t.locals[0] = ObjectValue(obj)
		t.args = 1
		depth := 0
		if err := t.pushframe(fin, 0, CallTypeCatch); err == nil {
			for len(t.frames) != depth {
				t.step()
			}
			t.locals[0].Drop(t)
		}
		t.args = savedArgs
		return
	}

	dst := uint64(t.frame.fn.Registers)
	slot := t.argSlot(0)
	*slot = ObjectValue(obj)
	t.args = 1

	depth := len(t.frames)
	if err := t.pushframe(fin, dst, CallTypeCatch); err == nil {
		for len(t.frames) != depth {
			t.step()
		}
		t.local(dst).Drop(t)
	}

	t.args = savedArgs
}

// runBehaviorBody executes one behaviour: the closure (if any) and the
// acquired cowns become the function's arguments, and the result lands in
// the result cown.
func (t *Thread) runBehaviorBody(fn *Function, closure Value, captured []Value, ro []bool, result *Cown) {
	t.behavior = fn
	t.args = 0

	if !closure.IsInvalid() {
		// The closure region is no longer held by the pending behaviour.
		if h := closure.heaped(); h != nil {
			if r := h.Header().Region(); r != nil {
				r.clearParent()
			}
		}
		t.growLocals(1)
		t.locals[t.args] = closure
		t.args++
	}

	for i := range captured {
		c := captured[i].cown
		c.inc()
		t.growLocals(t.args + 1)
		t.locals[t.args] = CownRef(c, ro[i])
		t.args++
	}

	ret := t.runSync(fn)

	if prev, err := result.store(t, true, &ret); err != nil {
		kind := ErrBadStore
		if tr, ok := err.(*Trap); ok {
			kind = tr.Kind
		}
		ev := ErrValue(kind, fn, t.currentPC)
		if p2, err2 := result.store(t, true, &ev); err2 == nil {
			p2.Drop(t)
		}
		ret.Drop(t)
	} else {
		prev.Drop(t)
	}

	// Release the handles the behaviour carried.
	for i := range captured {
		captured[i].Drop(t)
	}

	t.behavior = nil
}

// ffiCall binds the pending arguments to a foreign symbol and invokes it.
// Host builtins receive the argument window directly; library symbols get
// C-ABI words, with variadic positions augmenting the call interface.
func (t *Thread) ffiCall(dst uint64, symID uint64) error {
	sym, err := t.prog.Symbol(symID)
	if err != nil {
		return err
	}

	numArgs := t.args

	if err := t.checkArgs(sym.Params, sym.Vararg); err != nil {
		return err
	}

	var ret Value

	if sym.Host != nil {
		window := t.argWindow(numArgs)
		ret, err = sym.Host(t, window)
		if err != nil {
			t.frame.dropArgs(t, numArgs)
			return err
		}
	} else {
		if t.ffiWords == nil {
			t.ffiWords = make([]uintptr, 0, 16)
		}
		words := t.ffiWords[:0]

		for i := uint64(0); i < numArgs; i++ {
			arg := t.pendingArg(i)

			if i >= uint64(len(sym.Params)) {
				_, ft, err := t.prog.LayoutTypeID(arg.TypeID(t.prog))
				if err != nil {
					t.frame.dropArgs(t, numArgs)
					return err
				}
				if ft == nil {
					t.frame.dropArgs(t, numArgs)
					return trap(ErrBadType)
				}
				sym.FFI.Varparam(ft)
			}

			w, err := ffiWord(arg)
			if err != nil {
				t.frame.dropArgs(t, numArgs)
				return err
			}
			words = append(words, w)
		}

		bits, err := sym.FFI.Call(words)
		if err != nil {
			t.frame.dropArgs(t, numArgs)
			return trap(ErrBadOperand)
		}

		ret = FromBits(sym.RetVal, bits)
	}

	if !ret.IsError() && !t.prog.Subtype(ret.TypeID(t.prog), sym.Return) {
		t.frame.dropArgs(t, numArgs)
		ret.Drop(t)
		return trap(ErrBadType)
	}

	t.local(dst).set(t, ret)
	t.frame.dropArgs(t, numArgs)
	return nil
}

// ffiWord flattens a value into one C-ABI argument word.
func ffiWord(v *Value) (uintptr, error) {
	switch {
	case v.tag == TNone:
		return 0, nil
	case v.tag.IsPrimitive():
		return uintptr(v.bits), nil
	case v.tag == TArray:
		return v.arr.dataPointer(), nil
	default:
		return 0, trap(ErrBadOperand)
	}
}

// queueBehavior schedules a behaviour over the pending cown arguments,
// with an optional leading sendable closure. The result cown lands in the
// destination register immediately; the behaviour fills it when it runs.
func (t *Thread) queueBehavior(dstReg uint64, typeID TypeID, fn *Function) error {
	if fn == nil {
		return trap(ErrMethodNotFound)
	}

	if uint64(len(fn.ParamTypes)) != t.args {
		t.dropPendingArgs()
		return trap(ErrBadArgs)
	}

	params := fn.ParamTypes
	isClosure := false
	numCowns := t.args
	firstCown := uint64(0)

	if t.args > 0 {
		closure := t.pendingArg(0)
		if !closure.IsCown() {
			// The first argument is the closure data.
			isClosure = true

			if !t.prog.Subtype(closure.TypeID(t.prog), params[0]) {
				t.dropPendingArgs()
				return trap(ErrBadArgs)
			}
			if !closure.IsSendable() {
				t.dropPendingArgs()
				return trap(ErrBadArgs)
			}

			numCowns--
			firstCown++
		}
	}

	// Every other argument must be a cown of the right content type.
	for i := firstCown; i < t.args; i++ {
		c, err := t.pendingArg(i).Cown()
		if err != nil {
			t.dropPendingArgs()
			return err
		}

		refType := t.prog.Ref(c.typeID)
		if !t.prog.Subtype(refType, params[i]) {
			t.dropPendingArgs()
			return trap(ErrBadArgs)
		}
	}

	t.args = 0

	resultCown, err := NewCown(t, typeID)
	if err != nil {
		return err
	}

	if !t.prog.Subtype(fn.ReturnType, resultCown.typeID) {
		return trap(ErrBadType)
	}

	// The behaviour keeps the result cown alive until it has stored into
	// it.
	resultCown.inc()

	captured := make([]Value, 0, numCowns)
	ro := make([]bool, 0, numCowns)
	slots := make([]*rt.Cown, 0, numCowns+1)
	slotRO := make([]bool, 0, numCowns+1)

	// Slot 0 is the result cown, acquired for writing.
	slots = append(slots, resultCown.sched)
	slotRO = append(slotRO, false)

	for i := uint64(0); i < numCowns; i++ {
		arg := t.pendingArg(firstCown + i).take()
		captured = append(captured, arg)
		ro = append(ro, arg.readonly)
		slots = append(slots, arg.cown.sched)
		slotRO = append(slotRO, arg.readonly)
	}

	var closureVal Value
	closureVal.tag = TInvalid

	if isClosure {
		cv := t.pendingArg(0)

		// The behaviour owns the closure region while it is pending.
		closureVal = cv.take()
	}

	work := func(ctx interface{}) {
		wt := ctx.(*Thread)
		wt.runBehaviorBody(fn, closureVal, captured, ro, resultCown)
		resultCown.dec(wt)
	}

	t.vm.sched.Schedule(rt.NewBehaviour(work, slots, slotRO))

	t.local(dstReg).set(t, CownValue(resultCown))
	return nil
}
