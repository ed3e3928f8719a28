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
	"time"
)

// DefaultHostSymbols are the built-in foreign symbols every program can
// bind without a dynamic library: argv access, value printing, and the
// async timer bundle bridging through the event loop.
func DefaultHostSymbols() map[string]HostFunc {
	return map[string]HostFunc{
		"getargv":     hostGetArgv,
		"printval":    hostPrintVal,
		"timer_start": hostTimerStart,
		"timer_close": hostTimerClose,
	}
}

func hostGetArgv(t *Thread, args []Value) (Value, error) {
	argv := t.prog.Argv()
	if argv == nil {
		t.prog.SetArgv(nil)
		argv = t.prog.Argv()
	}
	return ArrayValue(argv), nil
}

func hostPrintVal(t *Thread, args []Value) (Value, error) {
	if len(args) > 0 {
		fmt.Println(args[0].String())
	}
	return None(), nil
}

// hostTimerStart opens a timer handle: (delay_ms u64, repeat_ms u64,
// closure object) -> u64 handle id. Each firing schedules a behaviour
// that invokes the closure's apply method. The closure must be sendable.
func hostTimerStart(t *Thread, args []Value) (Value, error) {
	if len(args) != 3 {
		return Value{}, trap(ErrBadArgs)
	}

	delay, err := args[0].Size()
	if err != nil {
		return Value{}, err
	}
	repeat, err := args[1].Size()
	if err != nil {
		return Value{}, err
	}

	closure := &args[2]
	if closure.heaped() == nil {
		return Value{}, trap(ErrBadMethodTarget)
	}
	if !closure.IsSendable() {
		return Value{}, trap(ErrBadMethodTarget)
	}
	if closure.Method(t.prog, ApplyMethodID) == nil {
		return Value{}, trap(ErrMethodNotFound)
	}

	kept := closure.copyInc(true)
	vm := t.vm

	cb := func(ctx interface{}) {
		wt := ctx.(*Thread)
		wt.runClosure(kept)
	}

	handle := vm.loop.OpenTimer(
		time.Duration(delay)*time.Millisecond,
		time.Duration(repeat)*time.Millisecond,
		cb)

	vm.handleMu.Lock()
	vm.handleSeq++
	id := vm.handleSeq
	vm.handles[id] = &timerHandle{handle: handle, closure: kept}
	vm.handleMu.Unlock()

	return UintValue(TU64, id), nil
}

// hostTimerClose closes a timer handle: (u64 handle id) -> none.
func hostTimerClose(t *Thread, args []Value) (Value, error) {
	if len(args) != 1 {
		return Value{}, trap(ErrBadArgs)
	}

	id, err := args[0].Size()
	if err != nil {
		return Value{}, err
	}

	vm := t.vm

	vm.handleMu.Lock()
	th := vm.handles[id]
	delete(vm.handles, id)
	vm.handleMu.Unlock()

	if th != nil {
		th.handle.Close()
		th.closure.Drop(t)
	}

	return None(), nil
}

// runClosure invokes a closure's apply method with the closure itself as
// the argument, discarding the result. Used by async completions.
func (t *Thread) runClosure(closure Value) {
	fn := closure.Method(t.prog, ApplyMethodID)
	if fn == nil {
		return
	}

	t.args = 0
	t.growLocals(1)
	t.locals[0] = closure.copyInc(true)
	t.args = 1

	ret := t.runSync(fn)
	ret.Drop(t)
}
