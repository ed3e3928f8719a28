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
	"runtime"
	"sync"

	"github.com/probeum/go-vbci/eventloop"
	"github.com/probeum/go-vbci/log"
	"github.com/probeum/go-vbci/rt"
)

// VM owns a loaded program, the behaviour scheduler whose workers host the
// interpreter threads, and the async event loop.
type VM struct {
	prog  *Program
	sched *rt.Scheduler
	loop  *eventloop.Loop

	handleMu  sync.Mutex
	handleSeq uint64
	handles   map[uint64]*timerHandle
}

type timerHandle struct {
	handle  *eventloop.Handle
	closure Value
}

// New builds a VM over a loaded program. The worker count defaults to the
// number of CPUs.
func New(prog *Program, workers int) *VM {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	vm := &VM{
		prog:    prog,
		handles: make(map[uint64]*timerHandle),
	}
	vm.sched = rt.NewScheduler(workers, func() interface{} {
		return newThread(vm)
	})
	vm.loop = eventloop.New(vm.sched)
	return vm
}

// Program returns the loaded program.
func (v *VM) Program() *Program {
	return v.prog
}

// Scheduler returns the behaviour scheduler.
func (v *VM) Scheduler() *rt.Scheduler {
	return v.sched
}

// Loop returns the async event loop.
func (v *VM) Loop() *eventloop.Loop {
	return v.loop
}

// Run schedules `main` as the first behaviour, waits for the runtime to
// quiesce, and mirrors the program's i32 return as the exit code.
// Internal errors exit -1.
func (v *VM) Run() int {
	v.loop.Start()

	boot := newThread(v)

	mainFn, err := v.prog.Function(MainFuncID)
	if err != nil {
		log.Error("No entry point", "err", err)
		return -1
	}

	result, err := NewCown(boot, DynID)
	if err != nil {
		log.Error("Failed to create result cown", "err", err)
		return -1
	}

	var invalid Value
	invalid.tag = TInvalid

	work := func(ctx interface{}) {
		t := ctx.(*Thread)
		t.runBehaviorBody(mainFn, invalid, nil, nil, result)
	}

	v.sched.Schedule(rt.NewBehaviour(work,
		[]*rt.Cown{result.sched}, []bool{false}))

	v.sched.Wait()
	v.loop.Stop()

	out := result.content

	if out.IsError() {
		log.Error("Program terminated with an error", "err", out.String())
		return -1
	}

	code, err := out.I32()
	if err != nil {
		log.Error("Program did not return an i32", "value", out.String())
		return -1
	}

	return int(code)
}
