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

// Package rt is the behaviour scheduler: a cooperative runtime that
// resolves cown acquisitions before dispatch and runs behaviours on a
// fixed worker pool.
//
// A behaviour names a set of cowns, each acquired for reading or writing.
// Enqueueing is atomic and cown-id-ordered, which gives per-cown FIFO,
// reader concurrency, writer exclusivity and freedom from deadlock with no
// nested acquisition. The runtime refuses to quiesce while external event
// sources (pending IO) are registered.
package rt

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/probeum/go-vbci/log"
)

// Cown is the scheduler half of a concurrent owner: a FIFO queue of
// behaviour slots waiting to acquire it.
type Cown struct {
	id    uint64
	queue []*slot
}

// slot is one cown acquisition of one behaviour.
type slot struct {
	b        *Behaviour
	cown     *Cown
	readonly bool
	granted  bool
}

// Behaviour is a unit of work dispatched once all its cowns are acquired.
// The work function receives the worker's context (the interpreter thread
// it runs on).
type Behaviour struct {
	Work func(ctx interface{})

	slots   []*slot
	pending int32
}

// NewBehaviour builds a behaviour over the given cowns. The readonly slice
// is parallel to the cowns.
func NewBehaviour(work func(ctx interface{}), cowns []*Cown, readonly []bool) *Behaviour {
	b := &Behaviour{Work: work}
	for i, c := range cowns {
		b.slots = append(b.slots, &slot{b: b, cown: c, readonly: readonly[i]})
	}
	return b
}

// Scheduler owns the worker pool and the global acquisition order.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	cownSeq  uint64
	ready    []*Behaviour
	inflight int
	external int
	stopped  bool

	group   errgroup.Group
	newCtx  func() interface{}
	workers int
}

// NewScheduler starts a pool of worker goroutines, each pinned to an OS
// thread and owning one context produced by newCtx.
func NewScheduler(workers int, newCtx func() interface{}) *Scheduler {
	if workers < 1 {
		workers = 1
	}

	s := &Scheduler{newCtx: newCtx, workers: workers}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < workers; i++ {
		s.group.Go(s.worker)
	}

	return s
}

// NewCown registers a fresh cown with the scheduler.
func (s *Scheduler) NewCown() *Cown {
	return &Cown{id: atomic.AddUint64(&s.cownSeq, 1)}
}

// Schedule enqueues a behaviour. Slots are acquired in cown-id order under
// the scheduler lock, so concurrent schedules cannot interleave partial
// acquisitions and per-cown FIFO order matches schedule order.
func (s *Scheduler) Schedule(b *Behaviour) {
	sort.Slice(b.slots, func(i, j int) bool {
		return b.slots[i].cown.id < b.slots[j].cown.id
	})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.inflight++
	b.pending = int32(len(b.slots))

	if len(b.slots) == 0 {
		s.dispatch(b)
		return
	}

	for _, sl := range b.slots {
		sl.cown.queue = append(sl.cown.queue, sl)
		s.advance(sl.cown)
	}
}

// advance grants queue heads: either one writer, or a run of readers up to
// the first waiting writer. Readers never overtake a waiting writer.
func (s *Scheduler) advance(c *Cown) {
	for i := 0; i < len(c.queue); i++ {
		sl := c.queue[i]

		if sl.granted {
			if !sl.readonly {
				return
			}
			continue
		}

		if !sl.readonly {
			// A writer only runs alone, from the queue head.
			if i == 0 {
				s.grant(sl)
			}
			return
		}

		s.grant(sl)
	}
}

func (s *Scheduler) grant(sl *slot) {
	sl.granted = true
	if atomic.AddInt32(&sl.b.pending, -1) == 0 {
		s.dispatch(sl.b)
	}
}

func (s *Scheduler) dispatch(b *Behaviour) {
	s.ready = append(s.ready, b)
	s.cond.Broadcast()
}

// finished releases a behaviour's cowns and advances their queues.
func (s *Scheduler) finished(b *Behaviour) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sl := range b.slots {
		q := sl.cown.queue
		for i, cur := range q {
			if cur == sl {
				sl.cown.queue = append(q[:i], q[i+1:]...)
				break
			}
		}
		s.advance(sl.cown)
	}

	s.inflight--
	s.maybeQuiesce()
}

// AddExternalEventSource keeps the runtime alive while IO is pending.
func (s *Scheduler) AddExternalEventSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external++
}

// RemoveExternalEventSource releases one pending IO count.
func (s *Scheduler) RemoveExternalEventSource() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.external--
	s.maybeQuiesce()
}

func (s *Scheduler) maybeQuiesce() {
	if s.inflight == 0 && s.external == 0 && len(s.ready) == 0 && !s.stopped {
		s.stopped = true
		s.cond.Broadcast()
	}
}

// Wait blocks until the runtime quiesces: no behaviour queued or running
// and no external event source registered. The worker pool is then torn
// down.
func (s *Scheduler) Wait() {
	s.mu.Lock()
	for !s.stopped {
		s.cond.Wait()
	}
	s.mu.Unlock()

	if err := s.group.Wait(); err != nil {
		log.Error("Scheduler worker failed", "err", err)
	}
}

func (s *Scheduler) worker() error {
	// Each OS thread hosts exactly one interpreter context.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx := s.newCtx()

	for {
		s.mu.Lock()
		for len(s.ready) == 0 && !s.stopped {
			s.cond.Wait()
		}

		if len(s.ready) == 0 && s.stopped {
			s.mu.Unlock()
			return nil
		}

		b := s.ready[0]
		s.ready = s.ready[1:]
		s.mu.Unlock()

		b.Work(ctx)
		s.finished(b)
	}
}
