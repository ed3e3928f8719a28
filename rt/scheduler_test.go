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

package rt

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(workers int) *Scheduler {
	return NewScheduler(workers, func() interface{} { return nil })
}

// Writer behaviours on the same cown run in schedule order.
func TestWriterFIFO(t *testing.T) {
	s := newTestScheduler(4)
	c := s.NewCown()

	var mu sync.Mutex
	var order []int

	for i := 0; i < 32; i++ {
		i := i
		s.Schedule(NewBehaviour(func(interface{}) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}, []*Cown{c}, []bool{false}))
	}

	s.Wait()

	require.Len(t, order, 32)
	for i, got := range order {
		assert.Equal(t, i, got)
	}
}

// Readers may overlap each other but never a writer, and never overtake a
// writer queued ahead of them.
func TestReaderWriterAdmission(t *testing.T) {
	s := newTestScheduler(4)
	c := s.NewCown()

	var writerDone int32
	var readersAfterWriter int32

	s.Schedule(NewBehaviour(func(interface{}) {
		time.Sleep(10 * time.Millisecond)
		atomic.StoreInt32(&writerDone, 1)
	}, []*Cown{c}, []bool{false}))

	for i := 0; i < 8; i++ {
		s.Schedule(NewBehaviour(func(interface{}) {
			if atomic.LoadInt32(&writerDone) == 1 {
				atomic.AddInt32(&readersAfterWriter, 1)
			}
		}, []*Cown{c}, []bool{true}))
	}

	var lastWriterSawReaders int32
	s.Schedule(NewBehaviour(func(interface{}) {
		lastWriterSawReaders = atomic.LoadInt32(&readersAfterWriter)
	}, []*Cown{c}, []bool{false}))

	s.Wait()

	assert.Equal(t, int32(8), readersAfterWriter, "readers must wait for the writer ahead")
	assert.Equal(t, int32(8), lastWriterSawReaders, "the trailing writer runs after all readers")
}

// A behaviour over two cowns holds both; conflicting acquisition orders
// must not deadlock.
func TestTwoCownAcquisition(t *testing.T) {
	s := newTestScheduler(4)
	a := s.NewCown()
	b := s.NewCown()

	var runs int32

	for i := 0; i < 16; i++ {
		cowns := []*Cown{a, b}
		if i%2 == 1 {
			cowns = []*Cown{b, a}
		}
		s.Schedule(NewBehaviour(func(interface{}) {
			atomic.AddInt32(&runs, 1)
		}, cowns, []bool{false, false}))
	}

	s.Wait()
	assert.Equal(t, int32(16), runs)
}

// The runtime refuses to quiesce while an external event source is
// registered.
func TestExternalEventSourceKeepsAlive(t *testing.T) {
	s := newTestScheduler(2)
	s.AddExternalEventSource()

	var fired int32
	s.Schedule(NewBehaviour(func(interface{}) {
		atomic.AddInt32(&fired, 1)
	}, nil, nil))

	done := make(chan struct{})
	go func() {
		s.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Wait returned while an external event source was registered")
	case <-time.After(50 * time.Millisecond):
	}

	// Late work posted from the "event source" still runs.
	s.Schedule(NewBehaviour(func(interface{}) {
		atomic.AddInt32(&fired, 1)
	}, nil, nil))

	s.RemoveExternalEventSource()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after the event source was removed")
	}

	assert.Equal(t, int32(2), atomic.LoadInt32(&fired))
}

// Each worker gets exactly one context, created on its own goroutine.
func TestWorkerContexts(t *testing.T) {
	var created int32

	s := NewScheduler(3, func() interface{} {
		return atomic.AddInt32(&created, 1)
	})

	var mu sync.Mutex
	seen := make(map[interface{}]bool)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		s.Schedule(NewBehaviour(func(ctx interface{}) {
			mu.Lock()
			seen[ctx] = true
			mu.Unlock()
			wg.Done()
		}, nil, nil))
	}

	wg.Wait()
	s.Wait()

	assert.LessOrEqual(t, int32(len(seen)), created)
	assert.LessOrEqual(t, created, int32(3))
}
