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

package eventloop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/probeum/go-vbci/rt"
)

// A one-shot timer fires once, re-enters the scheduler, and releases its
// event source so the runtime can quiesce.
func TestOneShotTimer(t *testing.T) {
	sched := rt.NewScheduler(2, func() interface{} { return nil })
	loop := New(sched)
	loop.Start()

	var fired int32
	loop.OpenTimer(5*time.Millisecond, 0, func(interface{}) {
		atomic.AddInt32(&fired, 1)
	})

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not quiesce after the timer fired")
	}

	assert.Equal(t, int32(1), atomic.LoadInt32(&fired))
	loop.Stop()
}

// A repeating timer keeps the runtime alive until closed.
func TestRepeatingTimer(t *testing.T) {
	sched := rt.NewScheduler(2, func() interface{} { return nil })
	loop := New(sched)
	loop.Start()

	var fired int32
	closeReq := make(chan struct{})

	h := loop.OpenTimer(2*time.Millisecond, 2*time.Millisecond, func(interface{}) {
		if atomic.AddInt32(&fired, 1) == 3 {
			close(closeReq)
		}
	})

	select {
	case <-closeReq:
	case <-time.After(2 * time.Second):
		t.Fatal("repeating timer did not fire three times")
	}
	h.Close()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not quiesce after the handle closed")
	}

	assert.GreaterOrEqual(t, atomic.LoadInt32(&fired), int32(3))
	loop.Stop()
}

// Close is idempotent and releases exactly one event source.
func TestCloseIdempotent(t *testing.T) {
	sched := rt.NewScheduler(1, func() interface{} { return nil })
	loop := New(sched)
	loop.Start()

	h := loop.OpenTimer(time.Hour, 0, func(interface{}) {})
	h.Close()
	h.Close()

	done := make(chan struct{})
	go func() {
		sched.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runtime did not quiesce after close")
	}

	loop.Stop()
}

// The loop owns a process TLS client configuration.
func TestTLSConfig(t *testing.T) {
	sched := rt.NewScheduler(1, func() interface{} { return nil })
	loop := New(sched)
	assert.NotNil(t, loop.TLSConfig())
	assert.NotNil(t, loop.TLSConfig().RootCAs)
}
