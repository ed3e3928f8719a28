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

// Package eventloop runs the background IO thread that bridges async
// completions back into the behaviour scheduler. Every live handle owns
// one external event source count against the scheduler, so the runtime
// refuses to exit while IO is pending. The loop also owns the process TLS
// client configuration and keeps SIGPIPE from killing the process.
package eventloop

import (
	"crypto/tls"
	"crypto/x509"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/probeum/go-vbci/log"
	"github.com/probeum/go-vbci/rt"
)

// Callback runs on a scheduler worker; ctx is the worker's interpreter
// context.
type Callback func(ctx interface{})

// Handle is one live async resource. Closing it releases its external
// event source count.
type Handle struct {
	id     uint64
	loop   *Loop
	repeat time.Duration
	cb     Callback
	timer  *time.Timer
	closed bool
}

// Loop is the event loop thread.
type Loop struct {
	sched *rt.Scheduler

	mu      sync.Mutex
	seq     uint64
	handles map[uint64]*Handle

	events chan *Handle
	stop   chan struct{}
	done   chan struct{}

	tlsConfig *tls.Config
}

// New builds the loop, installs the SIGPIPE guard and the global TLS
// context.
func New(sched *rt.Scheduler) *Loop {
	l := &Loop{
		sched:   sched,
		handles: make(map[uint64]*Handle),
		events:  make(chan *Handle, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	signal.Ignore(syscall.SIGPIPE)

	roots, err := x509.SystemCertPool()
	if err != nil {
		log.Warn("System cert pool unavailable", "err", err)
		roots = x509.NewCertPool()
	}
	l.tlsConfig = &tls.Config{RootCAs: roots}

	return l
}

// TLSConfig returns the process-wide TLS client configuration.
func (l *Loop) TLSConfig() *tls.Config {
	return l.tlsConfig
}

// Start spins up the loop thread.
func (l *Loop) Start() {
	go l.run()
}

// Stop shuts the loop down and waits for the thread to exit. Handles left
// open are closed, releasing their event source counts.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done

	l.mu.Lock()
	open := make([]*Handle, 0, len(l.handles))
	for _, h := range l.handles {
		open = append(open, h)
	}
	l.mu.Unlock()

	for _, h := range open {
		h.Close()
	}
}

func (l *Loop) run() {
	// The loop owns a dedicated OS thread, like the libuv thread it
	// replaces.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			return
		case h := <-l.events:
			l.fire(h)
		}
	}
}

func (l *Loop) fire(h *Handle) {
	l.mu.Lock()
	closed := h.closed
	if !closed && h.repeat > 0 {
		h.timer.Reset(h.repeat)
	}
	l.mu.Unlock()

	if closed {
		return
	}

	// Completions re-enter the VM as ordinary behaviours.
	l.sched.Schedule(rt.NewBehaviour(h.cb, nil, nil))

	l.mu.Lock()
	oneshot := h.repeat == 0 && !h.closed
	l.mu.Unlock()

	if oneshot {
		h.Close()
	}
}

// OpenTimer registers a timer handle. A zero repeat fires once; otherwise
// the callback re-arms every repeat interval. The handle counts as an
// external event source until closed.
func (l *Loop) OpenTimer(delay, repeat time.Duration, cb Callback) *Handle {
	l.mu.Lock()
	l.seq++
	h := &Handle{id: l.seq, loop: l, repeat: repeat, cb: cb}
	l.handles[h.id] = h
	l.mu.Unlock()

	l.sched.AddExternalEventSource()

	h.timer = time.AfterFunc(delay, func() {
		select {
		case l.events <- h:
		case <-l.stop:
		}
	})

	return h
}

// Close releases the handle and its event source count. Idempotent.
func (h *Handle) Close() {
	l := h.loop

	l.mu.Lock()
	if h.closed {
		l.mu.Unlock()
		return
	}
	h.closed = true
	h.timer.Stop()
	delete(l.handles, h.id)
	l.mu.Unlock()

	l.sched.RemoveExternalEventSource()
}
