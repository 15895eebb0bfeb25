// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package reactor provides the per-worker async event loop the CEP state
// machine is driven by: add/remove/modify of per-fd readiness handlers,
// with a single goroutine delivering events one at a time so a CEP never
// receives two simultaneous invocations (spec.md's ordering guarantee).
package reactor

import "fmt"

// EventType is a bitmask of readiness conditions a handler can be
// registered for.
type EventType uint32

const (
	EventRead EventType = 1 << iota
	EventWrite
	EventErr
)

func (e EventType) String() string {
	s := ""
	if e&EventRead != 0 {
		s += "R"
	}
	if e&EventWrite != 0 {
		s += "W"
	}
	if e&EventErr != 0 {
		s += "E"
	}
	if s == "" {
		return "none"
	}
	return s
}

// Handler is invoked by the reactor's event loop goroutine when fd becomes
// ready for one or more of the registered events. Handlers run one at a
// time on that goroutine; no lock is held while they run.
type Handler func(events EventType)

// Reactor is the ManagerBinding's reactor half: add/remove/modify of per-fd
// readiness handlers, run from a single event-loop goroutine.
type Reactor interface {
	// Add registers handler for fd, to be invoked whenever any of events
	// fires. A given fd may only be registered once at a time.
	Add(fd int, events EventType, handler Handler) error

	// Modify changes the set of events fd is registered for.
	Modify(fd int, events EventType) error

	// Remove unregisters fd. If sync is true, Remove blocks until any
	// in-flight invocation of fd's handler has returned, matching
	// ucs_async_remove_handler(fd, 1)'s synchronous-removal contract so a
	// destroyed CEP is never observed mid-callback.
	Remove(fd int, sync bool) error

	// Run executes the event loop until Close is called. Run is meant to
	// be invoked from its own goroutine and blocks until Close is called.
	Run() error

	// Close stops the event loop and releases the underlying poller.
	Close() error
}

// ErrNotRegistered is returned by Modify/Remove for an fd that was never
// added, or already removed.
var ErrNotRegistered = fmt.Errorf("reactor: fd not registered")

// New creates the platform-appropriate Reactor: epoll on Linux, a
// poll(2)-based fallback elsewhere, mirroring the teacher's own
// +build linux / +build !linux split between server/listen_linux.go and
// server/listen.go.
func New() (Reactor, error) {
	return newPlatformReactor()
}
