//go:build !linux

package reactor

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollReactor is the portable fallback event loop for platforms without
// epoll, built on poll(2) -- matching the teacher's own pattern of a
// feature-complete Linux path (server/listen_linux.go) alongside a simpler
// portable one (server/listen.go).
type pollReactor struct {
	mu      sync.Mutex
	entries map[int]*entry

	closeOnce sync.Once
	closeCh   chan struct{}
}

type entry struct {
	handler Handler
	events  EventType

	mu      sync.Mutex
	active  bool
	running bool
	done    chan struct{}
}

func newPlatformReactor() (Reactor, error) {
	return &pollReactor{
		entries: make(map[int]*entry),
		closeCh: make(chan struct{}),
	}, nil
}

func toPollEvents(e EventType) int16 {
	var ev int16
	if e&EventRead != 0 {
		ev |= unix.POLLIN
	}
	if e&EventWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func fromPollEvents(ev int16) EventType {
	var e EventType
	if ev&unix.POLLIN != 0 {
		e |= EventRead
	}
	if ev&unix.POLLOUT != 0 {
		e |= EventWrite
	}
	if ev&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		e |= EventErr
	}
	return e
}

func (r *pollReactor) Add(fd int, events EventType, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[fd] = &entry{handler: handler, events: events, active: true}
	return nil
}

func (r *pollReactor) Modify(fd int, events EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[fd]
	if !ok {
		return ErrNotRegistered
	}
	ent.events = events
	return nil
}

func (r *pollReactor) Remove(fd int, sync bool) error {
	r.mu.Lock()
	ent, ok := r.entries[fd]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	delete(r.entries, fd)

	ent.mu.Lock()
	ent.active = false
	running := ent.running
	if running && sync {
		ent.done = make(chan struct{})
	}
	done := ent.done
	ent.mu.Unlock()
	r.mu.Unlock()

	if sync && running && done != nil {
		<-done
	}
	return nil
}

func (r *pollReactor) Run() error {
	for {
		select {
		case <-r.closeCh:
			return nil
		default:
		}

		r.mu.Lock()
		fds := make([]unix.PollFd, 0, len(r.entries))
		ents := make([]*entry, 0, len(r.entries))
		for fd, ent := range r.entries {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: toPollEvents(ent.events)})
			ents = append(ents, ent)
		}
		r.mu.Unlock()

		if len(fds) == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		n, err := unix.Poll(fds, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}
			ent := ents[i]

			ent.mu.Lock()
			if !ent.active {
				ent.mu.Unlock()
				continue
			}
			ent.running = true
			ent.mu.Unlock()

			ent.handler(fromPollEvents(pfd.Revents))

			ent.mu.Lock()
			ent.running = false
			if ent.done != nil {
				close(ent.done)
				ent.done = nil
			}
			ent.mu.Unlock()
		}
	}
}

func (r *pollReactor) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	return nil
}
