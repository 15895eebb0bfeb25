//go:build linux

package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// epollReactor is the Linux event loop, grounded on the epoll-centric
// poller abstraction used by the gaio watcher (container of per-fd
// descriptors + a single epoll_wait loop) and on kcp-go's own
// readloop_linux.go convention of isolating OS-specific polling behind a
// small platform file.
type epollReactor struct {
	epfd int

	mu      sync.Mutex
	entries map[int]*entry

	closeOnce sync.Once
	closeCh   chan struct{}
}

type entry struct {
	handler Handler
	events  EventType

	mu      sync.Mutex
	active  bool // false once Remove has been called
	running bool // true while the handler is being invoked
	done    chan struct{}
}

func newPlatformReactor() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{
		epfd:    epfd,
		entries: make(map[int]*entry),
		closeCh: make(chan struct{}),
	}, nil
}

func toEpollEvents(e EventType) uint32 {
	var ev uint32
	if e&EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if e&EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	// errors/hangups are always implicitly monitored by epoll.
	return ev
}

func fromEpollEvents(ev uint32) EventType {
	var e EventType
	if ev&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0 {
		e |= EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		e |= EventWrite
	}
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		e |= EventErr
	}
	return e
}

func (r *epollReactor) Add(fd int, events EventType, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ent := &entry{handler: handler, events: events, active: true}
	r.entries[fd] = ent

	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     int32(fd),
	})
}

func (r *epollReactor) Modify(fd int, events EventType) error {
	r.mu.Lock()
	ent, ok := r.entries[fd]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	ent.events = events
	r.mu.Unlock()

	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(events),
		Fd:     int32(fd),
	})
}

func (r *epollReactor) Remove(fd int, sync bool) error {
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

	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)

	if sync && running && done != nil {
		<-done
	}
	return nil
}

func (r *epollReactor) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-r.closeCh:
			return nil
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			r.mu.Lock()
			ent, ok := r.entries[fd]
			r.mu.Unlock()
			if !ok {
				continue
			}

			ent.mu.Lock()
			if !ent.active {
				ent.mu.Unlock()
				continue
			}
			ent.running = true
			ent.mu.Unlock()

			ent.handler(fromEpollEvents(events[i].Events))

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

func (r *epollReactor) Close() error {
	r.closeOnce.Do(func() { close(r.closeCh) })
	return unix.Close(r.epfd)
}
