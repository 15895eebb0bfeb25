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

package cep

import (
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/frame"
	"github.com/xtaci/sockcm/netio"
	"github.com/xtaci/sockcm/reactor"
)

// DefaultBacklog is the accept backlog used when a caller doesn't override
// it, matching the teacher's own hardcoded listen backlog in
// server/listen.go.
const DefaultBacklog = 128

// ConnRequestCB is invoked once per server CEP, after the client's first
// frame has fully arrived. The CEP is removed from the listener's pending
// list just before this is called; the callback must eventually call either
// (*Endpoint).Accept or (*Endpoint).Reject.
type ConnRequestCB func(args ConnRequestArgs)

// Listener is the server-side passive socket: it accepts connections,
// drives each through the server half of the handshake up to the
// conn-request callback, and tracks CEPs that have been accepted but not
// yet resolved so Close can tear them all down -- the Go analogue of
// uct_tcp_sockcm's listener + pending-connection-request list.
type Listener struct {
	fd     int
	connCB ConnRequestCB

	mu      sync.Mutex
	binding Binding
	pending map[*Endpoint]struct{}
	closed  bool
}

// Listen opens a passive socket on laddr and begins accepting connections.
// Matches uct_tcp_sockcm_listener_t + uct_tcp_sockcm_listen.
func Listen(binding Binding, laddr *net.TCPAddr, backlog int, connCB ConnRequestCB) (*Listener, error) {
	if connCB == nil {
		return nil, sockcm.NewError(sockcm.StatusInvalidParam, errors.New("ConnRequestCB is required"))
	}
	if backlog <= 0 {
		backlog = DefaultBacklog
	}

	fd, err := netio.Listen(laddr, backlog)
	if err != nil {
		return nil, sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "listen"))
	}

	l := &Listener{
		fd:      fd,
		binding: binding,
		connCB:  connCB,
		pending: make(map[*Endpoint]struct{}),
	}

	if err := binding.Reactor().Add(fd, reactor.EventRead, l.onAcceptEvent); err != nil {
		netio.Close(fd)
		return nil, sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "register listener with reactor"))
	}

	return l, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() (net.Addr, error) {
	sa, err := syscall.Getsockname(l.fd)
	if err != nil {
		return nil, err
	}
	switch v := sa.(type) {
	case *syscall.SockaddrInet4:
		return &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}, nil
	case *syscall.SockaddrInet6:
		return &net.TCPAddr{IP: append(net.IP(nil), v.Addr[:]...), Port: v.Port}, nil
	}
	return nil, syscall.EAFNOSUPPORT
}

func (l *Listener) currentBinding() Binding {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.binding
}

// Rebind moves the listener's accept registration from its current
// binding's reactor to dst, so future accepted connections run under dst's
// config and event loop instead. Endpoints already handed off to a
// conn-request callback are unaffected -- they were registered directly
// with their own binding's reactor, not the listener's. Grounded on
// SPEC_FULL.md's manager-migration requirement: re-register the existing
// fd with the new reactor rather than recreating the listening socket.
func (l *Listener) Rebind(dst Binding) error {
	l.mu.Lock()
	old := l.binding
	l.mu.Unlock()

	old.Reactor().Remove(l.fd, true)

	if err := dst.Reactor().Add(l.fd, reactor.EventRead, l.onAcceptEvent); err != nil {
		// best effort: restore the old registration so the listener isn't
		// left orphaned.
		old.Reactor().Add(l.fd, reactor.EventRead, l.onAcceptEvent)
		return sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "rebind listener"))
	}

	l.mu.Lock()
	l.binding = dst
	l.mu.Unlock()
	return nil
}

// Close stops accepting new connections and destroys every CEP still
// pending a conn-request decision -- matching uct_tcp_sockcm_listener's
// cleanup of its pending-connection-request list.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	pending := make([]*Endpoint, 0, len(l.pending))
	for ep := range l.pending {
		pending = append(pending, ep)
	}
	l.pending = nil
	binding := l.binding
	l.mu.Unlock()

	for _, ep := range pending {
		ep.Destroy()
	}

	binding.Reactor().Remove(l.fd, true)
	return netio.Close(l.fd)
}

// onAcceptEvent drains every pending connection on the listening socket,
// spinning up one server CEP per accepted fd.
func (l *Listener) onAcceptEvent(events reactor.EventType) {
	binding := l.currentBinding()
	for {
		connFd, class, err := netio.AcceptNB(l.fd)
		if class == netio.ClassWouldBlock {
			return
		}
		if class != netio.ClassNone {
			trace("listener accept error: %v", err)
			return
		}

		if err := applySockOpts(connFd, binding.SockOpts()); err != nil {
			netio.Close(connFd)
			continue
		}

		ep := newEndpoint(connFd, RoleServer, binding)
		ep.state |= FlagServerCreated
		ep.connRequestCB = func(ep *Endpoint, args ConnRequestArgs) { l.connCB(args) }

		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			netio.Close(connFd)
			continue
		}
		l.pending[ep] = struct{}{}
		l.mu.Unlock()

		ep.removeFromPending = func() {
			l.mu.Lock()
			delete(l.pending, ep)
			l.mu.Unlock()
		}

		if err := binding.Reactor().Add(connFd, reactor.EventRead|reactor.EventErr, ep.onServerRecvEvent); err != nil {
			ep.Destroy()
			continue
		}

		trace("server ep %p accepted fd=%d from %s", ep, connFd, ep.peerAddrString())
	}
}

// onServerRecvEvent progresses the server's read of the client's first
// frame, then dispatches the listener's conn-request callback.
func (ep *Endpoint) onServerRecvEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}
	if events&reactor.EventErr != 0 {
		ep.failServer(sockcm.StatusIOError, netio.GetSocketError(ep.fd))
		return
	}

	failed := false
	hdr, done := ep.recvProgress(func(status sockcm.Status, err error) {
		failed = true
		ep.failServer(status, err)
	})
	if failed || ep.IsDestroyed() {
		return
	}
	if !done {
		return
	}

	if ep.removeFromPending != nil {
		ep.removeFromPending()
		ep.removeFromPending = nil
	}

	ep.binding.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return
	}

	remote := RemoteData{PrivData: append([]byte(nil), frame.Payload(ep.comm.buf, hdr)...)}
	peerAddr, err := netio.GetPeerName(ep.fd)
	if err == nil {
		if tcpAddr, ok := peerAddr.(*net.TCPAddr); ok {
			remote.DevAddr = netio.DeviceAddr{Addr: tcpAddr.IP, Family: uint16(len(tcpAddr.IP))}
		}
	}

	ep.state |= FlagServerConnReqCBInvoked
	args := ConnRequestArgs{
		RemoteAddr:  peerAddr,
		RemoteData:  remote,
		ConnRequest: ep,
	}

	cb := ep.connRequestCB
	if cb != nil {
		cb(ep, args)
	}
}

// failServer tears a not-yet-dispatched server CEP down on a pre-handshake
// I/O error, unlinking it from the listener's pending list first.
func (ep *Endpoint) failServer(status sockcm.Status, cause error) {
	ep.state |= FlagFailed
	trace("server ep %p failed before conn-request: %s (%v)", ep, status, cause)
	ep.Destroy()
}

// Accept finishes a server CEP's handshake: it packs privData into the
// reply frame with StatusOK and sends it. Once the client's notify frame
// arrives, cb.ServerNotifyCB fires with StatusOK.
//
// dst optionally migrates the CEP to a different binding (manager) before
// the reply is packed, per spec.md §4.8: the fd is removed from the
// listener's manager and attached to dst's reactor, and the endpoint's
// send/recv cursor is reset (no per-endpoint statistics are kept). A nil dst
// keeps the CEP on the binding it was accepted under.
func (ep *Endpoint) Accept(dst Binding, privData []byte, cb Callbacks) error {
	if dst != nil && dst != ep.binding {
		if err := ep.migrateTo(dst); err != nil {
			return err
		}
	}
	return ep.sendServerReply(sockcm.StatusOK, privData, cb)
}

// Reject finishes a server CEP's handshake by sending a rejection frame
// instead of accepting the connection. cb.ServerNotifyCB fires with
// StatusRejected once the frame has gone out. If the frame cannot be sent,
// the endpoint is destroyed and ServerNotifyCB is not invoked.
func (ep *Endpoint) Reject(cb Callbacks) error {
	ep.state |= FlagServerRejectCalled
	return ep.sendServerReply(sockcm.StatusRejected, nil, cb)
}

// migrateTo moves ep from its current binding's reactor to dst's,
// resetting the send/recv cursor. Matches spec.md §4.8 step 1: the fd
// itself is never recreated, only re-registered under a different event
// loop. sendServerReply performs the actual (re-)Add once the reply frame
// is ready, so this only needs to Remove and swap the binding reference.
func (ep *Endpoint) migrateTo(dst Binding) error {
	old := ep.binding
	old.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return sockcm.NewError(sockcm.StatusNotConnected, nil)
	}
	ep.binding = dst
	ep.comm.reset()
	return nil
}

func (ep *Endpoint) sendServerReply(status sockcm.Status, privData []byte, cb Callbacks) error {
	if ep.IsDestroyed() {
		return sockcm.NewError(sockcm.StatusNotConnected, nil)
	}
	ep.callbacks = cb

	total, err := frame.PackOutgoing(ep.comm.buf, privData, uint8(status), ep.binding.PrivDataLen())
	if err != nil {
		return err
	}
	ep.comm.offset = 0
	ep.comm.length = total

	// read|write|err: per spec.md §4.8 step 4, the reply is re-armed for
	// both directions at once, since a migrated CEP's new reactor has no
	// prior registration to build on.
	if err := ep.binding.Reactor().Add(ep.fd, reactor.EventRead|reactor.EventWrite|reactor.EventErr, ep.onServerSendEvent); err != nil {
		return sockcm.NewError(sockcm.StatusIOError, err)
	}
	return nil
}

// onServerSendEvent progresses the server's outgoing reply frame. On
// Reject, the CEP is torn down immediately once the frame is fully sent
// (the peer observes FIN). On Accept, the reactor re-arms for read and
// waits for the client's notify frame -- see onServerNotifyRecvEvent --
// rather than invoking ServerNotifyCB here (spec.md §4.4).
func (ep *Endpoint) onServerSendEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}
	if events&reactor.EventErr != 0 {
		ep.state |= FlagFailed
		ep.Destroy()
		return
	}

	failed := false
	done := ep.sendProgress(func(status sockcm.Status, err error) {
		failed = true
	})
	if failed {
		ep.Destroy()
		return
	}
	if !done {
		return
	}

	ep.binding.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return
	}

	if ep.state.Has(FlagServerRejectCalled) {
		ep.state |= FlagServerRejectSent
		cb := ep.callbacks.ServerNotifyCB
		ep.Destroy()
		if cb != nil {
			cb(ep, sockcm.StatusRejected)
		}
		return
	}

	ep.comm.reset()
	if err := ep.binding.Reactor().Add(ep.fd, reactor.EventRead|reactor.EventErr, ep.onServerNotifyRecvEvent); err != nil {
		ep.state |= FlagFailed
		ep.Destroy()
		return
	}
}

// onServerNotifyRecvEvent waits for the client's notify frame -- the
// handshake's third and final frame -- then surfaces ServerNotifyCB.
func (ep *Endpoint) onServerNotifyRecvEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}
	if events&reactor.EventErr != 0 {
		ep.failServerNotify(sockcm.StatusIOError, netio.GetSocketError(ep.fd))
		return
	}

	failed := false
	hdr, done := ep.recvProgress(func(status sockcm.Status, err error) {
		failed = true
		ep.failServerNotify(status, err)
	})
	if failed || ep.IsDestroyed() {
		return
	}
	if !done {
		return
	}

	ep.binding.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return
	}

	status := sockcm.Status(hdr.Status)
	ep.state |= FlagServerNotifyCBInvoked
	if cb := ep.callbacks.ServerNotifyCB; cb != nil {
		cb(ep, status)
	}
	if !ep.IsDestroyed() {
		ep.armDisconnectWatch()
	}
}

// failServerNotify surfaces an I/O failure while awaiting the client's
// notify frame. The handshake never reached ServerNotifyCbInvoked, so
// Destroy's isConnected() check stays false and no DisconnectCB fires --
// instead, per spec.md §4.9, the server's notify_cb is driven with the
// error.
func (ep *Endpoint) failServerNotify(status sockcm.Status, cause error) {
	ep.state |= FlagFailed
	trace("server ep %p failed awaiting notify: %s (%v)", ep, status, cause)

	cb := ep.callbacks.ServerNotifyCB
	ep.Destroy()
	if cb != nil {
		cb(ep, status)
	}
}
