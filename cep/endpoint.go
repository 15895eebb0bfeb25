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

// Package cep implements the connection endpoint state machine (CEP): the
// per-connection, asymmetric client/server automaton described in spec.md.
// A CEP owns exactly one fd, one send/recv buffer, and exchanges one
// private-data frame per direction during handshake before handing the
// connection to a higher layer.
package cep

import (
	"log"
	"net"
	"syscall"

	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/frame"
	"github.com/xtaci/sockcm/netio"
	"github.com/xtaci/sockcm/reactor"
)

// Debug gates verbose trace logging, the Go analogue of ucs_trace/ucs_debug
// calls scattered through the original C source. kcptun itself never pulls
// in a structured logging library, so neither does this package -- see
// DESIGN.md.
var Debug = false

func trace(format string, args ...interface{}) {
	if Debug {
		log.Printf("cep: "+format, args...)
	}
}

// Role is fixed at construction and never changes.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// SockOpts are the manager-configured socket options applied to every CEP's
// fd: SO_SNDBUF/SO_RCVBUF and TCP_SYNCNT.
type SockOpts struct {
	SndBuf int
	RcvBuf int
	SynCnt int
}

// Binding is the CEP's weak reference to its owning manager -- never a
// strong/cyclic pointer back to a concrete Manager type, per spec.md's
// "break with ... a weak-back-reference pattern" guidance. Implemented by
// manager.Manager.
type Binding interface {
	PrivDataLen() int
	SockOpts() SockOpts
	Reactor() reactor.Reactor
}

// RemoteData is handed to ClientConnectCB and assembled for the server's
// conn-request callback: the peer's device address plus whatever private
// data it sent.
type RemoteData struct {
	DevAddr  netio.DeviceAddr
	PrivData []byte
}

// ConnRequestArgs is handed to a listener's ConnRequestCB when a server CEP
// finishes receiving the client's first frame.
type ConnRequestArgs struct {
	DevName     string
	RemoteAddr  net.Addr
	RemoteData  RemoteData
	ConnRequest *Endpoint
}

// PackArgs is handed to PrivPackCB.
type PackArgs struct {
	DevName string
}

// ResolveArgs is handed to ResolveCB.
type ResolveArgs struct {
	DevName string
	Status  sockcm.Status
}

// Callbacks are the user-installed handlers driving a CEP's lifecycle.
// Client endpoints install ResolveCB and/or PrivPackCB plus
// ClientConnectCB; server endpoints install ServerNotifyCB through
// (*Endpoint).Accept or (*Endpoint).Reject. DisconnectCB is common to both.
type Callbacks struct {
	ResolveCB       func(ep *Endpoint, args ResolveArgs) error
	PrivPackCB      func(ep *Endpoint, userData interface{}, args PackArgs, out []byte) (int, error)
	ClientConnectCB func(ep *Endpoint, remote RemoteData, status sockcm.Status)
	ServerNotifyCB  func(ep *Endpoint, status sockcm.Status)
	DisconnectCB    func(ep *Endpoint)
}

// commCtx is the single send/recv buffer and its cursor -- never used for
// both directions simultaneously, since the state flags serialize which
// direction is in progress at any time (spec.md invariant 4).
type commCtx struct {
	buf    []byte
	offset int
	length int
}

func (c *commCtx) reset() {
	c.offset = 0
	c.length = 0
}

// Endpoint is one side of a single TCP handshake conversation: the CEP.
type Endpoint struct {
	fd      int
	role    Role
	state   Flags
	comm    commCtx
	binding Binding

	userData  interface{}
	callbacks Callbacks

	// destroyed guards against any further method call reaching into a
	// torn-down endpoint after a user callback has destroyed it mid-handler
	// -- the re-entrancy hazard spec.md §5 calls out explicitly.
	destroyed bool

	// removeFromPending, when non-nil, unlinks this endpoint from its
	// listener's pending list. Cleared once called (on conn-request
	// dispatch, explicit destroy pre-surfacing, or a pre-surfacing error).
	removeFromPending func()

	// connRequestCB is the listener's dispatch closure, invoked exactly
	// once when the client's first frame has fully arrived.
	connRequestCB func(*Endpoint, ConnRequestArgs)
}

// FD returns the endpoint's underlying socket descriptor. Exposed for the
// manager/listener packages, which own reactor registration.
func (ep *Endpoint) FD() int { return ep.fd }

// Role returns whether this endpoint is the client or server side.
func (ep *Endpoint) Role() Role { return ep.role }

// State returns the current flag set -- primarily for tests and
// diagnostics; user code should rely on callbacks, not on polling State.
func (ep *Endpoint) State() Flags { return ep.state }

// UserData returns the opaque value installed at construction.
func (ep *Endpoint) UserData() interface{} { return ep.userData }

func newEndpoint(fd int, role Role, binding Binding) *Endpoint {
	privLen := binding.PrivDataLen()
	ep := &Endpoint{
		fd:      fd,
		role:    role,
		binding: binding,
		comm: commCtx{
			buf: make([]byte, frame.HeaderSize+privLen),
		},
	}
	if role == RoleClient {
		ep.state |= FlagOnClient
	} else {
		ep.state |= FlagOnServer
	}
	return ep
}

// peerAddrString returns a diagnostic-friendly peer address, matching
// uct_tcp_sockcm_cm_ep_peer_addr_str's best-effort behavior -- it never
// fails the caller, only degrades to an error placeholder.
func (ep *Endpoint) peerAddrString() string {
	addr, err := netio.GetPeerName(ep.fd)
	if err != nil {
		return "<" + err.Error() + ">"
	}
	return addr.String()
}

// closeFD removes fd from the reactor and closes it, matching
// uct_tcp_sockcm_ep_close_fd. sync=true blocks until any in-flight handler
// invocation for this fd has returned, so the fd is never reused by the OS
// while a stale callback might still be executing.
func (ep *Endpoint) closeFD() {
	ep.binding.Reactor().Remove(ep.fd, true)
	netio.Close(ep.fd)
}

// Destroy tears the endpoint down: removes it from the reactor, closes its
// fd, and unlinks it from any pending list it is still on. Matches
// uct_tcp_sockcm_close_ep / UCS_CLASS_CLEANUP_FUNC(uct_tcp_sockcm_ep_t).
//
// It is always safe to call Destroy more than once or after the endpoint
// has already failed; repeated calls are no-ops beyond the first.
func (ep *Endpoint) Destroy() {
	if ep.destroyed {
		return
	}
	ep.destroyed = true

	trace("%s destroy ep %p (fd=%d state=%s)", ep.role, ep, ep.fd, ep.state)

	if ep.removeFromPending != nil {
		ep.removeFromPending()
		ep.removeFromPending = nil
	}

	ep.closeFD()

	// DisconnectCB only fires for a CEP that had actually reached the
	// connected state; a handshake that failed or was rejected is reported
	// through ClientConnectCB/ServerNotifyCB instead.
	if ep.callbacks.DisconnectCB != nil && ep.state.isConnected() && !ep.state.Has(FlagDisconnected) {
		ep.state |= FlagDisconnected
		ep.callbacks.DisconnectCB(ep)
	}
}

// IsDestroyed reports whether Destroy has already run. Dispatch code
// re-checks this after every user-callback invocation, since the callback
// may have called Destroy re-entrantly.
func (ep *Endpoint) IsDestroyed() bool { return ep.destroyed }

// Disconnect half-closes the connection's write side, matching spec.md
// §4.10's disconnect(ep). It does not itself tear the endpoint down or
// invoke DisconnectCB -- that still happens via Destroy, once the peer's
// own FIN (or an eventual reset) surfaces through the reactor.
func (ep *Endpoint) Disconnect() error {
	if ep.IsDestroyed() {
		return sockcm.NewError(sockcm.StatusNotConnected, nil)
	}
	if ep.state.Has(FlagFailed) && !ep.state.Has(FlagDisconnected) {
		return sockcm.NewError(sockcm.StatusNotConnected, nil)
	}
	if ep.state.Has(FlagDisconnecting) {
		if ep.state.Has(FlagDisconnected) {
			return sockcm.NewError(sockcm.StatusNotConnected, nil)
		}
		return sockcm.NewError(sockcm.StatusInProgress, nil)
	}
	if !ep.state.isConnected() {
		return sockcm.NewError(sockcm.StatusBusy, nil)
	}

	ep.state |= FlagDisconnecting
	if err := netio.ShutdownWR(ep.fd); err != nil && err != syscall.ENOTCONN {
		return sockcm.NewError(sockcm.StatusIOError, err)
	}
	return nil
}
