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

	"github.com/pkg/errors"
	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/frame"
	"github.com/xtaci/sockcm/netio"
	"github.com/xtaci/sockcm/reactor"
)

// NewClient creates a client-side CEP and begins a non-blocking connect to
// remoteAddr, the Go equivalent of uct_tcp_sockcm_client_ep_t +
// uct_tcp_sockcm_cm_client_init. cb.ClientConnectCB must be set; ResolveCB
// and PrivPackCB are optional and, when set, run before the first frame is
// packed and sent.
func NewClient(binding Binding, remoteAddr *net.TCPAddr, userData interface{}, cb Callbacks) (*Endpoint, error) {
	if cb.ClientConnectCB == nil {
		return nil, sockcm.NewError(sockcm.StatusInvalidParam, errors.New("ClientConnectCB is required"))
	}

	sa, family, err := netio.SockaddrFromTCPAddr(remoteAddr)
	if err != nil {
		return nil, sockcm.NewError(sockcm.StatusInvalidParam, err)
	}

	fd, err := netio.Create(family)
	if err != nil {
		return nil, sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "create socket"))
	}

	if err := applySockOpts(fd, binding.SockOpts()); err != nil {
		netio.Close(fd)
		return nil, sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "apply sockopts"))
	}

	ep := newEndpoint(fd, RoleClient, binding)
	ep.userData = userData
	ep.callbacks = cb

	class, err := netio.ConnectNB(fd, sa)
	switch class {
	case netio.ClassNone:
		// connected immediately (loopback) -- the writable event registered
		// below still drives resolve/pack, as on the in-progress path.
	case netio.ClassWouldBlock:
		// normal path: connect is in progress, wait for writable.
	default:
		netio.Close(fd)
		return nil, sockcm.NewError(classifyToStatus(class), errors.Wrap(err, "connect"))
	}

	if err := binding.Reactor().Add(fd, reactor.EventWrite|reactor.EventErr, ep.onClientConnectEvent); err != nil {
		netio.Close(fd)
		return nil, sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "register with reactor"))
	}

	trace("client ep %p connecting to %s", ep, remoteAddr)
	return ep, nil
}

func applySockOpts(fd int, opts SockOpts) error {
	if err := netio.SetBufferSize(fd, opts.SndBuf, opts.RcvBuf); err != nil {
		return err
	}
	if opts.SynCnt > 0 {
		if err := netio.SetSynCnt(fd, opts.SynCnt); err != nil {
			return err
		}
	}
	return nil
}

// onClientConnectEvent fires once the connect attempt resolves (writable,
// or an error condition). Matches uct_tcp_sockcm_client_ep_connect_cb.
func (ep *Endpoint) onClientConnectEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}

	if events&reactor.EventErr != 0 {
		err := netio.GetSocketError(ep.fd)
		ep.failConnect(classifyToStatus(netio.Classify(err)), err)
		return
	}
	if err := netio.GetSocketError(ep.fd); err != nil {
		ep.failConnect(classifyToStatus(netio.Classify(err)), err)
		return
	}

	// connect() completed -- stop watching for writability until we actually
	// have a frame to send.
	ep.binding.Reactor().Modify(ep.fd, 0)

	ep.beginResolveAndPack()
}

// failConnect surfaces a terminal connect failure to the user via
// ClientConnectCB and tears the endpoint down. The caller (reactor
// dispatch) must not touch ep afterward.
func (ep *Endpoint) failConnect(status sockcm.Status, cause error) {
	ep.state |= FlagFailed
	trace("client ep %p connect failed: %s (%v)", ep, status, cause)

	cb := ep.callbacks.ClientConnectCB
	ep.Destroy()
	if cb != nil {
		cb(ep, RemoteData{}, status)
	}
}

// beginResolveAndPack runs the optional user resolve callback and, if one
// is installed, stops there: resolve_cb and priv_pack_cb are never both
// driven from the same pass (spec.md §4.3). A resolved endpoint waits for
// the user to install the real pack callback and call Connect; an endpoint
// with no resolve_cb packs and sends its first frame immediately.
func (ep *Endpoint) beginResolveAndPack() {
	if ep.callbacks.ResolveCB != nil {
		if err := ep.callbacks.ResolveCB(ep, ResolveArgs{Status: sockcm.StatusOK}); err != nil {
			ep.state |= FlagResolveCBFailed
			ep.failConnect(sockcm.StatusInvalidParam, err)
			return
		}
		ep.state |= FlagResolveCBInvoked
		return
	}
	if ep.IsDestroyed() {
		return
	}

	ep.packAndSend()
}

// Connect is the deferred counterpart of beginResolveAndPack: it is called
// by the user some time after ResolveCB has fired, once the real
// PrivPackCB (and/or a replacement ClientConnectCB/DisconnectCB) is ready
// to install. Matches spec.md §6's connect(ep, params_with_priv_data_pack).
func (ep *Endpoint) Connect(cb Callbacks) error {
	if ep.IsDestroyed() {
		return sockcm.NewError(sockcm.StatusNotConnected, nil)
	}
	if !ep.state.Has(FlagResolveCBInvoked) || ep.state.Has(FlagPrivDataPacked) {
		return sockcm.NewError(sockcm.StatusBusy, nil)
	}

	if cb.PrivPackCB != nil {
		ep.callbacks.PrivPackCB = cb.PrivPackCB
	}
	if cb.ClientConnectCB != nil {
		ep.callbacks.ClientConnectCB = cb.ClientConnectCB
	}
	if cb.DisconnectCB != nil {
		ep.callbacks.DisconnectCB = cb.DisconnectCB
	}

	ep.packAndSend()
	return nil
}

// packAndSend invokes PrivPackCB (if installed) to fill the first frame's
// payload, then packs and transmits it. Shared by the no-resolve-cb fast
// path and by Connect's deferred path.
func (ep *Endpoint) packAndSend() {
	privLen := ep.binding.PrivDataLen()
	var n int
	if ep.callbacks.PrivPackCB != nil && privLen > 0 {
		var err error
		n, err = ep.callbacks.PrivPackCB(ep, ep.userData, PackArgs{}, ep.comm.buf[frame.HeaderSize:frame.HeaderSize+privLen])
		if err != nil {
			ep.state |= FlagPackCBFailed
			ep.failConnect(sockcm.StatusInvalidParam, err)
			return
		}
	}
	ep.state |= FlagPrivDataPacked
	if ep.IsDestroyed() {
		return
	}

	total, err := frame.PackOutgoing(ep.comm.buf, ep.comm.buf[frame.HeaderSize:frame.HeaderSize+n], uint8(sockcm.StatusOK), privLen)
	if err != nil {
		ep.failConnect(sockcm.StatusBufferTooSmall, err)
		return
	}
	ep.comm.offset = 0
	ep.comm.length = total

	// swap handler to the send/recv progression for the remainder of the
	// handshake: a Handler can't be replaced in place, so remove (waiting
	// out any in-flight invocation) and re-add.
	ep.binding.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return
	}
	if err := ep.binding.Reactor().Add(ep.fd, reactor.EventWrite|reactor.EventErr, ep.onClientSendEvent); err != nil {
		ep.failConnect(sockcm.StatusIOError, err)
		return
	}
}

func classifyToStatus(class netio.ErrClass) sockcm.Status {
	switch class {
	case netio.ClassPeerReset:
		return sockcm.StatusConnectionReset
	case netio.ClassNotConnected:
		return sockcm.StatusNotConnected
	default:
		return sockcm.StatusUnreachable
	}
}
