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

	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/frame"
	"github.com/xtaci/sockcm/netio"
	"github.com/xtaci/sockcm/reactor"
)

// sendProgress drains ep.comm.buf[offset:length] into the socket. It returns
// true once the whole buffer has been written. On a terminal error it calls
// onFail and returns false; the caller must not touch ep afterward in that
// case.
func (ep *Endpoint) sendProgress(onFail func(status sockcm.Status, err error)) bool {
	for ep.comm.offset < ep.comm.length {
		n, class, err := netio.SendNB(ep.fd, ep.comm.buf[ep.comm.offset:ep.comm.length])
		if class == netio.ClassWouldBlock {
			return false
		}
		if class != netio.ClassNone {
			onFail(ep.handleRemoteDisconnect(class), err)
			return false
		}
		ep.comm.offset += n
	}
	ep.state |= FlagDataSent
	return true
}

// recvProgress reads into ep.comm.buf, first completing the fixed-size
// header and then the variable-length payload it describes. It returns the
// decoded header and true once a full frame has arrived.
func (ep *Endpoint) recvProgress(onFail func(status sockcm.Status, err error)) (frame.Header, bool) {
	if ep.comm.length == 0 {
		ep.comm.length = frame.HeaderSize
	}

	for ep.comm.offset < ep.comm.length {
		n, class, err := netio.RecvNB(ep.fd, ep.comm.buf[ep.comm.offset:ep.comm.length])
		if class == netio.ClassWouldBlock {
			return frame.Header{}, false
		}
		if class != netio.ClassNone {
			onFail(ep.handleRemoteDisconnect(class), err)
			return frame.Header{}, false
		}
		ep.comm.offset += n

		if ep.comm.offset == frame.HeaderSize && !ep.state.Has(FlagHdrReceived) {
			hdr := frame.DecodeHeader(ep.comm.buf)
			ep.state |= FlagHdrReceived
			ep.comm.length = hdr.TotalLen()
			if len(ep.comm.buf) < ep.comm.length {
				onFail(sockcm.StatusBufferTooSmall, nil)
				return frame.Header{}, false
			}
		}
	}

	ep.state |= FlagDataReceived
	// clear the header flag so the next inbound frame on this CEP (the
	// server's read of the client's notify frame) decodes its own header.
	ep.state &^= FlagHdrReceived
	return frame.DecodeHeader(ep.comm.buf), true
}

// handleRemoteDisconnect classifies a terminal I/O error into a Status,
// grounded on uct_tcp_sockcm_ep_handle_remote_disconnect: the same raw
// errno can mean different things depending on how far the handshake had
// progressed, so the endpoint's own state -- not just the errno -- decides
// the final Status.
func (ep *Endpoint) handleRemoteDisconnect(class netio.ErrClass) sockcm.Status {
	ep.state |= FlagFailed

	if ep.state.Has(FlagOnClient) && ep.state.Has(FlagDataSent) &&
		!ep.state.Has(FlagHdrReceived) && !ep.state.Has(FlagDataReceived) {
		// client sent its first frame but the server never began replying:
		// treat this as an unreachable/rejected peer at the network level,
		// not a mid-session reset. Client-only -- a server CEP's I/O
		// failures are handled separately by failServer/failServerNotify.
		ep.state |= FlagClientGotReject
		return sockcm.StatusNotConnected
	}

	switch class {
	case netio.ClassPeerReset:
		return sockcm.StatusConnectionReset
	case netio.ClassNotConnected:
		return sockcm.StatusUnreachable
	default:
		return sockcm.StatusIOError
	}
}

// onClientSendEvent progresses the client's outgoing frame, switching to
// receive mode once fully written.
func (ep *Endpoint) onClientSendEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}
	if events&reactor.EventErr != 0 {
		ep.failConnect(sockcm.StatusIOError, netio.GetSocketError(ep.fd))
		return
	}

	failed := false
	done := ep.sendProgress(func(status sockcm.Status, err error) {
		failed = true
		ep.failConnect(status, err)
	})
	if failed || ep.IsDestroyed() {
		return
	}
	if !done {
		return
	}

	ep.comm.reset()
	ep.binding.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return
	}
	if err := ep.binding.Reactor().Add(ep.fd, reactor.EventRead|reactor.EventErr, ep.onClientRecvEvent); err != nil {
		ep.failConnect(sockcm.StatusIOError, err)
		return
	}
}

// onClientRecvEvent progresses the client's read of the server's reply
// frame, then surfaces ClientConnectCB with the final status.
func (ep *Endpoint) onClientRecvEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}
	if events&reactor.EventErr != 0 {
		err := netio.GetSocketError(ep.fd)
		ep.failConnect(ep.handleRemoteDisconnect(netio.Classify(err)), err)
		return
	}

	failed := false
	hdr, done := ep.recvProgress(func(status sockcm.Status, err error) {
		failed = true
		ep.failConnect(status, err)
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
	remote := RemoteData{PrivData: append([]byte(nil), frame.Payload(ep.comm.buf, hdr)...)}
	if addr, err := netio.GetPeerName(ep.fd); err == nil {
		if tcpAddr, ok := addr.(*net.TCPAddr); ok {
			remote.DevAddr = netio.DeviceAddr{Addr: tcpAddr.IP}
		}
	}

	cb := ep.callbacks.ClientConnectCB

	if status == sockcm.StatusRejected {
		// §4.5: a user-level reject never reaches ClientConnectedCBInvoked,
		// so Destroy's isConnected() check stays false and no spurious
		// DisconnectCB fires.
		ep.state |= FlagClientGotReject
		ep.Destroy()
		cb(ep, remote, status)
		return
	}

	ep.comm.reset()
	ep.state |= FlagClientConnectedCBInvoked
	cb(ep, remote, status)
}

// ConnNotify sends the handshake's third and final frame: a zero-payload
// notify with status Ok, confirming to the server that the client has
// observed a successful ClientConnectCB. Matches spec.md §6's
// conn_notify(ep). Must be called after ClientConnectCB has fired with
// StatusOK.
func (ep *Endpoint) ConnNotify() error {
	if ep.IsDestroyed() {
		return sockcm.NewError(sockcm.StatusNotConnected, nil)
	}
	if !ep.state.Has(FlagClientConnectedCBInvoked) || ep.state.Has(FlagClientNotifyCalled) {
		return sockcm.NewError(sockcm.StatusBusy, nil)
	}
	ep.state |= FlagClientNotifyCalled

	total, err := frame.PackOutgoing(ep.comm.buf, nil, uint8(sockcm.StatusOK), ep.binding.PrivDataLen())
	if err != nil {
		return err
	}
	ep.comm.offset = 0
	ep.comm.length = total

	if err := ep.binding.Reactor().Add(ep.fd, reactor.EventWrite|reactor.EventErr, ep.onClientNotifySendEvent); err != nil {
		return sockcm.NewError(sockcm.StatusIOError, err)
	}
	return nil
}

// onClientNotifySendEvent progresses the client's outgoing notify frame.
// There is no completion callback for conn_notify (spec.md §6); once sent,
// the CEP either starts watching for the peer going away (if DisconnectCB
// is installed) or simply stops watching the fd at this layer.
func (ep *Endpoint) onClientNotifySendEvent(events reactor.EventType) {
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
		ep.Destroy()
	})
	if failed || ep.IsDestroyed() {
		return
	}
	if !done {
		return
	}

	ep.state |= FlagClientNotifySent
	ep.comm.reset()
	ep.binding.Reactor().Remove(ep.fd, true)
	if ep.IsDestroyed() {
		return
	}
	ep.armDisconnectWatch()
}

// armDisconnectWatch begins watching a fully-connected CEP's fd for the
// peer going away, so DisconnectCB can fire on its own (spec.md §8 scenario
// 4) instead of requiring the user to poll. Only armed when DisconnectCB is
// actually installed -- otherwise there is nothing useful to do with the
// notification, and the CEP is better off not holding a reactor
// registration open against a socket the user may be about to repurpose.
func (ep *Endpoint) armDisconnectWatch() {
	if ep.callbacks.DisconnectCB == nil {
		return
	}
	ep.binding.Reactor().Add(ep.fd, reactor.EventRead|reactor.EventErr, ep.onDisconnectWatchEvent)
}

// onDisconnectWatchEvent fires once the peer closes or resets a connection
// that had already completed its handshake. Any readiness here -- read
// (EOF/data we don't expect) or error -- means the peer is gone; Destroy
// handles invoking DisconnectCB exactly once, since isConnected() is true.
func (ep *Endpoint) onDisconnectWatchEvent(events reactor.EventType) {
	if ep.IsDestroyed() {
		return
	}
	ep.state |= FlagFailed
	ep.Destroy()
}
