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

// Package netio provides the non-blocking socket primitives the CEP state
// machine is built on: raw fd creation, non-blocking connect/send/recv, and
// classification of transport errors into the small set the CEP cares
// about (WouldBlock, PeerReset, NotConnected, Other).
package netio

import (
	"errors"
	"net"
	"syscall"
)

// ErrClass is the small taxonomy of transport errors the CEP distinguishes
// between, matching spec.md's PeerIO component.
type ErrClass int

const (
	// ClassNone means the call made progress without error.
	ClassNone ErrClass = iota
	// ClassWouldBlock means the non-blocking call could not complete
	// immediately; the caller should re-arm for the same readiness.
	ClassWouldBlock
	// ClassPeerReset means the peer tore the connection down (RST/EPIPE).
	ClassPeerReset
	// ClassNotConnected means the socket is not, or no longer, connected
	// (ENOTCONN/ECONNREFUSED/EHOSTUNREACH) -- typically a pre-handshake
	// network-level rejection.
	ClassNotConnected
	// ClassOther is any other I/O error: cep reports it as a local IO error
	// once connected, and as an unreachable peer when connect(2) fails.
	ClassOther
)

// Classify maps a raw error returned from a socket syscall into an ErrClass.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassNone
	}

	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return ClassOther
	}

	switch errno {
	case syscall.EAGAIN, syscall.EWOULDBLOCK, syscall.EINPROGRESS, syscall.EINTR:
		return ClassWouldBlock
	case syscall.ECONNRESET, syscall.EPIPE:
		return ClassPeerReset
	case syscall.ENOTCONN, syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return ClassNotConnected
	default:
		return ClassOther
	}
}

// DeviceAddr identifies the remote peer's device address, the Go analogue
// of uct_tcp_device_addr_t -- just enough of the peer's sockaddr to hand to
// a higher layer as an opaque device identity.
type DeviceAddr struct {
	Family uint16
	Addr   net.IP
}
