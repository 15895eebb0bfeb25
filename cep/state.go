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

// Flags is the OR-combinable set of sub-states a CEP can be in. Several
// combinations legitimately co-occur (e.g. OnClient|PrivDataPacked|
// DataSent|ClientNotifyCalled), which is why this is a bitset rather than
// an enum -- see DESIGN.md's Open Question resolution.
type Flags uint32

const (
	FlagOnClient Flags = 1 << iota
	FlagOnServer

	FlagPrivDataPacked

	FlagResolveCBInvoked
	FlagResolveCBFailed
	FlagPackCBFailed

	FlagHdrReceived
	FlagDataSent
	FlagDataReceived

	FlagClientConnectedCBInvoked
	FlagClientNotifyCalled
	FlagClientNotifySent
	FlagClientGotReject

	FlagServerCreated
	FlagServerConnReqCBInvoked
	FlagServerNotifyCBInvoked
	FlagServerRejectCalled
	FlagServerRejectSent

	FlagDisconnecting
	FlagDisconnected

	FlagFailed
)

// Has reports whether every bit in bits is set.
func (f Flags) Has(bits Flags) bool { return f&bits == bits }

// Any reports whether at least one bit in bits is set.
func (f Flags) Any(bits Flags) bool { return f&bits != 0 }

func (f Flags) String() string {
	names := []struct {
		bit  Flags
		name string
	}{
		{FlagOnClient, "OnClient"},
		{FlagOnServer, "OnServer"},
		{FlagPrivDataPacked, "PrivDataPacked"},
		{FlagResolveCBInvoked, "ResolveCBInvoked"},
		{FlagResolveCBFailed, "ResolveCBFailed"},
		{FlagPackCBFailed, "PackCBFailed"},
		{FlagHdrReceived, "HdrReceived"},
		{FlagDataSent, "DataSent"},
		{FlagDataReceived, "DataReceived"},
		{FlagClientConnectedCBInvoked, "ClientConnectedCBInvoked"},
		{FlagClientNotifyCalled, "ClientNotifyCalled"},
		{FlagClientNotifySent, "ClientNotifySent"},
		{FlagClientGotReject, "ClientGotReject"},
		{FlagServerCreated, "ServerCreated"},
		{FlagServerConnReqCBInvoked, "ServerConnReqCBInvoked"},
		{FlagServerNotifyCBInvoked, "ServerNotifyCBInvoked"},
		{FlagServerRejectCalled, "ServerRejectCalled"},
		{FlagServerRejectSent, "ServerRejectSent"},
		{FlagDisconnecting, "Disconnecting"},
		{FlagDisconnected, "Disconnected"},
		{FlagFailed, "Failed"},
	}

	s := ""
	for _, n := range names {
		if f.Has(n.bit) {
			if s != "" {
				s += "|"
			}
			s += n.name
		}
	}
	if s == "" {
		return "none"
	}
	return s
}

// isConnected reports whether either side's "handshake is established"
// callback has already fired -- uct_tcp_sockcm_ep_is_connected's Go
// equivalent.
func (f Flags) isConnected() bool {
	return f.Any(FlagClientConnectedCBInvoked | FlagServerNotifyCBInvoked)
}
