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

// Package frame implements the sockcm wire framing: a 3-byte header
// (length, status) in host byte order followed by exactly length bytes of
// application-defined private data. Same-architecture peers only -- see
// DESIGN.md for the byte-order rationale.
package frame

import (
	"encoding/binary"

	"github.com/xtaci/sockcm"
)

// HeaderSize is the on-wire size of the {length, status} header.
const HeaderSize = 3

// nativeEndian is the host's byte order. Frames are not cross-endian safe by
// design -- see spec's host-byte-order Open Question.
var nativeEndian = binary.NativeEndian

// Header is the decoded 3-byte frame header.
type Header struct {
	Length uint16
	Status uint8
}

// TotalLen returns the full on-wire length of a frame carrying this header,
// header included.
func (h Header) TotalLen() int {
	return HeaderSize + int(h.Length)
}

// PackOutgoing writes a complete frame -- header then payload -- into buf,
// which must be at least HeaderSize+len(payload) bytes. It fails with
// StatusBufferTooSmall if payload exceeds capLen, the manager-configured
// private-data cap, mirroring uct_tcp_sockcm_ep_pack_priv_data's bounds
// check in the original implementation.
func PackOutgoing(buf []byte, payload []byte, status uint8, capLen int) (int, error) {
	if len(payload) > capLen {
		return 0, sockcm.NewError(sockcm.StatusBufferTooSmall, nil)
	}
	if len(buf) < HeaderSize+len(payload) {
		return 0, sockcm.NewError(sockcm.StatusBufferTooSmall, nil)
	}

	nativeEndian.PutUint16(buf[0:2], uint16(len(payload)))
	buf[2] = status
	n := copy(buf[HeaderSize:], payload)

	return HeaderSize + n, nil
}

// DecodeHeader reads the header out of the first HeaderSize bytes of buf.
// Callers must ensure at least HeaderSize bytes have been received.
func DecodeHeader(buf []byte) Header {
	return Header{
		Length: nativeEndian.Uint16(buf[0:2]),
		Status: buf[2],
	}
}

// Payload returns the payload slice of a complete frame stored in buf,
// given its decoded header.
func Payload(buf []byte, hdr Header) []byte {
	return buf[HeaderSize:hdr.TotalLen()]
}
