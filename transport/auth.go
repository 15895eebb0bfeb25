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

package transport

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/pkg/errors"
)

// macSize is the trailing HMAC-SHA256 tag size appended to every
// authenticated private-data payload.
const macSize = sha256.Size

// ErrAuthFailed is returned by VerifyPrivData when the tag doesn't match,
// distinguishing a tampered/foreign handshake from a plain network reject.
var ErrAuthFailed = errors.New("transport: private data authentication failed")

// AuthenticatePrivData appends an HMAC-SHA256(key, payload) tag to
// payload, so the demonstrators can tell a legitimate peer's private data
// from a stray TCP client speaking a different protocol on the same port.
// This rides entirely inside spec.md's existing private-data payload --
// it does not change the frame header or its length semantics.
func AuthenticatePrivData(key, payload []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return mac.Sum(payload)
}

// VerifyPrivData splits a tagged payload produced by AuthenticatePrivData
// back into its original content, verifying the trailing MAC in constant
// time.
func VerifyPrivData(key, tagged []byte) ([]byte, error) {
	if len(tagged) < macSize {
		return nil, ErrAuthFailed
	}
	content := tagged[:len(tagged)-macSize]
	gotTag := tagged[len(tagged)-macSize:]

	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	wantTag := mac.Sum(nil)

	if !hmac.Equal(gotTag, wantTag) {
		return nil, ErrAuthFailed
	}
	return content, nil
}
