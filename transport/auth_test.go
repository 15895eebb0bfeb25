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
	"bytes"
	"errors"
	"testing"
)

func TestAuthenticatePrivDataRoundTrip(t *testing.T) {
	key := []byte("shared-secret")
	payload := []byte("sockcm-agent")

	tagged := AuthenticatePrivData(key, payload)
	if len(tagged) != len(payload)+macSize {
		t.Fatalf("tagged length = %d, want %d", len(tagged), len(payload)+macSize)
	}

	got, err := VerifyPrivData(key, tagged)
	if err != nil {
		t.Fatalf("VerifyPrivData: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("content mismatch: got %q want %q", got, payload)
	}
}

func TestVerifyPrivDataRejectsWrongKey(t *testing.T) {
	tagged := AuthenticatePrivData([]byte("key-a"), []byte("hello"))
	if _, err := VerifyPrivData([]byte("key-b"), tagged); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestVerifyPrivDataRejectsTamperedContent(t *testing.T) {
	tagged := AuthenticatePrivData([]byte("key"), []byte("hello"))
	tagged[0] ^= 0xff
	if _, err := VerifyPrivData([]byte("key"), tagged); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestVerifyPrivDataRejectsShortPayload(t *testing.T) {
	if _, err := VerifyPrivData([]byte("key"), []byte("short")); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}
