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

// Package transport is the data-plane half of the two CLI demonstrators:
// once a sockcm handshake succeeds, the demonstrators use this package to
// build a keyed, erasure-coded KCP+smux tunnel over a separate UDP (or
// tcpraw) connection; the CEP's TCP connection is not reused. None of it
// is reachable from the cep/manager/reactor/netio/frame packages -- the
// CEP itself stays data-plane-agnostic per spec.md's Non-goals.
package transport

import (
	"crypto/sha1"
	"log"

	kcp "github.com/xtaci/kcp-go/v5"
	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations and pbkdf2KeyLen match kcptun's own key-derivation
// constants, kept identical so a sockcm deployment's `-key` passphrase
// behaves the same way operators already expect.
const (
	pbkdf2Iterations = 4096
	pbkdf2KeyLen     = 32
)

var pbkdf2Salt = []byte("sockcm-pbkdf2-salt")

// DeriveKey stretches a passphrase into a fixed-length symmetric key via
// PBKDF2-HMAC-SHA1, used both for the BlockCrypt below and for
// AuthenticatePrivData's MAC over the CEP's handshake payload.
func DeriveKey(pass string) []byte {
	return pbkdf2.Key([]byte(pass), pbkdf2Salt, pbkdf2Iterations, pbkdf2KeyLen, sha1.New)
}

// cryptMethod maps a cipher name to its constructor and the key size it
// expects a truncated DeriveKey output to be.
type cryptMethod struct {
	keySize int
	build   func(key []byte) (kcp.BlockCrypt, error)
}

var cryptMethods = map[string]cryptMethod{
	"null":        {0, func(key []byte) (kcp.BlockCrypt, error) { return nil, nil }},
	"sm4":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSM4BlockCrypt(key) }},
	"tea":         {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTEABlockCrypt(key) }},
	"xor":         {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSimpleXORBlockCrypt(key) }},
	"none":        {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewNoneBlockCrypt(key) }},
	"aes-128":     {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"aes-192":     {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESBlockCrypt(key) }},
	"blowfish":    {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewBlowfishBlockCrypt(key) }},
	"twofish":     {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTwofishBlockCrypt(key) }},
	"cast5":       {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewCast5BlockCrypt(key) }},
	"3des":        {24, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewTripleDESBlockCrypt(key) }},
	"xtea":        {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewXTEABlockCrypt(key) }},
	"salsa20":     {0, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewSalsa20BlockCrypt(key) }},
	"aes-128-gcm": {16, func(key []byte) (kcp.BlockCrypt, error) { return kcp.NewAESGCMCrypt(key) }},
}

// SelectBlockCrypt resolves a human-readable cipher name plus a derived key
// into a kcp.BlockCrypt, falling back to AES-256 for an unknown or failing
// method. It reports the cipher name actually used so callers can log it.
func SelectBlockCrypt(method string, key []byte) (kcp.BlockCrypt, string) {
	m, ok := cryptMethods[method]
	if !ok {
		block, err := kcp.NewAESBlockCrypt(key)
		if err != nil {
			log.Printf("transport: default aes cipher failed: %v", err)
		}
		return block, "aes"
	}

	effectiveKey := key
	if m.keySize > 0 && len(key) >= m.keySize {
		effectiveKey = key[:m.keySize]
	}
	block, err := m.build(effectiveKey)
	if err != nil {
		log.Printf("transport: cipher %q failed (%v), falling back to aes", method, err)
		block, _ = kcp.NewAESBlockCrypt(key)
		return block, "aes"
	}
	return block, method
}
