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
	"net"
	"sync"
	"testing"
)

func validSmuxParams() SmuxParams {
	return SmuxParams{
		Version:          2,
		MaxReceiveBuffer: 4194304,
		MaxStreamBuffer:  2097152,
		MaxFrameSize:     8192,
		KeepAliveSeconds: 10,
	}
}

func TestBuildSmuxConfigValid(t *testing.T) {
	cfg, err := BuildSmuxConfig(validSmuxParams())
	if err != nil {
		t.Fatalf("BuildSmuxConfig: %v", err)
	}
	if cfg.Version != 2 || cfg.MaxFrameSize != 8192 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestBuildSmuxConfigRejectsBadVersion(t *testing.T) {
	p := validSmuxParams()
	p.Version = 3
	if _, err := BuildSmuxConfig(p); err == nil {
		t.Fatalf("expected error for unsupported smux version")
	}
}

func TestBuildSmuxConfigRejectsOversizeFrame(t *testing.T) {
	p := validSmuxParams()
	p.MaxFrameSize = 70000
	if _, err := BuildSmuxConfig(p); err == nil {
		t.Fatalf("expected error for oversize frame")
	}
}

func TestSessionOpenAcceptStream(t *testing.T) {
	left, right := net.Pipe()
	cfg, err := BuildSmuxConfig(validSmuxParams())
	if err != nil {
		t.Fatalf("BuildSmuxConfig: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var serverErr, clientErr error
	go func() {
		defer wg.Done()
		sess, err := AcceptSession(right, cfg)
		if err != nil {
			serverErr = err
			return
		}
		defer sess.Close()
		stream, err := sess.AcceptStream()
		if err != nil {
			serverErr = err
			return
		}
		defer stream.Close()
		buf := make([]byte, 5)
		if _, err := stream.Read(buf); err != nil {
			serverErr = err
			return
		}
		if string(buf) != "hello" {
			serverErr = err
		}
	}()

	go func() {
		defer wg.Done()
		sess, err := DialSession(left, cfg)
		if err != nil {
			clientErr = err
			return
		}
		defer sess.Close()
		conn, err := OpenStream(sess)
		if err != nil {
			clientErr = err
			return
		}
		defer conn.Close()
		if _, err := conn.Write([]byte("hello")); err != nil {
			clientErr = err
		}
	}()

	wg.Wait()
	if serverErr != nil {
		t.Fatalf("server: %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("client: %v", clientErr)
	}
}
