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
	"io"
	"net"
	"time"

	"github.com/xtaci/smux"
)

// SmuxParams are the CLI-tunable knobs for the smux session riding on top
// of the KCP tunnel, mirroring the teacher's own flag set.
type SmuxParams struct {
	Version          int
	MaxReceiveBuffer int
	MaxStreamBuffer  int
	MaxFrameSize     int
	KeepAliveSeconds int
}

// BuildSmuxConfig turns SmuxParams into a validated smux.Config.
func BuildSmuxConfig(p SmuxParams) (*smux.Config, error) {
	cfg := smux.DefaultConfig()
	cfg.Version = p.Version
	cfg.MaxReceiveBuffer = p.MaxReceiveBuffer
	cfg.MaxStreamBuffer = p.MaxStreamBuffer
	cfg.MaxFrameSize = p.MaxFrameSize
	cfg.KeepAliveInterval = time.Duration(p.KeepAliveSeconds) * time.Second
	return cfg, smux.VerifyConfig(cfg)
}

// DialSession opens a client-side smux.Session on top of conn (typically a
// KCP UDPSession or a CompStream wrapping one).
func DialSession(conn io.ReadWriteCloser, cfg *smux.Config) (*smux.Session, error) {
	return smux.Client(conn, cfg)
}

// AcceptSession opens a server-side smux.Session on top of conn.
func AcceptSession(conn io.ReadWriteCloser, cfg *smux.Config) (*smux.Session, error) {
	return smux.Server(conn, cfg)
}

// OpenStream opens one logical stream over an established session, the
// unit of multiplexing demonstrators bridge to/from local TCP sockets.
func OpenStream(sess *smux.Session) (net.Conn, error) {
	return sess.OpenStream()
}
