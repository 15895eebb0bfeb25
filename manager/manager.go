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

// Package manager owns the reactor, the connection-wide configuration
// (private-data capacity, socket buffer sizes, SYN retry count), and the
// reactor event loop every CEP callback runs on. It is the Go analogue of
// uct_tcp_sockcm_t: one manager per worker thread/goroutine, any number of
// client and server CEPs bound to it.
package manager

import (
	"log"
	"net"

	"github.com/pkg/errors"
	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/cep"
	"github.com/xtaci/sockcm/reactor"
)

// Debug gates verbose trace logging for the manager package, mirroring
// cep.Debug.
var Debug = false

func trace(format string, args ...interface{}) {
	if Debug {
		log.Printf("manager: "+format, args...)
	}
}

// Config holds the manager-wide knobs a caller may override; zero values
// fall back to DefaultConfig.
type Config struct {
	// PrivDataLen bounds the size of the private-data payload either side
	// may attach to its handshake frame.
	PrivDataLen int
	// SndBuf/RcvBuf set SO_SNDBUF/SO_RCVBUF on every CEP's socket. Zero
	// leaves the OS default in place.
	SndBuf int
	RcvBuf int
	// SynCnt sets TCP_SYNCNT (Linux only) on client and accepted sockets, bounding how
	// many SYN retransmissions the kernel attempts before giving up --
	// matching UCT_TCP_SOCKCM_CONFIG's conn_req_ep_num / syn_cnt knobs.
	SynCnt int
	// AcceptBacklog is the listen(2) backlog for server managers.
	AcceptBacklog int
}

// DefaultConfig matches the conservative defaults the original tuning
// config ships: a modest private-data allowance, OS-default buffers, and
// the SYN retry count left to the kernel's own default.
var DefaultConfig = Config{
	PrivDataLen:   256,
	AcceptBacklog: 128,
}

func (c Config) withDefaults() Config {
	if c.PrivDataLen <= 0 {
		c.PrivDataLen = DefaultConfig.PrivDataLen
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = DefaultConfig.AcceptBacklog
	}
	return c
}

// Manager binds a reactor event loop to a Config. Every CEP handler runs on
// the single goroutine driving the reactor's Run loop, so handler
// invocations are already serialized with respect to each other -- the Go
// equivalent of UCS_ASYNC_BLOCK/UNBLOCK's mutual exclusion, without needing
// an explicit re-entrant lock (see DESIGN.md's Open Question resolution).
// A callback is free to call back into the manager (e.g. Destroy a
// different CEP) since that call runs on the same goroutine, not a
// recursive lock acquisition.
type Manager struct {
	cfg Config
	rct reactor.Reactor

	stopCh chan struct{}
}

// New creates a Manager with its own reactor and starts its event loop on a
// new goroutine.
func New(cfg Config) (*Manager, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, sockcm.NewError(sockcm.StatusIOError, errors.Wrap(err, "create reactor"))
	}

	m := &Manager{
		cfg:    cfg.withDefaults(),
		rct:    r,
		stopCh: make(chan struct{}),
	}

	go func() {
		if err := r.Run(); err != nil {
			trace("reactor exited: %v", err)
		}
		close(m.stopCh)
	}()

	return m, nil
}

// Close stops the manager's reactor. Any CEPs still registered with it
// stop receiving events; it is the caller's responsibility to have
// destroyed them first (matching uct_tcp_sockcm_cleanup, which asserts the
// ep/listener lists are empty before tearing the async context down).
func (m *Manager) Close() error {
	return m.rct.Close()
}

// PrivDataLen implements cep.Binding.
func (m *Manager) PrivDataLen() int { return m.cfg.PrivDataLen }

// SockOpts implements cep.Binding.
func (m *Manager) SockOpts() cep.SockOpts {
	return cep.SockOpts{SndBuf: m.cfg.SndBuf, RcvBuf: m.cfg.RcvBuf, SynCnt: m.cfg.SynCnt}
}

// Reactor implements cep.Binding.
func (m *Manager) Reactor() reactor.Reactor { return m.rct }

// DialClient creates a client CEP connecting to remoteAddr.
func (m *Manager) DialClient(remoteAddr *net.TCPAddr, userData interface{}, cb cep.Callbacks) (*cep.Endpoint, error) {
	return cep.NewClient(m, remoteAddr, userData, cb)
}

// Listen creates a server-side Listener bound to laddr.
func (m *Manager) Listen(laddr *net.TCPAddr, connCB cep.ConnRequestCB) (*cep.Listener, error) {
	return cep.Listen(m, laddr, m.cfg.AcceptBacklog, connCB)
}

// Migrate moves a server-side Listener from this manager to dst: dst takes
// over accepting new connections on the listener's fd, while any CEPs the
// original manager already handed off for pending conn-request decisions
// are unaffected (their fds were never owned by the listener's reactor
// registration to begin with). Matches SPEC_FULL.md's manager-migration
// requirement, grounded on the general pattern of re-registering an fd
// with a different event loop rather than recreating the socket.
func (m *Manager) Migrate(l *cep.Listener, dst *Manager) error {
	return l.Rebind(dst)
}
