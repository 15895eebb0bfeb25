package manager_test

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/xtaci/sockcm"
	"github.com/xtaci/sockcm/cep"
	"github.com/xtaci/sockcm/manager"
)

var errPackFailed = errors.New("pack failed")

func newTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	m, err := manager.New(manager.Config{PrivDataLen: 64})
	if err != nil {
		t.Fatalf("manager.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func listenLoopback(t *testing.T, m *manager.Manager, connCB cep.ConnRequestCB) (*cep.Listener, *net.TCPAddr) {
	t.Helper()
	laddr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	l, err := m.Listen(laddr, connCB)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr, err := l.Addr()
	if err != nil {
		t.Fatalf("Addr: %v", err)
	}
	return l, addr.(*net.TCPAddr)
}

func TestHappyPathHandshake(t *testing.T) {
	serverMgr := newTestManager(t)
	clientMgr := newTestManager(t)

	accepted := make(chan *cep.Endpoint, 1)
	l, addr := listenLoopback(t, serverMgr, func(args cep.ConnRequestArgs) {
		if string(args.RemoteData.PrivData) != "hello" {
			t.Errorf("server saw priv data %q, want %q", args.RemoteData.PrivData, "hello")
		}
		if err := args.ConnRequest.Accept(nil, []byte("welcome"), cep.Callbacks{
			ServerNotifyCB: func(ep *cep.Endpoint, status sockcm.Status) {
				accepted <- ep
			},
		}); err != nil {
			t.Errorf("Accept: %v", err)
		}
	})
	t.Cleanup(func() { l.Close() })

	connected := make(chan sockcm.Status, 1)
	var remoteSeen cep.RemoteData
	_, err := clientMgr.DialClient(addr, nil, cep.Callbacks{
		PrivPackCB: func(ep *cep.Endpoint, userData interface{}, args cep.PackArgs, out []byte) (int, error) {
			return copy(out, "hello"), nil
		},
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			remoteSeen = remote
			connected <- status
			if status == sockcm.StatusOK {
				if err := ep.ConnNotify(); err != nil {
					t.Errorf("ConnNotify: %v", err)
				}
			}
		},
	})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case status := <-connected:
		if status != sockcm.StatusOK {
			t.Fatalf("client connect status = %v, want StatusOK", status)
		}
		if string(remoteSeen.PrivData) != "welcome" {
			t.Fatalf("client saw priv data %q, want %q", remoteSeen.PrivData, "welcome")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connect")
	}

	select {
	case ep := <-accepted:
		if !ep.State().Has(cep.FlagServerNotifyCBInvoked) {
			t.Fatal("server notify fired without FlagServerNotifyCBInvoked set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server notify -- client notify frame never arrived")
	}
}

func TestServerRejectsConnection(t *testing.T) {
	serverMgr := newTestManager(t)
	clientMgr := newTestManager(t)

	l, addr := listenLoopback(t, serverMgr, func(args cep.ConnRequestArgs) {
		if err := args.ConnRequest.Reject(cep.Callbacks{
			ServerNotifyCB: func(ep *cep.Endpoint, status sockcm.Status) {},
		}); err != nil {
			t.Errorf("Reject: %v", err)
		}
	})
	t.Cleanup(func() { l.Close() })

	connected := make(chan sockcm.Status, 1)
	_, err := clientMgr.DialClient(addr, nil, cep.Callbacks{
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			connected <- status
		},
	})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case status := <-connected:
		if status != sockcm.StatusRejected {
			t.Fatalf("client connect status = %v, want StatusRejected", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connect")
	}
}

func TestConnectToClosedPortFails(t *testing.T) {
	clientMgr := newTestManager(t)

	// bind and immediately close to get a (very likely) unused port with
	// nothing listening on it.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("probe listen: %v", err)
	}
	addr := probe.Addr().(*net.TCPAddr)
	probe.Close()

	connected := make(chan sockcm.Status, 1)
	_, err = clientMgr.DialClient(addr, nil, cep.Callbacks{
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			connected <- status
		},
	})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case status := <-connected:
		if status == sockcm.StatusOK {
			t.Fatal("connect to a closed port unexpectedly succeeded")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connect failure")
	}
}

func TestClientPackCBFailureAbortsBeforeSend(t *testing.T) {
	serverMgr := newTestManager(t)
	clientMgr := newTestManager(t)

	connReqSeen := make(chan struct{}, 1)
	l, addr := listenLoopback(t, serverMgr, func(args cep.ConnRequestArgs) {
		// Should never be reached: the client fails locally before ever
		// sending a frame.
		connReqSeen <- struct{}{}
	})
	t.Cleanup(func() { l.Close() })

	connected := make(chan sockcm.Status, 1)
	_, err := clientMgr.DialClient(addr, nil, cep.Callbacks{
		PrivPackCB: func(ep *cep.Endpoint, userData interface{}, args cep.PackArgs, out []byte) (int, error) {
			return 0, errPackFailed
		},
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			connected <- status
		},
	})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case status := <-connected:
		if status != sockcm.StatusInvalidParam {
			t.Fatalf("status = %v, want StatusInvalidParam", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client connect failure")
	}

	select {
	case <-connReqSeen:
		t.Fatal("server saw a conn request despite client pack failure")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestMigrateAcceptedEndpointBetweenManagers exercises spec.md §4.8: a
// single accepted server CEP is handed off from the listener's manager to a
// different one at accept() time, not the listener's own registration. To
// prove the CEP's fd is actually being driven by dstMgr's reactor rather
// than srcMgr's, srcMgr is closed immediately after Accept returns -- if
// migration had not taken effect, the reply would never reach the client.
func TestMigrateAcceptedEndpointBetweenManagers(t *testing.T) {
	srcMgr := newTestManager(t)
	dstMgr := newTestManager(t)
	clientMgr := newTestManager(t)

	accepted := make(chan *cep.Endpoint, 1)
	l, addr := listenLoopback(t, srcMgr, func(args cep.ConnRequestArgs) {
		if err := args.ConnRequest.Accept(dstMgr, []byte("welcome"), cep.Callbacks{
			ServerNotifyCB: func(ep *cep.Endpoint, status sockcm.Status) { accepted <- ep },
		}); err != nil {
			t.Errorf("Accept: %v", err)
		}
		srcMgr.Close()
	})
	t.Cleanup(func() { l.Close() })

	connected := make(chan sockcm.Status, 1)
	_, err := clientMgr.DialClient(addr, nil, cep.Callbacks{
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			connected <- status
			if status == sockcm.StatusOK {
				ep.ConnNotify()
			}
		},
	})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case status := <-connected:
		if status != sockcm.StatusOK {
			t.Fatalf("status after migration = %v, want StatusOK", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-migration connect -- srcMgr.Close() should not have affected a migrated CEP")
	}
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-migration server notify")
	}
}

// TestManagerMigrateRebindsListener covers the separate, listener-wide
// capability Manager.Migrate offers: moving future accept()s over to a
// different manager's event loop, independent of any already-accepted CEP
// (that per-connection case is TestMigrateAcceptedEndpointBetweenManagers).
func TestManagerMigrateRebindsListener(t *testing.T) {
	srcMgr := newTestManager(t)
	dstMgr := newTestManager(t)
	clientMgr := newTestManager(t)

	accepted := make(chan struct{}, 1)
	l, addr := listenLoopback(t, srcMgr, func(args cep.ConnRequestArgs) {
		args.ConnRequest.Accept(nil, nil, cep.Callbacks{
			ServerNotifyCB: func(ep *cep.Endpoint, status sockcm.Status) { accepted <- struct{}{} },
		})
	})
	t.Cleanup(func() { l.Close() })

	if err := srcMgr.Migrate(l, dstMgr); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	connected := make(chan sockcm.Status, 1)
	_, err := clientMgr.DialClient(addr, nil, cep.Callbacks{
		ClientConnectCB: func(ep *cep.Endpoint, remote cep.RemoteData, status sockcm.Status) {
			connected <- status
			if status == sockcm.StatusOK {
				ep.ConnNotify()
			}
		},
	})
	if err != nil {
		t.Fatalf("DialClient: %v", err)
	}

	select {
	case status := <-connected:
		if status != sockcm.StatusOK {
			t.Fatalf("status after listener rebind = %v, want StatusOK", status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-rebind connect")
	}
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for post-rebind accept")
	}
}
