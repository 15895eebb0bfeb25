//go:build linux || darwin

package netio

import (
	"net"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestCreateConnectSendRecvLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	fd, err := Create(unix.AF_INET)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Close(fd)

	sa, _, err := SockaddrFromTCPAddr(addr)
	if err != nil {
		t.Fatalf("SockaddrFromTCPAddr: %v", err)
	}

	class, err := ConnectNB(fd, sa)
	if err != nil && class != ClassWouldBlock {
		t.Fatalf("ConnectNB: %v (%v)", err, class)
	}

	var conn net.Conn
	select {
	case conn = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for accept")
	}
	defer conn.Close()

	// give the kernel a moment to complete the handshake/connect.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, class, err := SendNB(fd, []byte("ping"))
		if err == nil {
			if n != 4 {
				t.Fatalf("short send: %d", n)
			}
			break
		}
		if class != ClassWouldBlock || time.Now().After(deadline) {
			t.Fatalf("SendNB: %v (%v)", err, class)
		}
		time.Sleep(10 * time.Millisecond)
	}

	buf := make([]byte, 16)
	if _, err := conn.Read(buf[:4]); err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	if string(buf[:4]) != "ping" {
		t.Fatalf("unexpected payload: %q", buf[:4])
	}

	if _, err := conn.Write([]byte("pong")); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		n, class, err := RecvNB(fd, buf)
		if err == nil && n > 0 {
			if string(buf[:n]) != "pong" {
				t.Fatalf("unexpected reply: %q", buf[:n])
			}
			break
		}
		if err != nil && class != ClassWouldBlock {
			t.Fatalf("RecvNB: %v (%v)", err, class)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for RecvNB data")
		}
		time.Sleep(10 * time.Millisecond)
	}

	peer, err := GetPeerName(fd)
	if err != nil {
		t.Fatalf("GetPeerName: %v", err)
	}
	if peer.(*net.TCPAddr).Port != addr.Port {
		t.Fatalf("peer port mismatch: got %d want %d", peer.(*net.TCPAddr).Port, addr.Port)
	}
}

func TestRecvNBDetectsOrderlyShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, _ := ln.Accept()
		accepted <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	fd, err := Create(unix.AF_INET)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Close(fd)

	sa, _, _ := SockaddrFromTCPAddr(addr)
	ConnectNB(fd, sa)

	conn := <-accepted
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4)
	for {
		_, class, err := RecvNB(fd, buf)
		if err != nil && class == ClassPeerReset {
			return
		}
		if class != ClassWouldBlock && class != ClassNone {
			t.Fatalf("unexpected class %v err %v", class, err)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for peer shutdown to be observed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
