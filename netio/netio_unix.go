//go:build linux || darwin

package netio

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Create opens a non-blocking stream socket matching family (unix.AF_INET
// or unix.AF_INET6), mirroring ucs_socket_create + the non-blocking fcntl
// the original client-init sequence performs as two steps.
func Create(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// Close releases the fd. Callers are responsible for having already removed
// it from the reactor (spec invariant 2/3: Failed/Disconnected implies the
// fd has been removed from the reactor before it is closed).
func Close(fd int) error {
	return unix.Close(fd)
}

// Bind binds fd to a local address, used for the optional local_sockaddr
// client-init step.
func Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

// Listen creates a non-blocking listening socket bound to laddr with the
// given accept backlog, the passive-side counterpart of Create+Bind+Connect.
func Listen(laddr *net.TCPAddr, backlog int) (int, error) {
	sa, family, err := SockaddrFromTCPAddr(laddr)
	if err != nil {
		return -1, err
	}
	fd, err := Create(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// AcceptNB accepts one pending connection from a non-blocking listening
// socket. ClassWouldBlock means no connection is pending yet.
func AcceptNB(fd int) (int, ErrClass, error) {
	connFd, _, err := unix.Accept4(fd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, Classify(err), err
	}
	return connFd, ClassNone, nil
}

// ConnectNB issues a non-blocking connect. It returns ClassNone if the
// connect completed immediately (rare, e.g. loopback), ClassWouldBlock if
// the connect is in progress (the common case -- caller should register for
// writable and rely on SO_ERROR/a later write to observe completion), or an
// error class for anything else.
func ConnectNB(fd int, sa unix.Sockaddr) (ErrClass, error) {
	err := unix.Connect(fd, sa)
	if err == nil {
		return ClassNone, nil
	}
	if err == unix.EINPROGRESS {
		return ClassWouldBlock, nil
	}
	return Classify(err), err
}

// SendNB attempts to send as much of buf as possible without blocking.
func SendNB(fd int, buf []byte) (int, ErrClass, error) {
	if len(buf) == 0 {
		return 0, ClassNone, nil
	}
	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, Classify(err), err
	}
	return n, ClassNone, nil
}

// RecvNB attempts to receive into buf without blocking. A zero-byte, nil-error
// read signals an orderly peer shutdown (EOF), surfaced here as
// ClassPeerReset since the CEP treats any form of early connection
// termination identically (spec.md handle_remote_disconnect classifies by
// local state, not by which exact signal arrived).
func RecvNB(fd int, buf []byte) (int, ErrClass, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		return 0, Classify(err), err
	}
	if n == 0 {
		return 0, ClassPeerReset, syscall.ECONNRESET
	}
	return n, ClassNone, nil
}

// GetPeerName returns the remote address of a connected fd.
func GetPeerName(fd int) (net.Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, err
	}
	return sockaddrToNetAddr(sa), nil
}

// GetIfName resolves the local interface name bound to fd's local address,
// mirroring ucs_sockaddr_get_ifname. It walks the host's interface address
// list looking for the one matching the socket's local address.
func GetIfName(fd int) (string, error) {
	lsa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	localIP := sockaddrIP(lsa)
	if localIP == nil {
		return "", unix.EINVAL
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.Equal(localIP) {
				return iface.Name, nil
			}
		}
	}
	return "", unix.EADDRNOTAVAIL
}

// ShutdownWR half-closes the write side of fd, the non-blocking equivalent
// of shutdown(fd, SHUT_WR): the peer observes EOF on its next read, but fd
// stays open for any in-flight reads. ENOTCONN is a benign race (the peer
// already tore the connection down) and is returned to the caller to
// classify rather than treated specially here.
func ShutdownWR(fd int) error {
	return unix.Shutdown(fd, unix.SHUT_WR)
}

// GetSocketError retrieves and clears SO_ERROR, the non-blocking-connect
// idiom for discovering why a writable/error readiness event fired.
func GetSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return syscall.Errno(errno)
	}
	return nil
}

// SetBufferSize sets SO_SNDBUF/SO_RCVBUF, matching
// ucs_socket_set_buffer_size. A zero value leaves the corresponding option
// unchanged.
func SetBufferSize(fd, sndbuf, rcvbuf int) error {
	if sndbuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil {
			return err
		}
	}
	if rcvbuf > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			return err
		}
	}
	return nil
}

func sockaddrToNetAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), v.Addr[:]...), Port: v.Port}
	default:
		return nil
	}
}

func sockaddrIP(sa unix.Sockaddr) net.IP {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.IP(v.Addr[:])
	case *unix.SockaddrInet6:
		return net.IP(v.Addr[:])
	default:
		return nil
	}
}

// SockaddrFromTCPAddr converts a resolved *net.TCPAddr into the
// unix.Sockaddr ConnectNB/Bind expect.
func SockaddrFromTCPAddr(addr *net.TCPAddr) (unix.Sockaddr, int, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, unix.AF_INET, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, 0, unix.EAFNOSUPPORT
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], ip6)
	return &sa, unix.AF_INET6, nil
}
