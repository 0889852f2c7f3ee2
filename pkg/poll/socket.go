//go:build linux

package poll

import (
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Socket creates a non-blocking TCP socket for the address family of addr.
func Socket(addr *net.TCPAddr) (int, error) {
	family := unix.AF_INET
	if addr != nil && addr.IP.To4() == nil && addr.IP.To16() != nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	return fd, nil
}

// Listen binds a non-blocking listening socket to addr with the given
// backlog and returns its descriptor together with the actual bound address
// (relevant when addr carries port 0, which callers may still reject at a
// higher level).
func Listen(addr *net.TCPAddr, backlog int) (int, *net.TCPAddr, error) {
	fd, err := Socket(addr)
	if err != nil {
		return -1, nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("set SO_REUSEADDR: %w", err)
	}

	sa, err := sockaddr(addr)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	bound, err := LocalAddr(fd)
	if err != nil {
		unix.Close(fd)
		return -1, nil, err
	}

	return fd, bound, nil
}

// Connect starts a non-blocking connect. The boolean reports whether the
// connection completed immediately; otherwise the caller must wait for
// connect readiness and call FinishConnect.
func Connect(fd int, addr *net.TCPAddr) (bool, error) {
	sa, err := sockaddr(addr)
	if err != nil {
		return false, err
	}

	switch err := unix.Connect(fd, sa); err {
	case nil:
		return true, nil
	case unix.EINPROGRESS:
		return false, nil
	default:
		return false, fmt.Errorf("connect %s: %w", addr, err)
	}
}

// FinishConnect settles a non-blocking connect after connect readiness was
// reported. It returns true on success and false when the socket is somehow
// still connecting, which level-triggered readiness should rule out.
func FinishConnect(fd int) (bool, error) {
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return false, fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}

	switch unix.Errno(soErr) {
	case 0:
		return true, nil
	case unix.EINPROGRESS, unix.EALREADY, unix.EINTR:
		return false, nil
	default:
		return false, fmt.Errorf("connect: %w", unix.Errno(soErr))
	}
}

// Accept accepts one pending connection from a ready listening socket. The
// returned descriptor is non-blocking.
func Accept(listenFD int) (int, *net.TCPAddr, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, fmt.Errorf("accept: %w", err)
	}
	return fd, tcpAddr(sa), nil
}

// Read reads into p, retrying on EINTR. End-of-stream maps to io.EOF; a
// would-block condition surfaces as unix.EAGAIN.
func Read(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return 0, err
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write writes as much of p as the socket accepts, retrying on EINTR. It
// returns the byte count written before the socket would block.
func Write(fd int, p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(fd, p[written:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return written, nil
		case err != nil:
			return written, err
		}
		written += n
	}
	return written, nil
}

// IsTemporary reports whether a socket error is transient: the operation
// should simply be retried on the next readiness cycle.
func IsTemporary(err error) bool {
	return errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK) ||
		errors.Is(err, unix.EINTR) ||
		errors.Is(err, unix.ECONNABORTED)
}

// CloseFD closes a descriptor, ignoring errors; sockets being torn down have
// nothing useful to report.
func CloseFD(fd int) {
	_ = unix.Close(fd)
}

// SetNoDelay disables Nagle's algorithm on a connected socket.
func SetNoDelay(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		return fmt.Errorf("set TCP_NODELAY: %w", err)
	}
	return nil
}

// LocalAddr returns the socket's bound local address.
func LocalAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("getsockname: %w", err)
	}
	return tcpAddr(sa), nil
}

// RemoteAddr returns the socket's peer address.
func RemoteAddr(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, fmt.Errorf("getpeername: %w", err)
	}
	return tcpAddr(sa), nil
}

func sockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	if addr == nil {
		return nil, fmt.Errorf("nil address")
	}

	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}

	if ip6 := addr.IP.To16(); ip6 != nil {
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], ip6)
		return sa, nil
	}

	return nil, fmt.Errorf("unsupported address %s", addr)
}

func tcpAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	default:
		return nil
	}
}
