//go:build linux || darwin || freebsd || netbsd || openbsd

package tcp

import (
	"fmt"
	"golang.org/x/sys/unix"
	"net"
	"os"
)

// listen creates a tcp listener with an explicit backlog. The standard library
// always uses the system maximum, so the socket is set up by hand and handed
// to the net package afterwards.
func listen(endpoint string, backlog int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", endpoint, err)
	}

	family, sa := sockaddr(addr)

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", endpoint, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen (backlog %d): %w", backlog, err)
	}

	// FileListener duplicates the descriptor, the original is closed with f
	f := os.NewFile(uintptr(fd), "tcp:"+endpoint)
	defer f.Close()

	return net.FileListener(f)
}

// sockaddr converts addr, an unspecified host binds all IPv4 interfaces
func sockaddr(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}
