//go:build linux

package backend

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"golang.org/x/sys/unix"
)

// FromConn reads the properties of an OS socket.
//
// A TCP socket is reported as listening if it is in the listen state. A UDP
// socket is reported as listening if it isn't connected.
func FromConn(conn syscall.Conn) (SocketInfo, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return SocketInfo{}, fmt.Errorf("syscall conn: %w", err)
	}

	var (
		info  SocketInfo
		opErr error
	)
	if err := raw.Control(func(fd uintptr) {
		info, opErr = fromFd(int(fd))
	}); err != nil {
		return SocketInfo{}, fmt.Errorf("control: %w", err)
	}
	return info, opErr
}

func fromFd(fd int) (SocketInfo, error) {
	domain, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return SocketInfo{}, fmt.Errorf("getsockopt(SO_DOMAIN): %w", err)
	}
	if domain != unix.AF_INET && domain != unix.AF_INET6 {
		return SocketInfo{}, fmt.Errorf("%w: unsupported domain %d", dispatch.ErrBadSocket, domain)
	}

	proto, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PROTOCOL)
	if err != nil {
		return SocketInfo{}, fmt.Errorf("getsockopt(SO_PROTOCOL): %w", err)
	}

	cookie, err := unix.GetsockoptUint64(fd, unix.SOL_SOCKET, unix.SO_COOKIE)
	if err != nil {
		return SocketInfo{}, fmt.Errorf("getsockopt(SO_COOKIE): %w", err)
	}

	info := SocketInfo{
		Family: dispatch.Domain(domain),
		Proto:  dispatch.Protocol(proto),
		ID:     cookie,
	}

	if domain == unix.AF_INET6 {
		v6only, err := unix.GetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY)
		if err != nil {
			return SocketInfo{}, fmt.Errorf("getsockopt(IPV6_V6ONLY): %w", err)
		}
		info.IPv6Only = v6only == 1
	}

	switch info.Proto {
	case dispatch.TCP:
		acceptConn, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
		if err != nil {
			return SocketInfo{}, fmt.Errorf("getsockopt(SO_ACCEPTCONN): %w", err)
		}
		info.Accepting = acceptConn == 1

	case dispatch.UDP:
		_, err := unix.Getpeername(fd)
		switch {
		case errors.Is(err, unix.ENOTCONN):
			info.Accepting = true
		case err != nil:
			return SocketInfo{}, fmt.Errorf("getpeername: %w", err)
		}

	default:
		return SocketInfo{}, fmt.Errorf("%w: unsupported protocol %d", dispatch.ErrBadSocket, proto)
	}

	return info, nil
}
