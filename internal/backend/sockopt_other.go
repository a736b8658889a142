//go:build !linux

package backend

import (
	"errors"
	"syscall"
)

// FromConn is only implemented on Linux.
func FromConn(conn syscall.Conn) (SocketInfo, error) {
	return SocketInfo{}, errors.ErrUnsupported
}
