// Package backend provides sockets that connections can be dispatched to.
package backend

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync/atomic"
	"syscall"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
)

// ErrBacklogFull is returned when a backend can't take another handed-off
// connection or datagram.
var ErrBacklogFull = errors.New("backend backlog full")

// SocketInfo describes an OS socket. It implements dispatch.Socket.
type SocketInfo struct {
	Family    dispatch.Domain
	Proto     dispatch.Protocol
	IPv6Only  bool
	Accepting bool
	ID        uint64
}

func (s SocketInfo) Domain() dispatch.Domain     { return s.Family }
func (s SocketInfo) Protocol() dispatch.Protocol { return s.Proto }
func (s SocketInfo) V6Only() bool                { return s.IPv6Only }
func (s SocketInfo) Listening() bool             { return s.Accepting }
func (s SocketInfo) Cookie() uint64              { return s.ID }

func (s SocketInfo) String() string {
	return fmt.Sprintf("%s/%s cookie=%d", s.Proto, s.Family, s.ID)
}

// Describe returns the SocketInfo of conn. On platforms without socket
// options for this it falls back to the local address, see addrInfo.
func Describe(conn syscall.Conn, local net.Addr, proto dispatch.Protocol) (SocketInfo, error) {
	info, err := FromConn(conn)
	if errors.Is(err, errors.ErrUnsupported) {
		return addrInfo(local, proto), nil
	}
	return info, err
}

var fallbackCookie atomic.Uint64

// addrInfo guesses socket properties from a bound address. Unspecified IPv6
// addresses are assumed to be dual-stack.
func addrInfo(local net.Addr, proto dispatch.Protocol) SocketInfo {
	var ap netip.AddrPort
	switch a := local.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	}

	info := SocketInfo{
		Family:    dispatch.Inet6,
		Proto:     proto,
		Accepting: true,
		ID:        fallbackCookie.Add(1),
	}
	if addr := ap.Addr(); addr.Is4() || addr.Is4In6() {
		info.Family = dispatch.Inet
	} else if !addr.IsUnspecified() {
		info.IPv6Only = true
	}
	return info
}
