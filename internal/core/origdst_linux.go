//go:build linux

package core

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Room for one IP_ORIGDSTADDR or IPV6_ORIGDSTADDR control message.
var oobSize = unix.CmsgSpace(unix.SizeofSockaddrInet6)

// enableOrigDst asks the kernel to report the destination address of each
// datagram. Dual-stack sockets get both the IPv4 and the IPv6 variant.
func enableOrigDst(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var v4Err, v6Err error
	err = raw.Control(func(fd uintptr) {
		v4Err = unix.SetsockoptInt(int(fd), unix.SOL_IP, unix.IP_RECVORIGDSTADDR, 1)
		v6Err = unix.SetsockoptInt(int(fd), unix.SOL_IPV6, unix.IPV6_RECVORIGDSTADDR, 1)
	})
	if err != nil {
		return err
	}
	if v4Err != nil && v6Err != nil {
		return fmt.Errorf("enable IP_RECVORIGDSTADDR: %w", v4Err)
	}
	return nil
}

// origDst extracts the destination of a datagram from its control messages.
func origDst(oob []byte) (netip.AddrPort, bool) {
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return netip.AddrPort{}, false
	}

	for _, scm := range scms {
		h := scm.Header
		switch {
		case h.Level == unix.SOL_IP && h.Type == unix.IP_ORIGDSTADDR && len(scm.Data) >= unix.SizeofSockaddrInet4:
			// struct sockaddr_in: family, port, address.
			port := binary.BigEndian.Uint16(scm.Data[2:4])
			addr := netip.AddrFrom4([4]byte(scm.Data[4:8]))
			return netip.AddrPortFrom(addr, port), true

		case h.Level == unix.SOL_IPV6 && h.Type == unix.IPV6_ORIGDSTADDR && len(scm.Data) >= unix.SizeofSockaddrInet6:
			// struct sockaddr_in6: family, port, flowinfo, address, scope.
			port := binary.BigEndian.Uint16(scm.Data[2:4])
			addr := netip.AddrFrom16([16]byte(scm.Data[8:24]))
			return netip.AddrPortFrom(addr, port), true
		}
	}
	return netip.AddrPort{}, false
}

// replyOOB returns a control message that makes a reply originate from src.
func replyOOB(src netip.Addr) []byte {
	if !src.IsValid() || src.IsUnspecified() {
		return nil
	}

	if src.Is4() || src.Is4In6() {
		var info unix.Inet4Pktinfo
		info.Spec_dst = src.Unmap().As4()
		return pktinfoMsg(unix.SOL_IP, unix.IP_PKTINFO, unsafe.Pointer(&info), unix.SizeofInet4Pktinfo)
	}

	var info unix.Inet6Pktinfo
	info.Addr = src.As16()
	return pktinfoMsg(unix.SOL_IPV6, unix.IPV6_PKTINFO, unsafe.Pointer(&info), unix.SizeofInet6Pktinfo)
}

func pktinfoMsg(level, typ int32, info unsafe.Pointer, size int) []byte {
	b := make([]byte, unix.CmsgSpace(size))
	h := (*unix.Cmsghdr)(unsafe.Pointer(&b[0]))
	h.Level = level
	h.Type = typ
	h.SetLen(unix.CmsgLen(size))
	copy(b[unix.CmsgLen(0):], unsafe.Slice((*byte)(info), size))
	return b
}
