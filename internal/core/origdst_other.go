//go:build !linux

package core

import (
	"net"
	"net/netip"
)

var oobSize = 0

func enableOrigDst(*net.UDPConn) error { return nil }

func origDst([]byte) (netip.AddrPort, bool) { return netip.AddrPort{}, false }

func replyOOB(netip.Addr) []byte { return nil }
