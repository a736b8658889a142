package dispatch

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"strings"

	"golang.org/x/sys/unix"
)

// Domain is the address family of a socket or connection.
type Domain uint8

const (
	Inet  Domain = unix.AF_INET
	Inet6 Domain = unix.AF_INET6
)

func (d Domain) String() string {
	switch d {
	case Inet:
		return "ipv4"
	case Inet6:
		return "ipv6"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

// Protocol is an IP transport protocol number.
type Protocol uint8

const (
	TCP Protocol = unix.IPPROTO_TCP
	UDP Protocol = unix.IPPROTO_UDP
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", uint8(p))
	}
}

// Network returns the name used by the net package for p.
func (p Protocol) Network() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseProtocol accepts "tcp" or "udp" in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return TCP, nil
	case "udp":
		return UDP, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

// v4MappedWord is the third 32-bit word of an IPv4-mapped IPv6 address.
const v4MappedWord = 0x0000ffff

// Normalize converts the local address of a connection into the 16 byte form
// used by binding keys.
//
// ip4 and ip6 hold the address in the same shape a socket lookup context
// carries it: each word is the big-endian interpretation of four address
// bytes, and ip6 words are in address order. IPv4 addresses are embedded as
// ::ffff:a.b.c.d. Any other family yields the zero address.
func Normalize(family Domain, ip4 uint32, ip6 [4]uint32) (addr [16]byte) {
	switch family {
	case Inet:
		binary.BigEndian.PutUint32(addr[8:], v4MappedWord)
		binary.BigEndian.PutUint32(addr[12:], ip4)
	case Inet6:
		binary.BigEndian.PutUint32(addr[0:], ip6[0])
		binary.BigEndian.PutUint32(addr[4:], ip6[1])
		binary.BigEndian.PutUint32(addr[8:], ip6[2])
		binary.BigEndian.PutUint32(addr[12:], ip6[3])
	}
	return addr
}

// addrWords splits ip into the family and word form consumed by Normalize.
// IPv4-mapped IPv6 addresses are reported as IPv4.
func addrWords(ip netip.Addr) (Domain, uint32, [4]uint32) {
	var words [4]uint32
	if ip.Is4() || ip.Is4In6() {
		b := ip.Unmap().As4()
		return Inet, binary.BigEndian.Uint32(b[:]), words
	}
	if !ip.IsValid() {
		return 0, 0, words
	}
	b := ip.As16()
	for i := range words {
		words[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return Inet6, 0, words
}
