package dispatch

import (
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidBinding is returned for bindings that can't be stored.
var ErrInvalidBinding = errors.New("invalid binding")

// Binding maps a protocol, prefix and port to a destination label.
//
// A Port of zero matches any port. A binding with a specific port takes
// precedence over a wildcard binding unless the wildcard has a strictly
// more specific prefix.
type Binding struct {
	Label    string
	Protocol Protocol
	Prefix   netip.Prefix
	Port     uint16
}

// NewBinding parses prefix and returns a Binding. prefix may be a CIDR or a
// bare IP address.
func NewBinding(label string, proto Protocol, prefix string, port uint16) (*Binding, error) {
	p, err := ParsePrefix(prefix)
	if err != nil {
		return nil, err
	}

	return &Binding{label, proto, p, port}, nil
}

// ParsePrefix accepts a CIDR or a bare address. A bare address is treated
// as a full-length prefix. IPv4-mapped IPv6 prefixes are converted to IPv4.
func ParsePrefix(s string) (netip.Prefix, error) {
	var (
		prefix netip.Prefix
		err    error
	)
	if strings.Contains(s, "/") {
		prefix, err = netip.ParsePrefix(s)
	} else {
		var addr netip.Addr
		addr, err = netip.ParseAddr(s)
		if err == nil {
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
	}
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %s", ErrInvalidBinding, err)
	}

	return canonicalPrefix(prefix), nil
}

// canonicalPrefix masks p and turns prefixes inside ::ffff:0:0/96 into IPv4.
func canonicalPrefix(p netip.Prefix) netip.Prefix {
	p = p.Masked()
	if addr := p.Addr(); addr.Is4In6() && p.Bits() >= v4PrefixOffset {
		return netip.PrefixFrom(addr.Unmap(), p.Bits()-v4PrefixOffset)
	}
	return p
}

// ParseBinding parses the "proto|prefix|port" field format used by the
// control-plane store.
func ParseBinding(label, field string) (*Binding, error) {
	parts := strings.Split(field, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %q: expected proto|prefix|port", ErrInvalidBinding, field)
	}

	proto, err := ParseProtocol(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBinding, err)
	}

	port, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: port %q: %s", ErrInvalidBinding, parts[2], err)
	}

	return NewBinding(label, proto, parts[1], uint16(port))
}

// Field returns the "proto|prefix|port" form of the binding's key.
func (b *Binding) Field() string {
	return fmt.Sprintf("%s|%s|%d", b.Protocol, b.Prefix, b.Port)
}

func (b *Binding) String() string {
	return fmt.Sprintf("%s:%s:%d->%q", b.Protocol, b.Prefix, b.Port, b.Label)
}

func (b *Binding) domain() Domain {
	if canonicalPrefix(b.Prefix).Addr().Is4() {
		return Inet
	}
	return Inet6
}

func (b *Binding) key() (lpmKey, error) {
	if !b.Prefix.IsValid() {
		return lpmKey{}, fmt.Errorf("%w: missing prefix", ErrInvalidBinding)
	}
	if b.Protocol != TCP && b.Protocol != UDP {
		return lpmKey{}, fmt.Errorf("%w: unsupported protocol %s", ErrInvalidBinding, b.Protocol)
	}

	prefix := canonicalPrefix(b.Prefix)
	addr := prefix.Addr().As16()
	prefixLen := uint32(keyHeaderBits + prefix.Bits())
	if prefix.Addr().Is4() {
		prefixLen += v4PrefixOffset
	}

	return newKey(b.Protocol, b.Port, &addr, prefixLen), nil
}

func newBindingFromKey(k *lpmKey, label string) *Binding {
	addr := netip.AddrFrom16(k.addr())
	bits := int(k.prefixLen) - keyHeaderBits
	if addr.Is4In6() && bits >= v4PrefixOffset {
		addr = addr.Unmap()
		bits -= v4PrefixOffset
	}

	return &Binding{
		Label:    label,
		Protocol: k.protocol(),
		Prefix:   netip.PrefixFrom(addr, bits),
		Port:     k.port(),
	}
}

// Bindings is a list of bindings. Sorting orders the most specific binding
// first.
type Bindings []*Binding

func (s Bindings) Len() int      { return len(s) }
func (s Bindings) Swap(i, j int) { s[i], s[j] = s[j], s[i] }

func (s Bindings) Less(i, j int) bool {
	a, b := s[i], s[j]

	aLen, bLen := a.specificity(), b.specificity()
	if aLen != bLen {
		return aLen > bLen
	}

	// Specific port wins over wildcard for the same prefix length.
	if (a.Port == 0) != (b.Port == 0) {
		return a.Port != 0
	}

	if a.Protocol != b.Protocol {
		return a.Protocol < b.Protocol
	}

	if c := a.Prefix.Addr().Compare(b.Prefix.Addr()); c != 0 {
		return c < 0
	}

	if a.Port != b.Port {
		return a.Port < b.Port
	}

	return a.Label < b.Label
}

func (b *Binding) specificity() int {
	p := canonicalPrefix(b.Prefix)
	bits := p.Bits()
	if p.Addr().Is4() {
		bits += v4PrefixOffset
	}
	return bits
}

// bindingsByKey indexes bindings by their table key and rejects duplicate
// keys that point at different labels.
func bindingsByKey(bindings Bindings) (map[lpmKey]*Binding, error) {
	result := make(map[lpmKey]*Binding, len(bindings))
	for _, b := range bindings {
		if err := validateLabel(b.Label); err != nil {
			return nil, fmt.Errorf("binding %s: %w", b, err)
		}

		k, err := b.key()
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", b, err)
		}

		if existing, ok := result[k]; ok && existing.Label != b.Label {
			return nil, fmt.Errorf("%w: %s conflicts with %s", ErrInvalidBinding, b, existing)
		}
		result[k] = b
	}
	return result, nil
}

func sortBindings(bindings Bindings) {
	sort.Sort(bindings)
}
