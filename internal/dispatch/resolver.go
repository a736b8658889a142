package dispatch

// resolve finds the destination for a connection to addr:port.
//
// Two full-width lookups are made against the same table version: one with
// the exact port and one with the wildcard port. The exact-port match wins
// unless the wildcard match was inserted with a strictly longer prefix.
func resolve(t *trie, proto Protocol, addr *[16]byte, port uint16) (DestinationID, bool) {
	exact := newKey(proto, port, addr, MaxPrefixLen)
	a := t.lookup(&exact)

	wildcard := newKey(proto, 0, addr, MaxPrefixLen)
	b := t.lookup(&wildcard)

	switch {
	case a == nil && b == nil:
		return 0, false
	case a == nil:
		return b.value.ID, true
	case b == nil:
		return a.value.ID, true
	case b.value.PrefixLen > a.value.PrefixLen:
		return b.value.ID, true
	default:
		return a.value.ID, true
	}
}
