package dispatch

import (
	"encoding/binary"
	"errors"
	"math/bits"
	"sync"
	"sync/atomic"
)

const (
	// keyLen is the number of data bytes in a binding key:
	// protocol (1) | port (2, big endian) | address (16).
	keyLen = 1 + 2 + 16

	// MaxPrefixLen is the width of a binding key in bits. Lookups are always
	// performed with this prefix length.
	MaxPrefixLen = keyLen * 8

	// keyHeaderBits covers protocol and port. Every binding created from a
	// Binding has at least this prefix length.
	keyHeaderBits = (1 + 2) * 8

	// v4PrefixOffset is added to IPv4 prefix lengths, since they are stored
	// below the ::ffff:0:0/96 prefix.
	v4PrefixOffset = 96
)

// ErrTableFull is returned when the binding table is at capacity.
var ErrTableFull = errors.New("binding table is full")

// lpmKey is a binding key: the prefix length in bits and the key data.
type lpmKey struct {
	prefixLen uint32
	data      [keyLen]byte
}

func newKey(proto Protocol, port uint16, addr *[16]byte, prefixLen uint32) lpmKey {
	k := lpmKey{prefixLen: prefixLen}
	k.data[0] = byte(proto)
	binary.BigEndian.PutUint16(k.data[1:3], port)
	copy(k.data[3:], addr[:])
	k.mask()
	return k
}

func (k *lpmKey) protocol() Protocol { return Protocol(k.data[0]) }
func (k *lpmKey) port() uint16       { return binary.BigEndian.Uint16(k.data[1:3]) }

func (k *lpmKey) addr() (a [16]byte) {
	copy(a[:], k.data[3:])
	return a
}

// mask clears all bits past the prefix length.
func (k *lpmKey) mask() {
	for i := range k.data {
		start := uint32(i) * 8
		switch {
		case start >= k.prefixLen:
			k.data[i] = 0
		case start+8 > k.prefixLen:
			k.data[i] &= ^byte(0xff >> (k.prefixLen - start))
		}
	}
}

func bitAt(data *[keyLen]byte, i uint32) uint8 {
	return (data[i/8] >> (7 - i%8)) & 1
}

// bindingValue is stored for each binding key.
type bindingValue struct {
	ID        DestinationID
	PrefixLen uint32
}

type trieNode struct {
	key          lpmKey
	value        bindingValue
	intermediate bool
	child        [2]*trieNode
}

// longestPrefixMatch returns the number of leading bits n and k have in
// common, capped by both prefix lengths.
func longestPrefixMatch(n *trieNode, k *lpmKey) uint32 {
	limit := n.key.prefixLen
	if k.prefixLen < limit {
		limit = k.prefixLen
	}

	var matched uint32
	for i := 0; i < keyLen && matched < limit; i++ {
		diff := n.key.data[i] ^ k.data[i]
		if diff != 0 {
			matched += uint32(bits.LeadingZeros8(diff))
			break
		}
		matched += 8
	}

	if matched > limit {
		return limit
	}
	return matched
}

// trie is an immutable, path-compressed binary trie over binding keys.
// Modifications return a new trie that shares unmodified nodes with the old
// one, so a published trie can be read without locks.
type trie struct {
	root *trieNode
	size int
}

// lookup returns the entry with the longest prefix matching k, or nil.
func (t *trie) lookup(k *lpmKey) *trieNode {
	var found *trieNode
	for n := t.root; n != nil; {
		matched := longestPrefixMatch(n, k)
		if matched < n.key.prefixLen {
			break
		}
		if !n.intermediate {
			found = n
		}
		if n.key.prefixLen >= k.prefixLen {
			break
		}
		n = n.child[bitAt(&k.data, n.key.prefixLen)]
	}
	return found
}

// exact returns the entry stored under exactly k, or nil.
func (t *trie) exact(k *lpmKey) *trieNode {
	for n := t.root; n != nil; {
		if longestPrefixMatch(n, k) < n.key.prefixLen {
			return nil
		}
		if n.key.prefixLen == k.prefixLen {
			if n.intermediate {
				return nil
			}
			return n
		}
		n = n.child[bitAt(&k.data, n.key.prefixLen)]
	}
	return nil
}

func (t *trie) insert(k lpmKey, v bindingValue) (*trie, *trieNode) {
	leaf := &trieNode{key: k, value: v}
	root, replaced := insertNode(t.root, leaf)
	size := t.size
	if replaced == nil {
		size++
	}
	return &trie{root, size}, replaced
}

func insertNode(n, leaf *trieNode) (*trieNode, *trieNode) {
	if n == nil {
		return leaf, nil
	}

	k := &leaf.key
	matched := longestPrefixMatch(n, k)
	switch {
	case matched == n.key.prefixLen && matched == k.prefixLen:
		cp := *leaf
		cp.child = n.child
		if n.intermediate {
			return &cp, nil
		}
		return &cp, n

	case matched == n.key.prefixLen:
		cp := *n
		b := bitAt(&k.data, n.key.prefixLen)
		var replaced *trieNode
		cp.child[b], replaced = insertNode(n.child[b], leaf)
		return &cp, replaced

	case matched == k.prefixLen:
		cp := *leaf
		cp.child[bitAt(&n.key.data, matched)] = n
		return &cp, nil

	default:
		im := &trieNode{intermediate: true, key: lpmKey{prefixLen: matched, data: k.data}}
		im.key.mask()
		if bitAt(&k.data, matched) == 1 {
			im.child[0], im.child[1] = n, leaf
		} else {
			im.child[0], im.child[1] = leaf, n
		}
		return im, nil
	}
}

func (t *trie) remove(k *lpmKey) (*trie, *trieNode) {
	root, removed := removeNode(t.root, k)
	if removed == nil {
		return t, nil
	}
	return &trie{root, t.size - 1}, removed
}

func removeNode(n *trieNode, k *lpmKey) (*trieNode, *trieNode) {
	if n == nil {
		return nil, nil
	}
	if longestPrefixMatch(n, k) < n.key.prefixLen {
		return n, nil
	}

	if n.key.prefixLen == k.prefixLen {
		if n.intermediate {
			return n, nil
		}
		return collapse(n), n
	}

	b := bitAt(&k.data, n.key.prefixLen)
	child, removed := removeNode(n.child[b], k)
	if removed == nil {
		return n, nil
	}

	cp := *n
	cp.child[b] = child
	if cp.intermediate {
		return collapse(&cp), removed
	}
	return &cp, removed
}

// collapse returns the node that takes the place of n once n no longer
// carries a value.
func collapse(n *trieNode) *trieNode {
	switch {
	case n.child[0] != nil && n.child[1] != nil:
		cp := *n
		cp.intermediate = true
		cp.value = bindingValue{}
		return &cp
	case n.child[0] != nil:
		return n.child[0]
	default:
		return n.child[1]
	}
}

// walk calls fn for every entry, shorter prefixes before longer ones along
// each path.
func (t *trie) walk(fn func(*lpmKey, bindingValue)) {
	var visit func(*trieNode)
	visit = func(n *trieNode) {
		if n == nil {
			return
		}
		if !n.intermediate {
			fn(&n.key, n.value)
		}
		visit(n.child[0])
		visit(n.child[1])
	}
	visit(t.root)
}

// bindingTable publishes trie versions to concurrent readers. Writers are
// serialized by mu; readers only load the current version.
type bindingTable struct {
	mu         sync.Mutex
	current    atomic.Pointer[trie]
	maxEntries int
}

func newBindingTable(maxEntries int) *bindingTable {
	t := &bindingTable{maxEntries: maxEntries}
	t.current.Store(&trie{})
	return t
}

func (t *bindingTable) load() *trie {
	return t.current.Load()
}

// put inserts or replaces the entry for k and returns the previous value.
func (t *bindingTable) put(k lpmKey, v bindingValue) (bindingValue, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := t.current.Load()
	if cur.size >= t.maxEntries && cur.exact(&k) == nil {
		return bindingValue{}, false, ErrTableFull
	}

	next, replaced := cur.insert(k, v)
	t.current.Store(next)
	if replaced == nil {
		return bindingValue{}, false, nil
	}
	return replaced.value, true, nil
}

// delete removes the entry for k and returns its value.
func (t *bindingTable) delete(k *lpmKey) (bindingValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	next, removed := t.current.Load().remove(k)
	if removed == nil {
		return bindingValue{}, false
	}
	t.current.Store(next)
	return removed.value, true
}

// update publishes the trie returned by fn as the new version.
func (t *bindingTable) update(fn func(*trie) *trie) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current.Store(fn(t.current.Load()))
}
