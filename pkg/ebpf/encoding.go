package ebpf

import (
	"encoding/binary"
	"fmt"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
)

const (
	// bindingKeyLen is protocol (1) | port (2) | address (16).
	bindingKeyLen = 1 + 2 + 16

	labelLen = 255
)

// bindingKey matches struct bpf_lpm_trie_key with a fixed size data field.
type bindingKey struct {
	PrefixLen uint32
	Data      [bindingKeyLen]byte
}

type bindingValue struct {
	ID        uint32
	PrefixLen uint32
}

type destinationKey struct {
	Label    [labelLen]byte
	Domain   uint8
	Protocol uint8
}

func newBindingKey(e *dispatch.TableEntry) bindingKey {
	k := bindingKey{PrefixLen: e.PrefixLen}
	k.Data[0] = byte(e.Protocol)
	binary.BigEndian.PutUint16(k.Data[1:3], e.Port)
	copy(k.Data[3:], e.Addr[:])
	return k
}

func newDestinationKey(dest dispatch.Destination) (destinationKey, error) {
	var k destinationKey
	if len(dest.Label) > labelLen {
		return k, fmt.Errorf("label %q exceeds %d bytes", dest.Label, labelLen)
	}
	copy(k.Label[:], dest.Label)
	k.Domain = uint8(dest.Domain)
	k.Protocol = uint8(dest.Protocol)
	return k, nil
}

// bindingEntries converts table entries into map contents.
func bindingEntries(entries []dispatch.TableEntry) map[bindingKey]bindingValue {
	out := make(map[bindingKey]bindingValue, len(entries))
	for i := range entries {
		e := &entries[i]
		out[newBindingKey(e)] = bindingValue{ID: uint32(e.ID), PrefixLen: e.PrefixLen}
	}
	return out
}

// destinationEntries converts destinations into the contents of the
// destinations and sockets maps. Destinations without a socket have no
// entry in the latter.
func destinationEntries(entries []dispatch.DestinationEntry) (map[destinationKey]uint32, map[uint32]uint64, error) {
	dests := make(map[destinationKey]uint32, len(entries))
	cookies := make(map[uint32]uint64)
	for _, e := range entries {
		key, err := newDestinationKey(e.Destination)
		if err != nil {
			return nil, nil, err
		}
		dests[key] = uint32(e.ID)
		if e.Cookie != 0 {
			cookies[uint32(e.ID)] = e.Cookie
		}
	}
	return dests, cookies, nil
}
