package ebpf

import (
	"encoding/binary"
	"net/netip"
	"strings"
	"testing"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, dispatch.MaxPrefixLen, bindingKeyLen*8)
	assert.Equal(t, 4+bindingKeyLen, binary.Size(bindingKey{}))
	assert.Equal(t, 8, binary.Size(bindingValue{}))
	assert.Equal(t, labelLen+2, binary.Size(destinationKey{}))
}

func TestBindingEntries(t *testing.T) {
	addr := netip.MustParseAddr("::ffff:10.0.0.0").As16()
	entries := []dispatch.TableEntry{
		{PrefixLen: 24 + 96 + 8, Protocol: dispatch.TCP, Port: 443, Addr: addr, ID: 7},
	}

	got := bindingEntries(entries)
	require.Len(t, got, 1)

	for k, v := range got {
		assert.EqualValues(t, 128, k.PrefixLen)
		assert.Equal(t, byte(dispatch.TCP), k.Data[0])
		assert.Equal(t, []byte{0x01, 0xbb}, k.Data[1:3])
		assert.Equal(t, addr[:], k.Data[3:])
		assert.Equal(t, bindingValue{ID: 7, PrefixLen: 128}, v)
	}
}

func TestDestinationEntries(t *testing.T) {
	dests, cookies, err := destinationEntries([]dispatch.DestinationEntry{
		{ID: 0, Destination: dispatch.Destination{Label: "foo", Domain: dispatch.Inet, Protocol: dispatch.TCP}, Cookie: 42},
		{ID: 1, Destination: dispatch.Destination{Label: "bar", Domain: dispatch.Inet6, Protocol: dispatch.UDP}},
	})
	require.NoError(t, err)

	foo, err := newDestinationKey(dispatch.Destination{Label: "foo", Domain: dispatch.Inet, Protocol: dispatch.TCP})
	require.NoError(t, err)
	assert.Equal(t, "foo", strings.TrimRight(string(foo.Label[:]), "\x00"))
	assert.Equal(t, uint32(0), dests[foo])
	assert.Len(t, dests, 2)
	assert.Equal(t, map[uint32]uint64{0: 42}, cookies)

	_, _, err = destinationEntries([]dispatch.DestinationEntry{
		{Destination: dispatch.Destination{Label: strings.Repeat("x", labelLen+1)}},
	})
	assert.Error(t, err)
}
