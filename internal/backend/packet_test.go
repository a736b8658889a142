package backend

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustListenPacket(t *testing.T) *PacketListener {
	t.Helper()

	pl, err := ListenPacket(context.Background(), "udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pl.Close() })
	return pl
}

func readDatagram(t *testing.T, pl *PacketListener) Datagram {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := pl.ReadDatagram(ctx)
	require.NoError(t, err)
	return d
}

func TestPacketListenerDescribesSocket(t *testing.T) {
	pl := mustListenPacket(t)

	assert.Equal(t, dispatch.Inet, pl.Domain())
	assert.Equal(t, dispatch.UDP, pl.Protocol())
	assert.True(t, pl.Listening(), "unconnected UDP sockets count as listening")
	assert.NotZero(t, pl.Cookie())
}

func TestPacketListenerReadAndReply(t *testing.T) {
	pl := mustListenPacket(t)

	client, err := net.DialUDP("udp4", nil, pl.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)

	d := readDatagram(t, pl)
	assert.Equal(t, []byte("ping"), d.Payload)
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).AddrPort(), d.Source)
	require.NoError(t, d.Reply([]byte("pong")))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestPacketListenerDeliverDatagram(t *testing.T) {
	pl := mustListenPacket(t)

	var replied []byte
	src := netip.MustParseAddrPort("192.0.2.1:5353")
	local := netip.MustParseAddrPort("198.51.100.1:53")
	err := pl.DeliverDatagram(NewDatagram([]byte("query"), src, local, func(p []byte) error {
		replied = p
		return nil
	}))
	require.NoError(t, err)

	d := readDatagram(t, pl)
	assert.Equal(t, src, d.Source)
	assert.Equal(t, local, d.Local)
	require.NoError(t, d.Reply([]byte("answer")))
	assert.Equal(t, []byte("answer"), replied)
}

func TestPacketListenerClose(t *testing.T) {
	pl := mustListenPacket(t)
	require.NoError(t, pl.Close())

	_, err := pl.ReadDatagram(context.Background())
	assert.ErrorIs(t, err, net.ErrClosed)
	assert.ErrorIs(t, pl.DeliverDatagram(Datagram{}), net.ErrClosed)
}

func TestPacketListenerContextCancelled(t *testing.T) {
	pl := mustListenPacket(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pl.ReadDatagram(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDatagramWithoutReply(t *testing.T) {
	assert.Error(t, Datagram{}.Reply(nil))
}
