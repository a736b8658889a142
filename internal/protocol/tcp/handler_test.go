package tcp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
				conn.(*net.TCPConn).CloseWrite()
			}()
		}
	}()
	return ln.Addr().String()
}

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err = ln.Accept()
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestProxyCopiesBothWays(t *testing.T) {
	p := NewProxy(echoServer(t), time.Second, nil)

	client, server := tcpPair(t)
	done := make(chan struct{})
	go func() {
		p.Handle(context.Background(), server)
		close(done)
	}()

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, client.(*net.TCPConn).CloseWrite())

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("proxy didn't finish")
	}
}

type staticResolver map[string]netip.AddrPort

func (r staticResolver) ResolveAddr(_ context.Context, hostport string) (netip.AddrPort, error) {
	if ap, ok := r[hostport]; ok {
		return ap, nil
	}
	return netip.AddrPort{}, errors.New("unknown upstream")
}

func TestProxyUsesResolver(t *testing.T) {
	echo := netip.MustParseAddrPort(echoServer(t))
	p := NewProxy("echo:7", time.Second, staticResolver{"echo:7": echo})
	assert.Equal(t, "echo:7", p.Upstream())

	client, server := tcpPair(t)
	go p.Handle(context.Background(), server)

	_, err := client.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = io.ReadFull(client, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestProxyClosesOnDialFailure(t *testing.T) {
	p := NewProxy("missing:1", time.Second, staticResolver{})

	client, server := tcpPair(t)
	p.Handle(context.Background(), server)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestProxyStopsOnCancel(t *testing.T) {
	p := NewProxy(echoServer(t), time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, server := tcpPair(t)

	done := make(chan struct{})
	go func() {
		p.Handle(ctx, server)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("proxy ignored cancellation")
	}
}
