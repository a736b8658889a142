package core

import (
	"context"
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/backend"
	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/internal/security"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDispatcher(t *testing.T) *dispatch.Dispatcher {
	t.Helper()

	d, err := dispatch.New(dispatch.Options{Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func mustBind(t *testing.T, d *dispatch.Dispatcher, label string, proto dispatch.Protocol, prefix string) {
	t.Helper()

	b, err := dispatch.NewBinding(label, proto, prefix, 0)
	require.NoError(t, err)
	require.NoError(t, d.AddBinding(b))
}

func startFrontend(t *testing.T, d *dispatch.Dispatcher, opts ListenerOptions) *Listener {
	t.Helper()

	if opts.TCPAddrs == nil && opts.UDPAddrs == nil {
		opts.TCPAddrs = []string{"127.0.0.1:0"}
		opts.UDPAddrs = []string{"127.0.0.1:0"}
	}
	l := NewListener(d, opts)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() {
		l.Stop()
		l.Abort()
	})
	return l
}

func readTimeout(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()

	buf := make([]byte, n)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.ReadFull(conn, buf)
	require.NoError(t, err)
	return buf
}

func TestListenerRedirectsTCP(t *testing.T) {
	d := mustDispatcher(t)
	mustBind(t, d, "foo", dispatch.TCP, "127.0.0.0/8")

	be, err := backend.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer be.Close()
	_, _, err = d.RegisterSocket("foo", be)
	require.NoError(t, err)

	l := startFrontend(t, d, ListenerOptions{})

	client, err := net.Dial("tcp", l.TCPAddrs()[0].String())
	require.NoError(t, err)
	defer client.Close()

	server, err := be.Accept()
	require.NoError(t, err)
	defer server.Close()

	assert.Equal(t, client.LocalAddr().String(), server.RemoteAddr().String())

	_, err = client.Write([]byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(readTimeout(t, server, 2)))

	dm, err := d.DestinationMetrics(dispatch.Destination{Label: "foo", Domain: dispatch.Inet, Protocol: dispatch.TCP})
	require.NoError(t, err)
	assert.EqualValues(t, 1, dm.Lookups)
}

type recordingHandler chan net.Conn

func (h recordingHandler) Handle(_ context.Context, conn net.Conn) {
	conn.Write([]byte("passed"))
	conn.Close()
	h <- conn
}

func TestListenerPassesTCP(t *testing.T) {
	d := mustDispatcher(t)
	handled := make(recordingHandler, 1)
	l := startFrontend(t, d, ListenerOptions{PassTCP: handled})

	client, err := net.Dial("tcp", l.TCPAddrs()[0].String())
	require.NoError(t, err)
	defer client.Close()

	assert.Equal(t, "passed", string(readTimeout(t, client, 6)))
	<-handled
}

func TestListenerDropsTCPWithoutSocket(t *testing.T) {
	d := mustDispatcher(t)
	mustBind(t, d, "foo", dispatch.TCP, "127.0.0.1")

	before := testutil.ToFloat64(middleware.ConnectionsTotal.WithLabelValues("tcp", "drop"))
	l := startFrontend(t, d, ListenerOptions{PassTCP: make(recordingHandler, 1)})

	client, err := net.Dial("tcp", l.TCPAddrs()[0].String())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, before+1, testutil.ToFloat64(middleware.ConnectionsTotal.WithLabelValues("tcp", "drop")))
}

func TestListenerRefusesBlockedSources(t *testing.T) {
	d := mustDispatcher(t)
	sec := security.NewManager(config.SecurityConfig{BlockedSources: []string{"127.0.0.0/8"}})
	handled := make(recordingHandler, 1)
	l := startFrontend(t, d, ListenerOptions{PassTCP: handled, Security: sec})

	client, err := net.Dial("tcp", l.TCPAddrs()[0].String())
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = client.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Empty(t, handled)
}

func TestListenerRedirectsUDP(t *testing.T) {
	d := mustDispatcher(t)
	mustBind(t, d, "dns", dispatch.UDP, "127.0.0.1")

	be, err := backend.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer be.Close()
	_, _, err = d.RegisterSocket("dns", be)
	require.NoError(t, err)

	l := startFrontend(t, d, ListenerOptions{})
	frontend := l.UDPAddrs()[0].(*net.UDPAddr).AddrPort()

	client, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(frontend))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("query"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	dgram, err := be.ReadDatagram(ctx)
	require.NoError(t, err)

	assert.Equal(t, "query", string(dgram.Payload))
	assert.Equal(t, frontend, dgram.Local)
	assert.Equal(t, client.LocalAddr().(*net.UDPAddr).AddrPort(), dgram.Source)

	require.NoError(t, dgram.Reply([]byte("answer")))
	assert.Equal(t, "answer", string(readTimeout(t, client, 6)))
}

type recordingForwarder chan backend.Datagram

func (f recordingForwarder) Forward(_ context.Context, d backend.Datagram) error {
	f <- d
	return d.Reply([]byte("fwd"))
}

func TestListenerPassesUDP(t *testing.T) {
	d := mustDispatcher(t)
	forwarded := make(recordingForwarder, 1)
	l := startFrontend(t, d, ListenerOptions{PassUDP: forwarded})

	client, err := net.Dial("udp", l.UDPAddrs()[0].String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, "fwd", string(readTimeout(t, client, 3)))
	assert.Equal(t, "x", string((<-forwarded).Payload))
}

func TestListenerMaxConnections(t *testing.T) {
	d := mustDispatcher(t)

	block := make(chan struct{})
	defer close(block)
	l := startFrontend(t, d, ListenerOptions{
		MaxConnections: 1,
		PassTCP:        blockingHandler(block),
	})

	first, err := net.Dial("tcp", l.TCPAddrs()[0].String())
	require.NoError(t, err)
	defer first.Close()

	before := testutil.ToFloat64(middleware.SecurityBlocksTotal.WithLabelValues("max_connections"))
	require.Eventually(t, func() bool {
		second, err := net.Dial("tcp", l.TCPAddrs()[0].String())
		if err != nil {
			return false
		}
		defer second.Close()

		second.SetReadDeadline(time.Now().Add(time.Second))
		_, err = second.Read(make([]byte, 1))
		return err == io.EOF
	}, 5*time.Second, 10*time.Millisecond)
	assert.Greater(t, testutil.ToFloat64(middleware.SecurityBlocksTotal.WithLabelValues("max_connections")), before)
}

type blockingHandler chan struct{}

func (h blockingHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	select {
	case <-h:
	case <-ctx.Done():
	}
}

type signallingHandler chan struct{}

func (h signallingHandler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	close(h)
	<-ctx.Done()
}

func TestListenerWaitAndAbort(t *testing.T) {
	d := mustDispatcher(t)
	started := make(signallingHandler)
	l := startFrontend(t, d, ListenerOptions{PassTCP: started})

	client, err := net.Dial("tcp", l.TCPAddrs()[0].String())
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not handled")
	}

	l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)

	l.Abort()
	assert.NoError(t, l.Wait(context.Background()))
}

func TestListenerStartFailureClosesEverything(t *testing.T) {
	d := mustDispatcher(t)

	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	l := NewListener(d, ListenerOptions{TCPAddrs: []string{"127.0.0.1:0", taken.Addr().String()}})
	assert.Error(t, l.Start(context.Background()))
	assert.Empty(t, l.TCPAddrs())
}

func TestAddrPort(t *testing.T) {
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:80"),
		addrPort(&net.TCPAddr{IP: net.IPv4(127, 0, 0, 1).To4(), Port: 80}))
	assert.Equal(t, netip.MustParseAddrPort("[::1]:53"),
		addrPort(&net.UDPAddr{IP: net.IPv6loopback, Port: 53}))
	assert.Equal(t, netip.AddrPort{}, addrPort(&net.UnixAddr{Name: "x", Net: "unix"}))
}
