package healthcheck

import (
	"net"
	"testing"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticDestinations []dispatch.DestinationInfo

func (s *staticDestinations) Destinations() []dispatch.DestinationInfo { return *s }

func TestMonitorTracksDestinations(t *testing.T) {
	foo := dispatch.Destination{Label: "foo", Domain: dispatch.Inet, Protocol: dispatch.TCP}
	bar := dispatch.Destination{Label: "bar", Domain: dispatch.Inet6, Protocol: dispatch.UDP}

	dests := &staticDestinations{
		{Destination: foo, Bindings: 1},
		{Destination: bar, HasSocket: true, Cookie: 7},
	}
	m := NewMonitor(dests, time.Hour)

	m.CheckNow()
	assert.False(t, m.DestinationUp(foo))
	assert.True(t, m.DestinationUp(bar))

	*dests = staticDestinations{{Destination: foo, HasSocket: true, Bindings: 1}}
	m.CheckNow()
	assert.True(t, m.DestinationUp(foo))
	assert.False(t, m.DestinationUp(bar), "removed destinations are forgotten")
}

func TestMonitorWithDispatcher(t *testing.T) {
	d, err := dispatch.New(dispatch.Options{Workers: 1})
	require.NoError(t, err)
	defer d.Close()

	b, err := dispatch.NewBinding("foo", dispatch.TCP, "127.0.0.1/32", 80)
	require.NoError(t, err)
	require.NoError(t, d.AddBinding(b))

	m := NewMonitor(d, time.Hour)
	m.CheckNow()
	assert.False(t, m.DestinationUp(dispatch.Destination{Label: "foo", Domain: dispatch.Inet, Protocol: dispatch.TCP}))
}

func TestMonitorChecksUpstreams(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	up := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	// Grab a free port and close it again, so nothing listens there.
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	down := closed.Addr().String()
	closed.Close()

	m := NewMonitor(nil, time.Hour, up, down)
	m.tcpTimeout = time.Second
	m.CheckNow()

	assert.True(t, m.IsHealthy(up))
	assert.False(t, m.IsHealthy(down))
	assert.Equal(t, 1.0, testutil.ToFloat64(middleware.UpstreamHealth.WithLabelValues(up)))
	assert.Equal(t, 0.0, testutil.ToFloat64(middleware.UpstreamHealth.WithLabelValues(down)))

	ln.Close()
	m.CheckNow()
	assert.False(t, m.IsHealthy(up))
}

func TestMonitorStartStop(t *testing.T) {
	m := NewMonitor(&staticDestinations{}, 10*time.Millisecond)
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	m.Stop()
}
