package middleware

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/SkynetNext/sockdispatch/internal/backend"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAddBinding(t *testing.T, d *dispatch.Dispatcher, label string, proto dispatch.Protocol, prefix string, port uint16) {
	t.Helper()

	b, err := dispatch.NewBinding(label, proto, prefix, port)
	require.NoError(t, err)
	require.NoError(t, d.AddBinding(b))
}

func dispatchTo(d *dispatch.Dispatcher, proto dispatch.Protocol, addr string) dispatch.Verdict {
	req := dispatch.NewRequest(proto, netip.MustParseAddrPort(addr))
	defer req.Release()
	return d.Worker(0).Dispatch(req)
}

func TestCollector(t *testing.T) {
	d, err := dispatch.New(dispatch.Options{Workers: 1})
	require.NoError(t, err)

	mustAddBinding(t, d, "foo", dispatch.TCP, "10.0.0.0/8", 80)
	mustAddBinding(t, d, "foo", dispatch.TCP, "10.1.0.0/16", 80)
	mustAddBinding(t, d, "bar", dispatch.UDP, "127.0.0.1", 53)

	_, _, err = d.RegisterSocket("foo", backend.SocketInfo{
		Family:    dispatch.Inet,
		Proto:     dispatch.TCP,
		Accepting: true,
		ID:        42,
	})
	require.NoError(t, err)

	require.Equal(t, dispatch.VerdictRedirect, dispatchTo(d, dispatch.TCP, "10.0.0.1:80"))
	require.Equal(t, dispatch.VerdictRedirect, dispatchTo(d, dispatch.TCP, "10.1.0.1:80"))
	require.Equal(t, dispatch.VerdictDrop, dispatchTo(d, dispatch.UDP, "127.0.0.1:53"))

	c := NewCollector(d, "sockdispatch")
	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))

	expected := `
# HELP sockdispatch_bindings The number of bindings for each destination.
# TYPE sockdispatch_bindings gauge
sockdispatch_bindings{domain="ipv4",label="bar",protocol="udp"} 1
sockdispatch_bindings{domain="ipv4",label="foo",protocol="tcp"} 2
# HELP sockdispatch_collection_errors_total The number of times metrics collection encountered an error.
# TYPE sockdispatch_collection_errors_total counter
sockdispatch_collection_errors_total 0
# HELP sockdispatch_destination_has_socket Whether or not a destination has a registered socket.
# TYPE sockdispatch_destination_has_socket gauge
sockdispatch_destination_has_socket{domain="ipv4",label="bar",protocol="udp"} 0
sockdispatch_destination_has_socket{domain="ipv4",label="foo",protocol="tcp"} 1
# HELP sockdispatch_errors_total Total number of failed lookups due to an error.
# TYPE sockdispatch_errors_total counter
sockdispatch_errors_total{domain="ipv4",label="bar",protocol="udp",reason="bad-socket"} 0
sockdispatch_errors_total{domain="ipv4",label="foo",protocol="tcp",reason="bad-socket"} 0
# HELP sockdispatch_lookups_total Total number of times traffic matched a destination.
# TYPE sockdispatch_lookups_total counter
sockdispatch_lookups_total{domain="ipv4",label="bar",protocol="udp"} 1
sockdispatch_lookups_total{domain="ipv4",label="foo",protocol="tcp"} 2
# HELP sockdispatch_misses_total Total number of failed lookups since no socket was registered.
# TYPE sockdispatch_misses_total counter
sockdispatch_misses_total{domain="ipv4",label="bar",protocol="udp"} 1
sockdispatch_misses_total{domain="ipv4",label="foo",protocol="tcp"} 0
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))

	require.NoError(t, d.Close())

	expected = `
# HELP sockdispatch_collection_errors_total The number of times metrics collection encountered an error.
# TYPE sockdispatch_collection_errors_total counter
sockdispatch_collection_errors_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected)))
}

func TestCollectorWithoutNamespace(t *testing.T) {
	d, err := dispatch.New(dispatch.Options{Workers: 1})
	require.NoError(t, err)
	defer d.Close()

	mustAddBinding(t, d, "foo", dispatch.TCP, "::/0", 0)

	c := NewCollector(d, "")
	assert.Equal(t, 1, testutil.CollectAndCount(c, "bindings"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "lookups_total"))
}
