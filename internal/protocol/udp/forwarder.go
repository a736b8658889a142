package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/backend"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
)

const maxReplySize = 65535

// Resolver turns an upstream host:port into an address.
type Resolver interface {
	ResolveAddr(ctx context.Context, hostport string) (netip.AddrPort, error)
}

// Forwarder relays a datagram to an upstream and sends the first reply back
// to the original source.
type Forwarder struct {
	upstream string
	timeout  time.Duration
	resolver Resolver
}

// NewForwarder creates a forwarder. timeout bounds the whole exchange.
func NewForwarder(upstream string, timeout time.Duration, resolver Resolver) *Forwarder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Forwarder{upstream: upstream, timeout: timeout, resolver: resolver}
}

// Upstream returns the configured upstream address.
func (f *Forwarder) Upstream() string {
	return f.upstream
}

// Forward sends d to the upstream and relays one reply.
func (f *Forwarder) Forward(ctx context.Context, d backend.Datagram) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	start := time.Now()
	conn, err := f.dial(ctx)
	if err != nil {
		middleware.RecordUpstreamRequest(f.upstream, "error", time.Since(start).Seconds())
		return fmt.Errorf("dial upstream %s: %w", f.upstream, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(d.Payload); err != nil {
		middleware.RecordUpstreamRequest(f.upstream, "error", time.Since(start).Seconds())
		return fmt.Errorf("write to upstream %s: %w", f.upstream, err)
	}

	buf := make([]byte, maxReplySize)
	n, err := conn.Read(buf)
	if err != nil {
		middleware.RecordUpstreamRequest(f.upstream, "error", time.Since(start).Seconds())
		return fmt.Errorf("read from upstream %s: %w", f.upstream, err)
	}
	middleware.RecordUpstreamRequest(f.upstream, "ok", time.Since(start).Seconds())
	middleware.RecordUpstreamBytes("udp", int64(n), int64(len(d.Payload)))

	return d.Reply(buf[:n])
}

func (f *Forwarder) dial(ctx context.Context) (net.Conn, error) {
	addr := f.upstream
	if f.resolver != nil {
		ap, err := f.resolver.ResolveAddr(ctx, f.upstream)
		if err != nil {
			return nil, err
		}
		addr = ap.String()
	}

	var d net.Dialer
	return d.DialContext(ctx, "udp", addr)
}
