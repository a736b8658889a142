package tcp

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

// Resolver turns an upstream host:port into an address.
type Resolver interface {
	ResolveAddr(ctx context.Context, hostport string) (netip.AddrPort, error)
}

// Proxy copies a connection to a fixed upstream and back.
type Proxy struct {
	upstream    string
	dialTimeout time.Duration
	resolver    Resolver
	log         xlog.Logger
}

// NewProxy creates a proxy to upstream. resolver may be nil, in which case
// upstream is dialed as is.
func NewProxy(upstream string, dialTimeout time.Duration, resolver Resolver) *Proxy {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &Proxy{
		upstream:    upstream,
		dialTimeout: dialTimeout,
		resolver:    resolver,
		log:         xlog.With("tcp-proxy"),
	}
}

// Upstream returns the configured upstream address.
func (p *Proxy) Upstream() string {
	return p.upstream
}

func (p *Proxy) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.dialTimeout)
	defer cancel()

	addr := p.upstream
	if p.resolver != nil {
		ap, err := p.resolver.ResolveAddr(ctx, p.upstream)
		if err != nil {
			return nil, err
		}
		addr = ap.String()
	}

	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

// Handle proxies src until both directions are done or ctx is cancelled.
// It always closes src.
func (p *Proxy) Handle(ctx context.Context, src net.Conn) {
	defer src.Close()

	start := time.Now()
	dst, err := p.dial(ctx)
	if err != nil {
		middleware.RecordUpstreamRequest(p.upstream, "error", time.Since(start).Seconds())
		p.log.Errorf("Failed to dial upstream %s: %v", p.upstream, err)
		return
	}
	defer dst.Close()
	middleware.RecordUpstreamRequest(p.upstream, "ok", time.Since(start).Seconds())

	stop := context.AfterFunc(ctx, func() {
		src.Close()
		dst.Close()
	})
	defer stop()

	var (
		wg      sync.WaitGroup
		written int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		written, _ = io.Copy(dst, src)
		closeWrite(dst)
	}()

	read, _ := io.Copy(src, dst)
	closeWrite(src)
	wg.Wait()

	middleware.RecordUpstreamBytes("tcp", read, written)
}

func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
		return
	}
	conn.Close()
}
