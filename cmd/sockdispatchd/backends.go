package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/SkynetNext/sockdispatch/internal/backend"
	"github.com/SkynetNext/sockdispatch/internal/config"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/protocol/tcp"
	"github.com/SkynetNext/sockdispatch/internal/protocol/udp"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

type backendSet struct {
	closers []func() error
	targets []string
}

// startBackends opens the configured backend sockets, registers them with
// the dispatcher and proxies what they receive to their upstreams.
func startBackends(ctx context.Context, d *dispatch.Dispatcher, cfg *config.Config, resolver tcp.Resolver) (*backendSet, error) {
	set := &backendSet{}
	for _, bc := range cfg.Backends {
		if err := set.start(ctx, d, bc, cfg, resolver); err != nil {
			set.Close()
			return nil, fmt.Errorf("backend %s: %w", bc.Label, err)
		}
		set.targets = append(set.targets, bc.Upstream)
	}
	return set, nil
}

func (s *backendSet) start(ctx context.Context, d *dispatch.Dispatcher, bc config.BackendConfig, cfg *config.Config, resolver tcp.Resolver) error {
	proto, err := dispatch.ParseProtocol(bc.Protocol)
	if err != nil {
		return err
	}

	switch proto {
	case dispatch.TCP:
		ln, err := backend.Listen(ctx, "tcp", bc.Listen)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, ln.Close)
		if _, _, err := d.RegisterSocket(bc.Label, ln); err != nil {
			return err
		}

		proxy := tcp.NewProxy(bc.Upstream, cfg.Server.DialTimeout, resolver)
		go serveConns(ctx, ln, proxy)
		xlog.Infof("Backend %s listening on %s (%s), upstream %s", bc.Label, ln.Addr(), ln.SocketInfo, bc.Upstream)

	case dispatch.UDP:
		pl, err := backend.ListenPacket(ctx, "udp", bc.Listen)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, pl.Close)
		if _, _, err := d.RegisterSocket(bc.Label, pl); err != nil {
			return err
		}

		fwd := udp.NewForwarder(bc.Upstream, cfg.Server.DialTimeout, resolver)
		go serveDatagrams(ctx, pl, fwd)
		xlog.Infof("Backend %s listening on %s (%s), upstream %s", bc.Label, pl.LocalAddr(), pl.SocketInfo, bc.Upstream)
	}
	return nil
}

func serveConns(ctx context.Context, ln *backend.Listener, proxy *tcp.Proxy) {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			xlog.Warnf("Backend accept error: %v", err)
			continue
		}
		go proxy.Handle(ctx, conn)
	}
}

func serveDatagrams(ctx context.Context, pl *backend.PacketListener, fwd *udp.Forwarder) {
	for {
		dgram, err := pl.ReadDatagram(ctx)
		if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return
		}
		if err != nil {
			xlog.Warnf("Backend read error: %v", err)
			continue
		}
		go func() {
			if err := fwd.Forward(ctx, dgram); err != nil {
				xlog.Debugf("Forward datagram from %s: %v", dgram.Source, err)
			}
		}()
	}
}

func (s *backendSet) upstreams() []string {
	return append([]string(nil), s.targets...)
}

// Close closes every backend socket. The dispatcher releases its reference
// when the socket is unregistered or the dispatcher is closed.
func (s *backendSet) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
