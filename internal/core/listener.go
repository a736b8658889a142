package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/backend"
	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/internal/security"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
	"golang.org/x/time/rate"
)

const maxDatagramSize = 65535

// ConnHandler takes connections that are not redirected.
type ConnHandler interface {
	Handle(ctx context.Context, conn net.Conn)
}

// DatagramHandler takes datagrams that are not redirected.
type DatagramHandler interface {
	Forward(ctx context.Context, d backend.Datagram) error
}

// ListenerOptions configure the frontend.
type ListenerOptions struct {
	TCPAddrs []string
	UDPAddrs []string
	// Maximum number of connections handled at the same time. 0 is unlimited.
	MaxConnections int
	// Default handlers for PASS. A nil handler closes the connection or
	// discards the datagram.
	PassTCP  ConnHandler
	PassUDP  DatagramHandler
	Security *security.Manager
	Audit    *middleware.AuditLogger
}

// Listener is the frontend: it accepts connections and datagrams, asks the
// dispatcher where each one goes and hands it over.
type Listener struct {
	d       *dispatch.Dispatcher
	opts    ListenerOptions
	workers chan *dispatch.Worker
	connSem chan struct{}
	log     xlog.Logger
	dropLog *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	listeners   []net.Listener
	packetConns []*net.UDPConn

	loops sync.WaitGroup
	conns sync.WaitGroup
}

// NewListener creates a frontend for d. Call Start to open the sockets.
func NewListener(d *dispatch.Dispatcher, opts ListenerOptions) *Listener {
	workers := make(chan *dispatch.Worker, d.Workers())
	for i := 0; i < d.Workers(); i++ {
		workers <- d.Worker(i)
	}

	var connSem chan struct{}
	if opts.MaxConnections > 0 {
		connSem = make(chan struct{}, opts.MaxConnections)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		d:       d,
		opts:    opts,
		workers: workers,
		connSem: connSem,
		log:     xlog.With("frontend"),
		dropLog: rate.NewLimiter(rate.Every(time.Second), 10),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start opens every configured address. Either all of them are open
// afterwards or none.
func (l *Listener) Start(ctx context.Context) error {
	var lc net.ListenConfig

	var (
		listeners   []net.Listener
		packetConns []*net.UDPConn
	)
	cleanup := func() {
		for _, ln := range listeners {
			ln.Close()
		}
		for _, conn := range packetConns {
			conn.Close()
		}
	}

	for _, addr := range l.opts.TCPAddrs {
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			cleanup()
			return fmt.Errorf("listen tcp %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}

	for _, addr := range l.opts.UDPAddrs {
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			cleanup()
			return fmt.Errorf("listen udp %s: %w", addr, err)
		}
		conn := pc.(*net.UDPConn)
		packetConns = append(packetConns, conn)

		if err := enableOrigDst(conn); err != nil {
			l.log.Warnf("Destination addresses on %s fall back to the socket address: %v", addr, err)
		}
	}

	l.mu.Lock()
	l.listeners = append(l.listeners, listeners...)
	l.packetConns = append(l.packetConns, packetConns...)
	l.mu.Unlock()

	for _, ln := range listeners {
		l.log.Infof("Frontend listening on tcp %s", ln.Addr())
		l.loops.Add(1)
		go l.acceptLoop(ln)
	}
	for _, conn := range packetConns {
		l.log.Infof("Frontend listening on udp %s", conn.LocalAddr())
		l.loops.Add(1)
		go l.readLoop(conn)
	}
	return nil
}

// TCPAddrs returns the addresses of the TCP sockets.
func (l *Listener) TCPAddrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	addrs := make([]net.Addr, 0, len(l.listeners))
	for _, ln := range l.listeners {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

// UDPAddrs returns the addresses of the UDP sockets.
func (l *Listener) UDPAddrs() []net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()

	addrs := make([]net.Addr, 0, len(l.packetConns))
	for _, conn := range l.packetConns {
		addrs = append(addrs, conn.LocalAddr())
	}
	return addrs
}

// Stop closes the frontend sockets. Connections that are being proxied keep
// running until Wait returns or Abort is called.
func (l *Listener) Stop() {
	l.mu.Lock()
	for _, ln := range l.listeners {
		ln.Close()
	}
	for _, conn := range l.packetConns {
		conn.Close()
	}
	l.listeners = nil
	l.packetConns = nil
	l.mu.Unlock()

	l.loops.Wait()
}

// Wait blocks until all proxied connections are done or ctx expires.
func (l *Listener) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.conns.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abort cancels all proxied connections.
func (l *Listener) Abort() {
	l.cancel()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	defer l.loops.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Temporary errors such as EMFILE.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			l.log.Errorf("Accept error on %s: %v; retrying in %v", ln.Addr(), err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !l.acquireSlot() {
			middleware.RecordSecurityBlock("max_connections")
			conn.Close()
			continue
		}

		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			defer l.releaseSlot()
			l.handleConn(conn)
		}()
	}
}

func (l *Listener) acquireSlot() bool {
	if l.connSem == nil {
		return true
	}
	select {
	case l.connSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (l *Listener) releaseSlot() {
	if l.connSem != nil {
		<-l.connSem
	}
}

// dispatch runs req on a free worker.
func (l *Listener) dispatch(req *dispatch.Request) dispatch.Verdict {
	w := <-l.workers
	verdict := w.Dispatch(req)
	l.workers <- w
	return verdict
}

func (l *Listener) handleConn(conn net.Conn) {
	start := time.Now()
	local := addrPort(conn.LocalAddr())
	remote := addrPort(conn.RemoteAddr())

	if sec := l.opts.Security; sec != nil {
		if err := sec.CheckConnection(remote); err != nil {
			conn.Close()
			return
		}
	}

	req := dispatch.NewRequest(dispatch.TCP, local)
	defer req.Release()

	verdict := l.dispatch(req)
	middleware.RecordVerdict("tcp", verdict.String())
	l.audit(start, "tcp", remote, local, verdict, req.Target())

	switch verdict {
	case dispatch.VerdictRedirect:
		l.redirectConn(req.Target(), conn)

	case dispatch.VerdictPass:
		if l.opts.PassTCP == nil {
			conn.Close()
			return
		}

		middleware.IncActiveConnections("tcp")
		l.opts.PassTCP.Handle(l.ctx, conn)
		middleware.DecActiveConnections("tcp")
		middleware.RecordConnectionDuration("tcp", time.Since(start).Seconds())

	default:
		conn.Close()
		l.logDrop("tcp", remote, local)
	}
}

func (l *Listener) redirectConn(target dispatch.Socket, conn net.Conn) {
	recv, ok := target.(backend.ConnReceiver)
	if !ok {
		middleware.RecordHandoffFailure("tcp", "unsupported")
		l.log.Errorf("Socket %d can't receive connections", target.Cookie())
		conn.Close()
		return
	}

	if err := recv.DeliverConn(conn); err != nil {
		middleware.RecordHandoffFailure("tcp", handoffReason(err))
		l.log.Debugf("Handing %s to socket %d: %v", conn.RemoteAddr(), target.Cookie(), err)
		conn.Close()
	}
}

func (l *Listener) readLoop(conn *net.UDPConn) {
	defer l.loops.Done()

	fallback := addrPort(conn.LocalAddr())
	buf := make([]byte, maxDatagramSize)
	oob := make([]byte, oobSize)
	for {
		n, oobn, _, remote, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.log.Warnf("Receive error on %s: %v", conn.LocalAddr(), err)
			continue
		}

		local, ok := origDst(oob[:oobn])
		if !ok {
			local = fallback
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		l.handleDatagram(conn, payload, remote, local)
	}
}

func (l *Listener) handleDatagram(conn *net.UDPConn, payload []byte, remote, local netip.AddrPort) {
	start := time.Now()
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

	if sec := l.opts.Security; sec != nil {
		if err := sec.CheckConnection(remote); err != nil {
			return
		}
	}

	oob := replyOOB(local.Addr())
	d := backend.NewDatagram(payload, remote, local, func(p []byte) error {
		_, _, err := conn.WriteMsgUDPAddrPort(p, oob, remote)
		return err
	})

	req := dispatch.NewRequest(dispatch.UDP, local)
	defer req.Release()

	verdict := l.dispatch(req)
	middleware.RecordVerdict("udp", verdict.String())
	l.audit(start, "udp", remote, local, verdict, req.Target())

	switch verdict {
	case dispatch.VerdictRedirect:
		target := req.Target()
		recv, ok := target.(backend.PacketReceiver)
		if !ok {
			middleware.RecordHandoffFailure("udp", "unsupported")
			l.log.Errorf("Socket %d can't receive datagrams", target.Cookie())
			return
		}
		if err := recv.DeliverDatagram(d); err != nil {
			middleware.RecordHandoffFailure("udp", handoffReason(err))
		}

	case dispatch.VerdictPass:
		if l.opts.PassUDP == nil {
			return
		}
		if !l.acquireSlot() {
			middleware.RecordSecurityBlock("max_connections")
			return
		}

		l.conns.Add(1)
		go func() {
			defer l.conns.Done()
			defer l.releaseSlot()
			if err := l.opts.PassUDP.Forward(l.ctx, d); err != nil {
				l.log.Debugf("Forwarding datagram from %s: %v", remote, err)
			}
		}()

	default:
		l.logDrop("udp", remote, local)
	}
}

func (l *Listener) audit(start time.Time, proto string, remote, local netip.AddrPort, verdict dispatch.Verdict, target dispatch.Socket) {
	if l.opts.Audit == nil {
		return
	}

	entry := &middleware.VerdictLog{
		Timestamp:  start,
		Protocol:   proto,
		Source:     remote.String(),
		Local:      local.String(),
		Verdict:    verdict.String(),
		DurationNs: time.Since(start).Nanoseconds(),
	}
	if target != nil {
		entry.Target = target.Cookie()
	}
	l.opts.Audit.Log(entry)
}

func (l *Listener) logDrop(proto string, remote, local netip.AddrPort) {
	if l.dropLog.Allow() {
		l.log.Debugf("Dropped %s %s -> %s", proto, remote, local)
	}
}

func handoffReason(err error) string {
	switch {
	case errors.Is(err, backend.ErrBacklogFull):
		return "backlog_full"
	case errors.Is(err, net.ErrClosed):
		return "closed"
	default:
		return "error"
	}
}

// addrPort converts a TCP or UDP address. Other addresses yield the zero
// value, which dispatches as an unknown family.
func addrPort(addr net.Addr) netip.AddrPort {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.AddrPort()
	case *net.UDPAddr:
		return a.AddrPort()
	default:
		return netip.AddrPort{}
	}
}
