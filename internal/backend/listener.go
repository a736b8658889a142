package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
)

// DefaultBacklog is the number of handed-off connections a Listener queues
// before refusing more.
const DefaultBacklog = 128

// ConnReceiver takes over connections that were dispatched to it.
type ConnReceiver interface {
	DeliverConn(net.Conn) error
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Listener is a TCP backend. Accept returns both connections accepted on
// the underlying OS socket and connections handed over by a dispatcher.
//
// Listener implements dispatch.Socket and dispatch.Releaser, so it can be
// registered directly.
type Listener struct {
	SocketInfo
	ln net.Listener

	conns chan acceptResult

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	releaseNotifier
}

// Listen opens a TCP backend on address.
func Listen(ctx context.Context, network, address string) (*Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, network, address)
	if err != nil {
		return nil, err
	}

	l, err := NewListener(ln)
	if err != nil {
		ln.Close()
		return nil, err
	}
	return l, nil
}

// NewListener wraps ln, which must be backed by a TCP socket.
func NewListener(ln net.Listener) (*Listener, error) {
	sc, ok := ln.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("%w: %T is not a syscall.Conn", dispatch.ErrBadSocket, ln)
	}

	info, err := Describe(sc, ln.Addr(), dispatch.TCP)
	if err != nil {
		return nil, err
	}
	if info.Proto != dispatch.TCP {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrWrongProtocol, info)
	}

	l := &Listener{
		SocketInfo: info,
		ln:         ln,
		conns:      make(chan acceptResult, DefaultBacklog),
		done:       make(chan struct{}),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *Listener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Report the error to Accept, but keep going.
			select {
			case l.conns <- acceptResult{err: err}:
			case <-l.done:
				return
			}
			continue
		}

		select {
		case l.conns <- acceptResult{conn: conn}:
			if l.closed() {
				l.drain()
				return
			}
		case <-l.done:
			conn.Close()
			return
		}
	}
}

// Accept waits for the next connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case res := <-l.conns:
		return res.conn, res.err
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// DeliverConn queues a handed-off connection. It doesn't block: if the
// backlog is full ErrBacklogFull is returned and the caller keeps
// ownership of conn, as it does with net.ErrClosed after Close.
func (l *Listener) DeliverConn(conn net.Conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed() {
		return net.ErrClosed
	}

	select {
	case l.conns <- acceptResult{conn: conn}:
		return nil
	default:
		return ErrBacklogFull
	}
}

// Close closes the OS socket. Queued connections are closed.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		// Deliveries hold mu, so none can queue after the drain below.
		l.mu.Lock()
		close(l.done)
		l.mu.Unlock()

		err = l.ln.Close()
		l.drain()
	})
	return err
}

func (l *Listener) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// drain closes every queued connection.
func (l *Listener) drain() {
	for {
		select {
		case res := <-l.conns:
			if res.conn != nil {
				res.conn.Close()
			}
		default:
			return
		}
	}
}

// Addr returns the address of the OS socket.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// releaseNotifier implements dispatch.Releaser.
type releaseNotifier struct {
	once     sync.Once
	released chan struct{}
	initOnce sync.Once
}

func (r *releaseNotifier) ch() chan struct{} {
	r.initOnce.Do(func() { r.released = make(chan struct{}) })
	return r.released
}

// SocketReleased is called by the dispatcher once a registration of the
// socket has been dropped and no dispatch refers to it anymore.
func (r *releaseNotifier) SocketReleased() {
	r.once.Do(func() { close(r.ch()) })
}

// Released is closed after the first SocketReleased call.
func (r *releaseNotifier) Released() <-chan struct{} {
	return r.ch()
}
