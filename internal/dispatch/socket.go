package dispatch

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrBadSocket is returned when a socket can't serve as a destination.
	ErrBadSocket = errors.New("bad socket")

	ErrWrongProtocol = errors.New("socket protocol does not match connection")
	ErrWrongFamily   = errors.New("socket family does not accept connection")
)

// Socket is a backend socket that connections can be redirected to.
type Socket interface {
	Domain() Domain
	Protocol() Protocol
	// V6Only reports whether an IPv6 socket refuses IPv4 connections.
	V6Only() bool
	// Listening is true for TCP sockets in the listening state. UDP sockets
	// must be unconnected and report true.
	Listening() bool
	// Cookie uniquely identifies the socket for its lifetime.
	Cookie() uint64
}

// Releaser is implemented by sockets that want to know when the last
// reference to them has been dropped.
type Releaser interface {
	SocketReleased()
}

// socketRef is a reference counted Socket. A count of zero means the socket
// is being torn down and must not be handed out again.
type socketRef struct {
	sock Socket
	refs atomic.Int32
}

func newSocketRef(sock Socket) *socketRef {
	ref := &socketRef{sock: sock}
	ref.refs.Store(1)
	return ref
}

func (r *socketRef) tryAcquire() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (r *socketRef) release() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		if rel, ok := r.sock.(Releaser); ok {
			rel.SocketReleased()
		}
	case n < 0:
		panic(fmt.Sprintf("socket %d released too often", r.sock.Cookie()))
	}
}

// socketGuard owns one reference. Release is safe to call more than once.
type socketGuard struct {
	ref *socketRef
}

func (g *socketGuard) Release() {
	if g.ref == nil {
		return
	}
	ref := g.ref
	g.ref = nil
	ref.release()
}

// socketTable maps destination ids to at most one socket each.
type socketTable struct {
	slots []atomic.Pointer[socketRef]
}

func newSocketTable(size int) *socketTable {
	return &socketTable{slots: make([]atomic.Pointer[socketRef], size)}
}

// acquire returns a guard holding a reference to the socket for id. ok is
// false if there is no socket or it is being removed.
func (t *socketTable) acquire(id DestinationID) (g socketGuard, ok bool) {
	if int(id) >= len(t.slots) {
		return socketGuard{}, false
	}
	ref := t.slots[id].Load()
	if ref == nil || !ref.tryAcquire() {
		return socketGuard{}, false
	}
	return socketGuard{ref}, true
}

// set stores sock for id, dropping the table's reference to any previous
// socket. A nil sock clears the slot. It returns whether a socket was
// replaced.
func (t *socketTable) set(id DestinationID, sock Socket) bool {
	var ref *socketRef
	if sock != nil {
		ref = newSocketRef(sock)
	}

	old := t.slots[id].Swap(ref)
	if old == nil {
		return false
	}
	old.release()
	return true
}

func (t *socketTable) get(id DestinationID) Socket {
	if int(id) >= len(t.slots) {
		return nil
	}
	if ref := t.slots[id].Load(); ref != nil {
		return ref.sock
	}
	return nil
}

// checkCompatible reports whether sock can take a connection of the given
// family and protocol. It returns unwrapped sentinels so that it doesn't
// allocate.
func checkCompatible(sock Socket, family Domain, proto Protocol) error {
	if sock.Protocol() != proto {
		return ErrWrongProtocol
	}

	switch family {
	case Inet:
		switch sock.Domain() {
		case Inet:
			return nil
		case Inet6:
			if !sock.V6Only() {
				return nil
			}
		}
	case Inet6:
		if sock.Domain() == Inet6 {
			return nil
		}
	}
	return ErrWrongFamily
}

func validateSocket(sock Socket) error {
	switch sock.Domain() {
	case Inet, Inet6:
	default:
		return fmt.Errorf("%w: unsupported domain %s", ErrBadSocket, sock.Domain())
	}

	switch sock.Protocol() {
	case TCP, UDP:
	default:
		return fmt.Errorf("%w: unsupported protocol %s", ErrBadSocket, sock.Protocol())
	}

	if !sock.Listening() {
		if sock.Protocol() == TCP {
			return fmt.Errorf("%w: tcp socket is not listening", ErrBadSocket)
		}
		return fmt.Errorf("%w: udp socket is connected", ErrBadSocket)
	}
	return nil
}
