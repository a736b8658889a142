package dispatch

import (
	"fmt"
	"net/netip"
)

// Verdict is the outcome of dispatching a connection.
type Verdict uint8

const (
	// VerdictPass leaves the connection to the default socket lookup.
	VerdictPass Verdict = iota
	// VerdictRedirect means the request now holds a reference to the
	// destination socket.
	VerdictRedirect
	VerdictDrop
)

func (v Verdict) String() string {
	switch v {
	case VerdictPass:
		return "pass"
	case VerdictRedirect:
		return "redirect"
	case VerdictDrop:
		return "drop"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Request describes an incoming connection: the local side of a TCP
// connection or the destination of a UDP first packet.
//
// LocalIP4 and LocalIP6 use the word format documented on Normalize.
type Request struct {
	Family    Domain
	Protocol  Protocol
	LocalIP4  uint32
	LocalIP6  [4]uint32
	LocalPort uint16

	target socketGuard
}

// NewRequest builds a request for a connection to local.
func NewRequest(proto Protocol, local netip.AddrPort) *Request {
	family, ip4, ip6 := addrWords(local.Addr())
	return &Request{
		Family:    family,
		Protocol:  proto,
		LocalIP4:  ip4,
		LocalIP6:  ip6,
		LocalPort: local.Port(),
	}
}

// assign points the request at the socket held by g. The request takes its
// own reference, g keeps its one.
func (r *Request) assign(g *socketGuard) error {
	sock := g.ref.sock
	if err := checkCompatible(sock, r.Family, r.Protocol); err != nil {
		return err
	}

	g.ref.refs.Add(1)
	r.target = socketGuard{g.ref}
	return nil
}

// Target returns the socket selected by a REDIRECT verdict, or nil.
func (r *Request) Target() Socket {
	if r.target.ref == nil {
		return nil
	}
	return r.target.ref.sock
}

// Release drops the request's socket reference. It must be called once the
// connection has been handed to the target.
func (r *Request) Release() {
	r.target.Release()
}

// Worker dispatches connections on behalf of one execution context. A
// Worker must not be used from more than one goroutine at a time; use one
// Worker per goroutine.
type Worker struct {
	d     *Dispatcher
	shard int
}

// Dispatch decides what happens to the connection described by req. It
// doesn't block or allocate. Any target left from an earlier dispatch of
// req is released first.
func (w *Worker) Dispatch(req *Request) Verdict {
	// A reused request starts without a target.
	req.target.Release()

	addr := Normalize(req.Family, req.LocalIP4, req.LocalIP6)

	id, ok := resolve(w.d.bindings.load(), req.Protocol, &addr, req.LocalPort)
	if !ok {
		return VerdictPass
	}

	metrics := w.d.metrics.record(w.shard, id)
	if metrics == nil {
		return VerdictDrop
	}
	metrics.lookups.Add(1)

	guard, ok := w.d.sockets.acquire(id)
	if !ok {
		metrics.misses.Add(1)
		return VerdictDrop
	}
	defer guard.Release()

	if err := req.assign(&guard); err != nil {
		metrics.errorBadSocket.Add(1)
		return VerdictDrop
	}
	return VerdictRedirect
}
