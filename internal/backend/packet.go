package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
)

const maxDatagramSize = 65535

// Datagram is a UDP payload received by a PacketListener.
type Datagram struct {
	Payload []byte
	Source  netip.AddrPort
	// Local is the address the datagram was sent to.
	Local netip.AddrPort

	reply func([]byte) error
}

// NewDatagram creates a datagram whose replies are passed to reply.
func NewDatagram(payload []byte, source, local netip.AddrPort, reply func([]byte) error) Datagram {
	return Datagram{payload, source, local, reply}
}

// Reply sends p back to the source of the datagram.
func (d Datagram) Reply(p []byte) error {
	if d.reply == nil {
		return errors.New("datagram can't be replied to")
	}
	return d.reply(p)
}

// PacketReceiver takes over datagrams that were dispatched to it.
type PacketReceiver interface {
	DeliverDatagram(Datagram) error
}

// PacketListener is a UDP backend. ReadDatagram returns both datagrams read
// from the underlying OS socket and datagrams handed over by a dispatcher.
type PacketListener struct {
	SocketInfo
	conn *net.UDPConn

	datagrams chan Datagram
	errs      chan error

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
	releaseNotifier
}

// ListenPacket opens a UDP backend on address.
func ListenPacket(ctx context.Context, network, address string) (*PacketListener, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, network, address)
	if err != nil {
		return nil, err
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("%w: %s is not a UDP network", dispatch.ErrWrongProtocol, network)
	}

	pl, err := NewPacketListener(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return pl, nil
}

// NewPacketListener wraps an unconnected UDP socket.
func NewPacketListener(conn *net.UDPConn) (*PacketListener, error) {
	info, err := Describe(conn, conn.LocalAddr(), dispatch.UDP)
	if err != nil {
		return nil, err
	}
	if info.Proto != dispatch.UDP {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrWrongProtocol, info)
	}

	pl := &PacketListener{
		SocketInfo: info,
		conn:       conn,
		datagrams:  make(chan Datagram, DefaultBacklog),
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
	}
	go pl.readLoop()
	return pl, nil
}

func (pl *PacketListener) readLoop() {
	local := pl.conn.LocalAddr().(*net.UDPAddr).AddrPort()
	buf := make([]byte, maxDatagramSize)
	for {
		n, src, err := pl.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case pl.errs <- err:
			case <-pl.done:
				return
			}
			continue
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])
		d := NewDatagram(payload, src, local, func(p []byte) error {
			_, err := pl.conn.WriteToUDPAddrPort(p, src)
			return err
		})

		select {
		case pl.datagrams <- d:
		case <-pl.done:
			return
		}
	}
}

// ReadDatagram waits for the next datagram.
func (pl *PacketListener) ReadDatagram(ctx context.Context) (Datagram, error) {
	select {
	case d := <-pl.datagrams:
		return d, nil
	case err := <-pl.errs:
		return Datagram{}, err
	case <-pl.done:
		return Datagram{}, net.ErrClosed
	case <-ctx.Done():
		return Datagram{}, ctx.Err()
	}
}

// DeliverDatagram queues a handed-off datagram without blocking.
func (pl *PacketListener) DeliverDatagram(d Datagram) error {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	select {
	case <-pl.done:
		return net.ErrClosed
	default:
	}

	select {
	case pl.datagrams <- d:
		return nil
	default:
		return ErrBacklogFull
	}
}

// LocalAddr returns the address of the OS socket.
func (pl *PacketListener) LocalAddr() net.Addr {
	return pl.conn.LocalAddr()
}

// Close closes the OS socket and discards queued datagrams.
func (pl *PacketListener) Close() error {
	var err error
	pl.closeOnce.Do(func() {
		pl.mu.Lock()
		close(pl.done)
		pl.mu.Unlock()

		err = pl.conn.Close()
	})
	return err
}
