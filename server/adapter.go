package server

import (
	"errors"
	"net"
	"sync"
	"time"
)

// connAdapter presents one multiplexed connection as its own
// net.PacketConn, so a gbn.Endpoint can be opened over it exactly as it
// would over a dedicated socket. Inbound datagrams are pushed in by the
// Demux's shared read loop; outbound datagrams are written straight to
// the shared socket addressed at the connection's current remote
// address.
type connAdapter struct {
	demux *Demux

	// origin is the address the connection was opened with. ReadFrom
	// reports it for every datagram, since the Demux has already matched
	// the datagram by connection ID; this keeps the endpoint's own
	// remote-address check from rejecting packets after a NAT rebind.
	origin net.Addr

	mu     sync.Mutex
	remote net.Addr
	inbox  chan []byte
	closed chan struct{}
	once   sync.Once

	readDeadline time.Time
}

func newConnAdapter(d *Demux, remote net.Addr) *connAdapter {
	return &connAdapter{
		demux:  d,
		origin: remote,
		remote: remote,
		inbox:  make(chan []byte, 32),
		closed: make(chan struct{}),
	}
}

func (a *connAdapter) setRemote(addr net.Addr) {
	a.mu.Lock()
	a.remote = addr
	a.mu.Unlock()
}

func (a *connAdapter) currentRemote() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remote
}

// deliverRaw is called by the Demux's read loop to hand this
// connection's owner a datagram addressed to it.
func (a *connAdapter) deliverRaw(raw []byte) {
	select {
	case a.inbox <- raw:
	case <-a.closed:
	default:
		// Inbox full: the connection's receive loop is falling behind.
		// Drop rather than block the shared demux read loop.
	}
}

func (a *connAdapter) ReadFrom(p []byte) (int, net.Addr, error) {
	a.mu.Lock()
	deadline := a.readDeadline
	a.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case raw, ok := <-a.inbox:
		if !ok {
			return 0, nil, errors.New("server: connection closed")
		}
		n := copy(p, raw)
		return n, a.origin, nil
	case <-a.closed:
		return 0, nil, errors.New("server: connection closed")
	case <-timeout:
		return 0, nil, errTimeout{}
	}
}

func (a *connAdapter) WriteTo(p []byte, _ net.Addr) (int, error) {
	return a.demux.conn.WriteTo(p, a.currentRemote())
}

func (a *connAdapter) shutdown() {
	a.once.Do(func() { close(a.closed) })
}

func (a *connAdapter) Close() error {
	a.shutdown()
	return nil
}

func (a *connAdapter) LocalAddr() net.Addr { return a.demux.conn.LocalAddr() }

func (a *connAdapter) SetDeadline(t time.Time) error {
	return a.SetReadDeadline(t)
}

func (a *connAdapter) SetReadDeadline(t time.Time) error {
	a.mu.Lock()
	a.readDeadline = t
	a.mu.Unlock()
	return nil
}

func (a *connAdapter) SetWriteDeadline(time.Time) error { return nil }

type errTimeout struct{}

func (errTimeout) Error() string   { return "server: read timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }
