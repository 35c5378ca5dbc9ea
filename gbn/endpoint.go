package gbn

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultWindowSize        = 5
	defaultRecvWindow        = 10
	defaultRetransmitTimeout = 500 * time.Millisecond
	defaultConnectTimeout    = 5 * time.Second
	defaultReadBuf           = 2048
)

// DeliverFunc is invoked once per in-order payload the receiver admits.
// It is called synchronously from the endpoint's receive loop with no
// endpoint lock held, so it must not block for long; it may call Send on
// the Endpoint it was registered on.
type DeliverFunc func(payload []byte)

// EndpointConfig configures a new Endpoint. Zero-valued numeric fields
// fall back to the documented defaults.
type EndpointConfig struct {
	// Conn is the underlying datagram socket. In production this is a
	// *net.UDPConn from net.ListenUDP; tests may supply any
	// net.PacketConn, including an in-memory substrate.
	Conn net.PacketConn
	// Remote is the address packets are written to and, for client
	// endpoints, the only address accepted on read.
	Remote net.Addr
	// ConnID is the connection identifier carried on the wire. The
	// initiator chooses it; a passively-opened Endpoint inherits it
	// from the SYN that created it.
	ConnID ConnID

	WindowSize        int
	RecvWindow        uint16
	RetransmitTimeout time.Duration
	ConnectTimeout    time.Duration

	// LenientHandshake disables strict ACK validation of the final
	// handshake ACK (ack must equal 1). Defaults to false: strict mode.
	LenientHandshake bool

	LossInjector LossInjector
	Logger       *slog.Logger
	Deliver      DeliverFunc
}

type unackedEntry struct {
	packet   Packet
	sentAt   time.Time
	attempts int
}

// Endpoint is one end of a Go-Back-N connection. It owns a background
// receive loop, managed through an errgroup so Close can wait for it to
// exit, and a single retransmission timer (a time.AfterFunc) that Close
// stops.
type Endpoint struct {
	cfg    EndpointConfig
	logger logger
	conn   net.PacketConn
	remote net.Addr

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc

	stateMu sync.Mutex
	state   State

	sendMu      sync.Mutex
	sendBase    Seq
	nextSeq     Seq
	unacked     map[Seq]unackedEntry
	peerRecvWin uint16
	timer       *time.Timer
	timerSeq    Seq // sendBase value the pending timer was armed for

	expectedSeq  Seq
	localRecvWin uint16

	handshakeCh chan Packet // delivers SYN-ACK/ACK packets to Connect/Accept

	deliver DeliverFunc
	metrics *Metrics

	closeOnce sync.Once
	closed    chan struct{}
}

// Open constructs an Endpoint bound to cfg.Conn and spawns its
// background receive loop. The connection does not begin handshaking
// until Connect or Accept is called.
func Open(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = defaultWindowSize
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = defaultRecvWindow
	}
	if cfg.RetransmitTimeout <= 0 {
		cfg.RetransmitTimeout = defaultRetransmitTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.LossInjector == nil {
		cfg.LossInjector = NewCleanInjector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	e := &Endpoint{
		cfg:          cfg,
		logger:       logger{log: cfg.Logger},
		conn:         cfg.Conn,
		remote:       cfg.Remote,
		group:        group,
		ctx:          gctx,
		cancel:       cancel,
		unacked:      make(map[Seq]unackedEntry),
		peerRecvWin:  1, // assume at least one slot until the peer tells us otherwise
		localRecvWin: cfg.RecvWindow,
		handshakeCh:  make(chan Packet, 4),
		deliver:      cfg.Deliver,
		metrics:      newMetrics(),
		closed:       make(chan struct{}),
	}
	if e.deliver == nil {
		e.deliver = func([]byte) {}
	}

	e.group.Go(func() error {
		e.receiveLoop()
		return nil
	})

	return e, nil
}

func (e *Endpoint) setState(s State) {
	e.stateMu.Lock()
	e.state = s
	e.stateMu.Unlock()
}

// State returns the endpoint's current position in the handshake/
// teardown state machine.
func (e *Endpoint) State() State {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.state
}

// Metrics returns a snapshot of this connection's accumulated counters
// and their derived values.
func (e *Endpoint) Metrics() Snapshot {
	return e.metrics.Snapshot()
}

// ConnID returns the connection identifier carried on the wire for this
// endpoint.
func (e *Endpoint) ConnID() ConnID { return e.cfg.ConnID }

// RemoteAddr returns the peer address this endpoint exchanges packets
// with.
func (e *Endpoint) RemoteAddr() net.Addr { return e.remote }

func (e *Endpoint) writePacket(p Packet) error {
	buf := Pack(p)
	if e.cfg.LossInjector.ShouldDrop() {
		e.logger.trace("dropping outbound packet", slog.Int("seq", int(p.Seq)), slog.String("flags", p.Flags.String()))
		return nil
	}
	_, err := e.conn.WriteTo(buf, e.remote)
	return err
}

// receiveLoop reads datagrams from the socket until the endpoint is
// closed, dispatching each to the handshake, data or teardown path.
func (e *Endpoint) receiveLoop() {
	buf := make([]byte, defaultReadBuf)
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		e.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := e.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-e.ctx.Done():
				return
			default:
			}
			e.logger.logerr("read error", err)
			continue
		}
		if e.remote != nil && addr.String() != e.remote.String() {
			continue
		}

		pkt, err := Unpack(buf[:n])
		if err != nil {
			e.logger.logerr("dropping malformed packet", err)
			continue
		}

		e.dispatch(pkt)
	}
}

func (e *Endpoint) dispatch(pkt Packet) {
	switch {
	case pkt.Flags.HasAny(FlagSYN):
		if e.State() == StateEstablished {
			// Duplicate SYN for a connection that already finished its
			// handshake: re-send the SYN-ACK, no state change.
			synAck := Packet{Flags: FlagSYN | FlagACK, ConnID: e.cfg.ConnID, Seq: 0, Ack: pkt.Seq + 1, RecvWin: e.localRecvWin}
			e.writePacket(synAck)
			return
		}
		select {
		case e.handshakeCh <- pkt:
		default:
		}
	case pkt.Flags.HasAny(FlagFIN):
		e.handleFin(pkt)
	case pkt.Flags.Has(FlagACK) && len(pkt.Payload) == 0 && e.State() != StateEstablished:
		select {
		case e.handshakeCh <- pkt:
		default:
		}
	case pkt.Flags.Has(FlagACK) && len(pkt.Payload) == 0:
		e.handleAck(pkt)
	default:
		e.handleData(pkt)
	}
}

func (e *Endpoint) handleFin(pkt Packet) {
	e.logger.debug("received FIN", slog.Int("conn", int(pkt.ConnID)))
	e.setState(StateClosing)
	ack := Packet{Flags: FlagACK, ConnID: e.cfg.ConnID, Ack: pkt.Seq + 1, RecvWin: e.localRecvWin}
	e.writePacket(ack)
	e.setState(StateClosed)
	e.closeOnce.Do(func() { close(e.closed) })
}

// Close gracefully tears down the connection: unless the connection is
// already CLOSED it sends a FIN, then it stops the retransmission timer,
// cancels the background receive loop, waits for it to exit and closes
// the underlying PacketConn. Close is idempotent.
func (e *Endpoint) Close(ctx context.Context) error {
	if e.State() != StateClosed {
		e.setState(StateClosing)

		e.sendMu.Lock()
		finSeq := e.nextSeq
		e.sendMu.Unlock()
		fin := Packet{Flags: FlagFIN, ConnID: e.cfg.ConnID, Seq: finSeq, RecvWin: e.localRecvWin}
		e.writePacket(fin)

		select {
		case <-e.closed:
		case <-ctx.Done():
		case <-time.After(e.cfg.RetransmitTimeout * 2):
		}
	}

	e.sendMu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.sendMu.Unlock()

	e.setState(StateClosed)
	e.cancel()
	_ = e.group.Wait()
	e.closeOnce.Do(func() { close(e.closed) })
	e.conn.Close()
	return nil
}
