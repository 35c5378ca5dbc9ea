// Package server multiplexes many Go-Back-N connections over a single
// shared UDP socket, dispatching inbound datagrams to the right
// connection by the connection identifier carried in the wire header.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/arqchat/gbnchat/gbn"
)

const (
	defaultIdleTimeout = 2 * time.Minute
	defaultReadBuf     = 2048
	defaultReapEvery   = 15 * time.Second
)

// NewDeliverFunc builds the DeliverFunc a freshly accepted connection
// should use, given its connection ID and remote address. It lets a
// caller like a chat server wire per-connection application behavior
// without the demultiplexer knowing anything about chat semantics.
type NewDeliverFunc func(id gbn.ConnID, remote net.Addr) gbn.DeliverFunc

// Config configures a Demux.
type Config struct {
	Conn         net.PacketConn
	WindowSize   int
	RecvWindow   uint16
	IdleTimeout  time.Duration
	LossInjector gbn.LossInjector
	Logger       *slog.Logger
	NewDeliver   NewDeliverFunc
	// OnEstablished, if set, is called once a passively-opened
	// connection completes its handshake.
	OnEstablished func(*gbn.Endpoint)
	// OnClosed, if set, is called after a connection is removed from
	// the table, whether by FIN, error or idle reap.
	OnClosed func(id gbn.ConnID)
}

type connEntry struct {
	endpoint *gbn.Endpoint
	adapter  *connAdapter
	remote   net.Addr
	lastSeen time.Time
}

// Demux owns one shared socket and the table of live connections
// multiplexed over it. The connection table is keyed by connection ID,
// which is authoritative; a secondary remote-address index exists only
// to route packets from a client whose NAT mapping has not changed and
// is rebound freely, never used to reject a packet that otherwise
// matches a known connection ID.
type Demux struct {
	cfg    Config
	conn   net.PacketConn
	logger *slog.Logger

	mu        sync.Mutex
	byConn    map[gbn.ConnID]*connEntry
	byAddr    map[string]gbn.ConnID
	closed    bool

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Demux bound to cfg.Conn and starts its read and idle
// reap loops.
func New(cfg Config) *Demux {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.LossInjector == nil {
		cfg.LossInjector = gbn.NewCleanInjector()
	}
	if cfg.NewDeliver == nil {
		cfg.NewDeliver = func(gbn.ConnID, net.Addr) gbn.DeliverFunc { return func([]byte) {} }
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	d := &Demux{
		cfg:    cfg,
		conn:   cfg.Conn,
		logger: cfg.Logger,
		byConn: make(map[gbn.ConnID]*connEntry),
		byAddr: make(map[string]gbn.ConnID),
		group:  group,
		ctx:    gctx,
		cancel: cancel,
	}

	d.group.Go(func() error {
		d.readLoop()
		return nil
	})
	d.group.Go(func() error {
		d.reapLoop()
		return nil
	})

	return d
}

func (d *Demux) readLoop() {
	buf := make([]byte, defaultReadBuf)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		d.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := d.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-d.ctx.Done():
				return
			default:
			}
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])
		d.route(raw, addr)
	}
}

func (d *Demux) route(raw []byte, addr net.Addr) {
	pkt, err := gbn.Unpack(raw)
	if err != nil {
		if d.logger != nil {
			d.logger.Debug("demux: dropping malformed packet", slog.String("err", err.Error()))
		}
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	entry, ok := d.byConn[pkt.ConnID]
	if ok {
		if entry.remote.String() != addr.String() {
			// The peer's source address changed (NAT rebind) but the
			// connection ID still matches: trust the connection ID and
			// follow the new address rather than rejecting the packet.
			delete(d.byAddr, entry.remote.String())
			entry.remote = addr
			d.byAddr[addr.String()] = pkt.ConnID
			entry.adapter.setRemote(addr)
		}
		entry.lastSeen = time.Now()
	}
	d.mu.Unlock()

	if ok {
		entry.adapter.deliverRaw(raw)
		if pkt.Flags.HasAny(gbn.FlagFIN) {
			// The peer is tearing down: let the endpoint finish, then
			// drop the connection from the table.
			d.group.Go(func() error {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				entry.endpoint.Close(ctx)
				d.remove(pkt.ConnID)
				return nil
			})
		}
		return
	}

	if pkt.Flags.HasAny(gbn.FlagSYN) {
		d.acceptNew(pkt, raw, addr)
		return
	}
	// Non-SYN packet for an unknown connection: nothing to route it to.
}

func (d *Demux) acceptNew(pkt gbn.Packet, raw []byte, addr net.Addr) {
	adapter := newConnAdapter(d, addr)

	ep, err := gbn.Open(gbn.EndpointConfig{
		Conn:         adapter,
		Remote:       addr,
		ConnID:       pkt.ConnID,
		WindowSize:   d.cfg.WindowSize,
		RecvWindow:   d.cfg.RecvWindow,
		LossInjector: d.cfg.LossInjector,
		Logger:       d.logger,
		Deliver:      d.cfg.NewDeliver(pkt.ConnID, addr),
	})
	if err != nil {
		if d.logger != nil {
			d.logger.Error("demux: failed to open endpoint", slog.String("err", err.Error()))
		}
		return
	}

	entry := &connEntry{endpoint: ep, adapter: adapter, remote: addr, lastSeen: time.Now()}

	d.mu.Lock()
	d.byConn[pkt.ConnID] = entry
	d.byAddr[addr.String()] = pkt.ConnID
	d.mu.Unlock()

	adapter.deliverRaw(raw)

	d.group.Go(func() error {
		if err := ep.Accept(d.ctx, pkt); err != nil {
			if d.logger != nil {
				d.logger.Debug("demux: handshake failed", slog.String("err", err.Error()))
			}
			d.remove(pkt.ConnID)
			return nil
		}
		if d.cfg.OnEstablished != nil {
			d.cfg.OnEstablished(ep)
		}
		return nil
	})
}

func (d *Demux) remove(id gbn.ConnID) {
	d.mu.Lock()
	entry, ok := d.byConn[id]
	if ok {
		delete(d.byConn, id)
		delete(d.byAddr, entry.remote.String())
	}
	d.mu.Unlock()
	if ok {
		entry.adapter.shutdown()
		if d.cfg.OnClosed != nil {
			d.cfg.OnClosed(id)
		}
	}
}

func (d *Demux) reapLoop() {
	ticker := time.NewTicker(defaultReapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.reapOnce()
		}
	}
}

func (d *Demux) reapOnce() {
	deadline := time.Now().Add(-d.cfg.IdleTimeout)
	var stale []gbn.ConnID

	d.mu.Lock()
	for id, entry := range d.byConn {
		if entry.lastSeen.Before(deadline) {
			stale = append(stale, id)
		}
	}
	d.mu.Unlock()

	for _, id := range stale {
		if d.logger != nil {
			d.logger.Debug("demux: reaping idle connection", slog.Int("conn", int(id)))
		}
		d.remove(id)
	}
}

// Close stops accepting new datagrams, closes every live connection and
// aggregates their close errors instead of surfacing only the first.
func (d *Demux) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	entries := make([]*connEntry, 0, len(d.byConn))
	for _, e := range d.byConn {
		entries = append(entries, e)
	}
	d.mu.Unlock()

	var result *multierror.Error
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, e := range entries {
		wg.Add(1)
		go func(e *connEntry) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := e.endpoint.Close(ctx); err != nil {
				resMu.Lock()
				result = multierror.Append(result, err)
				resMu.Unlock()
			}
		}(e)
	}
	wg.Wait()

	d.cancel()
	if err := d.group.Wait(); err != nil {
		resMu.Lock()
		result = multierror.Append(result, err)
		resMu.Unlock()
	}
	if err := d.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		result = multierror.Append(result, err)
	}
	if result == nil {
		return nil
	}
	return result
}

// Send writes payload to the peer on the named connection, if it still
// exists and is established.
func (d *Demux) Send(id gbn.ConnID, payload []byte) (gbn.Seq, error) {
	d.mu.Lock()
	entry, ok := d.byConn[id]
	d.mu.Unlock()
	if !ok {
		return 0, errUnknownConnection
	}
	return entry.endpoint.Send(payload)
}

var errUnknownConnection = errors.New("server: unknown connection id")
