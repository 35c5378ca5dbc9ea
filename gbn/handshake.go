package gbn

import (
	"context"
	"log/slog"
	"time"
)

// Connect performs the initiator side of the three-way handshake: it
// sends a SYN, waits for a SYN-ACK and replies with the final ACK. It
// honors both ctx cancellation and the configured connect timeout,
// supplementing the busy-polling behavior of the reference
// implementation with a cancellable wait.
func (e *Endpoint) Connect(ctx context.Context) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	e.setState(StateSynSent)

	syn := Packet{Flags: FlagSYN, ConnID: e.cfg.ConnID, Seq: 0, RecvWin: e.localRecvWin}
	if err := e.writePacket(syn); err != nil {
		return err
	}
	e.logger.debug("sent SYN", slog.Int("conn", int(e.cfg.ConnID)))

	deadline := time.NewTimer(e.cfg.ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateClosed)
			return ctx.Err()
		case <-deadline.C:
			e.setState(StateClosed)
			return ErrHandshakeTimeout
		case pkt := <-e.handshakeCh:
			if !pkt.Flags.Has(FlagSYN | FlagACK) {
				continue
			}
			if pkt.Ack != 1 {
				e.setState(StateClosed)
				return ErrHandshakeRejected
			}

			// Seq/Ack here are fixed protocol markers for the handshake
			// itself, not the data sequence counter: data numbering
			// always starts at 0, independent of the handshake.
			final := Packet{Flags: FlagACK, ConnID: e.cfg.ConnID, Seq: 1, Ack: pkt.Seq + 1, RecvWin: e.localRecvWin}
			if err := e.writePacket(final); err != nil {
				return err
			}

			e.expectedSeq = 0

			e.sendMu.Lock()
			e.sendBase = 0
			e.nextSeq = 0
			e.peerRecvWin = pkt.RecvWin
			e.sendMu.Unlock()

			e.setState(StateEstablished)
			e.logger.debug("handshake complete", slog.Int("conn", int(e.cfg.ConnID)))
			return nil
		}
	}
}

// Accept performs the responder side of the three-way handshake given a
// SYN packet already read off the wire (typically by a server
// demultiplexer that dispatches the new connection to a freshly opened
// Endpoint). It sends a SYN-ACK and waits for the initiator's final ACK.
func (e *Endpoint) Accept(ctx context.Context, syn Packet) error {
	e.setState(StateSynRcvd)

	// handshakeAck is a fixed protocol marker acknowledging the peer's
	// SYN; it is unrelated to the data sequence counter, which always
	// starts at 0.
	handshakeAck := syn.Seq + 1
	e.sendMu.Lock()
	e.peerRecvWin = syn.RecvWin
	e.sendMu.Unlock()

	synAck := Packet{Flags: FlagSYN | FlagACK, ConnID: e.cfg.ConnID, Seq: 0, Ack: handshakeAck, RecvWin: e.localRecvWin}
	if err := e.writePacket(synAck); err != nil {
		return err
	}
	e.logger.debug("sent SYN-ACK", slog.Int("conn", int(e.cfg.ConnID)))

	deadline := time.NewTimer(e.cfg.ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			e.setState(StateClosed)
			return ctx.Err()
		case <-deadline.C:
			e.setState(StateClosed)
			return ErrHandshakeTimeout
		case pkt := <-e.handshakeCh:
			if pkt.Flags.HasAny(FlagSYN) {
				// Duplicate SYN while still waiting for the final ACK:
				// idempotent, re-send the SYN-ACK, no state change.
				e.writePacket(synAck)
				continue
			}
			if !pkt.Flags.Has(FlagACK) {
				continue
			}
			if !e.cfg.LenientHandshake && pkt.Ack != 1 {
				e.setState(StateClosed)
				return ErrHandshakeRejected
			}

			e.sendMu.Lock()
			e.sendBase = 0
			e.nextSeq = 0
			e.sendMu.Unlock()

			e.setState(StateEstablished)
			e.logger.debug("handshake complete", slog.Int("conn", int(e.cfg.ConnID)))
			return nil
		}
	}
}
