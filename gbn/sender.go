package gbn

import (
	"log/slog"
	"time"
)

// Send admits payload into the sliding window and transmits it
// immediately if a window slot is free. It returns ErrWindowFull when
// the window has no room; callers should retry rather than treat this
// as fatal.
func (e *Endpoint) Send(payload []byte) (Seq, error) {
	select {
	case <-e.closed:
		return 0, ErrClosed
	default:
	}
	if e.State() != StateEstablished {
		return 0, ErrNotEstablished
	}
	if len(payload) > MaxPayload {
		return 0, ErrPayloadTooLarge
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	effectiveWindow := e.cfg.WindowSize
	if int(e.peerRecvWin) < effectiveWindow {
		effectiveWindow = int(e.peerRecvWin)
	}
	inFlight := int(e.nextSeq - e.sendBase)
	if inFlight >= effectiveWindow {
		return 0, ErrWindowFull
	}

	seq := e.nextSeq
	pkt := Packet{
		Flags:   FlagACK,
		ConnID:  e.cfg.ConnID,
		Seq:     seq,
		RecvWin: e.localRecvWin,
		Payload: payload,
	}
	if err := e.writePacket(pkt); err != nil {
		return 0, err
	}
	e.metrics.recordSend(len(payload))

	e.unacked[seq] = unackedEntry{packet: pkt, sentAt: time.Now(), attempts: 1}
	e.nextSeq++

	e.armTimerLocked()

	return seq, nil
}

// armTimerLocked starts the single retransmission timer if it is not
// already running for the current send_base. sendMu must be held.
func (e *Endpoint) armTimerLocked() {
	if e.timer != nil {
		return
	}
	base := e.sendBase
	e.timerSeq = base
	e.timer = time.AfterFunc(e.cfg.RetransmitTimeout, func() {
		e.onTimeout(base)
	})
}

func (e *Endpoint) cancelTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// onTimeout retransmits every unacknowledged packet in the window,
// implementing Go-Back-N's whole-window retransmission, then rearms the
// timer if packets remain unacknowledged.
func (e *Endpoint) onTimeout(base Seq) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if e.State() == StateClosed {
		return
	}
	if base != e.sendBase {
		// A newer ACK already advanced the window; this timer fired for
		// a base that no longer applies.
		e.timer = nil
		return
	}
	e.timer = nil

	for seq := e.sendBase; seq < e.nextSeq; seq++ {
		entry, ok := e.unacked[seq]
		if !ok {
			continue
		}
		entry.attempts++
		entry.sentAt = time.Now()
		e.unacked[seq] = entry
		if err := e.writePacket(entry.packet); err != nil {
			e.logger.logerr("retransmit failed", err, slog.Int("seq", int(seq)))
			continue
		}
		e.metrics.recordRetransmit(len(entry.packet.Payload))
	}

	if len(e.unacked) > 0 {
		e.armTimerLocked()
	}
}

// handleAck processes a cumulative ACK, sliding send_base forward,
// recording RTT samples for newly-acknowledged packets and updating the
// peer's advertised receive window for flow control.
func (e *Endpoint) handleAck(pkt Packet) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.peerRecvWin = pkt.RecvWin

	if pkt.Ack <= e.sendBase {
		return
	}

	now := time.Now()
	for seq := e.sendBase; seq < pkt.Ack && seq < e.nextSeq; seq++ {
		if entry, ok := e.unacked[seq]; ok {
			if entry.attempts == 1 {
				e.metrics.recordRTT(now.Sub(entry.sentAt))
			}
			delete(e.unacked, seq)
		}
	}
	e.sendBase = pkt.Ack

	e.cancelTimerLocked()
	if len(e.unacked) > 0 {
		e.armTimerLocked()
	}
}
