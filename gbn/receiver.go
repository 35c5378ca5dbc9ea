package gbn

import "log/slog"

// handleData processes an incoming payload-carrying packet. Only the
// receive loop goroutine ever calls this, and expectedSeq and
// localRecvWin are not guarded by a lock: apart from Connect resetting
// expectedSeq to 0 while completing the handshake, the receive loop is
// their only writer.
func (e *Endpoint) handleData(pkt Packet) {
	switch {
	case pkt.Seq == e.expectedSeq:
		e.deliver(pkt.Payload)
		e.metrics.recordDelivered(len(pkt.Payload))
		e.expectedSeq++
	case pkt.Seq < e.expectedSeq:
		// Duplicate of an already-delivered packet, likely a
		// retransmission the peer sent before seeing our ACK.
	default:
		// Out of order: Go-Back-N receivers carry no reordering buffer,
		// so the packet is discarded and the sender is told, via the
		// re-sent cumulative ACK below, exactly what it is missing.
		e.metrics.recordOutOfOrder()
	}

	ack := Packet{
		Flags:   FlagACK,
		ConnID:  e.cfg.ConnID,
		Ack:     e.expectedSeq,
		RecvWin: e.localRecvWin,
	}
	if err := e.writePacket(ack); err != nil {
		e.logger.logerr("failed to send ack", err, slog.Int("ack", int(e.expectedSeq)))
	}
}
