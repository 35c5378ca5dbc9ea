package gbn

import "encoding/binary"

// headerSize is the fixed size, in bytes, of every packet's header
// regardless of payload length.
const headerSize = 20

// MaxPayload is the fixed maximum payload size admitted by Send,
// chosen to keep a full packet comfortably under a conservative Ethernet
// MTU estimate after UDP/IP overhead.
const MaxPayload = 1400

// Packet is the in-memory representation of one datagram on the wire.
// Unlike a zero-copy frame view, Packet owns its payload: callers build
// serialize one with Pack and parse one with Unpack.
type Packet struct {
	Version  uint8
	Flags    Flags
	ConnID   ConnID
	Seq      Seq
	Ack      Seq
	RecvWin  uint16
	Payload  []byte
}

const wireVersion = 1

// Pack serializes p into its wire representation, computing the
// checksum over the header (with the checksum field zeroed) and the
// payload.
func Pack(p Packet) []byte {
	buf := make([]byte, headerSize+len(p.Payload))
	buf[0] = wireVersion
	buf[1] = uint8(p.Flags.Mask())
	binary.BigEndian.PutUint16(buf[2:4], uint16(p.ConnID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(p.Seq))
	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Ack))
	binary.BigEndian.PutUint16(buf[12:14], p.RecvWin)
	binary.BigEndian.PutUint16(buf[14:16], uint16(len(p.Payload)))
	// buf[16:20] checksum left zero for computation
	copy(buf[headerSize:], p.Payload)

	sum := checksum(buf)
	binary.BigEndian.PutUint32(buf[16:20], sum)
	return buf
}

// Unpack parses buf into a Packet, validating minimum length, the
// declared payload length and the checksum, in that order.
func Unpack(buf []byte) (Packet, error) {
	if len(buf) < headerSize {
		return Packet{}, &MalformedPacketError{Reason: "buffer shorter than header"}
	}
	length := binary.BigEndian.Uint16(buf[14:16])
	if int(length) != len(buf)-headerSize {
		return Packet{}, &MalformedPacketError{Reason: "length field does not match payload size"}
	}

	wantSum := binary.BigEndian.Uint32(buf[16:20])
	check := make([]byte, len(buf))
	copy(check, buf)
	binary.BigEndian.PutUint32(check[16:20], 0)
	if gotSum := checksum(check); gotSum != wantSum {
		return Packet{}, &MalformedPacketError{Reason: "checksum mismatch"}
	}

	p := Packet{
		Version: buf[0],
		Flags:   Flags(buf[1]).Mask(),
		ConnID:  ConnID(binary.BigEndian.Uint16(buf[2:4])),
		Seq:     Seq(binary.BigEndian.Uint32(buf[4:8])),
		Ack:     Seq(binary.BigEndian.Uint32(buf[8:12])),
		RecvWin: binary.BigEndian.Uint16(buf[12:14]),
	}
	if length > 0 {
		p.Payload = make([]byte, length)
		copy(p.Payload, buf[headerSize:])
	}
	return p, nil
}

// checksum computes the unsigned 32-bit sum of every byte in buf,
// reduced modulo 2^32 by virtue of uint32 overflow. This is an additive
// integrity check, not a cryptographic one: it catches accidental
// corruption, not tampering.
func checksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return sum
}
