package gbn

import "testing"

func TestPackUnpackRoundTrip(t *testing.T) {
	p := Packet{
		Flags:   FlagSYN | FlagACK,
		ConnID:  42,
		Seq:     7,
		Ack:     3,
		RecvWin: 1024,
		Payload: []byte("hello"),
	}
	buf := Pack(p)
	got, err := Unpack(buf)
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if got.ConnID != p.ConnID || got.Seq != p.Seq || got.Ack != p.Ack || got.RecvWin != p.RecvWin {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, p)
	}
	if string(got.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", got.Payload)
	}
	if got.Flags != (FlagSYN | FlagACK) {
		t.Fatalf("flags mismatch: %v", got.Flags)
	}
}

func TestPackUnpackEmptyPayload(t *testing.T) {
	p := Packet{Flags: FlagACK, ConnID: 1, Seq: 0, Ack: 1, RecvWin: 5}
	got, err := Unpack(Pack(p))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestUnpackRejectsShortBuffer(t *testing.T) {
	_, err := Unpack(make([]byte, headerSize-1))
	if err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestUnpackRejectsBadLength(t *testing.T) {
	buf := Pack(Packet{Payload: []byte("abc")})
	// Truncate payload so declared length no longer matches.
	buf = buf[:len(buf)-1]
	_, err := Unpack(buf)
	if err == nil {
		t.Fatal("expected error for mismatched length")
	}
}

func TestUnpackRejectsBadChecksum(t *testing.T) {
	buf := Pack(Packet{Payload: []byte("abc")})
	buf[headerSize] ^= 0xFF // corrupt payload after checksum computed
	_, err := Unpack(buf)
	if err == nil {
		t.Fatal("expected checksum error")
	}
}
