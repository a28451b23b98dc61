package main

import (
	"bytes"
	"testing"
)

func TestParsePacketAudio(t *testing.T) {
	// "001" + NUL, seq 42, type audio, payload AA BB.
	data := []byte{0x30, 0x30, 0x31, 0x00, 0x00, 0x2A, 0x00, 0x01, 0xAA, 0xBB}
	pkt, err := ParsePacket(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.ID != "001" {
		t.Errorf("id: got %q, want %q", pkt.ID, "001")
	}
	if pkt.Seq != 42 {
		t.Errorf("seq: got %d, want 42", pkt.Seq)
	}
	if pkt.Type != TypeAudio {
		t.Errorf("type: got 0x%04x, want 0x%04x", pkt.Type, TypeAudio)
	}
	if !bytes.Equal(pkt.Payload, []byte{0xAA, 0xBB}) {
		t.Errorf("payload: got % X", pkt.Payload)
	}
}

func TestParsePacketEmptyPayload(t *testing.T) {
	pkt, err := ParsePacket([]byte{'S', 'R', 'V', 'R', 0, 0, 0, 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.ID != "SRVR" || pkt.Type != TypeHeartbeat {
		t.Errorf("got id=%q type=0x%04x", pkt.ID, pkt.Type)
	}
	if len(pkt.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(pkt.Payload))
	}
}

func TestParsePacketTooShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		if _, err := ParsePacket(make([]byte, n)); err == nil {
			t.Errorf("expected error for %d-byte datagram", n)
		}
	}
}

func TestParsePacketStripsTrailingNULsOnly(t *testing.T) {
	// A NUL in the middle of the id field is preserved.
	pkt, err := ParsePacket([]byte{'a', 0, 'b', 0, 0, 1, 0, 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pkt.ID != "a\x00b" {
		t.Errorf("got id %q, want %q", pkt.ID, "a\x00b")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	in := Packet{ID: "001", Seq: 42, Type: TypeAudio, Payload: []byte{0xAA, 0xBB}}
	raw := in.Marshal()

	want := []byte{0x30, 0x30, 0x31, 0x00, 0x00, 0x2A, 0x00, 0x01, 0xAA, 0xBB}
	if !bytes.Equal(raw, want) {
		t.Fatalf("marshal: got % X, want % X", raw, want)
	}

	out, err := ParsePacket(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ID != in.ID || out.Seq != in.Seq || out.Type != in.Type {
		t.Errorf("round trip mismatch: %+v vs %+v", out, in)
	}
}

func TestMarshalTruncatesLongID(t *testing.T) {
	raw := Packet{ID: "TOOLONG", Seq: 0, Type: TypeAudio}.Marshal()
	if !bytes.Equal(raw[:4], []byte("TOOL")) {
		t.Errorf("got id field % X", raw[:4])
	}
}

func TestMarshalSeqWrap(t *testing.T) {
	raw := Packet{ID: "x", Seq: 65535, Type: TypeAudio}.Marshal()
	if raw[4] != 0xFF || raw[5] != 0xFF {
		t.Errorf("got seq bytes % X", raw[4:6])
	}
}

func TestTypeName(t *testing.T) {
	if got := TypeName(TypeAudio); got != "audio" {
		t.Errorf("got %q", got)
	}
	if got := TypeName(0x7777); got != "unknown(0x7777)" {
		t.Errorf("got %q", got)
	}
}

func TestSeqBefore(t *testing.T) {
	cases := []struct {
		a, b uint16
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{5, 5, false},
		{65535, 0, true}, // wrap: 65535 precedes 0
		{0, 65535, false},
		{65000, 100, true}, // shorter way around the ring
	}
	for _, c := range cases {
		if got := seqBefore(c.a, c.b); got != c.want {
			t.Errorf("seqBefore(%d, %d) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
