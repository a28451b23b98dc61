package main

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Datagram wire format:
//
//	offset 0 : 4 bytes  endpoint id (ASCII, NUL-padded)
//	offset 4 : 2 bytes  sequence number, big-endian
//	offset 6 : 2 bytes  packet type, big-endian
//	offset 8 : N bytes  payload
const (
	HeaderSize = 8
	idFieldLen = 4
)

// Packet types.
const (
	TypeAudio     uint16 = 0x0001
	TypeControl   uint16 = 0x0002
	TypeHeartbeat uint16 = 0x0003
)

// Reserved endpoint ids.
const (
	// ServerID stamps server-originated datagrams such as heartbeat replies.
	ServerID = "SRVR"
	// VirtualID is the control-plane-backed virtual endpoint.
	VirtualID = "DSH"
)

// Packet is a decoded datagram. Payload aliases the receive buffer; callers
// that retain it past the read loop must copy.
type Packet struct {
	ID      string
	Seq     uint16
	Type    uint16
	Payload []byte
}

// ParsePacket decodes the 8-byte header and payload from a raw datagram.
// Trailing NULs in the id field are stripped.
func ParsePacket(data []byte) (Packet, error) {
	if len(data) < HeaderSize {
		return Packet{}, fmt.Errorf("datagram too short: %d bytes", len(data))
	}
	return Packet{
		ID:      strings.TrimRight(string(data[:idFieldLen]), "\x00"),
		Seq:     binary.BigEndian.Uint16(data[4:6]),
		Type:    binary.BigEndian.Uint16(data[6:8]),
		Payload: data[HeaderSize:],
	}, nil
}

// Marshal builds the raw datagram for p. Ids longer than four bytes are
// truncated; shorter ids are NUL-padded.
func (p Packet) Marshal() []byte {
	buf := make([]byte, HeaderSize+len(p.Payload))
	copy(buf[:idFieldLen], p.ID)
	binary.BigEndian.PutUint16(buf[4:6], p.Seq)
	binary.BigEndian.PutUint16(buf[6:8], p.Type)
	copy(buf[HeaderSize:], p.Payload)
	return buf
}

// TypeName returns a short label for a packet type, for logs and monitor events.
func TypeName(t uint16) string {
	switch t {
	case TypeAudio:
		return "audio"
	case TypeControl:
		return "control"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(0x%04x)", t)
	}
}

// seqBefore reports whether sequence a precedes b in mod-2^16 order,
// treating the shorter way around the ring as the true distance.
func seqBefore(a, b uint16) bool {
	return int16(a-b) < 0
}
