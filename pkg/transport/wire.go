// Package transport implements the peer-to-peer UDP network extension:
// multicast discovery, MTU-aware fragmentation, and selective ACK/NACK
// reliability over raw datagram sockets. Grounded on the wire format and
// announce/retransmit loop of the original NUClear network extension
// (see original_source/src/extension/network/NUClearNetwork.cpp), which
// has no direct Go analogue in the example pack — there is no UDP-level
// transport in the teacher repo to adapt, so this package is new code
// written in the teacher's idiom (small, struct-per-concern files;
// zap-backed logging; errors wrapped with fmt.Errorf/%w).
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

// magic identifies a packet as belonging to this protocol's version 2
// wire format (spec.md §6 "Wire format").
var magic = [4]byte{0xE2, 0x98, 0xA2, 0x02}

type packetType uint8

const (
	typeAnnounce packetType = 1
	typeLeave    packetType = 2
	typeData     packetType = 3
	typeAck      packetType = 4
	typeNack     packetType = 5
)

// headerSize is the size of the shared (magic, type) prefix every packet
// begins with.
const headerSize = 5

func (t packetType) String() string {
	switch t {
	case typeAnnounce:
		return "ANNOUNCE"
	case typeLeave:
		return "LEAVE"
	case typeData:
		return "DATA"
	case typeAck:
		return "ACK"
	case typeNack:
		return "NACK"
	default:
		return "UNKNOWN"
	}
}

func encodeHeader(t packetType) []byte {
	buf := make([]byte, headerSize)
	copy(buf[0:4], magic[:])
	buf[4] = byte(t)
	return buf
}

func decodeHeader(payload []byte) (packetType, error) {
	if len(payload) < headerSize {
		return 0, fmt.Errorf("transport: packet too short for header (%d bytes)", len(payload))
	}
	if payload[0] != magic[0] || payload[1] != magic[1] || payload[2] != magic[2] || payload[3] != magic[3] {
		return 0, fmt.Errorf("transport: bad magic, not a nucleus wire packet")
	}
	return packetType(payload[4]), nil
}

func encodeAnnounce(name string) []byte {
	return append(encodeHeader(typeAnnounce), []byte(name)...)
}

func decodeAnnounceName(payload []byte) string {
	return string(payload[headerSize:])
}

func encodeLeave() []byte {
	return encodeHeader(typeLeave)
}

// dataHeader is the fixed-size portion of a DATA packet, preceding the
// fragment bytes (spec.md §6). PacketID identifies one logical (possibly
// fragmented) send; PacketNo/PacketCount identify this fragment's place
// within it.
type dataHeader struct {
	PacketID    uint32
	PacketNo    uint16
	PacketCount uint16
	Reliable    bool
	Hash        ids.TypeHash
}

// dataHeaderSize is the encoded size of dataHeader, after the shared
// wire header: 4 (id) + 2 (no) + 2 (count) + 1 (reliable) + 16 (hash).
const dataHeaderSize = 4 + 2 + 2 + 1 + 16

func encodeData(h dataHeader, fragment []byte) []byte {
	buf := make([]byte, 0, headerSize+dataHeaderSize+len(fragment))
	buf = append(buf, encodeHeader(typeData)...)
	var tmp4 [4]byte
	var tmp2 [2]byte
	binary.LittleEndian.PutUint32(tmp4[:], h.PacketID)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], h.PacketNo)
	buf = append(buf, tmp2[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], h.PacketCount)
	buf = append(buf, tmp2[:]...)
	if h.Reliable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, h.Hash[:]...)
	buf = append(buf, fragment...)
	return buf
}

func decodeData(payload []byte) (dataHeader, []byte, error) {
	if len(payload) < headerSize+dataHeaderSize {
		return dataHeader{}, nil, fmt.Errorf("transport: DATA packet too short")
	}
	p := payload[headerSize:]
	var h dataHeader
	h.PacketID = binary.LittleEndian.Uint32(p[0:4])
	h.PacketNo = binary.LittleEndian.Uint16(p[4:6])
	h.PacketCount = binary.LittleEndian.Uint16(p[6:8])
	h.Reliable = p[8] != 0
	copy(h.Hash[:], p[9:25])
	fragment := payload[headerSize+dataHeaderSize:]
	return h, fragment, nil
}

// bitsetLen returns ceil(count/8), the byte length of an ACK/NACK
// bitset. The original C++ source uses truncated division here, which
// under-allocates when packet_count is not a multiple of 8; spec.md §9
// flags this as a bug to fix rather than preserve.
func bitsetLen(count uint16) int {
	return (int(count) + 7) / 8
}

// ackNackHeader is the shared shape of ACK and NACK packets: a
// packet_id/packet_no/packet_count triple followed by a bitset
// (spec.md §6). For ACK the bitset marks fragments the sender now
// holds; for NACK it marks fragments the sender wants retransmitted.
type ackNackHeader struct {
	PacketID    uint32
	PacketNo    uint16
	PacketCount uint16
	Bitset      []byte
}

const ackNackFixedSize = 4 + 2 + 2

func encodeAckNack(t packetType, h ackNackHeader) []byte {
	buf := encodeHeader(t)
	var tmp4 [4]byte
	var tmp2 [2]byte
	binary.LittleEndian.PutUint32(tmp4[:], h.PacketID)
	buf = append(buf, tmp4[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], h.PacketNo)
	buf = append(buf, tmp2[:]...)
	binary.LittleEndian.PutUint16(tmp2[:], h.PacketCount)
	buf = append(buf, tmp2[:]...)
	buf = append(buf, h.Bitset...)
	return buf
}

func decodeAckNack(payload []byte) (ackNackHeader, error) {
	if len(payload) < headerSize+ackNackFixedSize {
		return ackNackHeader{}, fmt.Errorf("transport: ACK/NACK packet too short")
	}
	p := payload[headerSize:]
	h := ackNackHeader{
		PacketID:    binary.LittleEndian.Uint32(p[0:4]),
		PacketNo:    binary.LittleEndian.Uint16(p[4:6]),
		PacketCount: binary.LittleEndian.Uint16(p[6:8]),
	}
	want := bitsetLen(h.PacketCount)
	if len(p) < ackNackFixedSize+want {
		return ackNackHeader{}, fmt.Errorf("transport: ACK/NACK bitset shorter than ceil(packet_count/8)")
	}
	h.Bitset = append([]byte(nil), p[ackNackFixedSize:ackNackFixedSize+want]...)
	return h, nil
}

func bitsetSet(bitset []byte, i uint16) {
	bitset[i/8] |= 1 << (i % 8)
}

func bitsetGet(bitset []byte, i uint16) bool {
	if int(i/8) >= len(bitset) {
		return false
	}
	return bitset[i/8]&(1<<(i%8)) != 0
}
