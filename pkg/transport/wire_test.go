package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropic-systems/nucleus/pkg/ids"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := encodeHeader(typeData)
	typ, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, typeData, typ)
}

func TestDecodeHeaderRejectsBadMagicAndShortPayload(t *testing.T) {
	_, err := decodeHeader([]byte{1, 2})
	assert.Error(t, err)

	bad := encodeHeader(typeAnnounce)
	bad[0] = 0x00
	_, err = decodeHeader(bad)
	assert.Error(t, err)
}

func TestAnnounceRoundTrip(t *testing.T) {
	buf := encodeAnnounce("peer-a")
	typ, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, typeAnnounce, typ)
	assert.Equal(t, "peer-a", decodeAnnounceName(buf))
}

func TestDataHeaderRoundTrip(t *testing.T) {
	h := dataHeader{
		PacketID:    123456,
		PacketNo:    3,
		PacketCount: 9,
		Reliable:    true,
		Hash:        ids.HashEventType("some/Event"),
	}
	fragment := []byte("hello fragment bytes")

	wire := encodeData(h, fragment)
	typ, err := decodeHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, typeData, typ)

	got, gotFragment, err := decodeData(wire)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.Equal(t, fragment, gotFragment)
}

func TestDecodeDataRejectsShortPayload(t *testing.T) {
	_, _, err := decodeData(encodeHeader(typeData))
	assert.Error(t, err)
}

func TestBitsetLenUsesCeilingDivision(t *testing.T) {
	// The original source truncates here; spec.md flags that as a bug.
	// 8 fragments must still take exactly one byte, and 9 must take two.
	assert.Equal(t, 1, bitsetLen(8))
	assert.Equal(t, 2, bitsetLen(9))
	assert.Equal(t, 0, bitsetLen(0))
	assert.Equal(t, 1, bitsetLen(1))
}

func TestBitsetSetGetRoundTrip(t *testing.T) {
	bitset := make([]byte, bitsetLen(17))
	bitsetSet(bitset, 0)
	bitsetSet(bitset, 16)

	assert.True(t, bitsetGet(bitset, 0))
	assert.True(t, bitsetGet(bitset, 16))
	assert.False(t, bitsetGet(bitset, 1))
	assert.False(t, bitsetGet(bitset, 15))
}

func TestBitsetGetOutOfRangeIsFalse(t *testing.T) {
	bitset := make([]byte, 1)
	assert.False(t, bitsetGet(bitset, 100))
}

func TestAckNackRoundTrip(t *testing.T) {
	bitset := make([]byte, bitsetLen(10))
	bitsetSet(bitset, 0)
	bitsetSet(bitset, 9)

	h := ackNackHeader{PacketID: 7, PacketNo: 2, PacketCount: 10, Bitset: bitset}
	wire := encodeAckNack(typeAck, h)

	typ, err := decodeHeader(wire)
	require.NoError(t, err)
	assert.Equal(t, typeAck, typ)

	got, err := decodeAckNack(wire)
	require.NoError(t, err)
	assert.Equal(t, h.PacketID, got.PacketID)
	assert.Equal(t, h.PacketCount, got.PacketCount)
	assert.Equal(t, bitset, got.Bitset)
}

func TestDecodeAckNackRejectsShortBitset(t *testing.T) {
	h := ackNackHeader{PacketID: 1, PacketNo: 0, PacketCount: 17, Bitset: make([]byte, 1)}
	wire := encodeAckNack(typeNack, h) // claims 17 fragments (needs 3 bytes) but carries 1
	_, err := decodeAckNack(wire)
	assert.Error(t, err)
}

func TestPacketTypeString(t *testing.T) {
	assert.Equal(t, "ANNOUNCE", typeAnnounce.String())
	assert.Equal(t, "DATA", typeData.String())
	assert.Equal(t, "UNKNOWN", packetType(200).String())
}
