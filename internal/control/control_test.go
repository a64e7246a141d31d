package control

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	payload := []byte("hello tracker")
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FlagLIST, payload))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FlagLIST, frame.Flag)
	assert.Equal(t, payload, frame.Payload)
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, FlagLIST, nil))

	frame, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, FlagLIST, frame.Flag)
	assert.Empty(t, frame.Payload)
}

func TestDecodeHeaderShortFrame(t *testing.T) {
	_, _, err := DecodeHeader([]byte{1, 0})
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestDecodeHeaderUnknownFlag(t *testing.T) {
	_, _, err := DecodeHeader([]byte{0xEE, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownFlag)
}

func TestDecodeHeaderBadLength(t *testing.T) {
	_, _, err := DecodeHeader([]byte{byte(FlagLIST), 0, 10})
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestReadFrameUnknownFlagCloses(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0xEE, 0, 0})
	_, err := ReadFrame(buf)
	assert.ErrorIs(t, err, ErrUnknownFlag)
}

func TestInventoryEntryRoundTrip(t *testing.T) {
	entries := []InventoryEntry{
		{Size: 3500, Complete: true, Name: "doc"},
		{Size: 5880, Complete: false, Have: []byte{0b00000101}, Name: "img"},
	}

	decoded, err := DecodeEntries(EncodeEntries(entries))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, entries[0].Size, decoded[0].Size)
	assert.True(t, decoded[0].Complete)
	assert.Equal(t, entries[0].Name, decoded[0].Name)
	assert.Equal(t, entries[1].Have, decoded[1].Have)
	assert.Equal(t, entries[1].Name, decoded[1].Name)
}

func TestInventoryEntryHasBlock(t *testing.T) {
	complete := InventoryEntry{Size: 100, Complete: true}
	assert.True(t, complete.HasBlock(0))

	partial := InventoryEntry{Size: 4260, Have: []byte{0b00000101}}
	assert.True(t, partial.HasBlock(0))
	assert.False(t, partial.HasBlock(1))
	assert.True(t, partial.HasBlock(2))
}

func TestDecodeEntriesMalformed(t *testing.T) {
	_, err := DecodeEntries([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestAddBlockRoundTrip(t *testing.T) {
	payload := EncodeAddBlock(2, "f")
	index, name, err := DecodeAddBlock(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), index)
	assert.Equal(t, "f", name)
}

func TestAddBlockMalformed(t *testing.T) {
	_, _, err := DecodeAddBlock([]byte{0, 0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestFileNamesRoundTrip(t *testing.T) {
	names := []string{"doc", "img", "movie.mkv"}
	decoded := DecodeFileNames(EncodeFileNames(names))
	assert.Equal(t, names, decoded)
}

func TestFileNamesEmpty(t *testing.T) {
	assert.Nil(t, DecodeFileNames(nil))
}

func TestAvailabilityReplyRoundTrip(t *testing.T) {
	a := net.ParseIP("10.0.0.1").To4()
	b := net.ParseIP("10.0.0.2").To4()
	reply := AvailabilityReply{
		FileSize:    5880,
		BlockCount:  5,
		FullHolders: nil,
		BlockHolders: map[uint32][]net.IP{
			0: {a},
			1: {a},
			2: {b},
			3: {b},
			4: {b},
		},
	}

	decoded, err := DecodeAvailabilityReply(EncodeAvailabilityReply(reply))
	require.NoError(t, err)
	assert.Equal(t, reply.FileSize, decoded.FileSize)
	assert.Equal(t, reply.BlockCount, decoded.BlockCount)
	assert.Equal(t, reply.BlockHolders[0], decoded.BlockHolders[0])
	assert.Equal(t, reply.BlockHolders[2], decoded.BlockHolders[2])
}

func TestAvailabilityReplyUnknownFileIsEmptyOK(t *testing.T) {
	reply := AvailabilityReply{FileSize: 0, BlockCount: 0}
	decoded, err := DecodeAvailabilityReply(EncodeAvailabilityReply(reply))
	require.NoError(t, err)
	assert.Empty(t, decoded.FullHolders)
	assert.Empty(t, decoded.BlockHolders)
	assert.Equal(t, uint32(0), decoded.BlockCount)
}

func TestAvailabilityReplyMalformed(t *testing.T) {
	_, err := DecodeAvailabilityReply([]byte{0, 0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}
