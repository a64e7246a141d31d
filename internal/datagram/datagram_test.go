package datagram

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripRequest(t *testing.T) {
	d := Datagram{Action: ActionRequest, ChunkID: 7, Name: "doc"}
	buf, err := Encode(d)
	require.NoError(t, err)

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, d.Action, decoded.Action)
	assert.Equal(t, d.ChunkID, decoded.ChunkID)
	assert.Equal(t, d.Name, decoded.Name)
	assert.Empty(t, decoded.Payload)
}

func TestRoundTripReplyWithPayload(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1420)
	d := Datagram{Action: ActionReply, ChunkID: 3, Name: "img", Payload: payload}
	buf, err := Encode(d)
	require.NoError(t, err)
	assert.Len(t, buf, 1+4+1+2+len("img")+1420) // MaxSize budgets for a 25-byte name

	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
}

func TestEncodeNameTooLong(t *testing.T) {
	_, err := Encode(Datagram{Action: ActionRequest, Name: "this-name-is-definitely-too-long-ok"})
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestEncodeChunkTooBig(t *testing.T) {
	_, err := Encode(Datagram{Action: ActionReply, Name: "f", Payload: make([]byte, 1421)})
	assert.ErrorIs(t, err, ErrChunkTooBig)
}

func TestDecodeShortDatagram(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0})
	assert.ErrorIs(t, err, ErrShortDatagram)
}

func TestDecodeMalformedLengths(t *testing.T) {
	d := Datagram{Action: ActionRequest, ChunkID: 1, Name: "f"}
	buf, err := Encode(d)
	require.NoError(t, err)

	_, err = Decode(buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestACKHasNoPayload(t *testing.T) {
	buf, err := Encode(Datagram{Action: ActionACK, ChunkID: 5, Name: "doc"})
	require.NoError(t, err)
	decoded, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, ActionACK, decoded.Action)
	assert.Empty(t, decoded.Payload)
}
