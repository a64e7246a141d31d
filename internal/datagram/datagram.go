// Package datagram implements the fixed-layout block-request/reply wire
// format exchanged between a leecher and a seeder over UDP (spec C2):
// action(1) | chunk_id(4,LE) | name_len(1) | payload_len(2,LE) |
// name(name_len) | payload(payload_len).
package datagram

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/mccartykim/fileswarm/internal/blockspec"
)

// Action identifies the kind of a datagram.
type Action byte

const (
	ActionACK     Action = 0
	ActionRequest Action = 1
	ActionReply   Action = 2
)

// MaxSize is the largest encoded datagram: 1+4+1+2+25+1420 = 1453 bytes,
// which fits a 1500-byte MTU alongside IPv4+UDP headers.
const MaxSize = 1 + 4 + 1 + 2 + blockspec.MaxNameLen + blockspec.MaxBlock

const headerLen = 1 + 4 + 1 + 2

var (
	ErrNameTooLong   = errors.New("datagram: name exceeds 25 bytes")
	ErrChunkTooBig   = errors.New("datagram: payload exceeds MAX_BLOCK")
	ErrShortDatagram = errors.New("datagram: fewer than 8 header bytes")
	ErrMalformed     = errors.New("datagram: declared lengths do not match buffer")
)

// Datagram is a decoded block-request/reply message.
type Datagram struct {
	Action  Action
	ChunkID uint32
	Name    string
	Payload []byte
}

// Encode serializes d, rejecting names or payloads that exceed the wire
// budget.
func Encode(d Datagram) ([]byte, error) {
	nameBytes := []byte(d.Name)
	if len(nameBytes) > blockspec.MaxNameLen {
		return nil, errors.Wrapf(ErrNameTooLong, "name %q is %d bytes", d.Name, len(nameBytes))
	}
	if len(d.Payload) > blockspec.MaxBlock {
		return nil, errors.Wrapf(ErrChunkTooBig, "payload is %d bytes", len(d.Payload))
	}

	buf := make([]byte, headerLen+len(nameBytes)+len(d.Payload))
	buf[0] = byte(d.Action)
	binary.LittleEndian.PutUint32(buf[1:5], d.ChunkID)
	buf[5] = byte(len(nameBytes))
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(d.Payload)))
	off := headerLen
	off += copy(buf[off:], nameBytes)
	copy(buf[off:], d.Payload)
	return buf, nil
}

// Decode parses a datagram received off the wire.
func Decode(buf []byte) (Datagram, error) {
	if len(buf) < headerLen {
		return Datagram{}, ErrShortDatagram
	}
	action := Action(buf[0])
	chunkID := binary.LittleEndian.Uint32(buf[1:5])
	nameLen := int(buf[5])
	payloadLen := int(binary.LittleEndian.Uint16(buf[6:8]))

	if nameLen > blockspec.MaxNameLen {
		return Datagram{}, errors.Wrapf(ErrNameTooLong, "declared name_len %d", nameLen)
	}
	if payloadLen > blockspec.MaxBlock {
		return Datagram{}, errors.Wrapf(ErrChunkTooBig, "declared payload_len %d", payloadLen)
	}
	if len(buf) != headerLen+nameLen+payloadLen {
		return Datagram{}, errors.Wrapf(ErrMalformed, "buffer is %d bytes, header+name+payload wants %d", len(buf), headerLen+nameLen+payloadLen)
	}

	name := string(buf[headerLen : headerLen+nameLen])
	var payload []byte
	if payloadLen > 0 {
		payload = append([]byte(nil), buf[headerLen+nameLen:]...)
	}

	return Datagram{
		Action:  action,
		ChunkID: chunkID,
		Name:    name,
		Payload: payload,
	}, nil
}
