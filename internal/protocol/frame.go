// Package protocol implements the Message Router: the binary sync
// protocol spoken over one framed connection (spec.md §4.4). A frame
// is [protocol_type byte][sub_type byte][varint length][payload].
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/taskgraph/collabcore/internal/corerr"
)

type ProtocolType byte

const (
	Sync ProtocolType = 0
)

type SubType byte

const (
	SyncRequest  SubType = 0
	SyncResponse SubType = 1
	SyncUpdate   SubType = 2
)

// Message is one decoded frame.
type Message struct {
	Protocol ProtocolType
	Sub      SubType
	Payload  []byte
}

// Encode serializes a message to its wire form. The length prefix
// uses the standard library's unsigned varint (binary.PutUvarint) —
// there's no third-party framing library in the pack narrower than
// full protobuf/cbor container formats, and reaching for one of those
// just to prefix a length would add a dependency for something the
// standard library already does exactly right (see DESIGN.md).
func Encode(m Message) []byte {
	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(m.Payload)))

	out := make([]byte, 0, 2+n+len(m.Payload))
	out = append(out, byte(m.Protocol), byte(m.Sub))
	out = append(out, lenBuf[:n]...)
	out = append(out, m.Payload...)
	return out
}

// EncodeSyncRequest, EncodeSyncResponse, EncodeSyncUpdate build the
// three sync sub-messages spec.md's frame table defines.
func EncodeSyncRequest(stateVector []byte) []byte {
	return Encode(Message{Protocol: Sync, Sub: SyncRequest, Payload: stateVector})
}

func EncodeSyncResponse(update []byte) []byte {
	return Encode(Message{Protocol: Sync, Sub: SyncResponse, Payload: update})
}

func EncodeSyncUpdate(update []byte) []byte {
	return Encode(Message{Protocol: Sync, Sub: SyncUpdate, Payload: update})
}

// Decode parses one frame from b, returning the message and the
// number of bytes consumed. A malformed or truncated frame, or a
// protocol/sub_type this core doesn't recognize, is a ProtocolError:
// spec.md requires the frame be dropped and the session preserved,
// never closed.
func Decode(b []byte) (Message, int, error) {
	if len(b) < 2 {
		return Message{}, 0, &corerr.ProtocolError{Reason: "frame shorter than header"}
	}
	pt := ProtocolType(b[0])
	st := SubType(b[1])

	length, n := binary.Uvarint(b[2:])
	if n <= 0 {
		return Message{}, 0, &corerr.ProtocolError{Reason: "invalid length varint"}
	}
	start := 2 + n
	end := start + int(length)
	if end > len(b) {
		return Message{}, 0, &corerr.ProtocolError{Reason: "truncated payload"}
	}

	if pt != Sync {
		return Message{}, end, &corerr.ProtocolError{Reason: fmt.Sprintf("unknown protocol type %d", pt)}
	}
	switch st {
	case SyncRequest, SyncResponse, SyncUpdate:
	default:
		return Message{}, end, &corerr.ProtocolError{Reason: fmt.Sprintf("unknown sub type %d", st)}
	}

	payload := make([]byte, length)
	copy(payload, b[start:end])
	return Message{Protocol: pt, Sub: st, Payload: payload}, end, nil
}
