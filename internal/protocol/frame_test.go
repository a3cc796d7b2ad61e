package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/collabcore/internal/corerr"
)

func TestEncodeDecodeRoundTripAllSubTypes(t *testing.T) {
	cases := []struct {
		name    string
		encode  func([]byte) []byte
		subType SubType
	}{
		{"request", EncodeSyncRequest, SyncRequest},
		{"response", EncodeSyncResponse, SyncResponse},
		{"update", EncodeSyncUpdate, SyncUpdate},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			payload := []byte("hello world")
			frame := c.encode(payload)

			msg, n, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, len(frame), n)
			assert.Equal(t, Sync, msg.Protocol)
			assert.Equal(t, c.subType, msg.Sub)
			assert.Equal(t, payload, msg.Payload)
		})
	}
}

func TestEncodeDecodeEmptyPayload(t *testing.T) {
	frame := EncodeSyncUpdate(nil)
	msg, _, err := Decode(frame)
	require.NoError(t, err)
	assert.Empty(t, msg.Payload)
}

func TestDecodeShorterThanHeaderIsProtocolError(t *testing.T) {
	_, _, err := Decode([]byte{0x00})
	var protoErr *corerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeTruncatedPayloadIsProtocolError(t *testing.T) {
	frame := EncodeSyncUpdate([]byte("this will be cut short"))
	truncated := frame[:len(frame)-5]

	_, _, err := Decode(truncated)
	var protoErr *corerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeUnknownProtocolTypeIsProtocolError(t *testing.T) {
	frame := EncodeSyncUpdate([]byte("payload"))
	frame[0] = 0x7f

	_, _, err := Decode(frame)
	var protoErr *corerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeUnknownSubTypeIsProtocolError(t *testing.T) {
	frame := EncodeSyncUpdate([]byte("payload"))
	frame[1] = 0x7f

	_, _, err := Decode(frame)
	var protoErr *corerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeConsumesOnlyOneFrameFromLongerBuffer(t *testing.T) {
	first := EncodeSyncRequest([]byte("one"))
	second := EncodeSyncUpdate([]byte("two"))
	buf := append(append([]byte{}, first...), second...)

	msg, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, SyncRequest, msg.Sub)
	assert.Equal(t, []byte("one"), msg.Payload)

	msg2, _, err := Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, SyncUpdate, msg2.Sub)
	assert.Equal(t, []byte("two"), msg2.Payload)
}
