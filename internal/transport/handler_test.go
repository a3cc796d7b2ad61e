package transport

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/corerr"
	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/metrics"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/protocol"
	"github.com/taskgraph/collabcore/internal/session"
)

type fakeRoom struct {
	sv         docrdt.StateVector
	svErr      error
	update     []byte
	updateErr  error
	submitErr  error
	lastOrigin model.Origin
	lastUpdate []byte
}

func (f *fakeRoom) StateVector(context.Context) (docrdt.StateVector, error) {
	return f.sv, f.svErr
}

func (f *fakeRoom) EncodeStateAsUpdate(context.Context, docrdt.StateVector) ([]byte, error) {
	return f.update, f.updateErr
}

func (f *fakeRoom) Submit(_ context.Context, origin model.Origin, update []byte) error {
	f.lastOrigin = origin
	f.lastUpdate = update
	return f.submitErr
}

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(session.CloseCode, string) error { return nil }
func (f *fakeSender) RemoteAddr() string                    { return "test" }

func (f *fakeSender) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func newTestHandler() *Handler {
	return NewHandler(nil, nil, nil, zap.NewNop(), metrics.Noop{})
}

func TestGreetSendsASyncRequestWithTheRoomsStateVector(t *testing.T) {
	h := newTestHandler()
	room := &fakeRoom{sv: docrdt.StateVector{"s1": 3}}
	sender := &fakeSender{}
	sess := session.New("a", session.Principal{}, "p1", sender)

	require.NoError(t, h.greet(context.Background(), room, sess))
	require.Equal(t, 1, sender.frameCount())

	msg, _, err := protocol.Decode(sender.frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.SyncRequest, msg.Sub)

	gotSV, err := docrdt.DecodeStateVector(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gotSV["s1"])
}

func TestGreetPropagatesStateVectorError(t *testing.T) {
	h := newTestHandler()
	room := &fakeRoom{svErr: errors.New("store down")}
	sess := session.New("a", session.Principal{}, "p1", &fakeSender{})

	err := h.greet(context.Background(), room, sess)
	assert.Error(t, err)
}

func TestHandleMessageSyncRequestRepliesWithSyncResponse(t *testing.T) {
	h := newTestHandler()
	room := &fakeRoom{update: []byte("delta")}
	sender := &fakeSender{}
	sess := session.New("a", session.Principal{}, "p1", sender)

	svBytes, err := docrdt.EncodeStateVector(docrdt.StateVector{})
	require.NoError(t, err)

	msg := protocol.Message{Protocol: protocol.Sync, Sub: protocol.SyncRequest, Payload: svBytes}
	require.NoError(t, h.handleMessage(context.Background(), room, sess, msg))

	require.Equal(t, 1, sender.frameCount())
	reply, _, err := protocol.Decode(sender.frames[0])
	require.NoError(t, err)
	assert.Equal(t, protocol.SyncResponse, reply.Sub)
	assert.Equal(t, []byte("delta"), reply.Payload)
}

func TestHandleMessageSyncRequestMalformedStateVectorIsProtocolError(t *testing.T) {
	h := newTestHandler()
	room := &fakeRoom{}
	sess := session.New("a", session.Principal{}, "p1", &fakeSender{})

	msg := protocol.Message{Protocol: protocol.Sync, Sub: protocol.SyncRequest, Payload: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}}
	err := h.handleMessage(context.Background(), room, sess, msg)

	var protoErr *corerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestHandleMessageSyncUpdateSubmitsToRoomWithActor(t *testing.T) {
	h := newTestHandler()
	room := &fakeRoom{}
	sess := session.New("a", session.Principal{Email: "user@example.com", Name: "User"}, "p1", &fakeSender{})

	msg := protocol.Message{Protocol: protocol.Sync, Sub: protocol.SyncUpdate, Payload: []byte("update-bytes")}
	require.NoError(t, h.handleMessage(context.Background(), room, sess, msg))

	assert.Equal(t, []byte("update-bytes"), room.lastUpdate)
	assert.Equal(t, "a", room.lastOrigin.Who)
	assert.Equal(t, model.UserActor("user@example.com", "User"), room.lastOrigin.Actor)
}

func TestHandleMessageSyncUpdatePropagatesApplyError(t *testing.T) {
	h := newTestHandler()
	applyErr := &corerr.ApplyError{Err: errors.New("bad op")}
	room := &fakeRoom{submitErr: applyErr}
	sess := session.New("a", session.Principal{}, "p1", &fakeSender{})

	msg := protocol.Message{Protocol: protocol.Sync, Sub: protocol.SyncUpdate, Payload: []byte("x")}
	err := h.handleMessage(context.Background(), room, sess, msg)

	var gotApplyErr *corerr.ApplyError
	assert.ErrorAs(t, err, &gotApplyErr)
}

func TestHandleMessageUnknownSubTypeIsProtocolError(t *testing.T) {
	h := newTestHandler()
	room := &fakeRoom{}
	sess := session.New("a", session.Principal{}, "p1", &fakeSender{})

	msg := protocol.Message{Protocol: protocol.Sync, Sub: protocol.SubType(99)}
	err := h.handleMessage(context.Background(), room, sess, msg)

	var protoErr *corerr.ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestActorForAnonymousPrincipalIsServerActor(t *testing.T) {
	assert.Equal(t, model.ServerActor(), actorFor(session.Principal{}))
}

func TestActorForNamedPrincipalIsUserActor(t *testing.T) {
	p := session.Principal{Email: "a@b.com", Name: "A"}
	assert.Equal(t, model.UserActor("a@b.com", "A"), actorFor(p))
}
