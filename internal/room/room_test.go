package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/metrics"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/pipeline"
	"github.com/taskgraph/collabcore/internal/session"
	"github.com/taskgraph/collabcore/internal/store"
)

type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeSender) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) Close(session.CloseCode, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) RemoteAddr() string { return "test" }

func (f *fakeSender) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func testConfig() Config {
	return Config{
		CompactionThreshold: 0,
		CompactionBatchSize: 100,
		Pipeline:            pipeline.Config{InboundCapacity: 1, FanoutCapacity: 8, FanoutWorkers: 2},
	}
}

func newTestRoom(t *testing.T, st store.Store) (*Room, *sync.WaitGroup) {
	t.Helper()
	var bgWG sync.WaitGroup
	r := New(context.Background(), "p1", st, testConfig(), &bgWG, zap.NewNop(), metrics.Noop{}, nil)
	t.Cleanup(func() { r.Close(session.CloseNormal, "test done") })
	return r, &bgWG
}

func TestAddClientThenSubmitBroadcastsToOtherSessions(t *testing.T) {
	st := store.NewMemStore()
	r, _ := newTestRoom(t, st)
	ctx := context.Background()

	aSender := &fakeSender{}
	bSender := &fakeSender{}
	a := session.New("a", session.Principal{}, "p1", aSender)
	b := session.New("b", session.Principal{}, "p1", bSender)

	require.NoError(t, r.AddClient(ctx, a))
	require.NoError(t, r.AddClient(ctx, b))

	doc := docrdt.New(docrdt.NewSessionID())
	w := doc.TransactWrite(model.ServerOrigin("server", "req"))
	w.SetTask(model.TaskView{ID: "t1", Num: "1", Name: "hello"})
	delta, err := w.Commit()
	require.NoError(t, err)

	require.NoError(t, r.Submit(ctx, model.Origin{Who: a.ID}, delta))

	assert.Eventually(t, func() bool { return bSender.frameCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, aSender.frameCount(), "origin session should not receive its own broadcast")
}

func TestSubmitPersistsToStore(t *testing.T) {
	st := store.NewMemStore()
	r, _ := newTestRoom(t, st)
	ctx := context.Background()

	sess := session.New("a", session.Principal{}, "p1", &fakeSender{})
	require.NoError(t, r.AddClient(ctx, sess))

	doc := docrdt.New(docrdt.NewSessionID())
	w := doc.TransactWrite(model.ServerOrigin("server", "req"))
	w.SetTask(model.TaskView{ID: "t1", Num: "1", Name: "hello"})
	delta, err := w.Commit()
	require.NoError(t, err)

	require.NoError(t, r.Submit(ctx, model.Origin{Who: sess.ID}, delta))

	assert.Eventually(t, func() bool {
		records, err := st.LoadAll(ctx, "p1")
		return err == nil && len(records) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRemoveClientEmptiesRoomAndEvictsOnLastLeave(t *testing.T) {
	st := store.NewMemStore()
	evicted := make(chan model.ProjectID, 1)
	var bgWG sync.WaitGroup
	r := New(context.Background(), "p1", st, testConfig(), &bgWG, zap.NewNop(), metrics.Noop{}, func(id model.ProjectID) {
		evicted <- id
	})
	t.Cleanup(func() { r.Close(session.CloseNormal, "test done") })

	ctx := context.Background()
	sess := session.New("a", session.Principal{}, "p1", &fakeSender{})
	require.NoError(t, r.AddClient(ctx, sess))
	assert.Equal(t, StateLive, r.State())

	r.RemoveClient(sess)
	assert.Equal(t, StateEmpty, r.State())
	assert.Equal(t, 0, r.ClientCount())

	select {
	case id := <-evicted:
		assert.Equal(t, model.ProjectID("p1"), id)
	case <-time.After(time.Second):
		t.Fatal("onEmpty callback never fired")
	}
}

func TestAddClientRejectsWhenClosing(t *testing.T) {
	st := store.NewMemStore()
	r, _ := newTestRoom(t, st)
	r.Close(session.CloseNormal, "shutting down")

	err := r.AddClient(context.Background(), session.New("a", session.Principal{}, "p1", &fakeSender{}))
	assert.ErrorIs(t, err, ErrClosing)
}
