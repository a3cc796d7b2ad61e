package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/model"
)

func newTestPipeline(t *testing.T, apply ApplyFunc, persist PersistFunc, broadcast BroadcastFunc) (*Pipeline, context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	p := New(Config{InboundCapacity: 1, FanoutCapacity: 4, FanoutWorkers: 2}, apply, persist, broadcast, zap.NewNop())
	var bgWG sync.WaitGroup
	p.Start(ctx, &bgWG)
	t.Cleanup(cancel)
	return p, ctx, cancel
}

func TestSubmitAppliesSynchronouslyAndReturnsApplyError(t *testing.T) {
	wantErr := errors.New("boom")
	p, ctx, _ := newTestPipeline(t,
		func(model.Origin, []byte) error { return wantErr },
		func(context.Context, []byte) error { return nil },
		func(model.Origin, []byte) {},
	)

	err := p.Submit(ctx, model.Origin{Who: "s1"}, []byte("update"))
	assert.ErrorIs(t, err, wantErr)
}

func TestEnqueueDrivesPersistAndBroadcast(t *testing.T) {
	var mu sync.Mutex
	var persisted [][]byte
	var broadcasted [][]byte
	done := make(chan struct{})

	p, ctx, _ := newTestPipeline(t,
		func(model.Origin, []byte) error { return nil },
		func(_ context.Context, delta []byte) error {
			mu.Lock()
			persisted = append(persisted, delta)
			mu.Unlock()
			return nil
		},
		func(_ model.Origin, delta []byte) {
			mu.Lock()
			broadcasted = append(broadcasted, delta)
			mu.Unlock()
			close(done)
		},
	)

	p.Enqueue(ctx, model.Origin{Who: "s1"}, []byte("delta"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fan-out")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, persisted, 1)
	require.Len(t, broadcasted, 1)
	assert.Equal(t, []byte("delta"), persisted[0])
	assert.Equal(t, []byte("delta"), broadcasted[0])
}

func TestEnqueueIgnoresEmptyDelta(t *testing.T) {
	called := false
	p, ctx, _ := newTestPipeline(t,
		func(model.Origin, []byte) error { return nil },
		func(context.Context, []byte) error { called = true; return nil },
		func(model.Origin, []byte) {},
	)

	p.Enqueue(ctx, model.Origin{Who: "s1"}, nil)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, called)
}

func TestSubmitReturnsContextErrorAfterClose(t *testing.T) {
	p, ctx, _ := newTestPipeline(t,
		func(model.Origin, []byte) error { return nil },
		func(context.Context, []byte) error { return nil },
		func(model.Origin, []byte) {},
	)
	p.Close()

	err := p.Submit(ctx, model.Origin{Who: "s1"}, []byte("u"))
	assert.Error(t, err)
}
