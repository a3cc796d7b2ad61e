// Package registry implements the Projects Registry (spec.md §4.7): a
// concurrent project-id -> room map with an atomic get_or_create and
// destroy-in-place eviction when a room empties. Grounded on the
// pack's Polqt-golang-journey session.Hub.GetOrCreate: one
// registry-wide lock is held across lookup-or-create, so two concurrent
// first-joiners for the same project never construct two rooms.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/metrics"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/room"
	"github.com/taskgraph/collabcore/internal/store"
)

// Registry owns every live Room for this process.
type Registry struct {
	ctx     context.Context
	store   store.Store
	roomCfg room.Config
	bgWG    *sync.WaitGroup
	logger  *zap.Logger
	metrics metrics.Recorder

	mu    sync.Mutex
	rooms map[model.ProjectID]*room.Room
}

// New creates an empty registry. ctx is the process root cancellation
// context passed through to every room it creates; bgWG tracks every
// room's background compaction goroutines for the shutdown controller.
func New(ctx context.Context, st store.Store, roomCfg room.Config, bgWG *sync.WaitGroup, logger *zap.Logger, m metrics.Recorder) *Registry {
	return &Registry{
		ctx:     ctx,
		store:   st,
		roomCfg: roomCfg,
		bgWG:    bgWG,
		logger:  logger,
		metrics: m,
		rooms:   make(map[model.ProjectID]*room.Room),
	}
}

// GetOrCreate returns the room for projectID, creating it if this is
// the first caller to ask for it. Concurrent callers for the same
// project id are serialized by the registry's single lock, which is
// cheap enough here since room construction does no I/O (the document
// itself loads lazily on first AddClient). Once the registry's context
// has been canceled it creates nothing and returns the context's error.
func (reg *Registry) GetOrCreate(projectID model.ProjectID) (*room.Room, error) {
	if err := projectID.Validate(); err != nil {
		return nil, err
	}
	if err := reg.ctx.Err(); err != nil {
		return nil, err
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if r, ok := reg.rooms[projectID]; ok {
		return r, nil
	}

	r := room.New(reg.ctx, projectID, reg.store, reg.roomCfg, reg.bgWG, reg.logger, reg.metrics, reg.evict)
	reg.rooms[projectID] = r
	return r, nil
}

// evict removes a room from the map once it has emptied. If a new
// client raced in between RemoveClient's unlock and this call, the
// evicted room is simply replaced on the next GetOrCreate — its
// document was already dropped by RemoveClient, so nothing is lost.
func (reg *Registry) evict(projectID model.ProjectID) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.rooms[projectID]; ok && r.State() == room.StateEmpty {
		delete(reg.rooms, projectID)
	}
}

// Rooms returns a snapshot of every currently registered room, used by
// the shutdown controller to close them all.
func (reg *Registry) Rooms() []*room.Room {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make([]*room.Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		out = append(out, r)
	}
	return out
}

// Len reports how many rooms are currently registered.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}
