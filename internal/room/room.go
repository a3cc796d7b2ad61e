// Package room implements the Project Room (spec.md §4.3): the
// per-project coordinator holding the live document, the set of
// connected sessions, and the state machine governing when the
// document is loaded and dropped. Grounded on the teacher's
// eventsync.SyncServiceImpl client map and the
// Polqt-golang-journey/projects/03-crdt-collab-backend session.Hub
// pattern.
package room

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/corerr"
	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/metrics"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/pipeline"
	"github.com/taskgraph/collabcore/internal/protocol"
	"github.com/taskgraph/collabcore/internal/session"
	"github.com/taskgraph/collabcore/internal/store"
)

// State is the room's lifecycle position (spec.md §4.3): Empty before
// any client has joined or after the last one left, Live while at
// least one client is connected, Closing once shutdown has begun.
type State int

const (
	StateEmpty State = iota
	StateLive
	StateClosing
)

// ErrClosing is returned by AddClient once the room has begun
// shutting down; the caller should reject the new connection.
var ErrClosing = errors.New("room: closing")

// Config carries the per-room knobs spec.md §6 names.
type Config struct {
	CompactionThreshold int // updates since last compaction before one is triggered
	CompactionBatchSize int
	MaxSessions         int // 0 = unlimited
	Pipeline            pipeline.Config
}

// Room coordinates one project's live document and its connected
// sessions. All exported methods are safe for concurrent use.
type Room struct {
	projectID model.ProjectID
	cfg       Config
	store     store.Store
	logger    *zap.Logger
	metrics   metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc
	bgWG   *sync.WaitGroup // shared with the shutdown controller

	mu      sync.RWMutex
	state   State
	doc     *docrdt.Document
	clients map[string]*session.Session

	loadMu                 sync.Mutex
	updatesSinceCompaction int

	pipeline  *pipeline.Pipeline
	onEmpty   func(model.ProjectID)
	closeOnce sync.Once
}

// New creates a room in the Empty state. parentCtx is the process's
// root cancellation context; bgWG tracks this room's background
// compaction goroutines so the shutdown controller can drain them.
// onEmpty, if non-nil, is called once the last client leaves — the
// registry uses it to evict the room from its map (spec.md §4.7's
// destroy-in-place).
func New(parentCtx context.Context, projectID model.ProjectID, st store.Store, cfg Config, bgWG *sync.WaitGroup, logger *zap.Logger, m metrics.Recorder, onEmpty func(model.ProjectID)) *Room {
	ctx, cancel := context.WithCancel(parentCtx)
	r := &Room{
		projectID: projectID,
		cfg:       cfg,
		store:     st,
		logger:    logger.With(zap.String("project_id", string(projectID))),
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
		bgWG:      bgWG,
		clients:   make(map[string]*session.Session),
		onEmpty:   onEmpty,
	}
	r.pipeline = pipeline.New(cfg.Pipeline, r.applyUpdate, r.persist, r.broadcast, r.logger)
	r.pipeline.Start(ctx, bgWG)
	return r
}

func (r *Room) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// AddClient registers a session with the room, loading the document
// from the store first if this is the first client since the room
// was last empty. Returns ErrClosing if the room is shutting down.
func (r *Room) AddClient(ctx context.Context, sess *session.Session) error {
	if err := r.ensureDocument(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosing {
		return ErrClosing
	}
	if r.cfg.MaxSessions > 0 && len(r.clients) >= r.cfg.MaxSessions {
		return &corerr.AuthError{Decision: corerr.AuthTransientError, Err: errors.New("room at capacity")}
	}
	r.clients[sess.ID] = sess
	r.state = StateLive
	return nil
}

// RemoveClient unregisters a session. If it was the last one, the
// document is dropped and a compaction is scheduled if warranted
// (spec.md §4.3's Live -> Empty transition).
func (r *Room) RemoveClient(sess *session.Session) {
	r.mu.Lock()
	delete(r.clients, sess.ID)
	empty := len(r.clients) == 0 && r.state == StateLive
	shouldCompact := false
	if empty {
		r.state = StateEmpty
		r.doc = nil
		shouldCompact = r.cfg.CompactionThreshold > 0 && r.updatesSinceCompaction >= r.cfg.CompactionThreshold
		if shouldCompact {
			r.updatesSinceCompaction = 0
		}
	}
	r.mu.Unlock()

	if empty {
		if shouldCompact {
			r.scheduleCompaction()
		}
		if r.onEmpty != nil {
			r.onEmpty(r.projectID)
		}
	}
}

// ClientCount reports how many sessions are currently registered.
func (r *Room) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// StateVector returns the live document's state vector, loading the
// document first if needed (a fresh SyncRequest can be the very first
// message on a connection).
func (r *Room) StateVector(ctx context.Context) (docrdt.StateVector, error) {
	if err := r.ensureDocument(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()
	return doc.StateVector(), nil
}

// EncodeStateAsUpdate answers a SyncRequest with everything the
// document has beyond sv.
func (r *Room) EncodeStateAsUpdate(ctx context.Context, sv docrdt.StateVector) ([]byte, error) {
	if err := r.ensureDocument(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()
	return doc.EncodeStateAsUpdate(sv)
}

// Submit runs one inbound SyncUpdate through the pipeline's stage A,
// applying it to the document and (via the document's observer
// callback) enqueuing the persist+broadcast work on stage B.
func (r *Room) Submit(ctx context.Context, origin model.Origin, update []byte) error {
	if err := r.ensureDocument(ctx); err != nil {
		return err
	}
	return r.pipeline.Submit(ctx, origin, update)
}

// ReadTxn exposes a read-only transaction against the live document
// for callers (e.g. a future HTTP read-model) that need typed access
// rather than raw update bytes.
func (r *Room) ReadTxn(ctx context.Context) (*docrdt.ReadTxn, error) {
	if err := r.ensureDocument(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()
	return doc.TransactRead(), nil
}

// Close transitions the room to Closing, closes every session, and
// stops accepting new inbound work. It does not wait for background
// compaction goroutines to finish; the shutdown controller's WaitGroup
// does that across every room. Safe to call more than once.
func (r *Room) Close(code session.CloseCode, reason string) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.state = StateClosing
		clients := make([]*session.Session, 0, len(r.clients))
		for _, c := range r.clients {
			clients = append(clients, c)
		}
		r.clients = make(map[string]*session.Session)
		r.mu.Unlock()

		for _, c := range clients {
			_ = c.Close(code, reason)
		}
		r.cancel()
		r.pipeline.Close()
	})
}

// ensureDocument loads the document from the store on first use (or
// after the room emptied and dropped it), serialized by loadMu so
// concurrent joiners don't race two separate loads. The store I/O
// itself runs without r.mu held.
func (r *Room) ensureDocument(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.doc != nil
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.RLock()
	loaded = r.doc != nil
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	doc := docrdt.New(docrdt.NewSessionID())
	records, err := r.store.LoadAll(ctx, r.projectID)
	if err != nil {
		return &corerr.StorageError{Op: "load_all", Err: err}
	}

	for _, rec := range records {
		txn := doc.TransactWrite(model.ServerOrigin("server", "load"))
		if err := doc.ApplyUpdate(txn, rec.Update); err != nil {
			return &corerr.ApplyError{Err: err}
		}
		if _, err := txn.Commit(); err != nil {
			return &corerr.ApplyError{Err: err}
		}
	}
	doc.ObserveUpdates(func(origin model.Origin, update []byte) {
		r.pipeline.Enqueue(r.ctx, origin, update)
	})

	r.mu.Lock()
	r.doc = doc
	r.updatesSinceCompaction = 0
	r.mu.Unlock()

	r.logger.Debug("document loaded", zap.Int("record_count", len(records)))
	return nil
}

// applyUpdate is the pipeline's ApplyFunc: run one update against the
// document under a write transaction.
func (r *Room) applyUpdate(origin model.Origin, update []byte) error {
	r.mu.RLock()
	doc := r.doc
	r.mu.RUnlock()
	if doc == nil {
		return &corerr.ApplyError{Err: errors.New("room: document not loaded")}
	}

	txn := doc.TransactWrite(origin)
	if err := doc.ApplyUpdate(txn, update); err != nil {
		return &corerr.ApplyError{Err: err}
	}
	if _, err := txn.Commit(); err != nil {
		return &corerr.ApplyError{Err: err}
	}
	r.metrics.AppliedUpdate(string(r.projectID))
	return nil
}

// persist is the pipeline's PersistFunc.
func (r *Room) persist(ctx context.Context, delta []byte) error {
	_, err := r.store.Append(ctx, r.projectID, delta)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.updatesSinceCompaction++
	shouldCompact := r.cfg.CompactionThreshold > 0 && r.updatesSinceCompaction >= r.cfg.CompactionThreshold
	if shouldCompact {
		r.updatesSinceCompaction = 0
	}
	r.mu.Unlock()

	if shouldCompact {
		r.scheduleCompaction()
	}
	return nil
}

// broadcast is the pipeline's BroadcastFunc: send the encoded update
// to every session except the one that produced it.
func (r *Room) broadcast(origin model.Origin, delta []byte) {
	frame := protocol.EncodeSyncUpdate(delta)

	r.mu.RLock()
	targets := make([]*session.Session, 0, len(r.clients))
	for id, c := range r.clients {
		if id == origin.Who {
			continue
		}
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			r.logger.Warn("broadcast send failed", zap.String("session_id", c.ID), zap.Error(err))
			continue
		}
		r.metrics.Broadcast(string(r.projectID))
	}
}

func (r *Room) scheduleCompaction() {
	r.bgWG.Add(1)
	go func() {
		defer r.bgWG.Done()
		if err := r.store.Compact(r.ctx, r.projectID, r.cfg.CompactionBatchSize); err != nil {
			var interleave *corerr.CompactionInterleaveError
			if errors.As(err, &interleave) {
				r.metrics.CompactionAborted(string(r.projectID))
				r.logger.Debug("compaction aborted: interleaved", zap.Error(err))
				return
			}
			r.logger.Warn("compaction failed", zap.Error(err))
			return
		}
		r.metrics.CompactionRun(string(r.projectID))
	}()
}
