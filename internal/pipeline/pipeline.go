// Package pipeline implements the Update Pipeline (spec.md §4.6): a
// two-stage consumer that keeps the CRDT observer callback's work down
// to an enqueue, decoupling document-write latency from the slower
// persist-and-broadcast path. Grounded on the teacher's
// eventsync.SyncServiceImpl.BroadcastEvent/HandleStorageEvent split,
// with the fan-out worker pool bounded via golang.org/x/sync/errgroup
// the way the rest of the teacher's module graph already depends on
// that package transitively.
package pipeline

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskgraph/collabcore/internal/model"
)

// Config sizes the two stages per spec.md §6's InboundQueueCapacity /
// FanoutQueueCapacity knobs.
type Config struct {
	InboundCapacity int // default 1: serializes writes against one room's document
	FanoutCapacity  int // default 50
	FanoutWorkers   int // bounded worker pool size for stage B
}

func (c Config) withDefaults() Config {
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = 1
	}
	if c.FanoutCapacity <= 0 {
		c.FanoutCapacity = 50
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

// ApplyFunc runs one inbound update against the document under a write
// transaction. Any resulting delta reaches stage B through the
// document's own ObserveUpdates callback (wired to Pipeline.Enqueue by
// the room), not through this function's return value — matching
// spec.md's requirement that the CRDT observer callback is the single
// place that enqueues fan-out work.
type ApplyFunc func(origin model.Origin, update []byte) error

// PersistFunc durably appends an applied delta to the update log.
type PersistFunc func(ctx context.Context, delta []byte) error

// BroadcastFunc fans an applied delta out to every session in the room
// other than the one that produced it.
type BroadcastFunc func(origin model.Origin, delta []byte)

type inboundJob struct {
	origin model.Origin
	update []byte
	result chan error
}

type fanoutJob struct {
	origin model.Origin
	delta  []byte
}

// Pipeline runs stage A (inbound apply, serialized) and stage B
// (persist + broadcast, worker-pooled) for one project room.
type Pipeline struct {
	cfg Config

	apply     ApplyFunc
	persist   PersistFunc
	broadcast BroadcastFunc

	logger *zap.Logger

	inbound chan inboundJob
	fanout  chan fanoutJob

	done chan struct{}
}

func New(cfg Config, apply ApplyFunc, persist PersistFunc, broadcast BroadcastFunc, logger *zap.Logger) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:       cfg,
		apply:     apply,
		persist:   persist,
		broadcast: broadcast,
		logger:    logger,
		inbound:   make(chan inboundJob, cfg.InboundCapacity),
		fanout:    make(chan fanoutJob, cfg.FanoutCapacity),
		done:      make(chan struct{}),
	}
}

// Start launches both stages' goroutines, registered on bgWG so the
// shutdown controller's drain (internal/shutdown) waits for runFanout's
// in-flight errgroup workers — the ones actually doing persist and
// broadcast — and not just for background compaction.
func (p *Pipeline) Start(ctx context.Context, bgWG *sync.WaitGroup) {
	bgWG.Add(2)
	go func() {
		defer bgWG.Done()
		p.runInbound(ctx)
	}()
	go func() {
		defer bgWG.Done()
		p.runFanout(ctx)
	}()
}

// Submit enqueues one inbound update and blocks until it has been
// applied (or ctx is canceled), matching spec.md's requirement that
// applying an update and acknowledging it happen before the next frame
// on the same connection is processed. After Close it returns
// context.Canceled without enqueuing anything.
func (p *Pipeline) Submit(ctx context.Context, origin model.Origin, update []byte) error {
	select {
	case <-p.done:
		return context.Canceled
	default:
	}
	job := inboundJob{origin: origin, update: update, result: make(chan error, 1)}
	select {
	case p.inbound <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return context.Canceled
	}
	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue pushes one applied delta onto stage B. This is the method
// the room wires up as the document's UpdateObserver: the observer's
// entire job is this single, non-blocking-as-possible send.
func (p *Pipeline) Enqueue(ctx context.Context, origin model.Origin, delta []byte) {
	if len(delta) == 0 {
		return
	}
	select {
	case p.fanout <- fanoutJob{origin: origin, delta: delta}:
	case <-ctx.Done():
	case <-p.done:
	}
}

// Close stops accepting new inbound or fan-out work. Neither the
// inbound nor the fan-out channel is ever closed — concurrently
// closing a channel that Submit/Enqueue might still be sending on
// would race — so both stages instead exit via done/ctx cancellation;
// pair Close with canceling the room's context, and use the shutdown
// controller's WaitGroup to wait for in-flight fan-out work to finish.
func (p *Pipeline) Close() {
	close(p.done)
}

func (p *Pipeline) runInbound(ctx context.Context) {
	for {
		select {
		case job := <-p.inbound:
			job.result <- p.apply(job.origin, job.update)
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Pipeline) runFanout(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.FanoutWorkers)

	for {
		select {
		case job := <-p.fanout:
			job := job
			g.Go(func() error {
				if err := p.persist(gctx, job.delta); err != nil {
					p.logger.Warn("pipeline: persist failed, broadcasting anyway",
						zap.Error(err))
				}
				p.broadcast(job.origin, job.delta)
				return nil
			})
		case <-ctx.Done():
			_ = g.Wait()
			return
		case <-p.done:
			_ = g.Wait()
			return
		}
	}
}
