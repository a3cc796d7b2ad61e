// Package docrdt is the façade over the replicated document: the
// opaque CRDT library spec.md §4.2 describes, adapted from the
// teacher's luvjson/crdt and luvjson/crdtpatch packages and trimmed to
// the narrow surface the collaboration core needs (state vectors,
// update encode/apply, transactions, change observation) plus typed
// helpers for reading and writing TaskView records.
package docrdt

import (
	"sync"

	"github.com/taskgraph/collabcore/internal/model"
)

// UpdateObserver is invoked synchronously from the Commit of the write
// transaction that produced it, once per Commit that changed document
// state. It must not block: the
// collaboration core's Update Pipeline (SPEC_FULL.md §4.6) hands the
// bytes off to a channel rather than doing I/O here.
type UpdateObserver func(origin model.Origin, update []byte)

// Document is one project's in-memory replicated state. All methods
// are safe for concurrent use.
type Document struct {
	mu sync.Mutex

	sessionID    SessionID
	localCounter uint64

	// fields holds the current winning Op per (taskID, field); ops
	// holds every Op ever merged in, in application order, so that
	// EncodeStateAsUpdate can answer "everything after this state
	// vector" without needing a separate append log.
	fields map[string]map[string]Op
	ops    []Op
	clock  StateVector

	observers []UpdateObserver
}

// New creates an empty document for the given replica identity. The
// room that owns a Document always passes its own fresh SessionID;
// state is reconstructed by replaying UpdateRecords (see
// room.initDocumentIfNeeded), not by the SessionID itself.
func New(sessionID SessionID) *Document {
	return &Document{
		sessionID: sessionID,
		fields:    make(map[string]map[string]Op),
		clock:     make(StateVector),
	}
}

// StateVector returns the document's current state vector.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Clone()
}

// EncodeStateAsUpdate returns every Op this document has that the
// given state vector has not observed, encoded as an Update. An empty
// state vector returns the entire document (spec.md §8 boundary
// behavior).
func (d *Document) EncodeStateAsUpdate(sv StateVector) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := Patch{}
	for _, op := range d.ops {
		if op.Stamp.Counter > sv.Get(op.Stamp.SID) {
			p.Ops = append(p.Ops, op)
		}
	}
	return EncodeUpdate(p)
}

// ApplyUpdate decodes an Update and stages its ops on the given write
// transaction; they are merged into the document, and reach observers,
// when that transaction commits. Malformed bytes are returned as an
// error (spec.md's ApplyError) and stage nothing.
func (d *Document) ApplyUpdate(txn *WriteTxn, update []byte) error {
	p, err := DecodeUpdate(update)
	if err != nil {
		return err
	}
	txn.stageOps(p.Ops)
	return nil
}

// ObserveUpdates registers a callback invoked on every Commit that
// applied at least one new Op. Callbacks run synchronously, in
// registration order, from Commit after the document's lock has been
// released.
func (d *Document) ObserveUpdates(cb UpdateObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observers = append(d.observers, cb)
}

// merge folds ops into the document's state, returning the subset
// that actually changed a field (i.e. won against the incumbent). The
// caller holds d.mu.
func (d *Document) merge(ops []Op) []Op {
	applied := make([]Op, 0, len(ops))
	for _, op := range ops {
		byField, ok := d.fields[op.TaskID]
		if !ok {
			byField = make(map[string]Op)
			d.fields[op.TaskID] = byField
		}
		incumbent, has := byField[op.Field]
		if has && !opWins(op, incumbent) {
			continue
		}
		byField[op.Field] = op
		d.ops = append(d.ops, op)
		if op.Stamp.Counter > d.clock[op.Stamp.SID.String()] {
			d.clock[op.Stamp.SID.String()] = op.Stamp.Counter
		}
		applied = append(applied, op)
	}
	return applied
}

// nextStamp returns a fresh, locally-unique logical timestamp. Caller
// holds d.mu.
func (d *Document) nextStamp() LogicalTimestamp {
	d.localCounter++
	return LogicalTimestamp{SID: d.sessionID, Counter: d.localCounter}
}
