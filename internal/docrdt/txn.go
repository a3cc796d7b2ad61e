package docrdt

import (
	"encoding/json"

	"github.com/taskgraph/collabcore/internal/model"
)

// ReadTxn is a read-only view of the document, taken with
// Document.TransactRead.
type ReadTxn struct {
	doc *Document
}

// TransactRead opens a read-only transaction. The returned ReadTxn
// must not be used after the call returns in a way that assumes the
// document hasn't changed — it is a snapshot helper, not a lock held
// across calls.
func (d *Document) TransactRead() *ReadTxn {
	return &ReadTxn{doc: d}
}

// GetTask reads one task by id, reporting ok=false if no field has
// ever been set for that id.
func (r *ReadTxn) GetTask(id string) (model.TaskView, bool) {
	r.doc.mu.Lock()
	defer r.doc.mu.Unlock()

	byField, ok := r.doc.fields[id]
	if !ok || len(byField) == 0 {
		return model.TaskView{}, false
	}
	return assembleTask(id, byField), true
}

// ListTaskIDs returns every task id with at least one field set.
func (r *ReadTxn) ListTaskIDs() []string {
	r.doc.mu.Lock()
	defer r.doc.mu.Unlock()

	ids := make([]string, 0, len(r.doc.fields))
	for id, fields := range r.doc.fields {
		if id == metaTaskID || len(fields) == 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// WriteTxn is a write transaction tagged with the Origin that
// produced it. Ops staged on it are not visible to readers, and are
// not persisted or broadcast, until Commit.
type WriteTxn struct {
	doc    *Document
	origin model.Origin

	remote []Op // pre-stamped ops from ApplyUpdate, applied as-is
	local  []Op // field writes needing a fresh local stamp at Commit
}

// TransactWrite opens a write transaction under the given origin. The
// origin is carried through to every UpdateObserver invoked by this
// transaction's Commit.
func (d *Document) TransactWrite(origin model.Origin) *WriteTxn {
	return &WriteTxn{doc: d, origin: origin}
}

func (w *WriteTxn) stageOps(ops []Op) {
	w.remote = append(w.remote, ops...)
}

// SetTask upserts fields of a task. Fields left at their Go zero value
// are written anyway (set them from a prior GetTask first if partial
// update is intended) — this mirrors the teacher's LWW-register nodes,
// where every field write is an explicit, independently-stamped Op.
func (w *WriteTxn) SetTask(t model.TaskView) {
	id := t.ID
	w.local = append(w.local,
		fieldOp(id, "id", t.ID),
		fieldOp(id, "num", t.Num),
		fieldOp(id, "name", t.Name),
		fieldOp(id, "children", t.Children),
		fieldOp(id, "assignee", t.Assignee),
		fieldOp(id, "reporter", t.Reporter),
		fieldOp(id, "status", t.Status),
		fieldOp(id, "status_time", t.StatusTime),
		fieldOp(id, "kind", t.Kind),
		fieldOp(id, "desc", t.Desc),
		fieldOp(id, "url", t.URL),
	)
}

// metaTaskID holds document-level counters (currently just next task
// number) under the same field-op mechanism as tasks, so it benefits
// from the same merge and persistence machinery without a separate
// code path.
const metaTaskID = "\x00meta"

// NextTaskNum allocates the next task number for the graph. Two
// replicas that call it concurrently before syncing will race — the
// higher value wins on merge (see opWins's mergeField case) and the
// loser's task keeps a duplicate number until the next renumbering,
// an accepted, documented simplification (DESIGN.md).
func (w *WriteTxn) NextTaskNum() string {
	byField := w.doc.fields[metaTaskID]
	var current int64
	if byField != nil {
		if n, ok := toInt64(byField[mergeField].Value); ok {
			current = n
		}
	}
	for _, op := range w.local {
		if op.TaskID == metaTaskID && op.Field == mergeField {
			if n, ok := toInt64(op.Value); ok && n > current {
				current = n
			}
		}
	}
	next := current + 1
	w.local = append(w.local, Op{TaskID: metaTaskID, Field: mergeField, Value: next})
	return jsonInt(next)
}

func fieldOp(taskID, field string, value any) Op {
	return Op{TaskID: taskID, Field: field, Value: value}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

// Commit merges every staged op into the document, stamping local
// writes with a fresh logical timestamp, then — if anything actually
// changed — invokes every registered UpdateObserver with the encoded
// delta. It returns the encoded delta (possibly empty) for callers
// that want it without re-deriving it from an observer.
func (w *WriteTxn) Commit() ([]byte, error) {
	w.doc.mu.Lock()

	staged := make([]Op, 0, len(w.remote)+len(w.local))
	staged = append(staged, w.remote...)
	for _, op := range w.local {
		op.Stamp = w.doc.nextStamp()
		staged = append(staged, op)
	}

	applied := w.doc.merge(staged)
	observers := append([]UpdateObserver(nil), w.doc.observers...)
	w.doc.mu.Unlock()

	if len(applied) == 0 {
		return EncodeUpdate(Patch{})
	}

	delta, err := EncodeUpdate(Patch{Ops: applied})
	if err != nil {
		return nil, err
	}
	for _, cb := range observers {
		cb(w.origin, delta)
	}
	return delta, nil
}

func assembleTask(id string, byField map[string]Op) model.TaskView {
	t := model.TaskView{ID: id}
	if op, ok := byField["num"]; ok {
		t.Num, _ = op.Value.(string)
	}
	if op, ok := byField["name"]; ok {
		t.Name, _ = op.Value.(string)
	}
	if op, ok := byField["children"]; ok {
		t.Children = toStringSlice(op.Value)
	}
	if op, ok := byField["assignee"]; ok {
		t.Assignee, _ = op.Value.(string)
	}
	if op, ok := byField["reporter"]; ok {
		t.Reporter, _ = op.Value.(string)
	}
	if op, ok := byField["status"]; ok {
		t.Status, _ = op.Value.(string)
	}
	if op, ok := byField["status_time"]; ok {
		if n, ok := toInt64(op.Value); ok {
			t.StatusTime = n
		}
	}
	if op, ok := byField["kind"]; ok {
		t.Kind, _ = op.Value.(string)
	}
	if op, ok := byField["desc"]; ok {
		t.Desc, _ = op.Value.(string)
	}
	if op, ok := byField["url"]; ok {
		t.URL, _ = op.Value.(string)
	}
	return t
}

func toStringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}
