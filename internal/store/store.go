// Package store is the durable Update Log Store (spec.md §4.1): an
// append-only per-project log of encoded CRDT updates with
// on-the-fly compaction.
package store

import (
	"context"

	"github.com/taskgraph/collabcore/internal/model"
)

// Record is spec.md's UpdateRecord: (project_id, seq, update_bytes).
type Record struct {
	ProjectID model.ProjectID
	Seq       int64
	Update    []byte
}

// Store is the narrow durable-log interface the rest of the core
// depends on. mongostore.Store (internal/store/mongostore) is the
// production implementation; MemStore is used by unit tests that
// don't need a real database.
type Store interface {
	// Append inserts one record, returning the seq the store assigned.
	Append(ctx context.Context, projectID model.ProjectID, update []byte) (seq int64, err error)

	// LoadAll returns every record for a project in seq order. An
	// empty result is valid (a brand new project).
	LoadAll(ctx context.Context, projectID model.ProjectID) ([]Record, error)

	// Compact runs one round of the compaction algorithm (spec.md
	// §4.1): merge up to batchSize of the oldest records into one.
	// A *corerr.CompactionInterleaveError is returned when another
	// compactor interleaved; nothing is changed in that round.
	Compact(ctx context.Context, projectID model.ProjectID, batchSize int) error
}
