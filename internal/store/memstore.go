package store

import (
	"context"
	"sort"
	"sync"

	"github.com/taskgraph/collabcore/internal/corerr"
	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/model"
)

// MemStore is an in-memory Store used by unit tests in place of
// mongostore.Store, the same role the teacher's eventsync package gives its
// mock stores (mock_event_source.go, mock_sync_service.go).
type MemStore struct {
	mu      sync.Mutex
	nextSeq map[model.ProjectID]int64
	records map[model.ProjectID][]Record
}

func NewMemStore() *MemStore {
	return &MemStore{
		nextSeq: make(map[model.ProjectID]int64),
		records: make(map[model.ProjectID][]Record),
	}
}

func (s *MemStore) Append(_ context.Context, projectID model.ProjectID, update []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq[projectID]++
	seq := s.nextSeq[projectID]
	cp := append([]byte(nil), update...)
	s.records[projectID] = append(s.records[projectID], Record{ProjectID: projectID, Seq: seq, Update: cp})
	return seq, nil
}

func (s *MemStore) LoadAll(_ context.Context, projectID model.ProjectID) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src := s.records[projectID]
	out := make([]Record, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Compact implements the exact algorithm in spec.md §4.1 against the
// in-memory slice. The store's single mutex is held for the whole
// call, so every selected row is still present at the delete step and
// the interleaving-abort branch is never taken here; it is kept so the
// steps match the algorithm.
func (s *MemStore) Compact(_ context.Context, projectID model.ProjectID, batchSize int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.records[projectID]
	if len(records) <= 1 {
		return nil
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })

	n := batchSize
	if n > len(records) {
		n = len(records)
	}
	if n <= 1 {
		return nil
	}
	batch := records[:n]

	selected := make(map[int64]bool, len(batch))
	updates := make([][]byte, 0, len(batch))
	var maxSeq int64
	for _, r := range batch {
		selected[r.Seq] = true
		updates = append(updates, r.Update)
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}

	merged, err := docrdt.MergeUpdates(updates)
	if err != nil {
		return err
	}

	// Delete exactly the selected rows; abort (no-op) if the count on
	// hand no longer matches — another compactor interleaved.
	remaining := s.records[projectID]
	kept := remaining[:0:0]
	deleted := 0
	for _, r := range remaining {
		if selected[r.Seq] {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	if deleted != len(selected) {
		return &corerr.CompactionInterleaveError{ProjectID: string(projectID)}
	}

	kept = append(kept, Record{ProjectID: projectID, Seq: maxSeq, Update: merged})
	sort.Slice(kept, func(i, j int) bool { return kept[i].Seq < kept[j].Seq })
	s.records[projectID] = kept
	return nil
}
