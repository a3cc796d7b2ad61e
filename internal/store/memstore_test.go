package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/model"
)

func writeUpdate(t *testing.T, doc *docrdt.Document, taskID, name string) []byte {
	t.Helper()
	w := doc.TransactWrite(model.ServerOrigin("server", "req"))
	w.SetTask(model.TaskView{ID: taskID, Num: "1", Name: name})
	delta, err := w.Commit()
	require.NoError(t, err)
	return delta
}

func TestMemStoreAppendLoadAllOrdersBySeq(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	doc := docrdt.New(docrdt.NewSessionID())

	var lastSeq int64
	for i := 0; i < 3; i++ {
		delta := writeUpdate(t, doc, "t1", "rev")
		seq, err := s.Append(ctx, "p1", delta)
		require.NoError(t, err)
		require.Greater(t, seq, lastSeq)
		lastSeq = seq
	}

	records, err := s.LoadAll(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i := 1; i < len(records); i++ {
		assert.Less(t, records[i-1].Seq, records[i].Seq)
	}
}

func TestMemStoreAppendIsolatesProjects(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	doc := docrdt.New(docrdt.NewSessionID())

	delta := writeUpdate(t, doc, "t1", "rev")
	_, err := s.Append(ctx, "p1", delta)
	require.NoError(t, err)

	records, err := s.LoadAll(ctx, "p2")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemStoreCompactMergesBatchIntoOneRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	doc := docrdt.New(docrdt.NewSessionID())

	for i := 0; i < 5; i++ {
		delta := writeUpdate(t, doc, "t1", "rev")
		_, err := s.Append(ctx, "p1", delta)
		require.NoError(t, err)
	}

	require.NoError(t, s.Compact(ctx, "p1", 3))

	records, err := s.LoadAll(ctx, "p1")
	require.NoError(t, err)
	// 3 of the 5 merged into 1, leaving 1 + 2 untouched = 3 records.
	assert.Len(t, records, 3)

	merged, err := docrdt.MergeUpdates(recordUpdates(records))
	require.NoError(t, err)
	p, err := docrdt.DecodeUpdate(merged)
	require.NoError(t, err)
	// Every write sets the same 11 fields on "t1"; merging any number of
	// them collapses to one winning Op per field.
	require.Len(t, p.Ops, 11)
}

func TestMemStoreCompactNoOpOnSingleRecord(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	doc := docrdt.New(docrdt.NewSessionID())
	delta := writeUpdate(t, doc, "t1", "rev")
	_, err := s.Append(ctx, "p1", delta)
	require.NoError(t, err)

	require.NoError(t, s.Compact(ctx, "p1", 10))

	records, err := s.LoadAll(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func recordUpdates(records []Record) [][]byte {
	out := make([][]byte, len(records))
	for i, r := range records {
		out[i] = r.Update
	}
	return out
}
