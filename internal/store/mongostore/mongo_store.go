// Package mongostore is the production Update Log Store backend,
// grounded on the teacher's eventsync.MongoEventStore and
// eventsync.MongoEventCompactor: a MongoDB collection indexed by
// (project_id, seq), with a small counters collection standing in for
// the auto-increment primitive Mongo lacks.
package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/taskgraph/collabcore/internal/corerr"
	"github.com/taskgraph/collabcore/internal/docrdt"
	"github.com/taskgraph/collabcore/internal/model"
	"github.com/taskgraph/collabcore/internal/store"
)

// logDoc is the persisted shape of one store.Record.
type logDoc struct {
	ProjectID string `bson:"project_id"`
	Seq       int64  `bson:"seq"`
	Update    []byte `bson:"update"`
}

type counterDoc struct {
	ProjectID string `bson:"_id"`
	Seq       int64  `bson:"seq"`
}

// Store is the MongoDB-backed store.Store implementation.
type Store struct {
	client   *mongo.Client
	log      *mongo.Collection
	counters *mongo.Collection
	logger   *zap.Logger
}

// New connects the store to the given database, creating the indexes
// the teacher's MongoEventStore.NewMongoEventStore also creates at
// construction time.
func New(ctx context.Context, client *mongo.Client, database string, logger *zap.Logger) (*Store, error) {
	db := client.Database(database)
	log := db.Collection("update_log")
	counters := db.Collection("update_log_counters")

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "project_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := log.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("mongostore: create indexes: %w", err)
	}

	return &Store{client: client, log: log, counters: counters, logger: logger}, nil
}

// Append allocates the next seq for the project via an atomic
// increment on the counters collection, then inserts the record.
func (s *Store) Append(ctx context.Context, projectID model.ProjectID, update []byte) (int64, error) {
	seq, err := s.nextSeq(ctx, projectID)
	if err != nil {
		return 0, &corerr.StorageError{Op: "append", Err: err}
	}

	_, err = s.log.InsertOne(ctx, logDoc{ProjectID: string(projectID), Seq: seq, Update: update})
	if err != nil {
		return 0, &corerr.StorageError{Op: "append", Err: err}
	}

	s.logger.Debug("update appended",
		zap.String("project_id", string(projectID)),
		zap.Int64("seq", seq))
	return seq, nil
}

func (s *Store) nextSeq(ctx context.Context, projectID model.ProjectID) (int64, error) {
	filter := bson.M{"_id": string(projectID)}
	update := bson.M{"$inc": bson.M{"seq": int64(1)}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc counterDoc
	if err := s.counters.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, fmt.Errorf("increment seq counter: %w", err)
	}
	return doc.Seq, nil
}

// LoadAll returns every record for the project in seq order.
func (s *Store) LoadAll(ctx context.Context, projectID model.ProjectID) ([]store.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := s.log.Find(ctx, bson.M{"project_id": string(projectID)}, opts)
	if err != nil {
		return nil, &corerr.StorageError{Op: "load_all", Err: err}
	}
	defer cursor.Close(ctx)

	var out []store.Record
	for cursor.Next(ctx) {
		var d logDoc
		if err := cursor.Decode(&d); err != nil {
			return nil, &corerr.StorageError{Op: "load_all", Err: err}
		}
		out = append(out, store.Record{ProjectID: projectID, Seq: d.Seq, Update: d.Update})
	}
	if err := cursor.Err(); err != nil {
		return nil, &corerr.StorageError{Op: "load_all", Err: err}
	}
	return out, nil
}

// Compact implements spec.md §4.1's algorithm: read up to batchSize
// oldest records, merge them, delete exactly the selected rows, and
// insert one merged record at seq = max(selected). The read, delete,
// and insert all run inside one Mongo session transaction — grounded
// on the teacher's nodestorage/v2 StorageImpl.WithTransaction
// (client.StartSession + session.WithTransaction) — so that an
// interleaved concurrent compactor's delete-count mismatch aborts the
// whole batch: the transaction rolls back the delete along with it,
// per spec.md §4.1 step 4's "the change is rolled back." Without this,
// a concurrent compactor that deletes the rows this one just inserted
// (or a crash between delete and insert) would silently drop
// committed data; a transaction is what makes the abort-on-mismatch
// rule actually safe.
func (s *Store) Compact(ctx context.Context, projectID model.ProjectID, batchSize int) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return &corerr.StorageError{Op: "compact", Err: fmt.Errorf("start session: %w", err)}
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(batchSize))
		cursor, err := s.log.Find(sessCtx, bson.M{"project_id": string(projectID)}, opts)
		if err != nil {
			return nil, &corerr.StorageError{Op: "compact", Err: err}
		}
		var batch []logDoc
		if err := cursor.All(sessCtx, &batch); err != nil {
			return nil, &corerr.StorageError{Op: "compact", Err: err}
		}
		if len(batch) <= 1 {
			return nil, nil
		}

		seqs := make([]int64, 0, len(batch))
		updates := make([][]byte, 0, len(batch))
		var maxSeq int64
		for _, d := range batch {
			seqs = append(seqs, d.Seq)
			updates = append(updates, d.Update)
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}

		merged, err := docrdt.MergeUpdates(updates)
		if err != nil {
			return nil, fmt.Errorf("mongostore: merge updates: %w", err)
		}

		res, err := s.log.DeleteMany(sessCtx, bson.M{
			"project_id": string(projectID),
			"seq":        bson.M{"$in": seqs},
		})
		if err != nil {
			return nil, &corerr.StorageError{Op: "compact", Err: err}
		}
		if res.DeletedCount != int64(len(seqs)) {
			s.logger.Info("compaction aborted: interleaved write detected, rolling back",
				zap.String("project_id", string(projectID)),
				zap.Int64("expected_deletes", int64(len(seqs))),
				zap.Int64("actual_deletes", res.DeletedCount))
			return nil, &corerr.CompactionInterleaveError{ProjectID: string(projectID)}
		}

		if _, err := s.log.InsertOne(sessCtx, logDoc{ProjectID: string(projectID), Seq: maxSeq, Update: merged}); err != nil {
			return nil, &corerr.StorageError{Op: "compact", Err: err}
		}

		s.logger.Info("compaction committed",
			zap.String("project_id", string(projectID)),
			zap.Int("rows_merged", len(seqs)),
			zap.Int64("resulting_seq", maxSeq))
		return nil, nil
	})
	return err
}

var _ store.Store = (*Store)(nil)
