package mongo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/memory-sync/internal/config"
	"github.com/chirino/memory-sync/internal/metrics"
	"github.com/chirino/memory-sync/internal/model"
	registrymigrate "github.com/chirino/memory-sync/internal/registry/migrate"
	registryoplog "github.com/chirino/memory-sync/internal/registry/oplog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	recordsCollection   = "oplog_records"
	snapshotsCollection = "oplog_snapshots"
	countersCollection  = "oplog_counters"
	sequenceCounter     = "sequence_no"
)

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryoplog.Register(registryoplog.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registryoplog.Log, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}
			return New(ctx, client, cfg.MongoDatabase)
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-oplog-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.OpLogMigrateAtStart {
		return nil
	}
	if cfg.OpLogType != "mongo" {
		return nil
	}
	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(cfg.MongoDatabase)
	indexes := map[string][]mongo.IndexModel{
		recordsCollection: {
			{Keys: bson.D{{Key: "document_id", Value: 1}}},
			{Keys: bson.D{{Key: "segment", Value: 1}, {Key: "_id", Value: 1}}},
		},
	}
	for name, models := range indexes {
		if _, err := db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongo migration: failed to create indexes on %s: %w", name, err)
		}
	}
	log.Info("Mongo oplog migration complete")
	return nil
}

type recordDoc struct {
	SequenceNo int64     `bson:"_id"`
	Segment    int64     `bson:"segment"`
	Timestamp  time.Time `bson:"timestamp"`
	Component  string    `bson:"component"`
	DocumentID string    `bson:"document_id"`
	Operation  []byte    `bson:"operation"`
}

type snapshotDoc struct {
	SequenceNo int64     `bson:"_id"`
	Segment    int64     `bson:"segment"`
	CreatedAt  time.Time `bson:"created_at"`
	State      []byte    `bson:"state"`
}

type counterDoc struct {
	ID  string `bson:"_id"`
	Seq int64  `bson:"seq"`
}

// Log is a MongoDB-backed operation log. Sequence numbers come from a
// counter document so they stay monotonic after compaction removes records.
type Log struct {
	client   *mongo.Client
	db       *mongo.Database
	mu       sync.Mutex
	segment  int64
	baseline int64
}

func New(ctx context.Context, client *mongo.Client, database string) (*Log, error) {
	l := &Log{client: client, db: client.Database(database), segment: 1}
	snap, err := l.Baseline(ctx)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		l.segment = snap.Segment + 1
		l.baseline = snap.SequenceNo
	}
	return l, nil
}

func (l *Log) next(ctx context.Context) (int64, error) {
	var c counterDoc
	err := l.db.Collection(countersCollection).FindOneAndUpdate(ctx,
		bson.M{"_id": sequenceCounter},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&c)
	if err != nil {
		return 0, err
	}
	return c.Seq, nil
}

func (l *Log) head(ctx context.Context) (int64, error) {
	var c counterDoc
	err := l.db.Collection(countersCollection).FindOne(ctx, bson.M{"_id": sequenceCounter}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	return c.Seq, err
}

func (l *Log) Append(ctx context.Context, rec model.OpLogRecord) (model.OpLogRecord, error) {
	defer metrics.ObserveOpLog("append", time.Now())
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, err := l.next(ctx)
	if err != nil {
		return model.OpLogRecord{}, fmt.Errorf("oplog append: %w", err)
	}
	doc := recordDoc{
		SequenceNo: seq,
		Segment:    l.segment,
		Timestamp:  rec.Timestamp,
		Component:  string(rec.Component),
		DocumentID: rec.DocumentID,
		Operation:  rec.Operation,
	}
	if _, err := l.db.Collection(recordsCollection).InsertOne(ctx, doc); err != nil {
		return model.OpLogRecord{}, fmt.Errorf("oplog append: %w", err)
	}
	rec.SequenceNo = seq
	rec.Segment = doc.Segment
	return rec, nil
}

func (l *Log) Read(ctx context.Context, after int64, limit int) ([]model.OpLogRecord, error) {
	defer metrics.ObserveOpLog("read", time.Now())
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := l.db.Collection(recordsCollection).Find(ctx, bson.M{"_id": bson.M{"$gt": after}}, opts)
	if err != nil {
		return nil, fmt.Errorf("oplog read: %w", err)
	}
	var docs []recordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("oplog read: %w", err)
	}
	out := make([]model.OpLogRecord, len(docs))
	for i, d := range docs {
		out[i] = model.OpLogRecord{
			SequenceNo: d.SequenceNo,
			Segment:    d.Segment,
			Timestamp:  d.Timestamp.UTC(),
			Component:  model.Component(d.Component),
			DocumentID: d.DocumentID,
			Operation:  d.Operation,
		}
	}
	return out, nil
}

func (l *Log) Baseline(ctx context.Context) (*model.Snapshot, error) {
	var d snapshotDoc
	err := l.db.Collection(snapshotsCollection).FindOne(ctx, bson.M{},
		options.FindOne().SetSort(bson.D{{Key: "_id", Value: -1}}),
	).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("oplog baseline: %w", err)
	}
	return &model.Snapshot{
		SequenceNo: d.SequenceNo,
		Segment:    d.Segment,
		CreatedAt:  d.CreatedAt.UTC(),
		State:      d.State,
	}, nil
}

// Compact stores the baseline before removing the records it covers.
// Replay reads records after the newest baseline, so a crash between the two
// steps leaves redundant records that are skipped, never a gap.
func (l *Log) Compact(ctx context.Context, snap model.Snapshot) error {
	defer metrics.ObserveOpLog("compact", time.Now())
	l.mu.Lock()
	defer l.mu.Unlock()
	if snap.SequenceNo < l.baseline {
		return model.NewValidationError("sequence_no", "snapshot at %d predates the baseline at %d", snap.SequenceNo, l.baseline)
	}
	head, err := l.head(ctx)
	if err != nil {
		return fmt.Errorf("oplog compact: %w", err)
	}
	if snap.SequenceNo > head {
		return model.NewValidationError("sequence_no", "snapshot at %d is ahead of the log (%d)", snap.SequenceNo, head)
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	doc := snapshotDoc{SequenceNo: snap.SequenceNo, Segment: l.segment, CreatedAt: snap.CreatedAt, State: snap.State}
	_, err = l.db.Collection(snapshotsCollection).ReplaceOne(ctx, bson.M{"_id": doc.SequenceNo}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("oplog compact: %w", err)
	}
	if _, err := l.db.Collection(recordsCollection).DeleteMany(ctx, bson.M{"_id": bson.M{"$lte": snap.SequenceNo}}); err != nil {
		return fmt.Errorf("oplog compact: %w", err)
	}
	if _, err := l.db.Collection(snapshotsCollection).DeleteMany(ctx, bson.M{"_id": bson.M{"$lt": snap.SequenceNo}}); err != nil {
		log.Warn("Oplog: failed to prune old baselines", "err", err)
	}
	l.segment++
	l.baseline = snap.SequenceNo
	return nil
}

func (l *Log) Count(ctx context.Context) (int64, error) {
	n, err := l.db.Collection(recordsCollection).CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("oplog count: %w", err)
	}
	return n, nil
}

func (l *Log) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.client.Disconnect(ctx)
}

var _ registryoplog.Log = (*Log)(nil)
