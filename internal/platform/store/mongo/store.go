// Package mongo is a Resource Store on MongoDB. Transactions need a replica
// set (a single-node one is enough).
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"

	"github.com/ehr/intake/internal/platform/store"
)

const collection = "records"

// document is the stored shape. _id is "kind/id"; payload keeps the record
// JSON verbatim.
type document struct {
	Key       string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	ID        string    `bson:"rid"`
	Version   int64     `bson:"version"`
	Payload   string    `bson:"payload"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func key(kind, id string) string { return kind + "/" + id }

func (d document) record() store.Record {
	return store.Record{Kind: d.Kind, ID: d.ID, Version: d.Version, Data: []byte(d.Payload), UpdatedAt: d.UpdatedAt}
}

type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

type Store struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// Open connects, pings the primary and ensures the kind index.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "intake"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetConnectTimeout(cfg.ConnectTimeout))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	coll := client.Database(cfg.Database).Collection(collection)
	_, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "kind", Value: 1}, {Key: "rid", Value: 1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create records index: %w", err)
	}
	return &Store{client: client, coll: coll}, nil
}

func (s *Store) Driver() string { return "mongo" }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx, readpref.Primary()) }

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// RunInTx runs fn once inside a snapshot transaction. It does not use
// WithTransaction, which would re-run fn on transient errors; a write
// conflict surfaces as store.ErrConflict instead.
func (s *Store) RunInTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer sess.EndSession(context.Background())

	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := sess.StartTransaction(txOpts); err != nil {
		return fmt.Errorf("start transaction: %w", err)
	}
	sc := mongo.NewSessionContext(ctx, sess)

	if err := fn(&txn{ctx: sc, coll: s.coll}); err != nil {
		_ = sess.AbortTransaction(context.Background())
		return err
	}
	if err := sess.CommitTransaction(sc); err != nil {
		switch {
		case hasLabel(err, driverUnknownCommit):
			return fmt.Errorf("%w: %v", store.ErrCommitUncertain, err)
		case hasLabel(err, driverTransient):
			return store.ErrConflict
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const (
	driverTransient     = "TransientTransactionError"
	driverUnknownCommit = "UnknownTransactionCommitResult"
)

func hasLabel(err error, label string) bool {
	var se mongo.ServerError
	return errors.As(err, &se) && se.HasErrorLabel(label)
}

// conflictOr maps a transaction write conflict to store.ErrConflict.
func conflictOr(err error, format string, args ...any) error {
	if hasLabel(err, driverTransient) {
		return store.ErrConflict
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

type txn struct {
	ctx  context.Context
	coll *mongo.Collection
}

func (t *txn) Get(kind, id string) (store.Record, error) {
	var doc document
	err := t.coll.FindOne(t.ctx, bson.M{"_id": key(kind, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, conflictOr(err, "find %s/%s", kind, id)
	}
	return doc.record(), nil
}

func (t *txn) List(kind string) ([]store.Record, error) {
	cur, err := t.coll.Find(t.ctx, bson.M{"kind": kind}, options.Find().SetSort(bson.D{{Key: "rid", Value: 1}}))
	if err != nil {
		return nil, conflictOr(err, "find %s", kind)
	}
	defer cur.Close(t.ctx)

	var out []store.Record
	for cur.Next(t.ctx) {
		var doc document
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s: %w", kind, err)
		}
		out = append(out, doc.record())
	}
	return out, cur.Err()
}

func (t *txn) Put(rec store.Record) (store.Record, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if rec.Version == 0 {
		doc := document{Key: key(rec.Kind, rec.ID), Kind: rec.Kind, ID: rec.ID, Version: 1, Payload: string(rec.Data), UpdatedAt: now}
		if _, err := t.coll.InsertOne(t.ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return store.Record{}, store.ErrExists
			}
			return store.Record{}, conflictOr(err, "insert %s/%s", rec.Kind, rec.ID)
		}
	} else {
		res, err := t.coll.UpdateOne(t.ctx,
			bson.M{"_id": key(rec.Kind, rec.ID), "version": rec.Version},
			bson.M{
				"$set": bson.M{"payload": string(rec.Data), "updated_at": now},
				"$inc": bson.M{"version": 1},
			})
		if err != nil {
			return store.Record{}, conflictOr(err, "update %s/%s", rec.Kind, rec.ID)
		}
		if res.MatchedCount == 0 {
			return store.Record{}, t.missOrConflict(rec.Kind, rec.ID)
		}
	}
	rec.Version++
	rec.UpdatedAt = now
	return rec, nil
}

func (t *txn) Delete(kind, id string, version int64) error {
	filter := bson.M{"_id": key(kind, id)}
	if version != 0 {
		filter["version"] = version
	}
	res, err := t.coll.DeleteOne(t.ctx, filter)
	if err != nil {
		return conflictOr(err, "delete %s/%s", kind, id)
	}
	if res.DeletedCount == 0 {
		return t.missOrConflict(kind, id)
	}
	return nil
}

func (t *txn) missOrConflict(kind, id string) error {
	if _, err := t.Get(kind, id); errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrConflict
}
