// Package mongostore is a second optional kvsstore.Datastore backend,
// document-oriented, exercising go.mongodb.org/mongo-driver the way the
// teacher's storage.MongoDB does (storage/mongo.go), adapted to the
// versioned (table, key, timestamp_desc) contract.
package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"consus/internal/kvsstore"
)

type versionDoc struct {
	Table     string `bson:"table"`
	Key       string `bson:"key"`
	Timestamp int64  `bson:"ts"`
	Value     []byte `bson:"value"`
	Tombstone bool   `bson:"tombstone"`
}

type lockDoc struct {
	ID     string `bson:"_id"`
	Holder string `bson:"holder"`
}

// Store is a Datastore backed by one Mongo database with two collections:
// versions (one document per (table,key,ts)) and locks (one per
// (table,key)).
type Store struct {
	client   *mongo.Client
	versions *mongo.Collection
	locks    *mongo.Collection
}

// Open connects to uri and selects database dbName.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	db := client.Database(dbName)
	return &Store{
		client:   client,
		versions: db.Collection("consus_versions"),
		locks:    db.Collection("consus_locks"),
	}, nil
}

func rowID(table, key string) string {
	return table + ":" + key
}

func (s *Store) EnsureTable(ctx context.Context, table string) error {
	return nil
}

func (s *Store) put(ctx context.Context, doc versionDoc) error {
	filter := bson.M{"table": doc.Table, "key": doc.Key, "ts": doc.Timestamp}
	_, err := s.versions.UpdateOne(ctx, filter, bson.M{"$set": doc}, options.Update().SetUpsert(true))
	return err
}

func (s *Store) Put(ctx context.Context, table, key string, timestamp int64, value []byte) error {
	return s.put(ctx, versionDoc{Table: table, Key: key, Timestamp: timestamp, Value: value})
}

func (s *Store) Delete(ctx context.Context, table, key string, timestamp int64) error {
	return s.put(ctx, versionDoc{Table: table, Key: key, Timestamp: timestamp, Tombstone: true})
}

func (s *Store) Get(ctx context.Context, table, key string, asOf int64) (kvsstore.Version, error) {
	opts := options.FindOne().SetSort(bson.M{"ts": -1})
	filter := bson.M{"table": table, "key": key, "ts": bson.M{"$lte": asOf}}
	var doc versionDoc
	err := s.versions.FindOne(ctx, filter, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return kvsstore.Version{}, kvsstore.ErrNotFound
	}
	if err != nil {
		return kvsstore.Version{}, err
	}
	if doc.Tombstone {
		return kvsstore.Version{}, kvsstore.ErrNotFound
	}
	return kvsstore.Version{Timestamp: doc.Timestamp, Value: doc.Value, Tombstone: doc.Tombstone}, nil
}

func (s *Store) WriteLockHolder(ctx context.Context, table, key string, holder string) error {
	id := rowID(table, key)
	if holder == "" {
		_, err := s.locks.DeleteOne(ctx, bson.M{"_id": id})
		return err
	}
	_, err := s.locks.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": lockDoc{ID: id, Holder: holder}}, options.Update().SetUpsert(true))
	return err
}

func (s *Store) ReadLockHolder(ctx context.Context, table, key string) (string, error) {
	var doc lockDoc
	err := s.locks.FindOne(ctx, bson.M{"_id": rowID(table, key)}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return doc.Holder, nil
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}
