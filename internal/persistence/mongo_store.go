package persistence

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/matchengine/pkg/api"
)

// MongoStore is the MongoDB api.Store. Index listing and Distinct go to
// the read-only database; every write goes to the read-write one.
type MongoStore struct {
	ro *mongo.Database
	rw *mongo.Database
}

// NewMongoStore uses client for both reads and writes.
// dbName defaults to "matchminer" if empty.
func NewMongoStore(client *mongo.Client, dbName string) *MongoStore {
	return NewMongoStoreWithReplicas(client, client, dbName)
}

// NewMongoStoreWithReplicas routes reads through ro and writes through rw.
func NewMongoStoreWithReplicas(ro, rw *mongo.Client, dbName string) *MongoStore {
	if dbName == "" {
		dbName = "matchminer"
	}
	return &MongoStore{
		ro: ro.Database(dbName),
		rw: rw.Database(dbName),
	}
}

type mongoIndexDoc struct {
	Name string `bson:"name"`
	Key  bson.D `bson:"key"`
}

func (s *MongoStore) ListIndexKeys(ctx context.Context, collection string) ([]string, error) {
	cur, err := s.ro.Collection(collection).Indexes().List(ctx)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var keys []string
	for cur.Next(ctx) {
		var doc mongoIndexDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		if len(doc.Key) == 0 {
			continue
		}
		keys = append(keys, doc.Key[0].Key)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *MongoStore) CreateIndex(ctx context.Context, collection, key string) error {
	_, err := s.rw.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: key, Value: 1}},
	})
	return err
}

func (s *MongoStore) CreateUniqueIndex(ctx context.Context, collection, key string) error {
	_, err := s.rw.Collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: key, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func (s *MongoStore) BulkWrite(ctx context.Context, collection string, ops []mongo.WriteModel) (api.BulkResult, error) {
	if len(ops) == 0 {
		return api.BulkResult{}, nil
	}
	res, err := s.rw.Collection(collection).BulkWrite(ctx, ops, options.BulkWrite().SetOrdered(false))

	var out api.BulkResult
	if res != nil {
		out = api.BulkResult{
			Inserted: res.InsertedCount,
			Matched:  res.MatchedCount,
			Modified: res.ModifiedCount,
			Deleted:  res.DeletedCount,
			Upserted: res.UpsertedCount,
		}
	}
	return out, err
}

func (s *MongoStore) Distinct(ctx context.Context, collection, field string) ([]any, error) {
	vals, err := s.ro.Collection(collection).Distinct(ctx, field, bson.D{})
	if err != nil {
		return nil, err
	}
	return vals, nil
}

func (s *MongoStore) InsertOne(ctx context.Context, collection string, doc any) error {
	_, err := s.rw.Collection(collection).InsertOne(ctx, doc)
	return err
}

func (s *MongoStore) UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error) {
	res, err := s.rw.Collection(collection).UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

// Ping checks that both the read and write deployments are reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	var errs []error
	if err := s.rw.Client().Ping(ctx, nil); err != nil {
		errs = append(errs, fmt.Errorf("ping read-write: %w", err))
	}
	if s.ro.Client() != s.rw.Client() {
		if err := s.ro.Client().Ping(ctx, nil); err != nil {
			errs = append(errs, fmt.Errorf("ping read-only: %w", err))
		}
	}
	return errors.Join(errs...)
}
