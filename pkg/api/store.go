package api

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// Store is the document store the handlers talk to.
//
// Implementations may route reads (ListIndexKeys, Distinct) to a read-only
// replica and everything else to the primary.
type Store interface {
	// ListIndexKeys returns the first key name of every index on collection.
	ListIndexKeys(ctx context.Context, collection string) ([]string, error)

	// CreateIndex creates an ascending single-key index. Creating an index
	// that already exists is a no-op.
	CreateIndex(ctx context.Context, collection, key string) error

	// CreateUniqueIndex is CreateIndex with a uniqueness constraint.
	CreateUniqueIndex(ctx context.Context, collection, key string) error

	// BulkWrite submits ops as a single unordered bulk write: a failing
	// operation does not prevent its siblings from being applied.
	BulkWrite(ctx context.Context, collection string, ops []mongo.WriteModel) (BulkResult, error)

	// Distinct returns the distinct values of field across collection.
	Distinct(ctx context.Context, collection, field string) ([]any, error)

	InsertOne(ctx context.Context, collection string, doc any) error

	UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error)
}

// BulkResult counts what a bulk write did.
type BulkResult struct {
	Inserted int64
	Matched  int64
	Modified int64
	Deleted  int64
	Upserted int64
}

// Matcher turns queries into match reasons and match reasons into match
// documents. The matching algorithm itself lives outside the engine.
type Matcher interface {
	RunQuery(ctx context.Context, query bson.M, clinicalIDs []ClinicalID) ([]MatchReason, error)

	// CreateTrialMatch must be pure; the returned document must carry a
	// string sample_id.
	CreateTrialMatch(tm TrialMatch) (MatchDocument, error)
}
