package persistence

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/matchengine/pkg/api"
)

type memCollection struct {
	docs    []bson.M
	indexes []string
	unique  map[string]bool
}

// InMemoryStore is a goroutine-safe api.Store backed by maps.
//
// Filters support top-level equality and $in. Updates support $set, $unset
// and $push. Unique indexes are enforced on insert and reported the way the
// driver reports them: a mongo.WriteException for InsertOne and a
// mongo.BulkWriteException for BulkWrite.
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	bulkWrites  map[string]int
}

// NewInMemoryStore creates an empty InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		collections: make(map[string]*memCollection),
		bulkWrites:  make(map[string]int),
	}
}

func (s *InMemoryStore) coll(name string) *memCollection {
	c, ok := s.collections[name]
	if !ok {
		c = &memCollection{indexes: []string{"_id"}, unique: map[string]bool{"_id": true}}
		s.collections[name] = c
	}
	return c
}

func (s *InMemoryStore) ListIndexKeys(ctx context.Context, collection string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), c.indexes...), nil
}

func (s *InMemoryStore) CreateIndex(ctx context.Context, collection, key string) error {
	return s.createIndex(ctx, collection, key, false)
}

func (s *InMemoryStore) CreateUniqueIndex(ctx context.Context, collection, key string) error {
	return s.createIndex(ctx, collection, key, true)
}

func (s *InMemoryStore) createIndex(ctx context.Context, collection, key string, unique bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.coll(collection)
	for _, k := range c.indexes {
		if k == key {
			if unique && !c.unique[key] {
				return fmt.Errorf("index on %s.%s exists with different options", collection, key)
			}
			return nil
		}
	}
	if unique {
		seen := make(map[string]struct{})
		for _, d := range c.docs {
			v, ok := d[key]
			if !ok {
				continue
			}
			k := fmt.Sprint(v)
			if _, dup := seen[k]; dup {
				return fmt.Errorf("create unique index on %s.%s: duplicate value %v", collection, key, v)
			}
			seen[k] = struct{}{}
		}
		c.unique[key] = true
	}
	c.indexes = append(c.indexes, key)
	return nil
}

func (s *InMemoryStore) BulkWrite(ctx context.Context, collection string, ops []mongo.WriteModel) (api.BulkResult, error) {
	if err := ctx.Err(); err != nil {
		return api.BulkResult{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bulkWrites[collection]++
	c := s.coll(collection)

	var res api.BulkResult
	var writeErrs []mongo.BulkWriteError
	fail := func(i int, op mongo.WriteModel, err error) {
		code := 2
		if we, ok := err.(mongo.WriteError); ok {
			code = we.Code
		}
		writeErrs = append(writeErrs, mongo.BulkWriteError{
			WriteError: mongo.WriteError{Index: i, Code: code, Message: err.Error()},
			Request:    op,
		})
	}

	for i, op := range ops {
		switch m := op.(type) {
		case *mongo.InsertOneModel:
			if err := c.insert(m.Document); err != nil {
				fail(i, op, err)
				continue
			}
			res.Inserted++

		case *mongo.UpdateOneModel:
			matched, modified, upserted, err := c.update(m.Filter, m.Update, false, m.Upsert != nil && *m.Upsert)
			if err != nil {
				fail(i, op, err)
				continue
			}
			res.Matched += matched
			res.Modified += modified
			res.Upserted += upserted

		case *mongo.UpdateManyModel:
			matched, modified, upserted, err := c.update(m.Filter, m.Update, true, m.Upsert != nil && *m.Upsert)
			if err != nil {
				fail(i, op, err)
				continue
			}
			res.Matched += matched
			res.Modified += modified
			res.Upserted += upserted

		case *mongo.DeleteOneModel:
			n, err := c.delete(m.Filter, false)
			if err != nil {
				fail(i, op, err)
				continue
			}
			res.Deleted += n

		case *mongo.DeleteManyModel:
			n, err := c.delete(m.Filter, true)
			if err != nil {
				fail(i, op, err)
				continue
			}
			res.Deleted += n

		default:
			fail(i, op, fmt.Errorf("unsupported write model %T", op))
		}
	}

	if len(writeErrs) > 0 {
		return res, mongo.BulkWriteException{WriteErrors: writeErrs}
	}
	return res, nil
}

func (s *InMemoryStore) Distinct(ctx context.Context, collection, field string) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return []any{}, nil
	}
	seen := make(map[string]struct{})
	out := []any{}
	add := func(v any) {
		k := fmt.Sprintf("%T:%v", v, v)
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	for _, d := range c.docs {
		v, ok := d[field]
		if !ok {
			continue
		}
		if arr, ok := v.(bson.A); ok {
			for _, e := range arr {
				add(e)
			}
			continue
		}
		add(v)
	}
	return out, nil
}

func (s *InMemoryStore) InsertOne(ctx context.Context, collection string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.coll(collection).insert(doc); err != nil {
		if we, ok := err.(mongo.WriteError); ok {
			return mongo.WriteException{WriteErrors: mongo.WriteErrors{we}}
		}
		return err
	}
	return nil
}

func (s *InMemoryStore) UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, modified, _, err := s.coll(collection).update(filter, update, true, false)
	return modified, err
}

// Documents returns a copy of every document in collection, in insertion
// order.
func (s *InMemoryStore) Documents(collection string) []bson.M {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[collection]
	if !ok {
		return nil
	}
	out := make([]bson.M, 0, len(c.docs))
	for _, d := range c.docs {
		cp, _ := toM(d)
		out = append(out, cp)
	}
	return out
}

// BulkWrites returns how many bulk writes were submitted to collection.
func (s *InMemoryStore) BulkWrites(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bulkWrites[collection]
}

func (c *memCollection) insert(raw any) error {
	doc, err := toM(raw)
	if err != nil {
		return err
	}
	if _, ok := doc["_id"]; !ok {
		doc["_id"] = primitive.NewObjectID()
	}
	if err := c.checkUnique(doc, -1); err != nil {
		return err
	}
	c.docs = append(c.docs, doc)
	return nil
}

// checkUnique reports a duplicate key write error if doc collides with any
// stored document other than the one at skip.
func (c *memCollection) checkUnique(doc bson.M, skip int) error {
	for key := range c.unique {
		v, ok := doc[key]
		if !ok {
			continue
		}
		for i, other := range c.docs {
			if i == skip {
				continue
			}
			if ov, ok := other[key]; ok && valuesEqual(ov, v) {
				return mongo.WriteError{
					Code:    duplicateKeyCode,
					Message: fmt.Sprintf("E11000 duplicate key error dup key: { %s: %v }", key, v),
				}
			}
		}
	}
	return nil
}

func (c *memCollection) update(rawFilter, rawUpdate any, many, upsert bool) (matched, modified, upserted int64, err error) {
	filter, err := toM(rawFilter)
	if err != nil {
		return 0, 0, 0, err
	}
	update, err := toM(rawUpdate)
	if err != nil {
		return 0, 0, 0, err
	}

	for i, d := range c.docs {
		ok, err := matches(d, filter)
		if err != nil {
			return matched, modified, 0, err
		}
		if !ok {
			continue
		}
		matched++
		next, changed, err := applyUpdate(d, update)
		if err != nil {
			return matched, modified, 0, err
		}
		if changed {
			if err := c.checkUnique(next, i); err != nil {
				return matched, modified, 0, err
			}
			c.docs[i] = next
			modified++
		}
		if !many {
			return matched, modified, 0, nil
		}
	}

	if matched == 0 && upsert {
		seed := bson.M{}
		for k, v := range filter {
			if _, isOp := v.(bson.M); !isOp {
				seed[k] = v
			}
		}
		next, _, err := applyUpdate(seed, update)
		if err != nil {
			return 0, 0, 0, err
		}
		if err := c.insert(next); err != nil {
			return 0, 0, 0, err
		}
		upserted = 1
	}
	return matched, modified, upserted, nil
}

func (c *memCollection) delete(rawFilter any, many bool) (int64, error) {
	filter, err := toM(rawFilter)
	if err != nil {
		return 0, err
	}
	kept := make([]bson.M, 0, len(c.docs))
	var n int64
	for _, d := range c.docs {
		ok, err := matches(d, filter)
		if err != nil {
			return 0, err
		}
		if ok && (many || n == 0) {
			n++
			continue
		}
		kept = append(kept, d)
	}
	c.docs = kept
	return n, nil
}

func matches(doc, filter bson.M) (bool, error) {
	for field, cond := range filter {
		v, present := doc[field]
		if ops, ok := cond.(bson.M); ok && isOperatorDoc(ops) {
			for op, arg := range ops {
				switch op {
				case "$in":
					list, ok := arg.(bson.A)
					if !ok {
						return false, fmt.Errorf("$in needs an array, got %T", arg)
					}
					found := false
					for _, want := range list {
						if present && valuesEqual(v, want) {
							found = true
							break
						}
					}
					if !found {
						return false, nil
					}
				case "$exists":
					want, _ := arg.(bool)
					if present != want {
						return false, nil
					}
				default:
					return false, fmt.Errorf("unsupported filter operator %s", op)
				}
			}
			continue
		}
		if !present || !valuesEqual(v, cond) {
			return false, nil
		}
	}
	return true, nil
}

func applyUpdate(doc, update bson.M) (bson.M, bool, error) {
	next, err := toM(doc)
	if err != nil {
		return nil, false, err
	}
	changed := false
	for op, arg := range update {
		fields, ok := arg.(bson.M)
		if !ok {
			return nil, false, fmt.Errorf("update operator %s needs a document, got %T", op, arg)
		}
		switch op {
		case "$set":
			for k, v := range fields {
				if old, ok := next[k]; !ok || !valuesEqual(old, v) {
					changed = true
				}
				next[k] = v
			}
		case "$unset":
			for k := range fields {
				if _, ok := next[k]; ok {
					delete(next, k)
					changed = true
				}
			}
		case "$push":
			for k, v := range fields {
				arr, isArr := next[k].(bson.A)
				if _, present := next[k]; present && !isArr {
					return nil, false, fmt.Errorf("$push to non-array field %s", k)
				}
				next[k] = append(append(bson.A(nil), arr...), v)
				changed = true
			}
		default:
			return nil, false, fmt.Errorf("unsupported update operator %s", op)
		}
	}
	return next, changed, nil
}

func isOperatorDoc(m bson.M) bool {
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return len(m) > 0
}

// valuesEqual compares two decoded bson values, treating every numeric type
// as a float64.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// toM deep-copies any bson-marshalable document into a bson.M so stored
// documents never alias caller memory.
func toM(v any) (bson.M, error) {
	if v == nil {
		return bson.M{}, nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return out, nil
}
