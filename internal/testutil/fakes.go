package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/matchengine/pkg/api"
)

// Op names one api.Store method.
type Op string

const (
	OpListIndexKeys     Op = "ListIndexKeys"
	OpCreateIndex       Op = "CreateIndex"
	OpCreateUniqueIndex Op = "CreateUniqueIndex"
	OpBulkWrite         Op = "BulkWrite"
	OpDistinct          Op = "Distinct"
	OpInsertOne         Op = "InsertOne"
	OpUpdateMany        Op = "UpdateMany"
)

// FaultyStore wraps a store and fails scripted calls.
type FaultyStore struct {
	inner api.Store

	mu     sync.Mutex
	faults map[Op][]error
	hooks  map[Op]func(ctx context.Context) error
	calls  map[Op]int
}

func NewFaultyStore(inner api.Store) *FaultyStore {
	return &FaultyStore{
		inner:  inner,
		faults: make(map[Op][]error),
		hooks:  make(map[Op]func(ctx context.Context) error),
		calls:  make(map[Op]int),
	}
}

// FailNext makes the next len(errs) calls to op fail with errs, in order,
// without reaching the wrapped store.
func (s *FaultyStore) FailNext(op Op, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], errs...)
}

// OnCall runs fn before every call to op that has no scripted failure. A
// non-nil error from fn is returned instead of calling the wrapped store.
func (s *FaultyStore) OnCall(op Op, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks[op] = fn
}

// Calls returns how many times op was called, failed calls included.
func (s *FaultyStore) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

func (s *FaultyStore) before(ctx context.Context, op Op) error {
	s.mu.Lock()
	s.calls[op]++
	if q := s.faults[op]; len(q) > 0 {
		s.faults[op] = q[1:]
		s.mu.Unlock()
		return q[0]
	}
	hook := s.hooks[op]
	s.mu.Unlock()

	if hook != nil {
		return hook(ctx)
	}
	return nil
}

func (s *FaultyStore) ListIndexKeys(ctx context.Context, collection string) ([]string, error) {
	if err := s.before(ctx, OpListIndexKeys); err != nil {
		return nil, err
	}
	return s.inner.ListIndexKeys(ctx, collection)
}

func (s *FaultyStore) CreateIndex(ctx context.Context, collection, key string) error {
	if err := s.before(ctx, OpCreateIndex); err != nil {
		return err
	}
	return s.inner.CreateIndex(ctx, collection, key)
}

func (s *FaultyStore) CreateUniqueIndex(ctx context.Context, collection, key string) error {
	if err := s.before(ctx, OpCreateUniqueIndex); err != nil {
		return err
	}
	return s.inner.CreateUniqueIndex(ctx, collection, key)
}

func (s *FaultyStore) BulkWrite(ctx context.Context, collection string, ops []mongo.WriteModel) (api.BulkResult, error) {
	if err := s.before(ctx, OpBulkWrite); err != nil {
		return api.BulkResult{}, err
	}
	return s.inner.BulkWrite(ctx, collection, ops)
}

func (s *FaultyStore) Distinct(ctx context.Context, collection, field string) ([]any, error) {
	if err := s.before(ctx, OpDistinct); err != nil {
		return nil, err
	}
	return s.inner.Distinct(ctx, collection, field)
}

func (s *FaultyStore) InsertOne(ctx context.Context, collection string, doc any) error {
	if err := s.before(ctx, OpInsertOne); err != nil {
		return err
	}
	return s.inner.InsertOne(ctx, collection, doc)
}

func (s *FaultyStore) UpdateMany(ctx context.Context, collection string, filter, update any) (int64, error) {
	if err := s.before(ctx, OpUpdateMany); err != nil {
		return 0, err
	}
	return s.inner.UpdateMany(ctx, collection, filter, update)
}

// SteppedDown returns the server error a driver reports after a replica
// set failover.
func SteppedDown() error {
	return mongo.CommandError{Code: 189, Name: "PrimarySteppedDown", Message: "primary stepped down"}
}

// StubMatcher is an api.Matcher driven by optional functions. By default
// every clinical id yields one clinical match reason and every reason
// becomes a document with sample_id "S-<clinical id>".
type StubMatcher struct {
	RunQueryFn         func(ctx context.Context, query bson.M, clinicalIDs []api.ClinicalID) ([]api.MatchReason, error)
	CreateTrialMatchFn func(tm api.TrialMatch) (api.MatchDocument, error)

	queries atomic.Int64
}

func (m *StubMatcher) RunQuery(ctx context.Context, query bson.M, clinicalIDs []api.ClinicalID) ([]api.MatchReason, error) {
	m.queries.Add(1)
	if m.RunQueryFn != nil {
		return m.RunQueryFn(ctx, query, clinicalIDs)
	}
	reasons := make([]api.MatchReason, 0, len(clinicalIDs))
	for _, id := range clinicalIDs {
		reasons = append(reasons, api.MatchReason{
			Kind:       api.MatchReasonClinical,
			ClinicalID: id,
			QueryNode:  query,
			Width:      1,
			Depth:      1,
		})
	}
	return reasons, nil
}

func (m *StubMatcher) CreateTrialMatch(tm api.TrialMatch) (api.MatchDocument, error) {
	if m.CreateTrialMatchFn != nil {
		return m.CreateTrialMatchFn(tm)
	}
	return api.MatchDocument{
		"protocol_no":    tm.Trial.ProtocolNo,
		"sample_id":      fmt.Sprintf("S-%s", tm.MatchReason.ClinicalID),
		"clinical_id":    string(tm.MatchReason.ClinicalID),
		"match_type":     string(tm.MatchReason.Kind),
		"genomic_id":     tm.MatchReason.GenomicID,
		"run_start_time": tm.RunStartTime,
	}, nil
}

// Queries returns how many times RunQuery was called.
func (m *StubMatcher) Queries() int64 {
	return m.queries.Load()
}
