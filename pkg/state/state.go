// Package state holds the per-run aggregation state shared by all workers.
//
// A RunState is created by the run driver, handed to every worker by
// reference and read back by the driver once the queue has drained.
//
// Concurrency: appends to matches are serialized per trial, so workers
// appending for different trials never contend on the same lock and
// concurrent appends to the same (protocol, sample) bucket are all kept.
// Buckets are append-only; nothing ever removes or reorders an entry.
package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/petrijr/matchengine/pkg/api"
)

// ErrRunLogExists is returned when a trial's run log entry is set twice.
var ErrRunLogExists = errors.New("run log entry already recorded")

type trialMatches struct {
	mu      sync.Mutex
	samples map[string][]api.MatchDocument
}

// RunState is the aggregation state of one matching run.
type RunState struct {
	mu     sync.RWMutex
	trials map[string]*trialMatches

	runLogMu              sync.RWMutex
	runLogEntries         map[string]api.RunLogDocument
	clinicalRunLogEntries map[string]map[api.ClinicalID]struct{}

	matchCount atomic.Int64
}

// New creates an empty RunState.
func New() *RunState {
	return &RunState{
		trials:                make(map[string]*trialMatches),
		runLogEntries:         make(map[string]api.RunLogDocument),
		clinicalRunLogEntries: make(map[string]map[api.ClinicalID]struct{}),
	}
}

func (s *RunState) trial(protocolNo string) *trialMatches {
	s.mu.RLock()
	tm, ok := s.trials[protocolNo]
	s.mu.RUnlock()
	if ok {
		return tm
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tm, ok = s.trials[protocolNo]; !ok {
		tm = &trialMatches{samples: make(map[string][]api.MatchDocument)}
		s.trials[protocolNo] = tm
	}
	return tm
}

// AppendMatch appends doc to the (protocolNo, sampleID) bucket.
func (s *RunState) AppendMatch(protocolNo, sampleID string, doc api.MatchDocument) error {
	if protocolNo == "" {
		return errors.New("append match: empty protocol number")
	}
	if sampleID == "" {
		return fmt.Errorf("append match for %s: empty sample id", protocolNo)
	}

	tm := s.trial(protocolNo)
	tm.mu.Lock()
	tm.samples[sampleID] = append(tm.samples[sampleID], doc)
	tm.mu.Unlock()
	return nil
}

// IncMatchCount bumps the run-wide match counter and returns the new value.
func (s *RunState) IncMatchCount() int64 {
	return s.matchCount.Add(1)
}

// MatchCount returns the number of match documents produced so far.
func (s *RunState) MatchCount() int64 {
	return s.matchCount.Load()
}

// Bucket returns a copy of the (protocolNo, sampleID) bucket.
func (s *RunState) Bucket(protocolNo, sampleID string) []api.MatchDocument {
	s.mu.RLock()
	tm, ok := s.trials[protocolNo]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	docs := tm.samples[sampleID]
	out := make([]api.MatchDocument, len(docs))
	copy(out, docs)
	return out
}

// Matches returns a copy of one trial's buckets keyed by sample id.
func (s *RunState) Matches(protocolNo string) map[string][]api.MatchDocument {
	s.mu.RLock()
	tm, ok := s.trials[protocolNo]
	s.mu.RUnlock()
	if !ok {
		return map[string][]api.MatchDocument{}
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()
	out := make(map[string][]api.MatchDocument, len(tm.samples))
	for sampleID, docs := range tm.samples {
		cp := make([]api.MatchDocument, len(docs))
		copy(cp, docs)
		out[sampleID] = cp
	}
	return out
}

// ProtocolNos returns the sorted protocol numbers that have matches.
func (s *RunState) ProtocolNos() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.trials))
	for p := range s.trials {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SetRunLog records a trial's run log document and the clinical ids the
// trial was matched against. It may be called once per trial per run.
func (s *RunState) SetRunLog(protocolNo string, doc api.RunLogDocument, clinicalIDs []api.ClinicalID) error {
	s.runLogMu.Lock()
	defer s.runLogMu.Unlock()

	if _, ok := s.runLogEntries[protocolNo]; ok {
		return fmt.Errorf("%w: %s", ErrRunLogExists, protocolNo)
	}
	ids := make(map[api.ClinicalID]struct{}, len(clinicalIDs))
	for _, id := range clinicalIDs {
		ids[id] = struct{}{}
	}
	s.runLogEntries[protocolNo] = doc
	s.clinicalRunLogEntries[protocolNo] = ids
	return nil
}

// RunLogEntry returns the run log document recorded for protocolNo.
func (s *RunState) RunLogEntry(protocolNo string) (api.RunLogDocument, bool) {
	s.runLogMu.RLock()
	defer s.runLogMu.RUnlock()
	doc, ok := s.runLogEntries[protocolNo]
	return doc, ok
}

// ClinicalRunLogEntry returns the clinical ids recorded for protocolNo,
// sorted.
func (s *RunState) ClinicalRunLogEntry(protocolNo string) ([]api.ClinicalID, bool) {
	s.runLogMu.RLock()
	defer s.runLogMu.RUnlock()
	ids, ok := s.clinicalRunLogEntries[protocolNo]
	if !ok {
		return nil, false
	}
	out := make([]api.ClinicalID, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, true
}
