package api

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// ClinicalID identifies a clinical document. ObjectIDs are carried by their
// hex representation.
type ClinicalID string

// Trial references the trial a QueryTask matches against. Only ProtocolNo is
// interpreted by the engine; Document is handed to the Matcher untouched.
type Trial struct {
	ProtocolNo string
	Document   bson.M
}

// MatchReasonKind tells which part of a match clause produced a reason.
type MatchReasonKind string

const (
	MatchReasonClinical MatchReasonKind = "clinical"
	MatchReasonGenomic  MatchReasonKind = "genomic"
)

// MatchReason is one hit returned by the Matcher for a query.
type MatchReason struct {
	Kind       MatchReasonKind
	ClinicalID ClinicalID
	// GenomicID is empty for clinical reasons.
	GenomicID string
	QueryNode bson.M
	Width     int
	Depth     int
}

// TrialMatch is everything needed to build one match document.
type TrialMatch struct {
	Trial           Trial
	MatchClauseData bson.M
	MatchPath       []string
	Query           bson.M
	MatchReason     MatchReason
	RunStartTime    time.Time
}

// MatchDocument is the persisted form of a TrialMatch.
type MatchDocument bson.M

// SampleIDField is the match document field the run state buckets by.
const SampleIDField = "sample_id"

// SampleID returns the sample the document belongs to.
func (d MatchDocument) SampleID() (string, error) {
	raw, ok := d[SampleIDField]
	if !ok {
		return "", fmt.Errorf("match document has no %s", SampleIDField)
	}
	id, ok := raw.(string)
	if !ok || id == "" {
		return "", fmt.Errorf("match document has invalid %s %v (%T)", SampleIDField, raw, raw)
	}
	return id, nil
}

// RunLogDocument summarizes one trial's part in a matching run.
type RunLogDocument bson.M
