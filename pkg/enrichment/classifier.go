// Package enrichment decides whether a knowledge capture is required or
// optional. The decision is a pure table lookup keyed by extraction type and
// importance.
package enrichment

import (
	"github.com/Mindburn-Labs/safeact/pkg/contracts"
)

// Key indexes the requirement table.
type Key struct {
	Type       contracts.ExtractionType
	Importance contracts.Importance
}

// Table maps (extraction type, importance) to required.
type Table map[Key]bool

// DefaultTable is the built-in requirement policy.
func DefaultTable() Table {
	t := Table{}
	all := []contracts.Importance{contracts.ImportanceHigh, contracts.ImportanceMedium, contracts.ImportanceLow}
	for _, imp := range all {
		t[Key{contracts.ExtractionDeadline, imp}] = true
		t[Key{contracts.ExtractionDecision, imp}] = imp == contracts.ImportanceHigh
		t[Key{contracts.ExtractionFact, imp}] = imp == contracts.ImportanceHigh
		t[Key{contracts.ExtractionActionItem, imp}] = imp != contracts.ImportanceLow
		t[Key{contracts.ExtractionContact, imp}] = false
	}
	return t
}

// Classifier is the enrichment classifier.
type Classifier struct {
	table Table
}

// NewClassifier returns a classifier over table. A nil table uses DefaultTable.
func NewClassifier(table Table) *Classifier {
	if table == nil {
		table = DefaultTable()
	}
	cp := make(Table, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &Classifier{table: cp}
}

// Required looks up the table. Pairs missing from the table are required:
// losing an unclassified capture is worse than ordering it early.
func (c *Classifier) Required(t contracts.ExtractionType, imp contracts.Importance) bool {
	req, ok := c.table[Key{t, imp}]
	if !ok {
		return true
	}
	return req
}

// Classify builds the enrichment record for a candidate that carries an
// extraction. It reports false for candidates that capture nothing.
func (c *Classifier) Classify(cand contracts.ActionCandidate) (contracts.EnrichmentRecord, bool) {
	ext := cand.Extraction
	if ext == nil {
		return contracts.EnrichmentRecord{}, false
	}
	return contracts.EnrichmentRecord{
		CandidateID:    cand.ID,
		ExtractionType: ext.Type,
		Importance:     ext.Importance,
		Required:       c.Required(ext.Type, ext.Importance),
		NoteRef:        ext.NoteRef,
	}, true
}

// Apply returns the candidate with its enrichment tag reconciled against rec.
// A required verdict adds required_enrichment. An optional verdict adds
// optional_enrichment unless the caller already marked the capture required.
func Apply(cand contracts.ActionCandidate, rec contracts.EnrichmentRecord) contracts.ActionCandidate {
	switch {
	case rec.Required:
		return cand.WithTag(contracts.TagRequiredEnrichment).WithoutTag(contracts.TagOptionalEnrichment)
	case cand.HasTag(contracts.TagRequiredEnrichment):
		return cand.Clone()
	default:
		return cand.WithTag(contracts.TagOptionalEnrichment)
	}
}
