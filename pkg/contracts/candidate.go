// Package contracts defines the data model shared by the planning and execution
// engine: candidate actions proposed by the reasoning layer, the plans built from
// them, and the results reported back after execution.
package contracts

import (
	"fmt"
	"slices"
)

// ActionType names a concrete effectful operation known to the action registry.
type ActionType string

// Action type constants.
const (
	ActionSaveAttachment ActionType = "save_attachment"
	ActionCreateTask     ActionType = "create_task"
	ActionUpdateNote     ActionType = "update_note"
	ActionCreateReminder ActionType = "create_reminder"
	ActionFlag           ActionType = "flag"
	ActionArchive        ActionType = "archive"
	ActionMove           ActionType = "move"
	ActionDelete         ActionType = "delete"
)

// Tag marks a candidate with a planning-relevant property.
type Tag string

const (
	// TagRequiredEnrichment marks a knowledge capture that must be applied before
	// any irreversible action of the same event commits.
	TagRequiredEnrichment Tag = "required_enrichment"
	// TagIrreversible marks an action whose effect cannot be undone.
	TagIrreversible Tag = "irreversible"
	// TagOptionalEnrichment marks a best-effort knowledge capture.
	TagOptionalEnrichment Tag = "optional_enrichment"
)

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	switch t {
	case TagRequiredEnrichment, TagIrreversible, TagOptionalEnrichment:
		return true
	}
	return false
}

// ActionCandidate is a proposed action produced by the reasoning layer for one
// originating event. Candidates are values; every mutating helper returns a copy.
type ActionCandidate struct {
	ID         string            `json:"id"`
	EventID    string            `json:"event_id"`
	Type       ActionType        `json:"type"`
	Target     string            `json:"target"`
	Confidence float64           `json:"confidence"`
	Rationale  string            `json:"rationale,omitempty"`
	Tags       []Tag             `json:"tags,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Extraction *Extraction       `json:"extraction,omitempty"`
}

// Extraction describes the knowledge an enrichment candidate captures.
type Extraction struct {
	Type       ExtractionType `json:"type"`
	Importance Importance     `json:"importance"`
	NoteRef    string         `json:"note_ref,omitempty"`
}

// HasTag reports whether the candidate carries tag t.
func (c ActionCandidate) HasTag(t Tag) bool {
	return slices.Contains(c.Tags, t)
}

// Clone returns a deep copy of the candidate.
func (c ActionCandidate) Clone() ActionCandidate {
	out := c
	out.Tags = slices.Clone(c.Tags)
	out.DependsOn = slices.Clone(c.DependsOn)
	if c.Params != nil {
		out.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			out.Params[k] = v
		}
	}
	if c.Extraction != nil {
		ext := *c.Extraction
		out.Extraction = &ext
	}
	return out
}

// WithTag returns a copy carrying tag t in addition to the existing tags.
func (c ActionCandidate) WithTag(t Tag) ActionCandidate {
	out := c.Clone()
	if !out.HasTag(t) {
		out.Tags = append(out.Tags, t)
	}
	return out
}

// WithoutTag returns a copy with tag t removed.
func (c ActionCandidate) WithoutTag(t Tag) ActionCandidate {
	out := c.Clone()
	out.Tags = slices.DeleteFunc(out.Tags, func(x Tag) bool { return x == t })
	return out
}

// Param returns a parameter value or the empty string.
func (c ActionCandidate) Param(key string) string {
	if c.Params == nil {
		return ""
	}
	return c.Params[key]
}

// Validate checks the structural fields every candidate must carry.
func (c ActionCandidate) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidCandidate)
	}
	if c.Type == "" {
		return fmt.Errorf("%w: candidate %s has no type", ErrInvalidCandidate, c.ID)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("%w: candidate %s confidence %.3f outside [0,1]", ErrInvalidCandidate, c.ID, c.Confidence)
	}
	for _, t := range c.Tags {
		if !t.Valid() {
			return fmt.Errorf("%w: candidate %s has unknown tag %q", ErrInvalidCandidate, c.ID, t)
		}
	}
	for _, dep := range c.DependsOn {
		if dep == c.ID {
			return fmt.Errorf("%w: candidate %s depends on itself", ErrInvalidCandidate, c.ID)
		}
	}
	return nil
}
